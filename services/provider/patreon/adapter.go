package patreon

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"supporter-rewards/services/provider"
	"supporter-rewards/services/reward"
)

const (
	ProviderID      = "patreon"
	HeaderSignature = "X-Patreon-Signature"
	HeaderEvent     = "X-Patreon-Event"
)

// Identities resolves Patreon user ids to internal users.
type Identities interface {
	Resolve(ctx context.Context, providerID, externalRef string) (string, error)
}

type Config struct {
	WebhookSecret string
	CampaignID    string
}

type Adapter struct {
	cfg        Config
	identities Identities
	products   provider.ProductCatalog
	clock      func() time.Time
}

func NewAdapter(cfg Config, identities Identities, products provider.ProductCatalog) *Adapter {
	return &Adapter{
		cfg:        cfg,
		identities: identities,
		products:   products,
		clock:      time.Now,
	}
}

func (a *Adapter) ID() string { return ProviderID }

func (a *Adapter) SignatureHeader() string { return HeaderSignature }

// ValidateSignature checks the hex HMAC-MD5 of the raw body. An unset secret
// rejects everything.
func (a *Adapter) ValidateSignature(payload []byte, signature string, _ http.Header) bool {
	if a.cfg.WebhookSecret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(md5.New, []byte(a.cfg.WebhookSecret))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

func (a *Adapter) ParseEvent(ctx context.Context, payload []byte, headers http.Header) (reward.RewardEvent, error) {
	name := strings.TrimSpace(headers.Get(HeaderEvent))
	if name == "" {
		return reward.RewardEvent{}, fmt.Errorf("%w: missing %s header", provider.ErrInvalidPayload, HeaderEvent)
	}

	var body webhookPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return reward.RewardEvent{}, fmt.Errorf("%w: %v", provider.ErrInvalidPayload, err)
	}
	m := body.Data
	if m == nil || m.Type != "member" || m.ID == "" {
		return reward.RewardEvent{}, fmt.Errorf("%w: not a member resource", provider.ErrInvalidPayload)
	}
	if a.cfg.CampaignID != "" && m.campaignRef() != a.cfg.CampaignID {
		return reward.RewardEvent{}, fmt.Errorf("%w: campaign %q is not configured", provider.ErrInvalidPayload, m.campaignRef())
	}

	eventType, err := eventTypeFor(name, m.status())
	if err != nil {
		return reward.RewardEvent{}, err
	}
	tiers := m.tierIDs()
	if len(tiers) == 0 && eventType.Grants() {
		// followers and patrons who dropped to the free tier hold no paid tier
		if eventType == reward.EventSubscriptionCreated {
			return reward.RewardEvent{}, fmt.Errorf("%w: member %s holds no tier", provider.ErrIgnoredEvent, m.ID)
		}
		eventType = reward.EventSubscriptionExpired
	}

	userRef := m.userRef()
	if userRef == "" {
		return reward.RewardEvent{}, fmt.Errorf("%w: member has no user", provider.ErrInvalidPayload)
	}
	userID, err := a.ResolveUserID(ctx, userRef)
	if err != nil {
		return reward.RewardEvent{}, err
	}

	ts, ok := m.timestamp()
	if !ok {
		ts = a.clock().UTC()
	}

	ev := reward.RewardEvent{
		EventID:           eventID(name, payload),
		EventType:         eventType,
		ProviderID:        ProviderID,
		UserID:            userID,
		ProviderReference: m.ID,
		EntitledTierIDs:   tiers,
		Timestamp:         ts,
		Metadata: map[string]string{
			"patreon_event":   name,
			"patreon_user_id": userRef,
			"patron_status":   m.status(),
		},
	}
	if cents := m.Attributes.CurrentlyEntitledAmountCents; cents != nil {
		amount := float64(*cents) / 100
		ev.AnnouncementAmount = &amount
	}
	if v := m.Attributes.LastChargeStatus; v != nil {
		ev.Metadata["last_charge_status"] = *v
	}
	return ev, nil
}

func (a *Adapter) ResolveUserID(ctx context.Context, externalRef string) (string, error) {
	return a.identities.Resolve(ctx, ProviderID, externalRef)
}

func (a *Adapter) GetProduct(ctx context.Context, productID string) (provider.ProviderProduct, error) {
	return provider.LookupProduct(ctx, a.products, ProviderID, productID)
}

func eventTypeFor(name, status string) (reward.EventType, error) {
	switch name {
	case "members:create", "members:pledge:create":
		return reward.EventSubscriptionCreated, nil
	case "members:update", "members:pledge:update":
		switch status {
		case statusFormer:
			return reward.EventSubscriptionExpired, nil
		case statusDeclined:
			return reward.EventSubscriptionCancelled, nil
		default:
			return reward.EventSubscriptionRenewed, nil
		}
	case "members:delete", "members:pledge:delete":
		return reward.EventSubscriptionCancelled, nil
	default:
		return "", fmt.Errorf("%w: unsupported event %q", provider.ErrInvalidPayload, name)
	}
}

// eventID is stable for a redelivered webhook: Patreon resends the same
// event name and body.
func eventID(name string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{'\n'})
	h.Write(payload)
	return "patreon:" + hex.EncodeToString(h.Sum(nil))[:32]
}
