package kofi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"supporter-rewards/services/provider"
	"supporter-rewards/services/reward"
)

const ProviderID = "kofi"

// Ko-fi delivery types.
const (
	TypeDonation     = "Donation"
	TypeSubscription = "Subscription"
	TypeCommission   = "Commission"
	TypeShopOrder    = "Shop Order"
)

// Synthetic tiers for deliveries without a product of their own.
const (
	TierDonation   = "donation"
	TierCommission = "commission"
)

type Identities interface {
	Resolve(ctx context.Context, providerID, externalRef string) (string, error)
}

type Config struct {
	VerificationToken string
}

type shopItem struct {
	DirectLinkCode string `json:"direct_link_code"`
	VariationName  string `json:"variation_name"`
	Quantity       int    `json:"quantity"`
}

type payload struct {
	VerificationToken           string     `json:"verification_token"`
	MessageID                   string     `json:"message_id"`
	Timestamp                   string     `json:"timestamp"`
	Type                        string     `json:"type"`
	FromName                    string     `json:"from_name"`
	Amount                      string     `json:"amount"`
	Email                       string     `json:"email"`
	Currency                    string     `json:"currency"`
	IsSubscriptionPayment       bool       `json:"is_subscription_payment"`
	IsFirstSubscriptionPayment  bool       `json:"is_first_subscription_payment"`
	KofiTransactionID           string     `json:"kofi_transaction_id"`
	TierName                    *string    `json:"tier_name"`
	ShopItems                   []shopItem `json:"shop_items"`
}

// Adapter handles Ko-fi webhooks. Ko-fi posts a form with a single `data`
// field and authenticates by echoing the account's verification token inside
// it, so there is no signature header.
type Adapter struct {
	cfg        Config
	identities Identities
	products   provider.ProductCatalog
	clock      func() time.Time
}

func NewAdapter(cfg Config, identities Identities, products provider.ProductCatalog) *Adapter {
	return &Adapter{cfg: cfg, identities: identities, products: products, clock: time.Now}
}

func (a *Adapter) ID() string { return ProviderID }

func (a *Adapter) SignatureHeader() string { return "" }

func (a *Adapter) ValidateSignature(body []byte, _ string, _ http.Header) bool {
	if a.cfg.VerificationToken == "" {
		return false
	}
	p, err := decode(body)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(p.VerificationToken), []byte(a.cfg.VerificationToken)) == 1
}

func (a *Adapter) ParseEvent(ctx context.Context, body []byte, _ http.Header) (reward.RewardEvent, error) {
	p, err := decode(body)
	if err != nil {
		return reward.RewardEvent{}, err
	}
	if p.KofiTransactionID == "" {
		return reward.RewardEvent{}, fmt.Errorf("%w: missing kofi_transaction_id", provider.ErrInvalidPayload)
	}

	eventType := reward.EventPurchase
	var tiers []string
	reference := p.KofiTransactionID

	switch p.Type {
	case TypeDonation:
		tiers = []string{TierDonation}
	case TypeCommission:
		tiers = []string{TierCommission}
	case TypeShopOrder:
		seen := map[string]bool{}
		for _, item := range p.ShopItems {
			code := strings.TrimSpace(item.DirectLinkCode)
			if code == "" || seen[code] {
				continue
			}
			seen[code] = true
			tiers = append(tiers, code)
		}
		if len(tiers) == 0 {
			return reward.RewardEvent{}, fmt.Errorf("%w: shop order without items", provider.ErrInvalidPayload)
		}
	case TypeSubscription:
		tier := TierDonation
		if p.TierName != nil && strings.TrimSpace(*p.TierName) != "" {
			tier = strings.TrimSpace(*p.TierName)
		}
		tiers = []string{tier}
		eventType = reward.EventSubscriptionRenewed
		if p.IsFirstSubscriptionPayment {
			eventType = reward.EventSubscriptionCreated
		}
		// Subscription payments share one reference per supporter so
		// renewals extend the same assignments.
		reference = normalizeEmail(p.Email)
		if reference == "" {
			return reward.RewardEvent{}, fmt.Errorf("%w: subscription without email", provider.ErrInvalidPayload)
		}
	default:
		return reward.RewardEvent{}, fmt.Errorf("%w: unsupported type %q", provider.ErrInvalidPayload, p.Type)
	}

	userID, err := a.ResolveUserID(ctx, p.Email)
	if err != nil {
		return reward.RewardEvent{}, err
	}

	ts, err := time.Parse(time.RFC3339, p.Timestamp)
	if err != nil {
		ts = a.clock()
	}

	ev := reward.RewardEvent{
		EventID:           "kofi:" + p.KofiTransactionID,
		EventType:         eventType,
		ProviderID:        ProviderID,
		UserID:            userID,
		ProviderReference: reference,
		EntitledTierIDs:   tiers,
		Timestamp:         ts.UTC(),
		Metadata: map[string]string{
			"kofi_type":       p.Type,
			"kofi_message_id": p.MessageID,
			"currency":        p.Currency,
		},
	}
	if amount, err := strconv.ParseFloat(strings.TrimSpace(p.Amount), 64); err == nil && amount >= 0 {
		ev.AnnouncementAmount = &amount
	}
	return ev, nil
}

// ResolveUserID looks up the supporter by the email Ko-fi reports.
func (a *Adapter) ResolveUserID(ctx context.Context, externalRef string) (string, error) {
	ref := normalizeEmail(externalRef)
	if ref == "" {
		return "", provider.ErrUserNotLinked
	}
	return a.identities.Resolve(ctx, ProviderID, ref)
}

func (a *Adapter) GetProduct(ctx context.Context, productID string) (provider.ProviderProduct, error) {
	return provider.LookupProduct(ctx, a.products, ProviderID, productID)
}

func decode(body []byte) (*payload, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrInvalidPayload, err)
	}
	raw := form.Get("data")
	if raw == "" {
		return nil, fmt.Errorf("%w: missing data field", provider.ErrInvalidPayload)
	}
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrInvalidPayload, err)
	}
	return &p, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
