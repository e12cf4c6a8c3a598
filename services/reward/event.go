package reward

import (
	"fmt"
	"math"
	"strings"
	"time"

	"supporter-rewards/pkg/errutil"
)

type EventType string

const (
	EventPurchase              EventType = "purchase"
	EventSubscriptionCreated   EventType = "subscription_created"
	EventSubscriptionRenewed   EventType = "subscription_renewed"
	EventSubscriptionCancelled EventType = "subscription_cancelled"
	EventSubscriptionExpired   EventType = "subscription_expired"
)

func (t EventType) Valid() bool {
	switch t {
	case EventPurchase, EventSubscriptionCreated, EventSubscriptionRenewed,
		EventSubscriptionCancelled, EventSubscriptionExpired:
		return true
	default:
		return false
	}
}

// Grants reports whether the event type results in reward assignments.
func (t EventType) Grants() bool {
	return t == EventPurchase || t == EventSubscriptionCreated || t == EventSubscriptionRenewed
}

// MembershipActive reports whether the event leaves the subscription in an
// active state.
func (t EventType) MembershipActive() bool {
	return t.Grants()
}

// RewardEvent is the provider-agnostic form of an inbound webhook.
type RewardEvent struct {
	EventID            string            `json:"event_id"`
	EventType          EventType         `json:"event_type"`
	ProviderID         string            `json:"provider_id"`
	UserID             string            `json:"user_id"`
	ProviderReference  string            `json:"provider_reference"`
	EntitledTierIDs    []string          `json:"entitled_tier_ids"`
	AnnouncementAmount *float64          `json:"announcement_amount,omitempty"`
	Currency           string            `json:"currency,omitempty"`
	Timestamp          time.Time         `json:"timestamp"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// Validate checks the event without touching any store. Every problem is
// reported as a detail of a single validation error.
func (e RewardEvent) Validate() error {
	var details []errutil.Detail
	add := func(field, msg string) {
		details = append(details, errutil.Detail{Field: field, Message: msg})
	}

	if strings.TrimSpace(e.EventID) == "" {
		add("event_id", "is required")
	}
	if !e.EventType.Valid() {
		add("event_type", fmt.Sprintf("unknown event type %q", e.EventType))
	}
	if strings.TrimSpace(e.ProviderID) == "" {
		add("provider_id", "is required")
	}
	if strings.TrimSpace(e.UserID) == "" {
		add("user_id", "is required")
	}
	if strings.TrimSpace(e.ProviderReference) == "" {
		add("provider_reference", "is required")
	}
	if e.Timestamp.IsZero() {
		add("timestamp", "is required")
	}
	if e.AnnouncementAmount != nil {
		amt := *e.AnnouncementAmount
		if math.IsNaN(amt) || math.IsInf(amt, 0) || amt < 0 {
			add("announcement_amount", "must be a non-negative number")
		}
	}

	if len(e.EntitledTierIDs) == 0 {
		add("entitled_tier_ids", "at least one tier is required")
	}
	seen := make(map[string]struct{}, len(e.EntitledTierIDs))
	for i, tier := range e.EntitledTierIDs {
		field := fmt.Sprintf("entitled_tier_ids[%d]", i)
		if strings.TrimSpace(tier) == "" {
			add(field, "must not be blank")
			continue
		}
		if _, dup := seen[tier]; dup {
			add(field, fmt.Sprintf("duplicate tier %q", tier))
			continue
		}
		seen[tier] = struct{}{}
	}

	if len(details) > 0 {
		return errutil.ValidationFailed("invalid reward event", nil, errutil.WithDetails(details...))
	}
	return nil
}
