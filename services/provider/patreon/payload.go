package patreon

import (
	"time"
)

const (
	statusActive   = "active_patron"
	statusDeclined = "declined_patron"
	statusFormer   = "former_patron"
)

type resourceRef struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// memberResource is the JSON:API member object shared by webhooks and the
// campaign members endpoint.
type memberResource struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Attributes struct {
		PatronStatus                 *string `json:"patron_status"`
		CurrentlyEntitledAmountCents *int    `json:"currently_entitled_amount_cents"`
		LastChargeDate               *string `json:"last_charge_date"`
		LastChargeStatus             *string `json:"last_charge_status"`
		PledgeRelationshipStart      *string `json:"pledge_relationship_start"`
	} `json:"attributes"`
	Relationships struct {
		CurrentlyEntitledTiers struct {
			Data []resourceRef `json:"data"`
		} `json:"currently_entitled_tiers"`
		User struct {
			Data *resourceRef `json:"data"`
		} `json:"user"`
		Campaign struct {
			Data *resourceRef `json:"data"`
		} `json:"campaign"`
	} `json:"relationships"`
}

type webhookPayload struct {
	Data *memberResource `json:"data"`
}

type membersPage struct {
	Data  []memberResource `json:"data"`
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
}

func (m *memberResource) status() string {
	if m.Attributes.PatronStatus == nil {
		return ""
	}
	return *m.Attributes.PatronStatus
}

func (m *memberResource) userRef() string {
	if m.Relationships.User.Data == nil {
		return ""
	}
	return m.Relationships.User.Data.ID
}

func (m *memberResource) campaignRef() string {
	if m.Relationships.Campaign.Data == nil {
		return ""
	}
	return m.Relationships.Campaign.Data.ID
}

// tierIDs returns the distinct, non-blank entitled tier ids in payload order.
func (m *memberResource) tierIDs() []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range m.Relationships.CurrentlyEntitledTiers.Data {
		if t.ID == "" || seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		out = append(out, t.ID)
	}
	return out
}

// timestamp picks the most specific time the payload carries.
func (m *memberResource) timestamp() (time.Time, bool) {
	for _, v := range []*string{m.Attributes.LastChargeDate, m.Attributes.PledgeRelationshipStart} {
		if v == nil || *v == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, *v); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
