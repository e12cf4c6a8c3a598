package drift

import "time"

// Action is the canonical correction for one drift item, shared by every
// provider.
type Action string

const (
	ActionGrant      Action = "grant"
	ActionRevoke     Action = "revoke"
	ActionUpdateTier Action = "update_tier"
)

// Item is one membership whose internal state differs from the provider.
type Item struct {
	Action            Action   `json:"action"`
	UserID            string   `json:"user_id"`
	ExternalUserRef   string   `json:"external_user_ref,omitempty"`
	ProviderReference string   `json:"provider_reference"`
	UpstreamTierIDs   []string `json:"upstream_tier_ids,omitempty"`
	InternalTierIDs   []string `json:"internal_tier_ids,omitempty"`
	AssignmentIDs     []string `json:"assignment_ids,omitempty"`
}

type DriftResult struct {
	ProviderID       string    `json:"provider_id"`
	DetectedAt       time.Time `json:"detected_at"`
	MembersChecked   int       `json:"members_checked"`
	MissingMembers   []Item    `json:"missing_members"`
	ExtraAssignments []Item    `json:"extra_assignments"`
	MismatchedTiers  []Item    `json:"mismatched_tiers"`
	UnlinkedMembers  []string  `json:"unlinked_members,omitempty"`
	HasDrift         bool      `json:"has_drift"`
}

type SyncResult struct {
	ProviderID         string   `json:"provider_id"`
	MembersAdded       int      `json:"members_added"`
	AssignmentsRevoked int      `json:"assignments_revoked"`
	TiersUpdated       int      `json:"tiers_updated"`
	Success            bool     `json:"success"`
	Errors             []string `json:"errors,omitempty"`
	WasDryRun          bool     `json:"was_dry_run"`
}

// RunReport is the outcome of one scheduled pass.
type RunReport struct {
	Drift   *DriftResult `json:"drift"`
	Sync    *SyncResult  `json:"sync,omitempty"`
	Skipped string       `json:"skipped,omitempty"`
}
