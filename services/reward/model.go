package reward

import (
	"time"

	"gorm.io/datatypes"
)

type DurationType string

const (
	DurationPermanent DurationType = "permanent"
	DurationDays      DurationType = "days"
	DurationMonths    DurationType = "months"
	DurationYears     DurationType = "years"
)

func (d DurationType) Valid() bool {
	switch d {
	case DurationPermanent, DurationDays, DurationMonths, DurationYears:
		return true
	default:
		return false
	}
}

type AssignmentStatus string

const (
	StatusPending AssignmentStatus = "pending"
	StatusActive  AssignmentStatus = "active"
	StatusExpired AssignmentStatus = "expired"
	StatusRevoked AssignmentStatus = "revoked"
	StatusFailed  AssignmentStatus = "failed"
)

// AssignmentSource records what caused an assignment. Only membership-derived
// sources are subject to reconciliation.
type AssignmentSource string

const (
	SourceSubscription   AssignmentSource = "subscription"
	SourcePurchase       AssignmentSource = "purchase"
	SourceManual         AssignmentSource = "manual"
	SourceReconciliation AssignmentSource = "reconciliation"
)

// Reconcilable reports whether reconciliation may revoke assignments of this source.
func (s AssignmentSource) Reconcilable() bool {
	return s == SourceSubscription || s == SourceReconciliation
}

// ProviderManual marks assignments made by an administrator. Reconciliation
// never revokes them.
const ProviderManual = "manual"

// Reward defines a grantable benefit implemented by the module named ModuleID.
type Reward struct {
	ID            string         `gorm:"column:id;primaryKey" json:"id"`
	DisplayID     string         `gorm:"column:display_id;uniqueIndex;not null" json:"display_id"`
	Name          string         `gorm:"column:name;not null" json:"name"`
	ModuleID      string         `gorm:"column:module_id;index;not null" json:"module_id"`
	Parameters    datatypes.JSON `gorm:"column:parameters" json:"parameters"`
	DurationType  DurationType   `gorm:"column:duration_type;not null" json:"duration_type"`
	DurationValue int            `gorm:"column:duration_value;not null;default:0" json:"duration_value"`
	IsActive      bool           `gorm:"column:is_active;not null" json:"is_active"`
	Version       int64          `gorm:"column:version;not null;default:0" json:"version"`
	CreatedAt     time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (r *Reward) GetID() string      { return r.ID }
func (r *Reward) GetVersion() int64  { return r.Version }
func (r *Reward) SetVersion(v int64) { r.Version = v }

// ExpiresAt derives an assignment's expiry from the reward duration. Nil means
// the grant never expires.
func (r *Reward) ExpiresAt(from time.Time) *time.Time {
	var t time.Time
	switch r.DurationType {
	case DurationDays:
		t = from.AddDate(0, 0, r.DurationValue)
	case DurationMonths:
		t = from.AddDate(0, r.DurationValue, 0)
	case DurationYears:
		t = from.AddDate(r.DurationValue, 0, 0)
	default:
		return nil
	}
	return &t
}

// RewardAssignment is the entitlement ledger row. At most one row exists per
// (user, reward, provider, provider reference, event).
type RewardAssignment struct {
	ID                string           `gorm:"column:id;primaryKey" json:"id"`
	UserID            string           `gorm:"column:user_id;not null;index;uniqueIndex:ux_reward_assignment_source,priority:1" json:"user_id"`
	RewardID          string           `gorm:"column:reward_id;not null;index;uniqueIndex:ux_reward_assignment_source,priority:2" json:"reward_id"`
	ProviderID        string           `gorm:"column:provider_id;not null;index;uniqueIndex:ux_reward_assignment_source,priority:3" json:"provider_id"`
	ProviderReference string           `gorm:"column:provider_reference;not null;uniqueIndex:ux_reward_assignment_source,priority:4" json:"provider_reference"`
	EventID           string           `gorm:"column:event_id;not null;index;uniqueIndex:ux_reward_assignment_source,priority:5" json:"event_id"`
	ProductMappingID  string           `gorm:"column:product_mapping_id;index" json:"product_mapping_id,omitempty"`
	Source            AssignmentSource `gorm:"column:source;not null" json:"source"`
	Status            AssignmentStatus `gorm:"column:status;not null;index:idx_reward_assignment_expiry,priority:1" json:"status"`
	AssignedAt        time.Time        `gorm:"column:assigned_at;not null" json:"assigned_at"`
	ExpiresAt         *time.Time       `gorm:"column:expires_at;index:idx_reward_assignment_expiry,priority:2" json:"expires_at,omitempty"`
	RevokedAt         *time.Time       `gorm:"column:revoked_at" json:"revoked_at,omitempty"`
	RevocationReason  string           `gorm:"column:revocation_reason" json:"revocation_reason,omitempty"`
	FailureReason     string           `gorm:"column:failure_reason" json:"failure_reason,omitempty"`
	Version           int64            `gorm:"column:version;not null;default:0" json:"version"`
	Metadata          datatypes.JSON   `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt         time.Time        `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time        `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (a *RewardAssignment) GetID() string      { return a.ID }
func (a *RewardAssignment) GetVersion() int64  { return a.Version }
func (a *RewardAssignment) SetVersion(v int64) { a.Version = v }

// snapshot is the audit view of an assignment.
func (a *RewardAssignment) snapshot() map[string]any {
	return map[string]any{
		"status":            a.Status,
		"expires_at":        a.ExpiresAt,
		"revoked_at":        a.RevokedAt,
		"revocation_reason": a.RevocationReason,
		"failure_reason":    a.FailureReason,
		"version":           a.Version,
	}
}

// UserUnlock is the user-visible side effect written by the built-in modules.
type UserUnlock struct {
	ID           string    `gorm:"column:id;primaryKey" json:"id"`
	UserID       string    `gorm:"column:user_id;not null;index" json:"user_id"`
	AssignmentID string    `gorm:"column:assignment_id;not null;uniqueIndex:ux_user_unlock_assignment,priority:1" json:"assignment_id"`
	UnlockType   string    `gorm:"column:unlock_type;not null;uniqueIndex:ux_user_unlock_assignment,priority:2" json:"unlock_type"`
	UnlockKey    string    `gorm:"column:unlock_key;not null" json:"unlock_key"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// ResolvedReward is a reward id reached through an active product mapping.
type ResolvedReward struct {
	RewardID         string
	ProductMappingID string
}

type AssignParams struct {
	UserID            string
	RewardID          string
	ProviderID        string
	ProviderReference string
	EventID           string
	ProductMappingID  string
	Source            AssignmentSource
	ActorID           string
	Metadata          map[string]string
}

// ProcessResult is what ProcessRewardEvent returns for one event.
type ProcessResult struct {
	EventID     string              `json:"event_id"`
	Duplicate   bool                `json:"duplicate"`
	Assignments []*RewardAssignment `json:"assignments"`
	Revoked     []*RewardAssignment `json:"revoked,omitempty"`
	Failures    []string            `json:"failures,omitempty"`
}

// ExpirySummary reports one expiration sweep.
type ExpirySummary struct {
	Scanned   int `json:"scanned"`
	Expired   int `json:"expired"`
	Conflicts int `json:"conflicts"`
	Failed    int `json:"failed"`
}
