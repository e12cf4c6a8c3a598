package audit

import (
	"time"

	"gorm.io/datatypes"
)

type Category string

const (
	CategoryRewardAssignment Category = "reward_assignment"
	CategoryRewardDefinition Category = "reward_definition"
	CategoryProductMapping   Category = "product_mapping"
	CategoryReconciliation   Category = "reconciliation"
	CategoryDrift            Category = "drift"
	CategoryIdentity         Category = "identity"
)

const (
	ActorSystem = "system"
	ActorDrift  = "system:drift"
	ActorExpiry = "system:expiry"
)

// Entry is an append-only record of a privileged mutation. Rows are never
// updated or deleted.
type Entry struct {
	ID             string         `gorm:"column:id;primaryKey" json:"id"`
	ActorID        string         `gorm:"column:actor_id;index;not null" json:"actor_id"`
	Category       Category       `gorm:"column:category;index;not null" json:"category"`
	Action         string         `gorm:"column:action;not null" json:"action"`
	EntityType     string         `gorm:"column:entity_type;index:idx_audit_entity,priority:1" json:"entity_type"`
	EntityID       string         `gorm:"column:entity_id;index:idx_audit_entity,priority:2" json:"entity_id"`
	AffectedUserID string         `gorm:"column:affected_user_id;index" json:"affected_user_id,omitempty"`
	Reason         string         `gorm:"column:reason" json:"reason,omitempty"`
	OldValue       datatypes.JSON `gorm:"column:old_value" json:"old_value,omitempty"`
	NewValue       datatypes.JSON `gorm:"column:new_value" json:"new_value,omitempty"`
	Metadata       datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt      time.Time      `gorm:"column:created_at;index;not null" json:"created_at"`
}

func (Entry) TableName() string { return "audit_log_entries" }

// Action describes a mutation to record. Values are marshalled to JSON.
type Action struct {
	ActorID        string
	Category       Category
	Action         string
	EntityType     string
	EntityID       string
	AffectedUserID string
	Reason         string
	OldValue       any
	NewValue       any
	Metadata       map[string]any
}

type Filter struct {
	ActorID        string
	Category       Category
	EntityType     string
	EntityID       string
	AffectedUserID string
	Cursor         string
	Limit          int
}
