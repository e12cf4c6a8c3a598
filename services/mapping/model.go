package mapping

import (
	"time"

	"gorm.io/datatypes"
)

type MappingType string

const (
	TypeSingleTier MappingType = "single_tier"
	TypeMultiTier  MappingType = "multi_tier"
)

// ProductMapping translates provider products/tiers to reward ids. For an
// active mapping RewardIDs is the full set a member of it should hold.
type ProductMapping struct {
	ID          string                      `gorm:"column:id;primaryKey" json:"id"`
	ProductName string                      `gorm:"column:product_name;not null" json:"product_name"`
	Type        MappingType                 `gorm:"column:type;not null" json:"type"`
	RewardIDs   datatypes.JSONSlice[string] `gorm:"column:reward_ids" json:"reward_ids"`
	IsActive    bool                        `gorm:"column:is_active;not null;index" json:"is_active"`
	Version     int64                       `gorm:"column:version;not null;default:0" json:"version"`
	Products    []ProductMappingProduct     `gorm:"foreignKey:ProductMappingID" json:"products"`
	CreatedAt   time.Time                   `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time                   `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (m *ProductMapping) GetID() string      { return m.ID }
func (m *ProductMapping) GetVersion() int64  { return m.Version }
func (m *ProductMapping) SetVersion(v int64) { m.Version = v }

// ProductMappingProduct is one (provider, product) pair sold as the mapping's
// product. A pair belongs to at most one mapping.
type ProductMappingProduct struct {
	ID               string    `gorm:"column:id;primaryKey" json:"id"`
	ProductMappingID string    `gorm:"column:product_mapping_id;not null;index" json:"product_mapping_id"`
	ProviderID       string    `gorm:"column:provider_id;not null;uniqueIndex:ux_mapping_provider_product,priority:1" json:"provider_id"`
	ProductID        string    `gorm:"column:product_id;not null;uniqueIndex:ux_mapping_provider_product,priority:2" json:"product_id"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// ProductMappingUserAssociation records that a provider membership currently
// entitles a user to a mapping.
type ProductMappingUserAssociation struct {
	ID                string    `gorm:"column:id;primaryKey" json:"id"`
	UserID            string    `gorm:"column:user_id;not null;index;uniqueIndex:ux_mapping_association,priority:1" json:"user_id"`
	ProductMappingID  string    `gorm:"column:product_mapping_id;not null;index;uniqueIndex:ux_mapping_association,priority:2" json:"product_mapping_id"`
	ProviderID        string    `gorm:"column:provider_id;not null;index;uniqueIndex:ux_mapping_association,priority:3" json:"provider_id"`
	ProviderProductID string    `gorm:"column:provider_product_id;not null;uniqueIndex:ux_mapping_association,priority:4" json:"provider_product_id"`
	ProviderReference string    `gorm:"column:provider_reference;not null;uniqueIndex:ux_mapping_association,priority:5" json:"provider_reference"`
	IsActive          bool      `gorm:"column:is_active;not null" json:"is_active"`
	Version           int64     `gorm:"column:version;not null;default:0" json:"version"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (a *ProductMappingUserAssociation) GetID() string      { return a.ID }
func (a *ProductMappingUserAssociation) GetVersion() int64  { return a.Version }
func (a *ProductMappingUserAssociation) SetVersion(v int64) { a.Version = v }

type ProductRef struct {
	ProviderID string `json:"provider_id"`
	ProductID  string `json:"product_id"`
}

type MappingInput struct {
	ProductName string       `json:"product_name"`
	Type        MappingType  `json:"type"`
	RewardIDs   []string     `json:"reward_ids"`
	Products    []ProductRef `json:"products"`
	IsActive    *bool        `json:"is_active"`
}

type ActionKind string

const (
	ActionAdded   ActionKind = "added"
	ActionRemoved ActionKind = "removed"
)

// ReconciliationAction is one planned or executed grant/revoke.
type ReconciliationAction struct {
	UserID       string     `json:"user_id"`
	RewardID     string     `json:"reward_id"`
	Kind         ActionKind `json:"kind"`
	Success      bool       `json:"success"`
	AssignmentID string     `json:"assignment_id,omitempty"`
	Error        string     `json:"error,omitempty"`
}

type ProductMappingReconciliationResult struct {
	ProductMappingID string                 `json:"product_mapping_id"`
	AddedRewardIDs   []string               `json:"added_reward_ids"`
	RemovedRewardIDs []string               `json:"removed_reward_ids"`
	UsersAffected    int                    `json:"users_affected"`
	Actions          []ReconciliationAction `json:"actions"`
	Success          bool                   `json:"success"`
	Errors           []string               `json:"errors,omitempty"`
	DryRun           bool                   `json:"dry_run"`
}

type UserReconciliationResult struct {
	UserID  string                 `json:"user_id"`
	Actions []ReconciliationAction `json:"actions"`
	Success bool                   `json:"success"`
	Errors  []string               `json:"errors,omitempty"`
	DryRun  bool                   `json:"dry_run"`
}

type AllMappingsResult struct {
	Mappings []*ProductMappingReconciliationResult `json:"mappings"`
	Success  bool                                  `json:"success"`
	Errors   []string                              `json:"errors,omitempty"`
	DryRun   bool                                  `json:"dry_run"`
}
