package reward

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	ModuleCosmeticUnlock = "cosmetic_unlock"
	ModuleSupporterBadge = "supporter_badge"
)

var cosmeticKinds = []string{"avatar_frame", "name_color", "title", "emote", "theme"}

// unlockModule writes one user_unlocks row per assignment. Both built-in
// modules share it and differ only in how parameters map to the unlock.
type unlockModule struct {
	id    string
	db    *gorm.DB
	node  *snowflake.Node
	defs  []ParameterDefinition
	parse func(params json.RawMessage) (kind, key string, err error)
}

// NewCosmeticUnlockModule grants a cosmetic item: {"kind": "...", "item": "..."}.
func NewCosmeticUnlockModule(db *gorm.DB, node *snowflake.Node) RewardModule {
	return &unlockModule{
		id:   ModuleCosmeticUnlock,
		db:   db,
		node: node,
		defs: []ParameterDefinition{
			{Name: "kind", Type: "string", Required: true, Allowed: cosmeticKinds},
			{Name: "item", Type: "string", Required: true, Description: "cosmetic item key"},
		},
		parse: func(params json.RawMessage) (string, string, error) {
			var p struct {
				Kind string `json:"kind"`
				Item string `json:"item"`
			}
			if err := decodeParams(params, &p); err != nil {
				return "", "", err
			}
			if !slices.Contains(cosmeticKinds, p.Kind) {
				return "", "", fmt.Errorf("kind must be one of %s", strings.Join(cosmeticKinds, ", "))
			}
			if strings.TrimSpace(p.Item) == "" {
				return "", "", fmt.Errorf("item is required")
			}
			return p.Kind, p.Item, nil
		},
	}
}

// NewSupporterBadgeModule grants a profile badge: {"badge": "..."}.
func NewSupporterBadgeModule(db *gorm.DB, node *snowflake.Node) RewardModule {
	return &unlockModule{
		id:   ModuleSupporterBadge,
		db:   db,
		node: node,
		defs: []ParameterDefinition{
			{Name: "badge", Type: "string", Required: true, Description: "badge key shown on the profile"},
		},
		parse: func(params json.RawMessage) (string, string, error) {
			var p struct {
				Badge string `json:"badge"`
			}
			if err := decodeParams(params, &p); err != nil {
				return "", "", err
			}
			if strings.TrimSpace(p.Badge) == "" {
				return "", "", fmt.Errorf("badge is required")
			}
			return "badge", p.Badge, nil
		},
	}
}

func (m *unlockModule) ID() string { return m.id }

func (m *unlockModule) ParameterDefinitions() []ParameterDefinition { return m.defs }

func (m *unlockModule) ValidateParameters(params json.RawMessage) error {
	_, _, err := m.parse(params)
	return err
}

func (m *unlockModule) Apply(ctx context.Context, req ModuleRequest) error {
	kind, key, err := m.parse(json.RawMessage(req.Reward.Parameters))
	if err != nil {
		return fmt.Errorf("%s: %w", m.id, err)
	}

	unlock := &UserUnlock{
		ID:           m.node.Generate().String(),
		UserID:       req.Assignment.UserID,
		AssignmentID: req.Assignment.ID,
		UnlockType:   kind,
		UnlockKey:    key,
	}
	return m.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(unlock).Error
}

func (m *unlockModule) Revoke(ctx context.Context, req ModuleRequest) error {
	return m.db.WithContext(ctx).
		Where("assignment_id = ?", req.Assignment.ID).
		Delete(&UserUnlock{}).Error
}

func decodeParams(params json.RawMessage, dst any) error {
	if len(params) == 0 {
		return fmt.Errorf("parameters are required")
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}
