package reward

import (
	"supporter-rewards/pkg/config"
	"supporter-rewards/pkg/db"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("reward.service",
	fx.Provide(
		NewBuiltinRegistry,
		NewService,
	),
	fx.Invoke(migrate),
)

// NewBuiltinRegistry registers the modules shipped with the service.
func NewBuiltinRegistry(conn *gorm.DB, node *snowflake.Node) (*ModuleRegistry, error) {
	return NewModuleRegistry(
		NewCosmeticUnlockModule(conn, node),
		NewSupporterBadgeModule(conn, node),
	)
}

func migrate(cfg *config.Config, conn *gorm.DB) error {
	return db.AutoMigrate(cfg, conn, &Reward{}, &RewardAssignment{}, &UserUnlock{})
}
