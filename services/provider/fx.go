package provider

import (
	"supporter-rewards/pkg/config"
	"supporter-rewards/pkg/db"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("provider.identity",
	fx.Provide(NewIdentityStore),
	fx.Invoke(migrate),
)

func migrate(cfg *config.Config, conn *gorm.DB) error {
	return db.AutoMigrate(cfg, conn, &ProviderIdentity{})
}
