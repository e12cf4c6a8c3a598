package mapping

import (
	"supporter-rewards/pkg/config"
	"supporter-rewards/pkg/db"
	"supporter-rewards/services/reward"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("mapping.service",
	fx.Provide(
		NewCatalog,
		func(c *Catalog) reward.TierResolver { return c },
		func(c *Catalog) reward.MembershipRecorder { return c },
		func(s *reward.Service) Engine { return s },
		NewService,
	),
	fx.Invoke(migrate),
)

func migrate(cfg *config.Config, conn *gorm.DB) error {
	return db.AutoMigrate(cfg, conn, &ProductMapping{}, &ProductMappingProduct{}, &ProductMappingUserAssociation{})
}
