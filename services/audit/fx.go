package audit

import (
	"supporter-rewards/pkg/config"
	"supporter-rewards/pkg/db"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("audit.service",
	fx.Provide(
		NewService,
		func(s *Service) Logger { return s },
	),
	fx.Invoke(migrate),
)

func migrate(cfg *config.Config, conn *gorm.DB) error {
	return db.AutoMigrate(cfg, conn, &Entry{})
}
