package webhook

import (
	"supporter-rewards/pkg/config"
	"supporter-rewards/pkg/db"
	"supporter-rewards/services/mapping"
	"supporter-rewards/services/reward"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("webhook.service",
	fx.Provide(
		func(s *reward.Service) Engine { return s },
		func(c *mapping.Catalog) Associations { return c },
		func(s *mapping.Service) Reconciler { return s },
		NewService,
		NewHandler,
	),
	fx.Invoke(migrate),
)

// Routes mounts the ingress endpoint on the shared engine.
var Routes = fx.Invoke(func(r *gin.Engine, h *Handler) { h.Register(r) })

func migrate(cfg *config.Config, conn *gorm.DB) error {
	return db.AutoMigrate(cfg, conn, &WebhookDelivery{})
}
