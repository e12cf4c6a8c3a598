package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"supporter-rewards/pkg/auth"
	"supporter-rewards/pkg/config"
	"supporter-rewards/pkg/db"
	"supporter-rewards/pkg/featureflags"
	"supporter-rewards/pkg/gen"
	"supporter-rewards/pkg/health"
	"supporter-rewards/pkg/logger"
	"supporter-rewards/pkg/otelcol"
	"supporter-rewards/pkg/profiling"
	"supporter-rewards/pkg/redis"
	"supporter-rewards/pkg/server"
	"supporter-rewards/services/admin"
	"supporter-rewards/services/audit"
	"supporter-rewards/services/drift"
	"supporter-rewards/services/mapping"
	"supporter-rewards/services/provider"
	"supporter-rewards/services/provider/builtin"
	"supporter-rewards/services/reward"
	"supporter-rewards/services/task"
	"supporter-rewards/services/webhook"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		gen.Module,
		featureflags.Module,
		auth.Module,
		health.Module,
		server.ProvideHTTPServer,
		audit.Module,
		reward.Module,
		mapping.Module,
		provider.Module,
		builtin.Module,
		drift.Module,
		webhook.Module,
		webhook.Routes,
		admin.Module,
		task.Module,
		task.InProcess,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "development" {
		return &fxevent.ZapLogger{Logger: logger}
	}
	return fxevent.NopLogger
})
