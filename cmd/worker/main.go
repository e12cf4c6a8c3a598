package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"supporter-rewards/pkg/config"
	"supporter-rewards/pkg/db"
	"supporter-rewards/pkg/featureflags"
	"supporter-rewards/pkg/gen"
	"supporter-rewards/pkg/logger"
	"supporter-rewards/pkg/otelcol"
	"supporter-rewards/pkg/profiling"
	"supporter-rewards/pkg/redis"
	asynqtask "supporter-rewards/pkg/task"
	"supporter-rewards/services/audit"
	"supporter-rewards/services/drift"
	"supporter-rewards/services/mapping"
	"supporter-rewards/services/provider"
	"supporter-rewards/services/provider/builtin"
	"supporter-rewards/services/reward"
	"supporter-rewards/services/task"
)

// The worker serves the distributed expiry, drift and reconciliation passes.
// Every worker runs the enqueue scheduler; asynq uniqueness keeps one task
// per interval.
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
		asynqtask.Client,
		asynqtask.Server,
		audit.Module,
		reward.Module,
		mapping.Module,
		provider.Module,
		builtin.Module,
		drift.Module,
		task.Module,
		task.Distributed,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
