package logger

import (
	"context"
	"fmt"

	"supporter-rewards/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Module = fx.Module("zap",
	fx.Provide(
		New,
	),
)

type ConfigParams struct {
	fx.In
	Lc  fx.Lifecycle
	Cfg *config.Config
}

// New builds the process logger and installs it as zap's global, which the
// services log through. LOG.LEVEL overrides the environment's default level.
func New(p ConfigParams) (*zap.Logger, error) {
	production := p.Cfg.AppEnv == "production"

	zcfg := zap.NewDevelopmentConfig()
	if production {
		zcfg = productionConfig()
	}

	if p.Cfg.Log.Level != "" {
		level, err := zapcore.ParseLevel(p.Cfg.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", p.Cfg.Log.Level, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}

	log, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	log = log.With(
		zap.String("env", p.Cfg.AppEnv),
		zap.String("service_name", p.Cfg.AppName),
		zap.String("version", p.Cfg.AppVersion),
		zap.Int64("node_id", p.Cfg.NodeID),
	)

	zap.ReplaceGlobals(log)

	p.Lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			// stdout/stderr return EINVAL on sync
			_ = log.Sync()
			return nil
		},
	})
	return log, nil
}

func productionConfig() zap.Config {
	c := zap.NewProductionConfig()
	c.EncoderConfig.TimeKey = "timestamp"
	c.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	c.EncoderConfig.StacktraceKey = "stacktrace"
	c.EncoderConfig.LevelKey = "severity"
	c.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	c.EncoderConfig.CallerKey = "caller"
	c.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	c.Encoding = "json"
	c.OutputPaths = []string{"stdout"}
	c.ErrorOutputPaths = []string{"stderr"}
	return c
}
