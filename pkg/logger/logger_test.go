package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"supporter-rewards/pkg/config"
)

func TestNewHonoursLevel(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zap.NewNop()))

	cfg := &config.Config{AppEnv: "production", AppName: "supporter-rewards"}
	cfg.Log.Level = "warn"

	lc := fxtest.NewLifecycle(t)
	log, err := New(ConfigParams{Lc: lc, Cfg: cfg})
	require.NoError(t, err)
	require.False(t, log.Core().Enabled(zap.InfoLevel))
	require.True(t, log.Core().Enabled(zap.WarnLevel))
	require.Same(t, log, zap.L())

	lc.RequireStart().RequireStop()
}

func TestNewDevelopmentDefaultsToDebug(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zap.NewNop()))

	log, err := New(ConfigParams{Lc: fxtest.NewLifecycle(t), Cfg: &config.Config{AppEnv: "development"}})
	require.NoError(t, err)
	require.True(t, log.Core().Enabled(zap.DebugLevel))
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zap.NewNop()))

	cfg := &config.Config{}
	cfg.Log.Level = "loud"
	_, err := New(ConfigParams{Lc: fxtest.NewLifecycle(t), Cfg: cfg})
	require.Error(t, err)
}
