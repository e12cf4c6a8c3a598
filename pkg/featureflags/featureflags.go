package featureflags

import (
	"context"

	"supporter-rewards/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Remote switches read at run time. An unknown flag falls back to the
// caller's default.
const (
	FlagDriftAutoSync = "drift_auto_sync"
	FlagExpirySweep   = "expiry_sweep"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

type FeatureFlag interface {
	Features(ctx context.Context) ([]flagsmith.Flag, error)
	IsEnabled(ctx context.Context, feature string, fallback bool) bool
}

type featureflag struct {
	client *flagsmith.Client
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	if p.Config.Flagsmith.ApiKey == "" {
		return &featureflag{}
	}

	opts := []flagsmith.Option{
		flagsmith.WithAnalytics(),
	}
	if p.Config.Flagsmith.Addr != "" {
		opts = append(opts, flagsmith.WithBaseURL(p.Config.Flagsmith.Addr))
	}

	return &featureflag{
		client: flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...),
	}
}

func (s *featureflag) Features(ctx context.Context) ([]flagsmith.Flag, error) {
	if s.client == nil {
		return nil, nil
	}
	flags, err := s.client.GetEnvironmentFlags()
	if err != nil {
		return nil, err
	}

	return flags.AllFlags(), nil
}

func (s *featureflag) IsEnabled(ctx context.Context, feature string, fallback bool) bool {
	if s.client == nil {
		return fallback
	}
	flags, err := s.client.GetEnvironmentFlags()
	if err != nil {
		zap.L().Warn("feature flags unavailable, using default", zap.String("feature", feature), zap.Error(err))
		return fallback
	}
	enabled, err := flags.IsFeatureEnabled(feature)
	if err != nil {
		return fallback
	}
	return enabled
}

// Static returns a FeatureFlag answering from a fixed map, for tests and
// tools that run without Flagsmith.
func Static(values map[string]bool) FeatureFlag {
	return staticFlags(values)
}

type staticFlags map[string]bool

func (s staticFlags) Features(context.Context) ([]flagsmith.Flag, error) {
	out := make([]flagsmith.Flag, 0, len(s))
	for name, on := range s {
		out = append(out, flagsmith.Flag{FeatureName: name, Enabled: on})
	}
	return out, nil
}

func (s staticFlags) IsEnabled(_ context.Context, feature string, fallback bool) bool {
	if v, ok := s[feature]; ok {
		return v
	}
	return fallback
}
