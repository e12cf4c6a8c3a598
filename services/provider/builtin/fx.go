// Package builtin wires the shipped provider adapters from configuration.
package builtin

import (
	"supporter-rewards/pkg/config"
	"supporter-rewards/services/mapping"
	"supporter-rewards/services/provider"
	"supporter-rewards/services/provider/kofi"
	"supporter-rewards/services/provider/patreon"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("provider.builtin",
	fx.Provide(
		func(c *mapping.Catalog) provider.ProductCatalog { return c },
		NewRegistry,
		NewSourceSet,
	),
)

// NewRegistry registers every adapter. Adapters without credentials stay
// registered and reject all deliveries.
func NewRegistry(cfg *config.Config, identities *provider.IdentityStore, products provider.ProductCatalog) (*provider.Registry, error) {
	if cfg.Patreon.WebhookSecret == "" {
		zap.L().Warn("patreon webhook secret not configured, deliveries will be rejected")
	}
	if cfg.Kofi.VerificationToken == "" {
		zap.L().Warn("ko-fi verification token not configured, deliveries will be rejected")
	}
	return provider.NewRegistry(
		patreon.NewAdapter(patreon.Config{
			WebhookSecret: cfg.Patreon.WebhookSecret,
			CampaignID:    cfg.Patreon.CampaignID,
		}, identities, products),
		kofi.NewAdapter(kofi.Config{VerificationToken: cfg.Kofi.VerificationToken}, identities, products),
	)
}

// NewSourceSet exposes the providers with a membership read API. Ko-fi has
// none.
func NewSourceSet(cfg *config.Config) *provider.SourceSet {
	if cfg.Patreon.AccessToken == "" || cfg.Patreon.CampaignID == "" {
		return provider.NewSourceSet()
	}
	return provider.NewSourceSet(patreon.NewMembersClient(patreon.ClientConfig{
		BaseURL:     cfg.Patreon.APIBaseURL,
		AccessToken: cfg.Patreon.AccessToken,
		CampaignID:  cfg.Patreon.CampaignID,
	}, nil))
}
