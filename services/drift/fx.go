package drift

import (
	"supporter-rewards/services/mapping"
	"supporter-rewards/services/provider"
	"supporter-rewards/services/reward"

	"go.uber.org/fx"
)

var Module = fx.Module("drift.service",
	fx.Provide(
		func(s *provider.IdentityStore) Identities { return s },
		func(c *mapping.Catalog) Memberships { return c },
		func(s *reward.Service) Ledger { return s },
		func(s *mapping.Service) Reconciler { return s },
		NewService,
	),
)
