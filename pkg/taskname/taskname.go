package taskname

const (
	// Reward tasks
	RewardExpiryRun = "rewards:expiry:run"

	// Drift tasks
	DriftDetectRun = "rewards:drift:run"

	// Reconciliation tasks
	ReconcileAllMappings = "rewards:reconcile:all"
)
