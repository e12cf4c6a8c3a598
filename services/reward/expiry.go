package reward

import (
	"context"

	"supporter-rewards/pkg/db/option"
	"supporter-rewards/pkg/errutil"
	"supporter-rewards/pkg/repository"
	"supporter-rewards/services/audit"

	"go.uber.org/zap"
)

const expiryBatchSize = 200

// ExpireReward moves an active assignment whose expiry has passed to expired
// and runs the module's revoke path. Rows that are not active, or not yet due,
// are left alone and reported as not expired. Expiring a membership-derived
// assignment also ends that membership, otherwise the next reconciliation
// would grant the reward again.
func (s *Service) ExpireReward(ctx context.Context, asg *RewardAssignment) (bool, error) {
	now := s.clock().UTC()
	if asg.Status != StatusActive || asg.ExpiresAt == nil || asg.ExpiresAt.After(now) {
		return false, nil
	}

	old := asg.snapshot()
	asg.Status = StatusExpired

	ok, err := repository.TryUpdateWithVersion(ctx, s.db, asg)
	if err != nil {
		asg.Status = StatusActive
		return false, errutil.Internal("failed to expire assignment", err)
	}
	if !ok {
		asg.Status = StatusActive
		return false, errutil.Concurrency(resourceAssignment, asg.ID)
	}
	assignmentTransitions.WithLabelValues(string(StatusExpired)).Inc()
	s.endLapsedMembership(ctx, asg)

	moduleErr := s.revokeModule(ctx, asg)
	a := audit.Action{
		ActorID:        audit.ActorExpiry,
		Category:       audit.CategoryRewardAssignment,
		Action:         "assignment.expired",
		EntityType:     resourceAssignment,
		EntityID:       asg.ID,
		AffectedUserID: asg.UserID,
		Reason:         "expired",
		OldValue:       old,
		NewValue:       asg.snapshot(),
	}
	if moduleErr != nil {
		a.Metadata = map[string]any{"module_error": moduleErr.Error()}
	}
	s.record(ctx, a)

	if moduleErr != nil {
		return true, errutil.RewardRevocationFailed("failed to revoke expired reward", moduleErr, errutil.WithDetail("assignment_id", asg.ID))
	}
	return true, nil
}

func (s *Service) endLapsedMembership(ctx context.Context, asg *RewardAssignment) {
	if s.memberships == nil || !asg.Source.Reconcilable() || asg.ProviderID == ProviderManual {
		return
	}
	if err := s.memberships.EndMembership(ctx, asg.UserID, asg.ProviderID, asg.ProviderReference); err != nil {
		zap.L().Error("failed to end lapsed membership",
			zap.String("assignment_id", asg.ID),
			zap.String("user_id", asg.UserID),
			zap.String("provider_id", asg.ProviderID),
			zap.Error(err),
		)
	}
}

// ProcessExpiredRewards sweeps every due assignment. It is safe to run
// concurrently with itself: the status guard on each write lets exactly one
// sweep expire a given row.
func (s *Service) ProcessExpiredRewards(ctx context.Context) (*ExpirySummary, error) {
	ctx, span := tracer.Start(ctx, "reward.ProcessExpiredRewards")
	defer span.End()

	now := s.clock().UTC()
	summary := &ExpirySummary{}
	lastID := ""

	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		opts := []option.QueryOption{
			option.ApplyOperator(option.Condition{Field: "expires_at", Operator: option.LTE, Value: now}),
			option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc"}),
			option.WithLimit(expiryBatchSize),
		}
		if lastID != "" {
			opts = append(opts, option.ApplyOperator(option.Condition{Field: "id", Operator: option.GT, Value: lastID}))
		}

		batch, err := s.assignments.Find(ctx, &RewardAssignment{Status: StatusActive}, opts...)
		if err != nil {
			return summary, errutil.Internal("failed to load expired assignments", err)
		}

		for _, asg := range batch {
			summary.Scanned++
			lastID = asg.ID

			expired, err := s.ExpireReward(ctx, asg)
			switch {
			case err == nil && expired:
				summary.Expired++
			case err == nil:
			case errutil.Is(err, errutil.StatusConcurrency):
				summary.Conflicts++
			case errutil.Is(err, errutil.StatusRewardRevocationFailed):
				summary.Expired++
				summary.Failed++
			default:
				summary.Failed++
				zap.L().Error("failed to expire assignment", zap.String("assignment_id", asg.ID), zap.Error(err))
			}
		}

		if len(batch) < expiryBatchSize {
			break
		}
	}

	if summary.Expired > 0 || summary.Failed > 0 {
		zap.L().Info("expiration sweep finished",
			zap.Int("scanned", summary.Scanned),
			zap.Int("expired", summary.Expired),
			zap.Int("conflicts", summary.Conflicts),
			zap.Int("failed", summary.Failed),
		)
	}
	return summary, nil
}
