package mapping

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"supporter-rewards/pkg/errutil"
	"supporter-rewards/services/audit"
	"supporter-rewards/services/reward"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("supporter-rewards/services/mapping")

const (
	ReasonMappingChanged = "mapping_changed"
	ActorReconciliation  = "system:reconciliation"
)

// ReconcileProductMapping grants rewards added to a mapping and revokes rewards
// removed from it for every user actively associated with it. A nil old
// mapping means every associated user should hold every reward of updated.
// A nil updated mapping loads the stored one.
func (s *Service) ReconcileProductMapping(ctx context.Context, mappingID string, old, updated *ProductMapping, dryRun bool) (*ProductMappingReconciliationResult, error) {
	ctx, span := tracer.Start(ctx, "mapping.ReconcileProductMapping", trace.WithAttributes(
		attribute.String("mapping.id", mappingID),
		attribute.Bool("mapping.dry_run", dryRun),
	))
	defer span.End()

	if updated == nil {
		m, err := s.catalog.GetMapping(ctx, mappingID)
		if err != nil {
			return nil, err
		}
		updated = m
	}

	added, removed := diffRewards(old, updated)
	result := &ProductMappingReconciliationResult{
		ProductMappingID: mappingID,
		AddedRewardIDs:   added,
		RemovedRewardIDs: removed,
		Success:          true,
		DryRun:           dryRun,
	}
	if len(added) == 0 && len(removed) == 0 {
		return result, nil
	}

	users, err := s.catalog.MappingUsers(ctx, mappingID)
	if err != nil {
		return nil, fmt.Errorf("load mapping users: %w", err)
	}
	overrides := map[string]*ProductMapping{mappingID: updated}

	for _, userID := range users {
		actions, err := s.reconcileMappingForUser(ctx, userID, updated, added, removed, overrides, dryRun)
		if err != nil {
			result.Success = false
			result.Errors = append(result.Errors, fmt.Sprintf("user %s: %v", userID, err))
			continue
		}
		if len(actions) > 0 {
			result.UsersAffected++
		}
		for _, a := range actions {
			if !a.Success {
				result.Success = false
				result.Errors = append(result.Errors, fmt.Sprintf("user %s reward %s: %s", a.UserID, a.RewardID, a.Error))
			}
		}
		result.Actions = append(result.Actions, actions...)
	}

	if !dryRun {
		s.record(ctx, audit.Action{
			ActorID:    ActorReconciliation,
			Category:   audit.CategoryReconciliation,
			Action:     "mapping.reconciled",
			EntityType: resourceMapping,
			EntityID:   mappingID,
			Metadata: map[string]any{
				"added":          added,
				"removed":        removed,
				"users_affected": result.UsersAffected,
				"success":        result.Success,
			},
		})
	}
	return result, nil
}

func (s *Service) reconcileMappingForUser(ctx context.Context, userID string, m *ProductMapping, added, removed []string, overrides map[string]*ProductMapping, dryRun bool) ([]ReconciliationAction, error) {
	held, err := s.engine.HeldAssignments(ctx, userID)
	if err != nil {
		return nil, err
	}
	heldBy := groupByReward(held)

	desired, err := s.catalog.desiredRewards(ctx, userID, overrides)
	if err != nil {
		return nil, err
	}

	var actions []ReconciliationAction
	for _, rid := range added {
		if len(heldBy[rid]) > 0 {
			continue
		}
		assoc, ok := desired[rid]
		if !ok {
			continue
		}
		actions = append(actions, s.grant(ctx, userID, rid, assoc, "mapping:"+m.ID, dryRun))
	}

	for _, rid := range removed {
		if _, still := desired[rid]; still {
			continue
		}
		for _, asg := range heldBy[rid] {
			if !asg.Source.Reconcilable() || asg.ProductMappingID != m.ID {
				continue
			}
			actions = append(actions, s.revoke(ctx, asg, ReasonMappingChanged, dryRun))
		}
	}
	return actions, nil
}

// ReconcileUserAssociations converges one user's membership-derived
// assignments on the rewards of their active associations. Grants use event
// ids `<prefix>:<rewardID>:<generation>` so repeated runs are idempotent.
func (s *Service) ReconcileUserAssociations(ctx context.Context, userID, eventIDPrefix string, dryRun bool) (*UserReconciliationResult, error) {
	ctx, span := tracer.Start(ctx, "mapping.ReconcileUserAssociations", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.Bool("mapping.dry_run", dryRun),
	))
	defer span.End()

	if strings.TrimSpace(userID) == "" {
		return nil, errutil.ValidationFailed("user id is required", nil, errutil.WithDetail("user_id", "is required"))
	}
	if eventIDPrefix == "" {
		eventIDPrefix = "reconcile"
	}

	desired, err := s.catalog.desiredRewards(ctx, userID, nil)
	if err != nil {
		return nil, err
	}
	held, err := s.engine.HeldAssignments(ctx, userID)
	if err != nil {
		return nil, err
	}
	heldBy := groupByReward(held)

	result := &UserReconciliationResult{UserID: userID, Success: true, DryRun: dryRun}

	for _, rid := range sortedKeys(desired) {
		if len(heldBy[rid]) > 0 {
			continue
		}
		result.Actions = append(result.Actions, s.grant(ctx, userID, rid, desired[rid], eventIDPrefix, dryRun))
	}

	reason := "reconciled:" + eventIDPrefix
	for _, rid := range sortedKeys(heldBy) {
		if _, ok := desired[rid]; ok {
			continue
		}
		for _, asg := range heldBy[rid] {
			if !asg.Source.Reconcilable() {
				continue
			}
			result.Actions = append(result.Actions, s.revoke(ctx, asg, reason, dryRun))
		}
	}

	for _, a := range result.Actions {
		if !a.Success {
			result.Success = false
			result.Errors = append(result.Errors, fmt.Sprintf("reward %s: %s", a.RewardID, a.Error))
		}
	}
	return result, nil
}

// ReconcileAllMappings ensures every associated user holds every reward of
// every active mapping. One mapping failing does not stop the others.
func (s *Service) ReconcileAllMappings(ctx context.Context, dryRun bool) (*AllMappingsResult, error) {
	mappings, err := s.catalog.ListMappings(ctx, true)
	if err != nil {
		return nil, err
	}

	result := &AllMappingsResult{Success: true, DryRun: dryRun}
	for _, m := range mappings {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		r, err := s.ReconcileProductMapping(ctx, m.ID, nil, m, dryRun)
		if err != nil {
			result.Success = false
			result.Errors = append(result.Errors, fmt.Sprintf("mapping %s: %v", m.ID, err))
			result.Mappings = append(result.Mappings, &ProductMappingReconciliationResult{
				ProductMappingID: m.ID,
				Errors:           []string{err.Error()},
				DryRun:           dryRun,
			})
			continue
		}
		if !r.Success {
			result.Success = false
			result.Errors = append(result.Errors, r.Errors...)
		}
		result.Mappings = append(result.Mappings, r)
	}

	zap.L().Info("reconciled all mappings",
		zap.Int("mappings", len(mappings)),
		zap.Bool("dry_run", dryRun),
		zap.Bool("success", result.Success),
	)
	return result, nil
}

// PreviewReconciliation is the dry run of ensuring a mapping's rewards.
func (s *Service) PreviewReconciliation(ctx context.Context, mappingID string) (*ProductMappingReconciliationResult, error) {
	return s.ReconcileProductMapping(ctx, mappingID, nil, nil, true)
}

func (s *Service) grant(ctx context.Context, userID, rewardID string, assoc *ProductMappingUserAssociation, prefix string, dryRun bool) ReconciliationAction {
	action := ReconciliationAction{UserID: userID, RewardID: rewardID, Kind: ActionAdded, Success: true}
	if dryRun {
		return action
	}

	gen, err := s.engine.AssignmentCount(ctx, userID, rewardID)
	if err != nil {
		action.Success, action.Error = false, err.Error()
		return action
	}
	asg, err := s.engine.AssignRewardWithEventID(ctx, reward.AssignParams{
		UserID:            userID,
		RewardID:          rewardID,
		ProviderID:        assoc.ProviderID,
		ProviderReference: assoc.ProviderReference,
		EventID:           fmt.Sprintf("%s:%s:%d", prefix, rewardID, gen),
		ProductMappingID:  assoc.ProductMappingID,
		Source:            reward.SourceReconciliation,
		ActorID:           ActorReconciliation,
	})
	if asg != nil {
		action.AssignmentID = asg.ID
	}
	if err != nil {
		action.Success, action.Error = false, err.Error()
	}
	return action
}

func (s *Service) revoke(ctx context.Context, asg *reward.RewardAssignment, reason string, dryRun bool) ReconciliationAction {
	action := ReconciliationAction{
		UserID:       asg.UserID,
		RewardID:     asg.RewardID,
		Kind:         ActionRemoved,
		Success:      true,
		AssignmentID: asg.ID,
	}
	if dryRun {
		return action
	}
	if _, err := s.engine.RevokeReward(ctx, asg.ID, reason, ActorReconciliation); err != nil {
		action.Success, action.Error = false, err.Error()
	}
	return action
}

// diffRewards returns the reward ids to add and remove, each sorted.
func diffRewards(old, updated *ProductMapping) (added, removed []string) {
	next := map[string]bool{}
	if updated.IsActive {
		for _, rid := range updated.RewardIDs {
			next[rid] = true
		}
	}
	prev := map[string]bool{}
	if old != nil {
		for _, rid := range old.RewardIDs {
			prev[rid] = true
		}
	} else if !updated.IsActive {
		for _, rid := range updated.RewardIDs {
			prev[rid] = true
		}
	}

	for rid := range next {
		if old == nil || !prev[rid] {
			added = append(added, rid)
		}
	}
	for rid := range prev {
		if !next[rid] {
			removed = append(removed, rid)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func groupByReward(rows []*reward.RewardAssignment) map[string][]*reward.RewardAssignment {
	out := make(map[string][]*reward.RewardAssignment)
	for _, r := range rows {
		out[r.RewardID] = append(out[r.RewardID], r)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
