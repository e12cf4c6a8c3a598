package reward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"supporter-rewards/pkg/errutil"
	"supporter-rewards/pkg/repository"
	"supporter-rewards/services/audit"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const resourceAssignment = "reward_assignment"

// TierResolver maps provider tier/product ids to rewards through the active
// product mappings.
type TierResolver interface {
	ResolveRewards(ctx context.Context, providerID string, tierIDs []string) ([]ResolvedReward, error)
}

// MembershipRecorder keeps the user's mapping associations in line with the
// latest provider event. EndMembership closes a membership whose paid period
// lapsed without a provider event.
type MembershipRecorder interface {
	RecordMembership(ctx context.Context, ev RewardEvent) error
	EndMembership(ctx context.Context, userID, providerID, providerReference string) error
}

type Service struct {
	db          *gorm.DB
	node        *snowflake.Node
	rewards     repository.Repository[Reward]
	assignments repository.Repository[RewardAssignment]
	modules     *ModuleRegistry
	audit       audit.Logger
	tiers       TierResolver
	memberships MembershipRecorder
	clock       func() time.Time
}

type ServiceParams struct {
	fx.In
	DB          *gorm.DB
	Node        *snowflake.Node
	Modules     *ModuleRegistry
	Audit       audit.Logger
	Tiers       TierResolver       `optional:"true"`
	Memberships MembershipRecorder `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:          p.DB,
		node:        p.Node,
		rewards:     repository.ProvideStore[Reward](p.DB),
		assignments: repository.ProvideStore[RewardAssignment](p.DB),
		modules:     p.Modules,
		audit:       p.Audit,
		tiers:       p.Tiers,
		memberships: p.Memberships,
		clock:       time.Now,
	}
}

// =========================================================
// ProcessRewardEvent
// =========================================================

// ProcessRewardEvent applies one provider event to the ledger. Delivering the
// same EventID again returns the assignments recorded the first time without
// touching any module.
func (s *Service) ProcessRewardEvent(ctx context.Context, ev RewardEvent) (*ProcessResult, error) {
	ctx, span := tracer.Start(ctx, "reward.ProcessRewardEvent", trace.WithAttributes(
		attribute.String("reward.provider", ev.ProviderID),
		attribute.String("reward.event_type", string(ev.EventType)),
		attribute.String("reward.event_id", ev.EventID),
	))
	defer span.End()

	result, err := s.processRewardEvent(ctx, ev)
	outcome := "ok"
	switch {
	case err != nil && errutil.Is(err, errutil.StatusValidationFailed):
		outcome = "invalid"
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case result.Duplicate:
		outcome = "duplicate"
	}
	eventsProcessed.WithLabelValues(ev.ProviderID, string(ev.EventType), outcome).Inc()
	return result, err
}

func (s *Service) processRewardEvent(ctx context.Context, ev RewardEvent) (*ProcessResult, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	result := &ProcessResult{EventID: ev.EventID}

	if ev.EventType.Grants() {
		existing, err := s.assignments.Find(ctx, &RewardAssignment{
			UserID:     ev.UserID,
			ProviderID: ev.ProviderID,
			EventID:    ev.EventID,
		})
		if err != nil {
			return nil, errutil.Internal("failed to load assignments for event", err)
		}
		if len(existing) > 0 {
			result.Duplicate = true
			result.Assignments = existing
			return result, nil
		}
	}

	if s.memberships != nil {
		if err := s.memberships.RecordMembership(ctx, ev); err != nil {
			return nil, errutil.ProductMappingFailed("failed to record membership", err)
		}
	}

	switch {
	case ev.EventType.Grants():
		return result, s.grantForEvent(ctx, ev, result)
	case ev.EventType == EventSubscriptionExpired:
		return result, s.revokeForSource(ctx, ev, result)
	default:
		// Cancellation only ends the membership; granted rewards run out on
		// their own expiry or are removed by reconciliation.
		return result, nil
	}
}

func (s *Service) grantForEvent(ctx context.Context, ev RewardEvent, result *ProcessResult) error {
	if s.tiers == nil {
		return errutil.ProductMappingFailed("no tier resolver configured", nil)
	}
	resolved, err := s.tiers.ResolveRewards(ctx, ev.ProviderID, ev.EntitledTierIDs)
	if err != nil {
		return errutil.ProductMappingFailed("failed to resolve tiers", err)
	}
	if len(resolved) == 0 {
		zap.L().Info("no product mapping for event tiers",
			zap.String("event_id", ev.EventID),
			zap.String("provider", ev.ProviderID),
			zap.Strings("tiers", ev.EntitledTierIDs),
		)
		return nil
	}

	var failures []errutil.Detail
	for _, rr := range resolved {
		asg, created, err := s.assign(ctx, AssignParams{
			UserID:            ev.UserID,
			RewardID:          rr.RewardID,
			ProviderID:        ev.ProviderID,
			ProviderReference: ev.ProviderReference,
			EventID:           ev.EventID,
			ProductMappingID:  rr.ProductMappingID,
			Source:            eventSource(ev.EventType),
			ActorID:           "provider:" + ev.ProviderID,
			Metadata:          ev.Metadata,
		})
		switch {
		case err == nil:
		case errutil.Is(err, errutil.StatusRewardAssignmentFailed):
			result.Assignments = append(result.Assignments, asg)
			result.Failures = append(result.Failures, fmt.Sprintf("%s: %v", rr.RewardID, err))
			failures = append(failures, errutil.Detail{Field: rr.RewardID, Message: err.Error()})
			continue
		case errutil.Is(err, errutil.StatusNotFound), errutil.Is(err, errutil.StatusUnprocessableEntity):
			zap.L().Warn("skipping unavailable reward",
				zap.String("event_id", ev.EventID),
				zap.String("reward_id", rr.RewardID),
				zap.Error(err),
			)
			continue
		default:
			return err
		}

		result.Assignments = append(result.Assignments, asg)
		if !created && ev.EventType == EventSubscriptionRenewed {
			if err := s.extendExpiry(ctx, asg, ev); err != nil {
				return err
			}
		}
	}

	if len(failures) > 0 {
		return errutil.RewardAssignmentFailed(
			fmt.Sprintf("%d reward(s) failed to apply", len(failures)), nil,
			errutil.WithDetails(failures...),
		)
	}
	return nil
}

// revokeForSource ends every active assignment granted through the expired
// provider reference.
func (s *Service) revokeForSource(ctx context.Context, ev RewardEvent, result *ProcessResult) error {
	rows, err := s.assignments.Find(ctx, &RewardAssignment{
		UserID:            ev.UserID,
		ProviderID:        ev.ProviderID,
		ProviderReference: ev.ProviderReference,
		Status:            StatusActive,
	})
	if err != nil {
		return errutil.Internal("failed to load source assignments", err)
	}
	for _, row := range rows {
		revoked, err := s.revoke(ctx, row, "subscription_expired", "provider:"+ev.ProviderID)
		if err != nil {
			return err
		}
		result.Revoked = append(result.Revoked, revoked)
	}
	return nil
}

// extendExpiry pushes a renewed assignment's expiry out from the renewal time.
func (s *Service) extendExpiry(ctx context.Context, asg *RewardAssignment, ev RewardEvent) error {
	if asg.Status != StatusActive || asg.ExpiresAt == nil || asg.EventID == ev.EventID {
		return nil
	}
	rw, err := s.rewards.FindOne(ctx, &Reward{ID: asg.RewardID})
	if err != nil || rw == nil {
		return errutil.Internal("failed to load reward for renewal", err)
	}
	next := rw.ExpiresAt(ev.Timestamp.UTC())
	if next == nil || !next.After(*asg.ExpiresAt) {
		return nil
	}

	old := asg.snapshot()
	asg.ExpiresAt = next
	if err := repository.UpdateWithVersion(ctx, s.db, asg, resourceAssignment); err != nil {
		return err
	}
	s.record(ctx, audit.Action{
		ActorID:        "provider:" + ev.ProviderID,
		Category:       audit.CategoryRewardAssignment,
		Action:         "assignment.extended",
		EntityType:     resourceAssignment,
		EntityID:       asg.ID,
		AffectedUserID: asg.UserID,
		OldValue:       old,
		NewValue:       asg.snapshot(),
		Metadata:       map[string]any{"event_id": ev.EventID},
	})
	return nil
}

// =========================================================
// Assignment
// =========================================================

// AssignRewardWithEventID grants a reward for one source event. An existing
// row for the same tuple, or an active assignment of the same reward from any
// other event, is returned as is.
func (s *Service) AssignRewardWithEventID(ctx context.Context, p AssignParams) (*RewardAssignment, error) {
	asg, _, err := s.assign(ctx, p)
	return asg, err
}

// AssignManual grants a reward on behalf of an administrator.
func (s *Service) AssignManual(ctx context.Context, userID, rewardID, actorID, reason string) (*RewardAssignment, error) {
	if strings.TrimSpace(actorID) == "" {
		return nil, errutil.ValidationFailed("actor is required", nil, errutil.WithDetail("actor_id", "is required"))
	}
	metadata := map[string]string{}
	if reason != "" {
		metadata["reason"] = reason
	}
	asg, _, err := s.assign(ctx, AssignParams{
		UserID:            userID,
		RewardID:          rewardID,
		ProviderID:        ProviderManual,
		ProviderReference: actorID,
		EventID:           "manual:" + s.node.Generate().String(),
		Source:            SourceManual,
		ActorID:           actorID,
		Metadata:          metadata,
	})
	return asg, err
}

func (s *Service) assign(ctx context.Context, p AssignParams) (*RewardAssignment, bool, error) {
	if err := p.validate(); err != nil {
		return nil, false, err
	}

	rw, err := s.rewards.FindOne(ctx, &Reward{ID: p.RewardID})
	if err != nil {
		return nil, false, errutil.Internal("failed to load reward", err)
	}
	if rw == nil {
		return nil, false, errutil.NotFound("reward not found", nil, errutil.WithDetail("reward_id", p.RewardID))
	}
	if !rw.IsActive {
		return nil, false, errutil.UnprocessableEntity("reward is inactive", nil, errutil.WithDetail("reward_id", p.RewardID))
	}

	tuple := &RewardAssignment{
		UserID:            p.UserID,
		RewardID:          p.RewardID,
		ProviderID:        p.ProviderID,
		ProviderReference: p.ProviderReference,
		EventID:           p.EventID,
	}
	existing, err := s.assignments.FindOne(ctx, tuple)
	if err != nil {
		return nil, false, errutil.Internal("failed to load assignment", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	active, err := s.assignments.FindOne(ctx, &RewardAssignment{
		UserID:   p.UserID,
		RewardID: p.RewardID,
		Status:   StatusActive,
	})
	if err != nil {
		return nil, false, errutil.Internal("failed to load active assignment", err)
	}
	if active != nil {
		return active, false, nil
	}

	now := s.clock().UTC()
	asg := &RewardAssignment{
		ID:                s.node.Generate().String(),
		UserID:            p.UserID,
		RewardID:          p.RewardID,
		ProviderID:        p.ProviderID,
		ProviderReference: p.ProviderReference,
		EventID:           p.EventID,
		ProductMappingID:  p.ProductMappingID,
		Source:            p.Source,
		Status:            StatusPending,
		AssignedAt:        now,
		ExpiresAt:         rw.ExpiresAt(now),
		Metadata:          metadataJSON(p.Metadata),
	}
	if err := s.assignments.Create(ctx, asg); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost a concurrent create of the same tuple.
			if existing, ferr := s.assignments.FindOne(ctx, tuple); ferr == nil && existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, errutil.Internal("failed to create assignment", err)
	}
	assignmentTransitions.WithLabelValues(string(StatusPending)).Inc()

	if err := s.apply(ctx, rw, asg, p); err != nil {
		return asg, true, err
	}
	return asg, true, nil
}

// apply runs the reward module. A module failure leaves the row in failed
// state and is returned as a recoverable assignment error.
func (s *Service) apply(ctx context.Context, rw *Reward, asg *RewardAssignment, p AssignParams) error {
	mod, err := s.modules.Get(rw.ModuleID)
	if err == nil {
		err = mod.Apply(ctx, ModuleRequest{Reward: rw, Assignment: asg})
	}

	action := "assignment.granted"
	if err != nil {
		moduleFailures.WithLabelValues(rw.ModuleID, "apply").Inc()
		asg.Status = StatusFailed
		asg.FailureReason = err.Error()
		action = "assignment.failed"
	} else {
		asg.Status = StatusActive
	}

	if uerr := repository.UpdateWithVersion(ctx, s.db, asg, resourceAssignment); uerr != nil {
		return uerr
	}
	assignmentTransitions.WithLabelValues(string(asg.Status)).Inc()

	s.record(ctx, audit.Action{
		ActorID:        p.ActorID,
		Category:       audit.CategoryRewardAssignment,
		Action:         action,
		EntityType:     resourceAssignment,
		EntityID:       asg.ID,
		AffectedUserID: asg.UserID,
		Reason:         p.Metadata["reason"],
		NewValue:       asg,
		Metadata: map[string]any{
			"event_id":           asg.EventID,
			"provider_id":        asg.ProviderID,
			"product_mapping_id": asg.ProductMappingID,
		},
	})

	if err != nil {
		zap.L().Warn("reward module apply failed",
			zap.String("assignment_id", asg.ID),
			zap.String("module", rw.ModuleID),
			zap.Error(err),
		)
		return errutil.RewardAssignmentFailed("failed to apply reward", err, errutil.WithDetail("assignment_id", asg.ID))
	}
	return nil
}

// =========================================================
// Revocation
// =========================================================

// RevokeReward ends an assignment. Revoking a revoked or expired assignment
// returns it unchanged.
func (s *Service) RevokeReward(ctx context.Context, assignmentID, reason, actorID string) (*RewardAssignment, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, errutil.ValidationFailed("revocation reason is required", nil, errutil.WithDetail("reason", "is required"))
	}
	asg, err := s.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	return s.revoke(ctx, asg, reason, actorID)
}

func (s *Service) revoke(ctx context.Context, asg *RewardAssignment, reason, actorID string) (*RewardAssignment, error) {
	if asg.Status == StatusRevoked || asg.Status == StatusExpired {
		return asg, nil
	}

	old := asg.snapshot()
	applied := asg.Status == StatusActive || asg.Status == StatusPending
	now := s.clock().UTC()
	asg.Status = StatusRevoked
	asg.RevokedAt = &now
	asg.RevocationReason = reason

	ok, err := repository.TryUpdateWithVersion(ctx, s.db, asg)
	if err != nil {
		return nil, errutil.Internal("failed to revoke assignment", err)
	}
	if !ok {
		return nil, errutil.Concurrency(resourceAssignment, asg.ID)
	}
	assignmentTransitions.WithLabelValues(string(StatusRevoked)).Inc()

	var moduleErr error
	if applied {
		moduleErr = s.revokeModule(ctx, asg)
	}

	a := audit.Action{
		ActorID:        actorID,
		Category:       audit.CategoryRewardAssignment,
		Action:         "assignment.revoked",
		EntityType:     resourceAssignment,
		EntityID:       asg.ID,
		AffectedUserID: asg.UserID,
		Reason:         reason,
		OldValue:       old,
		NewValue:       asg.snapshot(),
	}
	if moduleErr != nil {
		a.Metadata = map[string]any{"module_error": moduleErr.Error()}
	}
	s.record(ctx, a)

	if moduleErr != nil {
		return asg, errutil.RewardRevocationFailed("failed to revoke reward module", moduleErr, errutil.WithDetail("assignment_id", asg.ID))
	}
	return asg, nil
}

func (s *Service) revokeModule(ctx context.Context, asg *RewardAssignment) error {
	rw, err := s.rewards.FindOne(ctx, &Reward{ID: asg.RewardID})
	if err != nil {
		return err
	}
	if rw == nil {
		return fmt.Errorf("reward %s not found", asg.RewardID)
	}
	mod, err := s.modules.Get(rw.ModuleID)
	if err == nil {
		err = mod.Revoke(ctx, ModuleRequest{Reward: rw, Assignment: asg})
	}
	if err != nil {
		moduleFailures.WithLabelValues(rw.ModuleID, "revoke").Inc()
		zap.L().Error("reward module revoke failed",
			zap.String("assignment_id", asg.ID),
			zap.String("module", rw.ModuleID),
			zap.Error(err),
		)
	}
	return err
}

// =========================================================
// Queries
// =========================================================

func (s *Service) GetAssignment(ctx context.Context, id string) (*RewardAssignment, error) {
	asg, err := s.assignments.FindOne(ctx, &RewardAssignment{ID: id})
	if err != nil {
		return nil, errutil.Internal("failed to load assignment", err)
	}
	if asg == nil {
		return nil, errutil.NotFound("assignment not found", nil, errutil.WithDetail("assignment_id", id))
	}
	return asg, nil
}

// ListUserAssignments returns a user's assignments, newest first. An empty
// status returns every status.
func (s *Service) ListUserAssignments(ctx context.Context, userID string, status AssignmentStatus) ([]*RewardAssignment, error) {
	rows, err := s.assignments.Find(ctx,
		&RewardAssignment{UserID: userID, Status: status},
		orderNewestFirst,
	)
	if err != nil {
		return nil, errutil.Internal("failed to list assignments", err)
	}
	return rows, nil
}

// HeldAssignments returns the user's active and pending assignments.
func (s *Service) HeldAssignments(ctx context.Context, userID string) ([]*RewardAssignment, error) {
	var rows []*RewardAssignment
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, []AssignmentStatus{StatusActive, StatusPending}).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, errutil.Internal("failed to list held assignments", err)
	}
	return rows, nil
}

// ProviderAssignments returns every active assignment granted by a provider.
func (s *Service) ProviderAssignments(ctx context.Context, providerID string) ([]*RewardAssignment, error) {
	rows, err := s.assignments.Find(ctx, &RewardAssignment{ProviderID: providerID, Status: StatusActive})
	if err != nil {
		return nil, errutil.Internal("failed to list provider assignments", err)
	}
	return rows, nil
}

// AssignmentCount counts every assignment, in any status, a user ever had for
// a reward.
func (s *Service) AssignmentCount(ctx context.Context, userID, rewardID string) (int64, error) {
	n, err := s.assignments.Count(ctx, &RewardAssignment{UserID: userID, RewardID: rewardID})
	if err != nil {
		return 0, errutil.Internal("failed to count assignments", err)
	}
	return n, nil
}

func eventSource(t EventType) AssignmentSource {
	if t == EventPurchase {
		return SourcePurchase
	}
	return SourceSubscription
}

func orderNewestFirst(db *gorm.DB) *gorm.DB {
	return db.Order("created_at DESC, id DESC")
}

func (p AssignParams) validate() error {
	var details []errutil.Detail
	for field, v := range map[string]string{
		"user_id":            p.UserID,
		"reward_id":          p.RewardID,
		"provider_id":        p.ProviderID,
		"provider_reference": p.ProviderReference,
		"event_id":           p.EventID,
	} {
		if strings.TrimSpace(v) == "" {
			details = append(details, errutil.Detail{Field: field, Message: "is required"})
		}
	}
	if p.Source == "" {
		details = append(details, errutil.Detail{Field: "source", Message: "is required"})
	}
	if len(details) > 0 {
		return errutil.ValidationFailed("invalid assignment", nil, errutil.WithDetails(details...))
	}
	return nil
}

func (s *Service) record(ctx context.Context, a audit.Action) {
	if s.audit == nil {
		return
	}
	// LogAction already logs failures; the mutation stands either way.
	_ = s.audit.LogAction(ctx, a)
}

func metadataJSON(m map[string]string) datatypes.JSON {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
