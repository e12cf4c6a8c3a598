package drift

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"supporter-rewards/pkg/config"
	"supporter-rewards/pkg/featureflags"
	"supporter-rewards/pkg/rediskey"
	"supporter-rewards/services/audit"
	"supporter-rewards/services/mapping"
	"supporter-rewards/services/provider"
	"supporter-rewards/services/reward"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	lockTTL = 30 * time.Minute
)

var (
	tracer = otel.Tracer("supporter-rewards/services/drift")

	itemsDetected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rewards_drift_items_total",
		Help: "Drift items detected per provider and action.",
	}, []string{"provider", "action"})
)

func init() {
	prometheus.MustRegister(itemsDetected)
}

type Identities interface {
	Resolve(ctx context.Context, providerID, externalRef string) (string, error)
}

// Memberships is the association side of the mapping catalog.
type Memberships interface {
	ProviderAssociations(ctx context.Context, providerID string) ([]*mapping.ProductMappingUserAssociation, error)
	MappedProducts(ctx context.Context, providerID string) (map[string]bool, error)
	SetMemberships(ctx context.Context, userID, providerID, providerReference string, productIDs []string, active bool) error
}

type Ledger interface {
	ProviderAssignments(ctx context.Context, providerID string) ([]*reward.RewardAssignment, error)
}

type Reconciler interface {
	ReconcileUserAssociations(ctx context.Context, userID, eventIDPrefix string, dryRun bool) (*mapping.UserReconciliationResult, error)
}

type Service struct {
	cfg         *config.Config
	sources     *provider.SourceSet
	identities  Identities
	memberships Memberships
	ledger      Ledger
	reconciler  Reconciler
	audit       audit.Logger
	flags       featureflags.FeatureFlag
	rdb         *redis.Client
	clock       func() time.Time
}

type ServiceParams struct {
	fx.In
	Config      *config.Config
	Sources     *provider.SourceSet
	Identities  Identities
	Memberships Memberships
	Ledger      Ledger
	Reconciler  Reconciler
	Audit       audit.Logger             `optional:"true"`
	Flags       featureflags.FeatureFlag `optional:"true"`
	Redis       *redis.Client            `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	flags := p.Flags
	if flags == nil {
		flags = featureflags.Static(nil)
	}
	return &Service{
		cfg:         p.Config,
		sources:     p.Sources,
		identities:  p.Identities,
		memberships: p.Memberships,
		ledger:      p.Ledger,
		reconciler:  p.Reconciler,
		audit:       p.Audit,
		flags:       flags,
		rdb:         p.Redis,
		clock:       time.Now,
	}
}

// Providers lists the providers drift detection can run for.
func (s *Service) Providers() []string {
	return s.sources.IDs()
}

type memberKey struct {
	userID, reference string
}

type internalState struct {
	tiers       map[string]bool
	assignments []string
}

// DetectDrift compares the provider's current memberships with the internal
// associations and membership-derived assignments of that provider. Only
// tiers sold by an active mapping are compared.
func (s *Service) DetectDrift(ctx context.Context, providerID string) (*DriftResult, error) {
	ctx, span := tracer.Start(ctx, "drift.DetectDrift", trace.WithAttributes(attribute.String("provider.id", providerID)))
	defer span.End()

	src, err := s.sources.Get(providerID)
	if err != nil {
		return nil, err
	}
	members, err := src.ListMembers(ctx)
	if err != nil {
		return nil, err
	}
	mapped, err := s.memberships.MappedProducts(ctx, providerID)
	if err != nil {
		return nil, err
	}

	result := &DriftResult{ProviderID: providerID, DetectedAt: s.clock().UTC(), MembersChecked: len(members)}

	upstream := map[memberKey][]string{}
	refs := map[memberKey]string{}
	for _, m := range members {
		if !m.Active {
			continue
		}
		tiers := filterMapped(m.TierIDs, mapped)
		if len(tiers) == 0 {
			continue
		}
		userID, err := s.identities.Resolve(ctx, providerID, m.ExternalUserRef)
		if err != nil {
			if errors.Is(err, provider.ErrUserNotLinked) {
				result.UnlinkedMembers = append(result.UnlinkedMembers, m.ExternalUserRef)
				continue
			}
			return nil, err
		}
		k := memberKey{userID, m.ProviderReference}
		upstream[k] = tiers
		refs[k] = m.ExternalUserRef
	}

	internal, err := s.internalState(ctx, providerID)
	if err != nil {
		return nil, err
	}

	for _, k := range sortedMemberKeys(upstream) {
		tiers := upstream[k]
		in, ok := internal[k]
		item := Item{
			UserID:            k.userID,
			ExternalUserRef:   refs[k],
			ProviderReference: k.reference,
			UpstreamTierIDs:   tiers,
		}
		switch {
		case !ok:
			item.Action = ActionGrant
			result.MissingMembers = append(result.MissingMembers, item)
		case !sameSet(tiers, in.tiers):
			item.Action = ActionUpdateTier
			item.InternalTierIDs = keys(in.tiers)
			item.AssignmentIDs = in.assignments
			result.MismatchedTiers = append(result.MismatchedTiers, item)
		case len(in.assignments) == 0:
			item.Action = ActionGrant
			item.InternalTierIDs = keys(in.tiers)
			result.MissingMembers = append(result.MissingMembers, item)
		}
	}

	for _, k := range sortedMemberKeys(internal) {
		if _, ok := upstream[k]; ok {
			continue
		}
		in := internal[k]
		result.ExtraAssignments = append(result.ExtraAssignments, Item{
			Action:            ActionRevoke,
			UserID:            k.userID,
			ProviderReference: k.reference,
			InternalTierIDs:   keys(in.tiers),
			AssignmentIDs:     in.assignments,
		})
	}

	sort.Strings(result.UnlinkedMembers)
	result.HasDrift = len(result.MissingMembers)+len(result.ExtraAssignments)+len(result.MismatchedTiers) > 0

	itemsDetected.WithLabelValues(providerID, string(ActionGrant)).Add(float64(len(result.MissingMembers)))
	itemsDetected.WithLabelValues(providerID, string(ActionRevoke)).Add(float64(len(result.ExtraAssignments)))
	itemsDetected.WithLabelValues(providerID, string(ActionUpdateTier)).Add(float64(len(result.MismatchedTiers)))

	zap.L().Info("drift detection finished",
		zap.String("provider", providerID),
		zap.Int("members", len(members)),
		zap.Int("missing", len(result.MissingMembers)),
		zap.Int("extra", len(result.ExtraAssignments)),
		zap.Int("mismatched", len(result.MismatchedTiers)),
		zap.Int("unlinked", len(result.UnlinkedMembers)),
	)
	return result, nil
}

func (s *Service) internalState(ctx context.Context, providerID string) (map[memberKey]*internalState, error) {
	state := map[memberKey]*internalState{}
	get := func(k memberKey) *internalState {
		st, ok := state[k]
		if !ok {
			st = &internalState{tiers: map[string]bool{}}
			state[k] = st
		}
		return st
	}

	assocs, err := s.memberships.ProviderAssociations(ctx, providerID)
	if err != nil {
		return nil, err
	}
	for _, a := range assocs {
		get(memberKey{a.UserID, a.ProviderReference}).tiers[a.ProviderProductID] = true
	}

	rows, err := s.ledger.ProviderAssignments(ctx, providerID)
	if err != nil {
		return nil, err
	}
	for _, asg := range rows {
		if !asg.Source.Reconcilable() {
			continue
		}
		st := get(memberKey{asg.UserID, asg.ProviderReference})
		st.assignments = append(st.assignments, asg.ID)
	}
	for _, st := range state {
		sort.Strings(st.assignments)
	}
	return state, nil
}

// SyncDrift applies the corrections of a detection result. Each item is
// independent: failures are collected and the remaining items still run.
func (s *Service) SyncDrift(ctx context.Context, result *DriftResult, dryRun bool) *SyncResult {
	ctx, span := tracer.Start(ctx, "drift.SyncDrift", trace.WithAttributes(
		attribute.String("provider.id", result.ProviderID),
		attribute.Bool("drift.dry_run", dryRun),
	))
	defer span.End()

	out := &SyncResult{ProviderID: result.ProviderID, Success: true, WasDryRun: dryRun}
	fail := func(item Item, err error) {
		out.Success = false
		out.Errors = append(out.Errors, fmt.Sprintf("%s %s/%s: %v", item.Action, item.UserID, item.ProviderReference, err))
	}

	for _, item := range result.MissingMembers {
		if err := s.syncMember(ctx, result.ProviderID, item, dryRun); err != nil {
			fail(item, err)
			continue
		}
		out.MembersAdded++
	}
	for _, item := range result.MismatchedTiers {
		if err := s.syncMember(ctx, result.ProviderID, item, dryRun); err != nil {
			fail(item, err)
			continue
		}
		out.TiersUpdated++
	}
	for _, item := range result.ExtraAssignments {
		n, err := s.syncExtra(ctx, result.ProviderID, item, dryRun)
		out.AssignmentsRevoked += n
		if err != nil {
			fail(item, err)
		}
	}

	if !dryRun && s.audit != nil {
		_ = s.audit.LogAction(ctx, audit.Action{
			ActorID:    audit.ActorDrift,
			Category:   audit.CategoryDrift,
			Action:     "drift.synced",
			EntityType: "provider",
			EntityID:   result.ProviderID,
			NewValue:   out,
		})
	}

	zap.L().Info("drift sync finished",
		zap.String("provider", result.ProviderID),
		zap.Bool("dry_run", dryRun),
		zap.Int("members_added", out.MembersAdded),
		zap.Int("tiers_updated", out.TiersUpdated),
		zap.Int("assignments_revoked", out.AssignmentsRevoked),
		zap.Int("errors", len(out.Errors)),
	)
	return out
}

// syncMember records the upstream tiers as the membership's associations and
// converges the user's assignments on them.
func (s *Service) syncMember(ctx context.Context, providerID string, item Item, dryRun bool) error {
	if dryRun {
		return nil
	}
	if err := s.memberships.SetMemberships(ctx, item.UserID, providerID, item.ProviderReference, item.UpstreamTierIDs, true); err != nil {
		return err
	}
	return s.reconcile(ctx, providerID, item)
}

// syncExtra deactivates a membership the provider no longer reports. The
// user reconcile then revokes whatever no other membership entitles.
func (s *Service) syncExtra(ctx context.Context, providerID string, item Item, dryRun bool) (int, error) {
	if dryRun {
		return len(item.AssignmentIDs), nil
	}
	if err := s.memberships.SetMemberships(ctx, item.UserID, providerID, item.ProviderReference, nil, false); err != nil {
		return 0, err
	}
	res, err := s.reconciler.ReconcileUserAssociations(ctx, item.UserID, eventPrefix(providerID, item.ProviderReference), false)
	if err != nil {
		return 0, err
	}
	revoked := 0
	for _, a := range res.Actions {
		if a.Kind == mapping.ActionRemoved && a.Success {
			revoked++
		}
	}
	if !res.Success {
		return revoked, errors.New(strings.Join(res.Errors, "; "))
	}
	return revoked, nil
}

func (s *Service) reconcile(ctx context.Context, providerID string, item Item) error {
	res, err := s.reconciler.ReconcileUserAssociations(ctx, item.UserID, eventPrefix(providerID, item.ProviderReference), false)
	if err != nil {
		return err
	}
	if !res.Success {
		return errors.New(strings.Join(res.Errors, "; "))
	}
	return nil
}

// RunOnce detects drift for one provider and, when auto-sync is enabled,
// corrects it. Concurrent runs for the same provider across processes are
// serialized through a redis lock when redis is available.
func (s *Service) RunOnce(ctx context.Context, providerID string) (*RunReport, error) {
	if s.rdb != nil {
		key := rediskey.BuildDriftLockKey(providerID)
		ok, err := s.rdb.SetNX(ctx, key, s.clock().UTC().Format(time.RFC3339), lockTTL).Result()
		if err != nil {
			zap.L().Warn("drift lock unavailable, running unlocked", zap.String("provider", providerID), zap.Error(err))
		} else if !ok {
			return &RunReport{Skipped: "another drift run holds the lock"}, nil
		} else {
			defer func() {
				if err := s.rdb.Del(context.WithoutCancel(ctx), key).Err(); err != nil {
					zap.L().Warn("failed to release drift lock", zap.String("provider", providerID), zap.Error(err))
				}
			}()
		}
	}

	result, err := s.DetectDrift(ctx, providerID)
	if err != nil {
		return nil, err
	}
	report := &RunReport{Drift: result}
	if !result.HasDrift {
		return report, nil
	}

	dd := s.cfg.DriftDetection
	if !dd.AutoSyncEnabled || !s.flags.IsEnabled(ctx, featureflags.FlagDriftAutoSync, true) {
		zap.L().Warn("drift detected, auto-sync disabled", zap.String("provider", providerID))
		return report, nil
	}
	report.Sync = s.SyncDrift(ctx, result, dd.SyncDryRun)
	return report, nil
}

func eventPrefix(providerID, reference string) string {
	return "drift:" + providerID + ":" + reference
}

func filterMapped(tiers []string, mapped map[string]bool) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range tiers {
		if mapped[t] && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

func sameSet(a []string, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for _, v := range a {
		if !b[v] {
			return false
		}
	}
	return true
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedMemberKeys[V any](m map[memberKey]V) []memberKey {
	out := make([]memberKey, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].userID != out[j].userID {
			return out[i].userID < out[j].userID
		}
		return out[i].reference < out[j].reference
	})
	return out
}
