package reward

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"supporter-rewards/pkg/errutil"
	"supporter-rewards/services/audit"
	"supporter-rewards/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeModule struct {
	mu       sync.Mutex
	id       string
	applyErr error
	applied  []string
	revoked  []string
}

func (m *fakeModule) ID() string { return m.id }

func (m *fakeModule) Apply(_ context.Context, req ModuleRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return m.applyErr
	}
	m.applied = append(m.applied, req.Assignment.ID)
	return nil
}

func (m *fakeModule) Revoke(_ context.Context, req ModuleRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked = append(m.revoked, req.Assignment.ID)
	return nil
}

func (m *fakeModule) ValidateParameters(json.RawMessage) error { return nil }

func (m *fakeModule) ParameterDefinitions() []ParameterDefinition { return nil }

type staticTiers map[string][]ResolvedReward

func (s staticTiers) ResolveRewards(_ context.Context, _ string, tiers []string) ([]ResolvedReward, error) {
	var out []ResolvedReward
	for _, t := range tiers {
		out = append(out, s[t]...)
	}
	return out, nil
}

type recordingMemberships struct {
	events []RewardEvent
	ended  []string
}

func (r *recordingMemberships) RecordMembership(_ context.Context, ev RewardEvent) error {
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingMemberships) EndMembership(_ context.Context, userID, providerID, reference string) error {
	r.ended = append(r.ended, userID+"/"+providerID+"/"+reference)
	return nil
}

type recordingAudit struct {
	mu      sync.Mutex
	actions []audit.Action
}

func (r *recordingAudit) LogAction(_ context.Context, a audit.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, a)
	return nil
}

func (r *recordingAudit) count(action string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.actions {
		if a.Action == action {
			n++
		}
	}
	return n
}

type fixture struct {
	svc         *Service
	db          *gorm.DB
	module      *fakeModule
	audit       *recordingAudit
	memberships *recordingMemberships
	now         time.Time
}

func newFixture(t *testing.T, tiers staticTiers) *fixture {
	t.Helper()
	conn := testutil.NewTestDB(t, &Reward{}, &RewardAssignment{}, &UserUnlock{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	f := &fixture{
		db:          conn,
		module:      &fakeModule{id: "fake"},
		audit:       &recordingAudit{},
		memberships: &recordingMemberships{},
		now:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	registry, err := NewModuleRegistry(f.module, NewCosmeticUnlockModule(conn, node))
	require.NoError(t, err)

	f.svc = NewService(ServiceParams{
		DB:          conn,
		Node:        node,
		Modules:     registry,
		Audit:       f.audit,
		Tiers:       tiers,
		Memberships: f.memberships,
	})
	f.svc.clock = func() time.Time { return f.now }
	return f
}

func (f *fixture) reward(t *testing.T, name string, d DurationType, v int) *Reward {
	t.Helper()
	rw, err := f.svc.CreateReward(context.Background(), RewardInput{
		Name:          name,
		ModuleID:      "fake",
		Parameters:    json.RawMessage(`{}`),
		DurationType:  d,
		DurationValue: v,
	}, "admin_1")
	require.NoError(t, err)
	return rw
}

func testEvent(id string, typ EventType, tiers ...string) RewardEvent {
	return RewardEvent{
		EventID:           id,
		EventType:         typ,
		ProviderID:        "patreon",
		UserID:            "user_1",
		ProviderReference: "member_1",
		EntitledTierIDs:   tiers,
		Timestamp:         time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	}
}

func TestValidateRewardEvent(t *testing.T) {
	neg := -1.0
	valid := testEvent("evt_1", EventPurchase, "tier_gold")

	cases := []struct {
		name   string
		mutate func(e *RewardEvent)
		field  string
	}{
		{"valid", func(*RewardEvent) {}, ""},
		{"missing event id", func(e *RewardEvent) { e.EventID = " " }, "event_id"},
		{"missing provider", func(e *RewardEvent) { e.ProviderID = "" }, "provider_id"},
		{"missing user", func(e *RewardEvent) { e.UserID = "" }, "user_id"},
		{"missing reference", func(e *RewardEvent) { e.ProviderReference = "" }, "provider_reference"},
		{"unknown type", func(e *RewardEvent) { e.EventType = "refund" }, "event_type"},
		{"zero timestamp", func(e *RewardEvent) { e.Timestamp = time.Time{} }, "timestamp"},
		{"negative amount", func(e *RewardEvent) { e.AnnouncementAmount = &neg }, "announcement_amount"},
		{"no tiers", func(e *RewardEvent) { e.EntitledTierIDs = nil }, "entitled_tier_ids"},
		{"blank tier", func(e *RewardEvent) { e.EntitledTierIDs = []string{"a", ""} }, "entitled_tier_ids[1]"},
		{"duplicate tier", func(e *RewardEvent) { e.EntitledTierIDs = []string{"a", "a"} }, "entitled_tier_ids[1]"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := valid
			ev.EntitledTierIDs = append([]string(nil), valid.EntitledTierIDs...)
			tc.mutate(&ev)

			err := ev.Validate()
			if tc.field == "" {
				require.NoError(t, err)
				return
			}
			require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

			var be errutil.BaseError
			require.True(t, errors.As(err, &be))
			fields := make([]string, 0, len(be.Details))
			for _, d := range be.Details {
				fields = append(fields, d.Field)
			}
			require.Contains(t, fields, tc.field)
		})
	}
}

func TestProcessRewardEventRejectsInvalidEventBeforeAnyWrite(t *testing.T) {
	f := newFixture(t, staticTiers{})
	ev := testEvent("evt_1", EventPurchase, "tier_gold", "tier_gold")

	_, err := f.svc.ProcessRewardEvent(context.Background(), ev)
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	var n int64
	require.NoError(t, f.db.Model(&RewardAssignment{}).Count(&n).Error)
	require.Zero(t, n)
	require.Empty(t, f.memberships.events)
	require.Empty(t, f.module.applied)
}

func TestProcessRewardEventIsIdempotent(t *testing.T) {
	tiers := staticTiers{}
	f := newFixture(t, tiers)
	ctx := context.Background()
	rw := f.reward(t, "Gold Frame", DurationPermanent, 0)
	tiers["tier_gold"] = []ResolvedReward{{RewardID: rw.ID, ProductMappingID: "map_1"}}

	ev := testEvent("evt_1", EventSubscriptionCreated, "tier_gold")

	first, err := f.svc.ProcessRewardEvent(ctx, ev)
	require.NoError(t, err)
	require.False(t, first.Duplicate)
	require.Len(t, first.Assignments, 1)
	require.Equal(t, StatusActive, first.Assignments[0].Status)
	require.Equal(t, "map_1", first.Assignments[0].ProductMappingID)

	second, err := f.svc.ProcessRewardEvent(ctx, ev)
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Len(t, second.Assignments, 1)
	require.Equal(t, first.Assignments[0].ID, second.Assignments[0].ID)
	require.Equal(t, first.Assignments[0].Version, second.Assignments[0].Version)

	require.Len(t, f.module.applied, 1)
	require.Len(t, f.memberships.events, 1)
	require.Equal(t, 1, f.audit.count("assignment.granted"))
}

func TestProcessRewardEventWithUnknownTierSucceedsWithoutChanges(t *testing.T) {
	f := newFixture(t, staticTiers{})

	res, err := f.svc.ProcessRewardEvent(context.Background(), testEvent("evt_1", EventPurchase, "tier_unknown"))
	require.NoError(t, err)
	require.Empty(t, res.Assignments)
	require.Len(t, f.memberships.events, 1)
}

func TestAssignLeavesExistingActiveAssignmentAlone(t *testing.T) {
	f := newFixture(t, staticTiers{})
	ctx := context.Background()
	rw := f.reward(t, "Badge", DurationPermanent, 0)

	p := AssignParams{UserID: "user_1", RewardID: rw.ID, ProviderID: "kofi", ProviderReference: "tx_1", EventID: "kofi:tx_1", Source: SourcePurchase}
	first, err := f.svc.AssignRewardWithEventID(ctx, p)
	require.NoError(t, err)

	p.ProviderReference, p.EventID = "tx_2", "kofi:tx_2"
	second, err := f.svc.AssignRewardWithEventID(ctx, p)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Len(t, f.module.applied, 1)
}

func TestAssignReturnsWinnerOfConcurrentCreate(t *testing.T) {
	f := newFixture(t, staticTiers{})
	ctx := context.Background()
	rw := f.reward(t, "Gold Frame", DurationPermanent, 0)

	p := AssignParams{
		UserID:            "user_1",
		RewardID:          rw.ID,
		ProviderID:        "patreon",
		ProviderReference: "member_1",
		EventID:           "evt_race",
		Source:            SourceSubscription,
	}

	// Insert the same tuple between the existence check and our create.
	inserted := false
	err := f.db.Callback().Create().Before("gorm:begin_transaction").Register("test:concurrent_insert", func(tx *gorm.DB) {
		if inserted || tx.Statement.Table != "reward_assignments" {
			return
		}
		inserted = true
		winner := &RewardAssignment{
			ID:                "winner",
			UserID:            p.UserID,
			RewardID:          p.RewardID,
			ProviderID:        p.ProviderID,
			ProviderReference: p.ProviderReference,
			EventID:           p.EventID,
			Source:            p.Source,
			Status:            StatusActive,
			AssignedAt:        f.now,
		}
		require.NoError(t, f.db.Create(winner).Error)
	})
	require.NoError(t, err)

	asg, err := f.svc.AssignRewardWithEventID(ctx, p)
	require.NoError(t, err)
	require.True(t, inserted)
	require.Equal(t, "winner", asg.ID)
	require.Empty(t, f.module.applied)

	var n int64
	require.NoError(t, f.db.Model(&RewardAssignment{}).Where("event_id = ?", "evt_race").Count(&n).Error)
	require.EqualValues(t, 1, n)
}

func TestModuleFailureKeepsFailedAssignment(t *testing.T) {
	tiers := staticTiers{}
	f := newFixture(t, tiers)
	ctx := context.Background()
	rw := f.reward(t, "Broken", DurationPermanent, 0)
	tiers["tier_gold"] = []ResolvedReward{{RewardID: rw.ID}}
	f.module.applyErr = errors.New("inventory service down")

	res, err := f.svc.ProcessRewardEvent(ctx, testEvent("evt_1", EventPurchase, "tier_gold"))
	require.True(t, errutil.Is(err, errutil.StatusRewardAssignmentFailed))
	require.Len(t, res.Assignments, 1)
	require.Len(t, res.Failures, 1)

	stored, err := f.svc.GetAssignment(ctx, res.Assignments[0].ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, stored.Status)
	require.Contains(t, stored.FailureReason, "inventory service down")
	require.Equal(t, 1, f.audit.count("assignment.failed"))
}

func TestRevokeReward(t *testing.T) {
	f := newFixture(t, staticTiers{})
	ctx := context.Background()
	rw := f.reward(t, "Frame", DurationPermanent, 0)
	asg, err := f.svc.AssignManual(ctx, "user_1", rw.ID, "admin_1", "contest winner")
	require.NoError(t, err)
	require.Equal(t, ProviderManual, asg.ProviderID)

	_, err = f.svc.RevokeReward(ctx, asg.ID, "  ", "admin_1")
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	revoked, err := f.svc.RevokeReward(ctx, asg.ID, "chargeback", "admin_1")
	require.NoError(t, err)
	require.Equal(t, StatusRevoked, revoked.Status)
	require.Equal(t, "chargeback", revoked.RevocationReason)
	require.NotNil(t, revoked.RevokedAt)

	again, err := f.svc.RevokeReward(ctx, asg.ID, "chargeback", "admin_1")
	require.NoError(t, err)
	require.Equal(t, revoked.Version, again.Version)

	require.Len(t, f.module.revoked, 1)
	require.Equal(t, 1, f.audit.count("assignment.revoked"))

	_, err = f.svc.RevokeReward(ctx, "missing", "chargeback", "admin_1")
	require.True(t, errutil.Is(err, errutil.StatusNotFound))
}

func TestConcurrentRevokeOneWins(t *testing.T) {
	f := newFixture(t, staticTiers{})
	ctx := context.Background()
	rw := f.reward(t, "Frame", DurationPermanent, 0)
	asg, err := f.svc.AssignManual(ctx, "user_1", rw.ID, "admin_1", "")
	require.NoError(t, err)

	a, err := f.svc.GetAssignment(ctx, asg.ID)
	require.NoError(t, err)
	b, err := f.svc.GetAssignment(ctx, asg.ID)
	require.NoError(t, err)

	_, errA := f.svc.revoke(ctx, a, "first", "admin_1")
	_, errB := f.svc.revoke(ctx, b, "second", "admin_2")
	require.NoError(t, errA)
	require.True(t, errutil.Is(errB, errutil.StatusConcurrency))

	stored, err := f.svc.GetAssignment(ctx, asg.ID)
	require.NoError(t, err)
	require.Equal(t, "first", stored.RevocationReason)
	require.Len(t, f.module.revoked, 1)
}

func TestProcessExpiredRewardsIsReentrant(t *testing.T) {
	f := newFixture(t, staticTiers{})
	ctx := context.Background()
	monthly := f.reward(t, "Monthly Title", DurationDays, 30)
	forever := f.reward(t, "Forever Badge", DurationPermanent, 0)

	expiring, err := f.svc.AssignManual(ctx, "user_1", monthly.ID, "admin_1", "")
	require.NoError(t, err)
	require.NotNil(t, expiring.ExpiresAt)
	_, err = f.svc.AssignManual(ctx, "user_1", forever.ID, "admin_1", "")
	require.NoError(t, err)

	f.now = f.now.AddDate(0, 0, 31)

	first, err := f.svc.ProcessExpiredRewards(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.Expired)

	second, err := f.svc.ProcessExpiredRewards(ctx)
	require.NoError(t, err)
	require.Zero(t, second.Expired)
	require.Zero(t, second.Scanned)

	stored, err := f.svc.GetAssignment(ctx, expiring.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, stored.Status)
	require.Equal(t, []string{expiring.ID}, f.module.revoked)
	require.Equal(t, 1, f.audit.count("assignment.expired"))
	require.Empty(t, f.memberships.ended)
}

func TestExpiringSubscriptionRewardEndsMembership(t *testing.T) {
	tiers := staticTiers{}
	f := newFixture(t, tiers)
	ctx := context.Background()
	rw := f.reward(t, "Supporter Title", DurationDays, 30)
	tiers["tier_gold"] = []ResolvedReward{{RewardID: rw.ID}}

	_, err := f.svc.ProcessRewardEvent(ctx, testEvent("evt_1", EventSubscriptionCreated, "tier_gold"))
	require.NoError(t, err)

	f.now = f.now.AddDate(0, 0, 31)
	summary, err := f.svc.ProcessExpiredRewards(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Expired)
	require.Equal(t, []string{"user_1/patreon/member_1"}, f.memberships.ended)
}

func TestExpireRewardWithStaleCopyConflicts(t *testing.T) {
	f := newFixture(t, staticTiers{})
	ctx := context.Background()
	rw := f.reward(t, "Weekly", DurationDays, 7)
	asg, err := f.svc.AssignManual(ctx, "user_1", rw.ID, "admin_1", "")
	require.NoError(t, err)
	f.now = f.now.AddDate(0, 0, 8)

	a, err := f.svc.GetAssignment(ctx, asg.ID)
	require.NoError(t, err)
	b, err := f.svc.GetAssignment(ctx, asg.ID)
	require.NoError(t, err)

	ok, err := f.svc.ExpireReward(ctx, a)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.svc.ExpireReward(ctx, b)
	require.False(t, ok)
	require.True(t, errutil.Is(err, errutil.StatusConcurrency))
	require.Len(t, f.module.revoked, 1)
}

func TestRenewalExtendsExpiry(t *testing.T) {
	tiers := staticTiers{}
	f := newFixture(t, tiers)
	ctx := context.Background()
	rw := f.reward(t, "Supporter Title", DurationMonths, 1)
	tiers["tier_gold"] = []ResolvedReward{{RewardID: rw.ID}}

	created, err := f.svc.ProcessRewardEvent(ctx, testEvent("evt_1", EventSubscriptionCreated, "tier_gold"))
	require.NoError(t, err)
	original := *created.Assignments[0].ExpiresAt

	renewal := testEvent("evt_2", EventSubscriptionRenewed, "tier_gold")
	renewal.Timestamp = original.Add(-time.Hour)
	renewed, err := f.svc.ProcessRewardEvent(ctx, renewal)
	require.NoError(t, err)
	require.Len(t, renewed.Assignments, 1)
	require.Equal(t, created.Assignments[0].ID, renewed.Assignments[0].ID)

	stored, err := f.svc.GetAssignment(ctx, created.Assignments[0].ID)
	require.NoError(t, err)
	require.True(t, stored.ExpiresAt.After(original))
	require.Equal(t, 1, f.audit.count("assignment.extended"))
	require.Len(t, f.module.applied, 1)
}

func TestExpiredEventRevokesSourceAssignments(t *testing.T) {
	tiers := staticTiers{}
	f := newFixture(t, tiers)
	ctx := context.Background()
	rw := f.reward(t, "Gold", DurationPermanent, 0)
	tiers["tier_gold"] = []ResolvedReward{{RewardID: rw.ID}}

	_, err := f.svc.ProcessRewardEvent(ctx, testEvent("evt_1", EventSubscriptionCreated, "tier_gold"))
	require.NoError(t, err)

	cancelled, err := f.svc.ProcessRewardEvent(ctx, testEvent("evt_2", EventSubscriptionCancelled, "tier_gold"))
	require.NoError(t, err)
	require.Empty(t, cancelled.Revoked)

	res, err := f.svc.ProcessRewardEvent(ctx, testEvent("evt_3", EventSubscriptionExpired, "tier_gold"))
	require.NoError(t, err)
	require.Len(t, res.Revoked, 1)
	require.Equal(t, "subscription_expired", res.Revoked[0].RevocationReason)

	held, err := f.svc.HeldAssignments(ctx, "user_1")
	require.NoError(t, err)
	require.Empty(t, held)
	require.Len(t, f.memberships.events, 3)
}

func TestCreateRewardValidatesModuleParameters(t *testing.T) {
	f := newFixture(t, staticTiers{})
	ctx := context.Background()

	_, err := f.svc.CreateReward(ctx, RewardInput{
		Name:       "Golden Frame",
		ModuleID:   ModuleCosmeticUnlock,
		Parameters: json.RawMessage(`{"kind":"hat","item":"gold"}`),
	}, "admin_1")
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	_, err = f.svc.CreateReward(ctx, RewardInput{Name: "X", ModuleID: "nope"}, "admin_1")
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	_, err = f.svc.CreateReward(ctx, RewardInput{
		Name: "Y", ModuleID: "fake", DurationType: DurationDays,
	}, "admin_1")
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	rw, err := f.svc.CreateReward(ctx, RewardInput{
		Name:       "Golden Frame",
		ModuleID:   ModuleCosmeticUnlock,
		Parameters: json.RawMessage(`{"kind":"avatar_frame","item":"gold"}`),
	}, "admin_1")
	require.NoError(t, err)
	require.Equal(t, "golden-frame", rw.DisplayID)
	require.Equal(t, DurationPermanent, rw.DurationType)
	require.True(t, rw.IsActive)

	_, err = f.svc.CreateReward(ctx, RewardInput{
		Name:       "Golden Frame",
		ModuleID:   ModuleCosmeticUnlock,
		Parameters: json.RawMessage(`{"kind":"avatar_frame","item":"gold"}`),
	}, "admin_1")
	require.True(t, errutil.Is(err, errutil.StatusConflict))
}

func TestUpdateRewardRequiresCurrentVersion(t *testing.T) {
	f := newFixture(t, staticTiers{})
	ctx := context.Background()
	rw := f.reward(t, "Frame", DurationPermanent, 0)

	updated, err := f.svc.UpdateReward(ctx, rw.ID, rw.Version, RewardInput{Name: "Frame v2", DurationType: DurationDays, DurationValue: 10}, "admin_1")
	require.NoError(t, err)
	require.Equal(t, rw.Version+1, updated.Version)
	require.Equal(t, "Frame v2", updated.Name)

	_, err = f.svc.UpdateReward(ctx, rw.ID, rw.Version, RewardInput{Name: "Frame v3"}, "admin_1")
	require.True(t, errutil.Is(err, errutil.StatusConcurrency))
}

func TestInactiveRewardIsSkipped(t *testing.T) {
	tiers := staticTiers{}
	f := newFixture(t, tiers)
	ctx := context.Background()
	rw := f.reward(t, "Retired", DurationPermanent, 0)
	_, err := f.svc.DeactivateReward(ctx, rw.ID, "admin_1")
	require.NoError(t, err)
	tiers["tier_gold"] = []ResolvedReward{{RewardID: rw.ID}}

	res, err := f.svc.ProcessRewardEvent(ctx, testEvent("evt_1", EventPurchase, "tier_gold"))
	require.NoError(t, err)
	require.Empty(t, res.Assignments)
}
