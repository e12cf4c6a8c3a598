package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"supporter-rewards/pkg/featureflags"
	"supporter-rewards/pkg/taskname"
	"supporter-rewards/services/drift"
	"supporter-rewards/services/mapping"
	"supporter-rewards/services/reward"
	"supporter-rewards/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeExpirer struct {
	calls int
	err   error
}

func (f *fakeExpirer) ProcessExpiredRewards(context.Context) (*reward.ExpirySummary, error) {
	f.calls++
	return &reward.ExpirySummary{Scanned: 3, Expired: 2}, f.err
}

type fakeDrift struct {
	providers []string
	failing   map[string]bool
	ran       []string
}

func (f *fakeDrift) Providers() []string { return f.providers }

func (f *fakeDrift) RunOnce(_ context.Context, providerID string) (*drift.RunReport, error) {
	f.ran = append(f.ran, providerID)
	if f.failing[providerID] {
		return nil, errors.New("upstream unavailable")
	}
	return &drift.RunReport{Drift: &drift.DriftResult{ProviderID: providerID}}, nil
}

type fakeReconciler struct {
	dryRun *bool
}

func (f *fakeReconciler) ReconcileAllMappings(_ context.Context, dryRun bool) (*mapping.AllMappingsResult, error) {
	f.dryRun = &dryRun
	return &mapping.AllMappingsResult{Success: true, DryRun: dryRun}, nil
}

type recordingEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, t *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.tasks = append(r.tasks, t)
	return &asynq.TaskInfo{ID: "t1", Queue: "rewards"}, nil
}

type env struct {
	svc        *Service
	expirer    *fakeExpirer
	drift      *fakeDrift
	reconciler *fakeReconciler
	enqueuer   *recordingEnqueuer
}

func newEnv(t *testing.T, flags featureflags.FeatureFlag) *env {
	t.Helper()
	conn := testutil.NewTestDB(t, &Run{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	e := &env{
		expirer:    &fakeExpirer{},
		drift:      &fakeDrift{providers: []string{"kofi", "patreon"}, failing: map[string]bool{}},
		reconciler: &fakeReconciler{},
		enqueuer:   &recordingEnqueuer{},
	}
	e.svc = NewService(Params{
		DB: conn, Node: node, Expirer: e.expirer, Drift: e.drift,
		Reconciler: e.reconciler, Flags: flags, Enqueuer: e.enqueuer,
	})
	return e
}

func TestRunExpiryRecordsRun(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, e.svc.RunExpiry(ctx))
	require.Equal(t, 1, e.expirer.calls)

	runs, err := e.svc.LastRuns(ctx, taskname.RewardExpiryRun, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, RunSuccess, runs[0].Status)
	require.NotNil(t, runs[0].CompletedAt)
	require.JSONEq(t, `{"scanned":3,"expired":2,"conflicts":0,"failed":0}`, string(runs[0].Summary))

	e.expirer.err = errors.New("db down")
	require.Error(t, e.svc.RunExpiry(ctx))
	runs, err = e.svc.LastRuns(ctx, taskname.RewardExpiryRun, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	statuses := []RunStatus{runs[0].Status, runs[1].Status}
	require.ElementsMatch(t, []RunStatus{RunSuccess, RunFailed}, statuses)
}

func TestRunExpiryHonoursFlag(t *testing.T) {
	e := newEnv(t, featureflags.Static(map[string]bool{featureflags.FlagExpirySweep: false}))
	ctx := context.Background()

	require.NoError(t, e.svc.RunExpiry(ctx))
	require.Zero(t, e.expirer.calls)

	runs, err := e.svc.LastRuns(ctx, taskname.RewardExpiryRun, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, RunSkipped, runs[0].Status)
}

func TestRunDriftContinuesPastFailures(t *testing.T) {
	e := newEnv(t, nil)
	e.drift.failing["kofi"] = true

	err := e.svc.RunDrift(context.Background(), "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "provider kofi")
	require.Equal(t, []string{"kofi", "patreon"}, e.drift.ran)

	e.drift.ran = nil
	require.NoError(t, e.svc.RunDrift(context.Background(), "patreon"))
	require.Equal(t, []string{"patreon"}, e.drift.ran)
}

func TestHandlers(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, e.svc.HandleReconcileTask(ctx, asynq.NewTask(taskname.ReconcileAllMappings, nil)))
	require.NotNil(t, e.reconciler.dryRun)
	require.True(t, *e.reconciler.dryRun)

	require.NoError(t, e.svc.HandleReconcileTask(ctx, asynq.NewTask(taskname.ReconcileAllMappings, []byte(`{"dry_run":false}`))))
	require.False(t, *e.reconciler.dryRun)

	err := e.svc.HandleDriftTask(ctx, asynq.NewTask(taskname.DriftDetectRun, []byte(`{`)))
	require.ErrorIs(t, err, asynq.SkipRetry)

	require.NoError(t, e.svc.HandleDriftTask(ctx, asynq.NewTask(taskname.DriftDetectRun, []byte(`{"provider_id":"kofi"}`))))
	require.Equal(t, []string{"kofi"}, e.drift.ran)
}

func TestEnqueueTreatsDuplicatesAsScheduled(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, e.svc.Enqueue(ctx, taskname.RewardExpiryRun, struct{}{}, time.Hour))
	require.Len(t, e.enqueuer.tasks, 1)
	require.Equal(t, taskname.RewardExpiryRun, e.enqueuer.tasks[0].Type())

	e.enqueuer.err = asynq.ErrDuplicateTask
	require.NoError(t, e.svc.Enqueue(ctx, taskname.RewardExpiryRun, struct{}{}, time.Hour))

	e.enqueuer.err = errors.New("redis down")
	require.Error(t, e.svc.Enqueue(ctx, taskname.RewardExpiryRun, struct{}{}, time.Hour))
}

func TestSchedulerRecoversAndStops(t *testing.T) {
	var calls atomic.Int32
	s := NewScheduler(Job{
		Name:       "flaky",
		Interval:   5 * time.Millisecond,
		RunAtStart: true,
		Run: func(context.Context) error {
			if calls.Add(1) == 1 {
				panic("boom")
			}
			return errors.New("still failing")
		},
	}, Job{Name: "no-interval", Run: func(context.Context) error { return nil }})

	s.Start(context.Background())
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	s.Stop()

	stopped := calls.Load()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, stopped, calls.Load())
}
