package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"supporter-rewards/pkg/featureflags"
	asynqtask "supporter-rewards/pkg/task"
	"supporter-rewards/pkg/taskname"
	"supporter-rewards/services/drift"
	"supporter-rewards/services/mapping"
	"supporter-rewards/services/reward"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var taskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "rewards_task_duration_seconds",
	Help:    "Duration of background reward passes.",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
}, []string{"task", "status"})

func init() {
	prometheus.MustRegister(taskDuration)
}

type Expirer interface {
	ProcessExpiredRewards(ctx context.Context) (*reward.ExpirySummary, error)
}

type DriftRunner interface {
	Providers() []string
	RunOnce(ctx context.Context, providerID string) (*drift.RunReport, error)
}

type MappingReconciler interface {
	ReconcileAllMappings(ctx context.Context, dryRun bool) (*mapping.AllMappingsResult, error)
}

// Service runs the periodic reward passes and records each execution.
type Service struct {
	db         *gorm.DB
	node       *snowflake.Node
	expirer    Expirer
	drift      DriftRunner
	reconciler MappingReconciler
	flags      featureflags.FeatureFlag
	enqueuer   asynqtask.Enqueuer
	clock      func() time.Time
}

type Params struct {
	fx.In
	DB         *gorm.DB
	Node       *snowflake.Node
	Expirer    Expirer
	Drift      DriftRunner
	Reconciler MappingReconciler
	Flags      featureflags.FeatureFlag `optional:"true"`
	Enqueuer   asynqtask.Enqueuer       `optional:"true"`
}

func NewService(p Params) *Service {
	flags := p.Flags
	if flags == nil {
		flags = featureflags.Static(nil)
	}
	return &Service{
		db:         p.DB,
		node:       p.Node,
		expirer:    p.Expirer,
		drift:      p.Drift,
		reconciler: p.Reconciler,
		flags:      flags,
		enqueuer:   p.Enqueuer,
		clock:      time.Now,
	}
}

// RunExpiry sweeps expired assignments unless the expiry_sweep flag is off.
func (s *Service) RunExpiry(ctx context.Context) error {
	if !s.flags.IsEnabled(ctx, featureflags.FlagExpirySweep, true) {
		return s.skip(ctx, taskname.RewardExpiryRun, "disabled by feature flag")
	}
	return s.track(ctx, taskname.RewardExpiryRun, func(ctx context.Context) (any, error) {
		return s.expirer.ProcessExpiredRewards(ctx)
	})
}

// RunDrift runs detection (and, when enabled, sync) for one provider or, with
// an empty id, for every provider with a membership source. A failing provider
// does not stop the others.
func (s *Service) RunDrift(ctx context.Context, providerID string) error {
	providers := s.drift.Providers()
	if providerID != "" {
		providers = []string{providerID}
	}
	if len(providers) == 0 {
		return s.skip(ctx, taskname.DriftDetectRun, "no membership sources configured")
	}

	var errs []error
	for _, id := range providers {
		err := s.track(ctx, taskname.DriftDetectRun+":"+id, func(ctx context.Context) (any, error) {
			return s.drift.RunOnce(ctx, id)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) RunReconcileAll(ctx context.Context, dryRun bool) error {
	return s.track(ctx, taskname.ReconcileAllMappings, func(ctx context.Context) (any, error) {
		res, err := s.reconciler.ReconcileAllMappings(ctx, dryRun)
		if err == nil && !res.Success {
			err = fmt.Errorf("reconciliation finished with %d errors", len(res.Errors))
		}
		return res, err
	})
}

func (s *Service) track(ctx context.Context, name string, fn func(context.Context) (any, error)) error {
	start := s.clock()
	run := &Run{
		ID:        s.node.Generate().String(),
		Name:      name,
		Status:    RunRunning,
		StartedAt: start,
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		zap.L().Warn("failed to record task run", zap.String("task", name), zap.Error(err))
	}

	summary, err := fn(ctx)

	status := RunSuccess
	updates := map[string]any{"completed_at": s.clock()}
	if err != nil {
		status = RunFailed
		updates["error_msg"] = err.Error()
	}
	updates["status"] = status
	if raw, merr := json.Marshal(summary); merr == nil && summary != nil {
		updates["summary"] = datatypes.JSON(raw)
	}
	if uerr := s.db.WithContext(context.WithoutCancel(ctx)).Model(&Run{}).Where("id = ?", run.ID).Updates(updates).Error; uerr != nil {
		zap.L().Warn("failed to complete task run", zap.String("task", name), zap.Error(uerr))
	}

	elapsed := s.clock().Sub(start)
	taskDuration.WithLabelValues(name, string(status)).Observe(elapsed.Seconds())
	if err != nil {
		zap.L().Error("task run failed", zap.String("task", name), zap.Duration("duration", elapsed), zap.Error(err))
		return err
	}
	zap.L().Info("task run finished", zap.String("task", name), zap.Duration("duration", elapsed), zap.Any("summary", summary))
	return nil
}

func (s *Service) skip(ctx context.Context, name, reason string) error {
	now := s.clock()
	run := &Run{
		ID:          s.node.Generate().String(),
		Name:        name,
		Status:      RunSkipped,
		ErrorMsg:    reason,
		StartedAt:   now,
		CompletedAt: &now,
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		zap.L().Warn("failed to record task run", zap.String("task", name), zap.Error(err))
	}
	zap.L().Info("task run skipped", zap.String("task", name), zap.String("reason", reason))
	return nil
}

// LastRuns returns the most recent runs, newest first.
func (s *Service) LastRuns(ctx context.Context, name string, limit int) ([]*Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	q := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit)
	if name != "" {
		q = q.Where("name = ?", name)
	}
	var runs []*Run
	if err := q.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// =========================================================
// Distributed passes (asynq)
// =========================================================

// Enqueue submits a pass to the rewards queue. The unique window keeps
// several workers from scheduling the same pass within one interval.
func (s *Service) Enqueue(ctx context.Context, taskType string, payload any, unique time.Duration) error {
	if s.enqueuer == nil {
		return errors.New("task: no asynq client configured")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	opts := []asynq.Option{asynq.Queue(asynqtask.QueueRewards), asynq.MaxRetry(3)}
	if unique > 0 {
		opts = append(opts, asynq.Unique(unique))
	}
	info, err := s.enqueuer.Enqueue(ctx, asynq.NewTask(taskType, raw), opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) || errors.Is(err, asynq.ErrTaskIDConflict) {
			zap.L().Debug("task already scheduled", zap.String("task", taskType))
			return nil
		}
		return err
	}
	zap.L().Info("enqueued task", zap.String("task", taskType), zap.String("id", info.ID), zap.String("queue", info.Queue))
	return nil
}

func (s *Service) HandleExpiryTask(ctx context.Context, _ *asynq.Task) error {
	return s.RunExpiry(ctx)
}

func (s *Service) HandleDriftTask(ctx context.Context, t *asynq.Task) error {
	var payload DriftPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			zap.L().Error("invalid drift payload", zap.Error(err))
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
	}
	return s.RunDrift(ctx, payload.ProviderID)
}

func (s *Service) HandleReconcileTask(ctx context.Context, t *asynq.Task) error {
	payload := ReconcilePayload{DryRun: true}
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			zap.L().Error("invalid reconcile payload", zap.Error(err))
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
	}
	return s.RunReconcileAll(ctx, payload.DryRun)
}
