package task

import (
	"context"

	"supporter-rewards/pkg/config"
	"supporter-rewards/pkg/db"
	"supporter-rewards/pkg/taskname"
	"supporter-rewards/services/drift"
	"supporter-rewards/services/mapping"
	"supporter-rewards/services/reward"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("task.service",
	fx.Provide(
		NewService,
		func(s *reward.Service) Expirer { return s },
		func(s *drift.Service) DriftRunner { return s },
		func(s *mapping.Service) MappingReconciler { return s },
	),
	fx.Invoke(migrate),
)

// InProcess runs the expiry and drift passes directly inside the API process.
var InProcess = fx.Module("task.scheduler.local",
	fx.Invoke(startLocalScheduler),
)

// Distributed enqueues the passes on asynq and serves them from the worker.
var Distributed = fx.Module("task.scheduler.asynq",
	fx.Invoke(registerHandlers, startEnqueueScheduler),
)

func migrate(cfg *config.Config, conn *gorm.DB) error {
	return db.AutoMigrate(cfg, conn, &Run{})
}

// LocalJobs returns the passes enabled by configuration.
func LocalJobs(cfg *config.Config, svc *Service) []Job {
	var jobs []Job
	if cfg.Expiry.Enabled {
		jobs = append(jobs, Job{
			Name:       taskname.RewardExpiryRun,
			Interval:   cfg.ExpiryInterval(),
			RunAtStart: true,
			Run:        svc.RunExpiry,
		})
	}
	if cfg.DriftDetection.Enabled {
		jobs = append(jobs, Job{
			Name:     taskname.DriftDetectRun,
			Interval: cfg.DriftInterval(),
			Run:      func(ctx context.Context) error { return svc.RunDrift(ctx, "") },
		})
	}
	return jobs
}

// EnqueueJobs mirrors LocalJobs but only submits the tasks.
func EnqueueJobs(cfg *config.Config, svc *Service) []Job {
	var jobs []Job
	if cfg.Expiry.Enabled {
		interval := cfg.ExpiryInterval()
		jobs = append(jobs, Job{
			Name:       "enqueue:" + taskname.RewardExpiryRun,
			Interval:   interval,
			RunAtStart: true,
			Run: func(ctx context.Context) error {
				return svc.Enqueue(ctx, taskname.RewardExpiryRun, struct{}{}, interval)
			},
		})
	}
	if cfg.DriftDetection.Enabled {
		interval := cfg.DriftInterval()
		jobs = append(jobs, Job{
			Name:     "enqueue:" + taskname.DriftDetectRun,
			Interval: interval,
			Run: func(ctx context.Context) error {
				return svc.Enqueue(ctx, taskname.DriftDetectRun, DriftPayload{}, interval)
			},
		})
	}
	return jobs
}

func startLocalScheduler(lc fx.Lifecycle, cfg *config.Config, svc *Service) {
	attach(lc, NewScheduler(LocalJobs(cfg, svc)...))
}

func startEnqueueScheduler(lc fx.Lifecycle, cfg *config.Config, svc *Service) {
	attach(lc, NewScheduler(EnqueueJobs(cfg, svc)...))
}

func attach(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			// the start context expires with fx's start timeout
			s.Start(context.Background())
			return nil
		},
		OnStop: func(context.Context) error {
			s.Stop()
			return nil
		},
	})
}

func registerHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(taskname.RewardExpiryRun, svc.HandleExpiryTask)
	mux.HandleFunc(taskname.DriftDetectRun, svc.HandleDriftTask)
	mux.HandleFunc(taskname.ReconcileAllMappings, svc.HandleReconcileTask)
}
