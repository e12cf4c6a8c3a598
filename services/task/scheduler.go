package task

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is a named pass repeated every Interval.
type Job struct {
	Name       string
	Interval   time.Duration
	RunAtStart bool
	Run        func(ctx context.Context) error
}

// Scheduler drives Jobs on independent loops. A failing or panicking
// iteration is logged and the loop carries on; Stop cancels the loops and
// waits for in-flight iterations.
type Scheduler struct {
	jobs   []Job
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(jobs ...Job) *Scheduler {
	return &Scheduler{jobs: jobs}
}

func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, job := range s.jobs {
		if job.Interval <= 0 || job.Run == nil {
			zap.L().Warn("[Scheduler] ignoring job without interval", zap.String("job", job.Name))
			continue
		}
		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()
			s.loop(ctx, job)
		}(job)
	}
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	zap.L().Info("[Scheduler] started", zap.String("job", job.Name), zap.Duration("interval", job.Interval))

	if job.RunAtStart {
		runSafely(ctx, job)
	}

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			zap.L().Info("[Scheduler] stopped", zap.String("job", job.Name))
			return
		case <-ticker.C:
			runSafely(ctx, job)
		}
	}
}

func runSafely(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			zap.L().Error("[Scheduler] job panicked",
				zap.String("job", job.Name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()

	start := time.Now()
	if err = job.Run(ctx); err != nil {
		zap.L().Error("[Scheduler] job failed", zap.String("job", job.Name), zap.Error(err))
		return err
	}
	zap.L().Debug("[Scheduler] job finished", zap.String("job", job.Name), zap.Duration("duration", time.Since(start)))
	return nil
}
