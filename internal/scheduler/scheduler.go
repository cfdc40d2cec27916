package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	buildjobdomain "github.com/smallbiznis/storeforge/internal/buildjob/domain"
	"github.com/smallbiznis/storeforge/internal/clock"
	obsmetrics "github.com/smallbiznis/storeforge/internal/observability/metrics"
	"github.com/smallbiznis/storeforge/internal/outbox"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// Drainer publishes due outbox rows.
type Drainer interface {
	DrainOnce(ctx context.Context) (outbox.DrainResult, error)
}

type Params struct {
	fx.In

	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	BuildSvc buildjobdomain.Service
	Outbox   *outbox.Dispatcher `optional:"true"`
	Config   Config             `optional:"true"`
}

type Scheduler struct {
	log      *zap.Logger
	cfg      Config
	genID    *snowflake.Node
	clock    clock.Clock
	buildSvc buildjobdomain.Service
	drainer  Drainer
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.BuildSvc == nil {
		return nil, ErrInvalidConfig
	}
	s := &Scheduler{
		log:      p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:      p.Config.withDefaults(),
		genID:    p.GenID,
		clock:    p.Clock,
		buildSvc: p.BuildSvc,
	}
	if p.Outbox != nil {
		s.drainer = p.Outbox
	}
	return s, nil
}

// runJob executes fn under a deadline. A deadline hit is recorded as a
// timeout and is not returned; the next tick resumes the work.
func (s *Scheduler) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	metrics := obsmetrics.Scheduler()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.beginRun(ctx, name)
	metrics.IncJobRun(name)
	err := fn(ctx)
	metrics.ObserveJobDuration(name, s.clock.Now().Sub(run.startedAt))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.finish(run)
	}
	if err == nil {
		return nil
	}

	metrics.IncJobError(name, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		metrics.IncJobTimeout(name)
		s.logger(ctx).Warn("scheduler.job.timeout", zap.Duration("timeout", timeout), zap.Error(err))
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobOutboxDispatch, s.OutboxDispatchJob},
		{JobBuildTimeoutSweep, s.BuildTimeoutSweepJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.JobTimeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// OutboxDispatchJob retries rows whose backoff has elapsed. Fresh rows are
// usually published earlier by the writer's kick.
func (s *Scheduler) OutboxDispatchJob(ctx context.Context) error {
	if s.drainer == nil {
		return nil
	}
	run := jobRunFromContext(ctx)
	result, err := s.drainer.DrainOnce(ctx)
	published := result.Published + result.Parked
	run.AddProcessed(published)
	obsmetrics.Scheduler().AddBatchProcessed(JobOutboxDispatch, "store_event", published)
	if err != nil {
		s.logJobError(ctx, "scheduler.outbox.drain_failed", err)
		return err
	}
	if result.Failed > 0 {
		s.logger(ctx).Info("scheduler.outbox.retry_pending",
			zap.Int("failed", result.Failed),
			zap.Int("parked", result.Parked),
		)
	}
	return nil
}

func (s *Scheduler) BuildTimeoutSweepJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	result, err := s.buildSvc.SweepTimedOut(ctx)
	if err != nil {
		s.logJobError(ctx, "scheduler.build.sweep_failed", err)
		return err
	}
	if result.Skipped {
		obsmetrics.Scheduler().IncBatchDeferred(JobBuildTimeoutSweep, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		return nil
	}
	if result.Failed == 0 {
		obsmetrics.Scheduler().IncBatchDeferred(JobBuildTimeoutSweep, obsmetrics.SchedulerBatchDeferredReasonEmpty)
		return nil
	}
	run.AddProcessed(result.Failed)
	obsmetrics.Scheduler().AddBatchProcessed(JobBuildTimeoutSweep, "build_job", result.Failed)
	return nil
}
