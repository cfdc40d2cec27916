package scheduler

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/storeforge/internal/observability/context"
	obslogger "github.com/smallbiznis/storeforge/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/storeforge/internal/observability/metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// jobRun tracks one execution of a job. Its id doubles as the request id so
// log lines from services called by the job can be correlated.
type jobRun struct {
	job            string
	runID          string
	startedAt      time.Time
	processedCount int
	errorCount     int
	log            *zap.Logger
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(count int) {
	if r != nil && count > 0 {
		r.processedCount += count
	}
}

func (r *jobRun) IncError() {
	if r != nil {
		r.errorCount++
	}
}

// beginRun returns the run already attached to ctx, or attaches a new one.
// owner reports whether the caller created the run.
func (s *Scheduler) beginRun(ctx context.Context, job string) (_ context.Context, run *jobRun, owner bool) {
	if existing := jobRunFromContext(ctx); existing != nil {
		return ctx, existing, false
	}
	run = &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		startedAt: s.clock.Now(),
	}
	ctx = obscontext.WithRequestID(context.WithValue(ctx, jobRunKey{}, run), run.runID)
	run.log = obslogger.WithContext(ctx, s.log).With(zap.String("job", job))
	run.log.Debug("scheduler.job.start")
	return ctx, run, true
}

func jobRunFromContext(ctx context.Context) *jobRun {
	if ctx == nil {
		return nil
	}
	run, _ := ctx.Value(jobRunKey{}).(*jobRun)
	return run
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	if run := jobRunFromContext(ctx); run != nil && run.log != nil {
		return run.log
	}
	return obslogger.WithContext(ctx, s.log)
}

// finish logs the run summary. Idle runs log at debug, runs with errors at warn.
func (s *Scheduler) finish(run *jobRun) {
	if run == nil || run.log == nil {
		return
	}
	level := zapcore.InfoLevel
	switch {
	case run.errorCount > 0:
		level = zapcore.WarnLevel
	case run.processedCount == 0:
		level = zapcore.DebugLevel
	}
	if ce := run.log.Check(level, "scheduler.job.finish"); ce != nil {
		ce.Write(
			zap.Duration("duration", s.clock.Now().Sub(run.startedAt)),
			zap.Int("processed_count", run.processedCount),
			zap.Int("error_count", run.errorCount),
		)
	}
}

func (s *Scheduler) logJobError(ctx context.Context, msg string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	jobRunFromContext(ctx).IncError()
	s.logger(ctx).Error(msg, append([]zap.Field{
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	}, fields...)...)
}
