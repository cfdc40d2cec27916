package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	buildjobdomain "github.com/smallbiznis/storeforge/internal/buildjob/domain"
	"github.com/smallbiznis/storeforge/internal/clock"
	"github.com/smallbiznis/storeforge/internal/config"
	obsmetrics "github.com/smallbiznis/storeforge/internal/observability/metrics"
	"github.com/smallbiznis/storeforge/internal/outbox"
	"github.com/smallbiznis/storeforge/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sweepStub struct {
	buildjobdomain.Service
	calls  int
	result buildjobdomain.SweepResult
	err    error
}

func (s *sweepStub) SweepTimedOut(context.Context) (buildjobdomain.SweepResult, error) {
	s.calls++
	return s.result, s.err
}

type drainStub struct {
	calls  int
	result outbox.DrainResult
	err    error
}

func (d *drainStub) DrainOnce(context.Context) (outbox.DrainResult, error) {
	d.calls++
	return d.result, d.err
}

func useSchedulerRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	registry := prometheus.NewRegistry()
	oldRegisterer, oldGatherer := prometheus.DefaultRegisterer, prometheus.DefaultGatherer
	prometheus.DefaultRegisterer, prometheus.DefaultGatherer = registry, registry
	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{ServiceName: "storeforge", Environment: "test"})
	t.Cleanup(func() {
		prometheus.DefaultRegisterer, prometheus.DefaultGatherer = oldRegisterer, oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	})
	return registry
}

// counterValue returns the counter named name whose labels include want.
func counterValue(t *testing.T, registry *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if hasLabels(metric, want) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func hasLabels(metric *dto.Metric, want map[string]string) bool {
	matched := 0
	for _, label := range metric.GetLabel() {
		if v, ok := want[label.GetName()]; ok {
			if v != label.GetValue() {
				return false
			}
			matched++
		}
	}
	return matched == len(want)
}

func newTestScheduler(t *testing.T, cfg Config, build *sweepStub, drain *drainStub) (*Scheduler, *prometheus.Registry) {
	t.Helper()
	registry := useSchedulerRegistry(t)

	s, err := New(Params{
		Log:      zap.NewNop(),
		GenID:    testutil.Node(t),
		Clock:    clock.NewFakeClock(time.Date(2026, 9, 10, 12, 0, 0, 0, time.UTC)),
		BuildSvc: build,
		Config:   cfg,
	})
	require.NoError(t, err)
	if drain != nil {
		s.drainer = drain
	}
	return s, registry
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunOnceRunsAllJobsByDefault(t *testing.T) {
	build := &sweepStub{result: buildjobdomain.SweepResult{Failed: 2}}
	drain := &drainStub{result: outbox.DrainResult{Published: 3}}
	s, _ := newTestScheduler(t, Config{}, build, drain)

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, 1, build.calls)
	assert.Equal(t, 1, drain.calls)
}

func TestRunOnceHonorsEnabledJobs(t *testing.T) {
	build := &sweepStub{}
	drain := &drainStub{}
	s, _ := newTestScheduler(t, Config{EnabledJobs: []string{"BUILD_TIMEOUT_SWEEP"}}, build, drain)

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, 1, build.calls)
	assert.Zero(t, drain.calls)
}

func TestRunOnceJoinsJobErrors(t *testing.T) {
	sweepErr := errors.New("db down")
	drainErr := errors.New("bus down")
	s, _ := newTestScheduler(t, Config{}, &sweepStub{err: sweepErr}, &drainStub{err: drainErr})

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, sweepErr)
	assert.ErrorIs(t, err, drainErr)
	assert.Contains(t, err.Error(), JobBuildTimeoutSweep)
}

func TestOutboxJobWithoutDispatcherIsNoop(t *testing.T) {
	s, _ := newTestScheduler(t, Config{}, &sweepStub{}, nil)
	assert.NoError(t, s.OutboxDispatchJob(context.Background()))
}

func TestRunJobCountsProcessedItems(t *testing.T) {
	build := &sweepStub{result: buildjobdomain.SweepResult{Failed: 4}}
	s, _ := newTestScheduler(t, Config{}, build, nil)

	var seen *jobRun
	err := s.runJob(context.Background(), JobBuildTimeoutSweep, time.Second, func(ctx context.Context) error {
		seen = jobRunFromContext(ctx)
		return s.BuildTimeoutSweepJob(ctx)
	})
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, 4, seen.processedCount)
	assert.Zero(t, seen.errorCount)
}

func TestRunJobTreatsDeadlineAsSoftTimeout(t *testing.T) {
	s, registry := newTestScheduler(t, Config{}, &sweepStub{}, nil)

	err := s.runJob(context.Background(), "slow_job", 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	assert.Equal(t, 1.0, counterValue(t, registry, "storeforge_scheduler_job_timeouts_total",
		map[string]string{"job": "slow_job"}))
	assert.Equal(t, 1.0, counterValue(t, registry, "storeforge_scheduler_job_errors_total",
		map[string]string{"job": "slow_job", "reason": obsmetrics.SchedulerJobReasonDeadlineExceeded}))
}

func TestRunJobWrapsFailures(t *testing.T) {
	s, registry := newTestScheduler(t, Config{}, &sweepStub{}, nil)
	boom := errors.New("boom")

	err := s.runJob(context.Background(), "broken_job", time.Second, func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "broken_job")
	assert.Equal(t, 1.0, counterValue(t, registry, "storeforge_scheduler_job_runs_total",
		map[string]string{"job": "broken_job"}))
	assert.Zero(t, counterValue(t, registry, "storeforge_scheduler_job_timeouts_total",
		map[string]string{"job": "broken_job"}))
}

func TestProvideConfigFromApplicationConfig(t *testing.T) {
	cfg := ProvideConfig(config.Config{Scheduler: config.SchedulerConfig{
		Enabled:     false,
		RunInterval: time.Minute,
		EnabledJobs: []string{JobOutboxDispatch},
	}})
	assert.True(t, cfg.Disabled)
	assert.Equal(t, time.Minute, cfg.RunInterval)

	defaults := Config{}.withDefaults()
	assert.Equal(t, 30*time.Second, defaults.RunInterval)
	assert.Equal(t, 30*time.Second, defaults.JobTimeout)
}
