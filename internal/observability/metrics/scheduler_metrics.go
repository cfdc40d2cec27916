package metrics

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeBusinessRule     = "business_rule"
	SchedulerErrorTypeDB               = "db"
	SchedulerErrorTypeRedis            = "redis"
	SchedulerErrorTypeUnknown          = "unknown"
)

const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonUnknown              = "unknown"

	SchedulerBatchDeferredReasonLockHeld = "lock_held"
	SchedulerBatchDeferredReasonEmpty    = "empty"
)

// SchedulerMetrics captures background job health signals.
type SchedulerMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	batchDeferred  *prometheus.CounterVec
	runLoopLag     prometheus.Histogram
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the process-wide scheduler metrics.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig registers the scheduler metrics on first use. Labels
// from cfg apply only to the first call.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)
	labels := constLabelsFor(cfg)
	counter := func(name, help string, keys ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "storeforge_scheduler_" + name,
			Help:        help,
			ConstLabels: labels,
		}, keys)
	}

	return &SchedulerMetrics{
		jobRuns:        counter("job_runs_total", "Scheduler job runs by name.", "job"),
		jobTimeouts:    counter("job_timeouts_total", "Scheduler job runs that hit their deadline.", "job"),
		jobErrors:      counter("job_errors_total", "Scheduler job errors by reason.", "job", "reason"),
		batchProcessed: counter("batch_processed_total", "Items processed by scheduler jobs.", "job", "resource"),
		batchDeferred:  counter("batch_deferred_total", "Scheduler runs that did no work, by reason.", "job", "reason"),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "storeforge_scheduler_job_duration_seconds",
			Help:        "Scheduler job latency.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			ConstLabels: labels,
		}, []string{"job"}),
		runLoopLag: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "storeforge_scheduler_runloop_lag_seconds",
			Help:        "Delay between the planned tick and the start of a pass.",
			Buckets:     []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
			ConstLabels: labels,
		}),
	}
}

func inc(vec *prometheus.CounterVec, n float64, labels ...string) {
	if vec != nil && n > 0 {
		vec.WithLabelValues(labels...).Add(n)
	}
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	if m != nil {
		inc(m.jobRuns, 1, job)
	}
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m != nil {
		inc(m.jobTimeouts, 1, job)
	}
}

// IncJobError counts err under its ClassifySchedulerJobReason label.
func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m != nil && err != nil {
		inc(m.jobErrors, 1, job, ClassifySchedulerJobReason(err))
	}
}

func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m != nil {
		inc(m.batchProcessed, float64(count), job, resource)
	}
}

func (m *SchedulerMetrics) IncBatchDeferred(job, reason string) {
	if m != nil {
		inc(m.batchDeferred, 1, job, reason)
	}
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m != nil && m.jobDuration != nil {
		m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
	}
}

// ObserveRunLoopLag records how late a pass started. Early starts count as zero.
func (m *SchedulerMetrics) ObserveRunLoopLag(lag time.Duration) {
	if m != nil && m.runLoopLag != nil {
		m.runLoopLag.Observe(max(lag, 0).Seconds())
	}
}

// pgReasons and mysqlReasons map driver error codes to job error reasons.
var (
	pgReasons = map[string]string{
		"55P03": SchedulerJobReasonDBLockTimeout,
		"40001": SchedulerJobReasonSerializationFailure,
		"40P01": SchedulerJobReasonSerializationFailure,
		"23505": SchedulerJobReasonUniqueViolation,
	}
	mysqlReasons = map[uint16]string{
		1205: SchedulerJobReasonDBLockTimeout,
		1213: SchedulerJobReasonSerializationFailure,
		1062: SchedulerJobReasonUniqueViolation,
	}
)

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// ClassifySchedulerErrorType returns a low-cardinality error type for logs.
func ClassifySchedulerErrorType(err error) string {
	switch {
	case err == nil:
		return SchedulerErrorTypeUnknown
	case isTimeout(err):
		return SchedulerErrorTypeDeadlineExceeded
	case isDBError(err):
		return SchedulerErrorTypeDB
	case isRedisError(err):
		return SchedulerErrorTypeRedis
	}
	return SchedulerErrorTypeBusinessRule
}

// IsSchedulerErrorRetryable reports whether the next tick may succeed
// where this one failed.
func IsSchedulerErrorRetryable(err error) bool {
	return err != nil && (isTimeout(err) || isDBError(err) || isRedisError(err))
}

// ClassifySchedulerJobReason maps job errors to the job_errors_total reason label.
func ClassifySchedulerJobReason(err error) string {
	if err == nil {
		return SchedulerJobReasonUnknown
	}
	if isTimeout(err) {
		return SchedulerJobReasonDeadlineExceeded
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return SchedulerJobReasonUniqueViolation
	}
	var (
		pgErr *pgconn.PgError
		myErr *mysql.MySQLError
	)
	if errors.As(err, &pgErr) {
		if reason, ok := pgReasons[strings.ToUpper(pgErr.Code)]; ok {
			return reason
		}
	}
	if errors.As(err, &myErr) {
		if reason, ok := mysqlReasons[myErr.Number]; ok {
			return reason
		}
	}
	return SchedulerJobReasonUnknown
}

var gormFailures = []error{
	gorm.ErrInvalidDB,
	gorm.ErrInvalidTransaction,
	gorm.ErrInvalidData,
	gorm.ErrMissingWhereClause,
	gorm.ErrDuplicatedKey,
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	for _, target := range gormFailures {
		if errors.Is(err, target) {
			return true
		}
	}
	var (
		pgErr *pgconn.PgError
		myErr *mysql.MySQLError
	)
	return errors.As(err, &pgErr) || errors.As(err, &myErr)
}

// isRedisError matches server replies and transport failures from go-redis.
// A missing key is not an error.
func isRedisError(err error) bool {
	if errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, redis.ErrClosed) {
		return true
	}
	var (
		replyErr redis.Error
		netErr   net.Error
	)
	return errors.As(err, &replyErr) || errors.As(err, &netErr)
}
