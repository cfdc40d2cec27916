package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: SchedulerJobReasonDeadlineExceeded},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: SchedulerJobReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: SchedulerJobReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: SchedulerJobReasonUniqueViolation},
		{name: "pg_deadlock", err: fmt.Errorf("sweep: %w", &pgconn.PgError{Code: "40P01"}), want: SchedulerJobReasonSerializationFailure},
		{name: "mysql_lock_wait", err: &mysql.MySQLError{Number: 1205}, want: SchedulerJobReasonDBLockTimeout},
		{name: "mysql_duplicate", err: &mysql.MySQLError{Number: 1062}, want: SchedulerJobReasonUniqueViolation},
		{name: "other_pg", err: &pgconn.PgError{Code: "42P01"}, want: SchedulerJobReasonUnknown},
		{name: "unknown", err: errors.New("boom"), want: SchedulerJobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestClassifySchedulerErrorType(t *testing.T) {
	if got := ClassifySchedulerErrorType(&pgconn.PgError{Code: "23505"}); got != SchedulerErrorTypeDB {
		t.Fatalf("expected db error type, got %q", got)
	}
	if got := ClassifySchedulerErrorType(gorm.ErrRecordNotFound); got != SchedulerErrorTypeBusinessRule {
		t.Fatalf("expected business rule for not found, got %q", got)
	}
	if !IsSchedulerErrorRetryable(context.Canceled) {
		t.Fatalf("expected canceled to be retryable")
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{ServiceName: "storeforge", Environment: "test"})

	metrics.AddBatchProcessed("outbox_dispatch", "store_events", 3)
	metrics.AddBatchProcessed("outbox_dispatch", "store_events", 0)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("outbox_dispatch", "store_events"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}

func TestJobCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{})

	metrics.IncJobRun("build_timeout_sweep")
	metrics.IncJobTimeout("build_timeout_sweep")
	metrics.IncJobError("build_timeout_sweep", context.DeadlineExceeded)
	metrics.ObserveJobDuration("build_timeout_sweep", 20*time.Millisecond)

	if got := testutil.ToFloat64(metrics.jobRuns.WithLabelValues("build_timeout_sweep")); got != 1 {
		t.Fatalf("expected 1 run, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.jobErrors.WithLabelValues("build_timeout_sweep", SchedulerJobReasonDeadlineExceeded)); got != 1 {
		t.Fatalf("expected 1 deadline error, got %v", got)
	}
}

func TestClassifySchedulerRedisErrors(t *testing.T) {
	if got := ClassifySchedulerErrorType(redis.ErrClosed); got != SchedulerErrorTypeRedis {
		t.Fatalf("expected redis error type, got %q", got)
	}
	if !IsSchedulerErrorRetryable(fmt.Errorf("publish: %w", redis.ErrClosed)) {
		t.Fatalf("expected closed client to be retryable")
	}
	if IsSchedulerErrorRetryable(redis.Nil) {
		t.Fatalf("expected missing key not to be retryable")
	}
}
