package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/smallbiznis/storeforge/internal/buildjob/domain"
	"github.com/smallbiznis/storeforge/internal/testutil"
	"github.com/smallbiznis/storeforge/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var baseTime = time.Date(2026, 8, 3, 8, 0, 0, 0, time.UTC)

func TestClaimGuardIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	fx := testutil.NewFixtures(t, db, baseTime)
	templateID := fx.Template(fx.Store("acme"), false, "")
	repo := Provide()

	claimed, err := repo.ClaimGuard(ctx, db, templateID, baseTime)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = repo.ClaimGuard(ctx, db, templateID, baseTime)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, repo.ReleaseGuard(ctx, db, templateID, baseTime))
	require.NoError(t, repo.ReleaseGuard(ctx, db, templateID, baseTime))

	tpl, err := repo.FindTemplate(ctx, db, templateID)
	require.NoError(t, err)
	require.NotNil(t, tpl)
	assert.False(t, tpl.IsBuilding)

	missing, err := repo.ClaimGuard(ctx, db, templateID+1, baseTime)
	require.NoError(t, err)
	assert.False(t, missing)
}

func TestClaimGuardIssuesSingleConditionalUpdate(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta(
		`UPDATE templates SET is_building = $1, updated_at = $2 WHERE id = $3 AND is_building = $4`,
	)).
		WithArgs(true, sqlmock.AnyArg(), int64(77), false).
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err := Provide().ClaimGuard(context.Background(), db, 77, baseTime)
	require.NoError(t, err)
	assert.False(t, claimed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionJobGuardsSourceStatus(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	fx := testutil.NewFixtures(t, db, baseTime)
	storeID := fx.Store("acme")
	templateID := fx.Template(storeID, true, "")
	jobID := fx.BuildJob(storeID, templateID, string(domain.StatusPending), baseTime)
	repo := Provide()

	url := "https://x/y.apk"
	completedAt := baseTime.Add(time.Minute)
	applied, err := repo.TransitionJob(ctx, db, jobID, domain.StatusCompleted, domain.SourcesFor(domain.StatusCompleted), domain.TransitionUpdate{
		DownloadURL: &url,
		CompletedAt: &completedAt,
		UpdatedAt:   completedAt,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = repo.TransitionJob(ctx, db, jobID, domain.StatusFailed, domain.SourcesFor(domain.StatusFailed), domain.TransitionUpdate{
		UpdatedAt: completedAt,
	})
	require.NoError(t, err)
	assert.False(t, applied)

	job, err := repo.FindJob(ctx, db, jobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, domain.StatusCompleted, job.Status)
	require.NotNil(t, job.DownloadURL)
	assert.Equal(t, url, *job.DownloadURL)
	require.NotNil(t, job.CompletedAt)
	assert.True(t, job.CompletedAt.Equal(completedAt))

	applied, err = repo.TransitionJob(ctx, db, jobID, domain.StatusPending, nil, domain.TransitionUpdate{UpdatedAt: completedAt})
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestListJobsNewestFirst(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	fx := testutil.NewFixtures(t, db, baseTime)
	storeID := fx.Store("acme")
	templateID := fx.Template(storeID, false, "")
	older := fx.BuildJob(storeID, templateID, string(domain.StatusFailed), baseTime)
	newer := fx.BuildJob(storeID, templateID, string(domain.StatusCompleted), baseTime.Add(time.Hour))
	fx.BuildJob(fx.Store("other"), templateID, string(domain.StatusPending), baseTime)

	jobs, err := Provide().ListJobs(ctx, db, storeID, pagination.Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, newer, jobs[0].ID)
	assert.Equal(t, older, jobs[1].ID)
}

func TestListTimedOut(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	fx := testutil.NewFixtures(t, db, baseTime)
	storeID := fx.Store("acme")
	templateID := fx.Template(storeID, true, "")

	stalePending := fx.BuildJob(storeID, templateID, string(domain.StatusPending), baseTime.Add(-2*time.Hour))
	staleRunning := fx.BuildJob(storeID, templateID, string(domain.StatusInProgress), baseTime.Add(-90*time.Minute))
	fx.BuildJob(storeID, templateID, string(domain.StatusCompleted), baseTime.Add(-3*time.Hour))
	fx.BuildJob(storeID, templateID, string(domain.StatusPending), baseTime.Add(-10*time.Minute))

	jobs, err := Provide().ListTimedOut(ctx, db, baseTime.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, stalePending, jobs[0].ID)
	assert.Equal(t, staleRunning, jobs[1].ID)

	jobs, err = Provide().ListTimedOut(ctx, db, baseTime.Add(-time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}
