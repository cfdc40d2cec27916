package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storeforge/internal/buildjob/domain"
	"github.com/smallbiznis/storeforge/internal/buildjob/repository"
	"github.com/smallbiznis/storeforge/internal/clock"
	"github.com/smallbiznis/storeforge/internal/config"
	notificationrepo "github.com/smallbiznis/storeforge/internal/notification/repository"
	notificationservice "github.com/smallbiznis/storeforge/internal/notification/service"
	"github.com/smallbiznis/storeforge/internal/outbox"
	outboxrepo "github.com/smallbiznis/storeforge/internal/outbox/repository"
	"github.com/smallbiznis/storeforge/internal/realtime"
	"github.com/smallbiznis/storeforge/internal/testutil"
	"github.com/smallbiznis/storeforge/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var baseTime = time.Date(2026, 9, 10, 12, 0, 0, 0, time.UTC)

type dispatcherMock struct {
	mock.Mock
}

func (m *dispatcherMock) Dispatch(ctx context.Context, req domain.DispatchRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

type harness struct {
	db         *gorm.DB
	clock      *clock.FakeClock
	svc        domain.Service
	dispatcher *dispatcherMock
	runtime    *config.RuntimeConfigHolder
	fixtures   *testutil.Fixtures
	storeID    snowflake.ID
}

func setup(t *testing.T) *harness {
	t.Helper()
	return setupWithDB(t, testutil.OpenDB(t))
}

func setupWithDB(t *testing.T, db *gorm.DB) *harness {
	t.Helper()

	fake := clock.NewFakeClock(baseTime)
	node := testutil.Node(t)
	runtime := config.NewStaticRuntimeConfigHolder(config.DefaultRuntimeConfig())
	writer := outbox.NewWriter(outbox.WriterParams{
		Repo:  outboxrepo.Provide(),
		GenID: node,
		Clock: fake,
	})
	notificationSvc := notificationservice.New(notificationservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  fake,
		Repo:   notificationrepo.Provide(),
		Outbox: writer,
	})
	dispatcher := &dispatcherMock{}

	svc := New(Params{
		DB:              db,
		Log:             zap.NewNop(),
		GenID:           node,
		Clock:           fake,
		Cfg:             config.Config{Build: config.BuildConfig{CallbackBaseURL: "https://api.example.com/"}},
		Runtime:         runtime,
		Repo:            repository.Provide(),
		Dispatcher:      dispatcher,
		NotificationSvc: notificationSvc,
		Outbox:          writer,
	})

	fx := testutil.NewFixtures(t, db, baseTime)
	return &harness{
		db:         db,
		clock:      fake,
		svc:        svc,
		dispatcher: dispatcher,
		runtime:    runtime,
		fixtures:   fx,
		storeID:    fx.Store("acme"),
	}
}

func (h *harness) isBuilding(t *testing.T, templateID snowflake.ID) bool {
	t.Helper()
	var building bool
	require.NoError(t, h.db.Raw(`SELECT is_building FROM templates WHERE id = ?`, templateID).Scan(&building).Error)
	return building
}

func (h *harness) events(t *testing.T, name realtime.EventName) []map[string]any {
	t.Helper()
	var rows []string
	require.NoError(t, h.db.Raw(
		`SELECT payload FROM store_events WHERE event_name = ? ORDER BY id ASC`, string(name),
	).Scan(&rows).Error)
	out := make([]map[string]any, 0, len(rows))
	for _, raw := range rows {
		var decoded map[string]any
		require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
		out = append(out, decoded)
	}
	return out
}

func TestTriggerBuildCreatesPendingJob(t *testing.T) {
	h := setup(t)
	templateID := h.fixtures.Template(h.storeID, false, `{"theme":"dark"}`)

	h.dispatcher.On("Dispatch", mock.Anything, mock.MatchedBy(func(req domain.DispatchRequest) bool {
		return req.StoreID == h.storeID &&
			req.CallbackURL == "https://api.example.com/api/builds/callback" &&
			string(req.Config) == `{"theme":"dark"}`
	})).Return(nil).Once()

	job, err := h.svc.TriggerBuild(context.Background(), domain.TriggerRequest{TemplateID: templateID.String()})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPending, job.Status)
	assert.Equal(t, templateID, job.TemplateID)
	assert.True(t, h.isBuilding(t, templateID))
	assert.EqualValues(t, 1, testutil.Count(t, h.db, "build_jobs", "template_id = ? AND status = ?", templateID, "PENDING"))
	h.dispatcher.AssertNumberOfCalls(t, "Dispatch", 1)

	started := h.events(t, realtime.EventAppGenerationStarted)
	require.Len(t, started, 1)
	assert.Equal(t, job.ID.String(), started[0]["jobId"])
}

func TestTriggerBuildConflictsWhileBuilding(t *testing.T) {
	h := setup(t)
	templateID := h.fixtures.Template(h.storeID, true, "")

	_, err := h.svc.TriggerBuild(context.Background(), domain.TriggerRequest{TemplateID: templateID.String()})
	require.ErrorIs(t, err, domain.ErrBuildInProgress)

	assert.EqualValues(t, 0, testutil.Count(t, h.db, "build_jobs", ""))
	h.dispatcher.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
}

func TestTriggerBuildValidation(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	_, err := h.svc.TriggerBuild(ctx, domain.TriggerRequest{})
	assert.ErrorIs(t, err, domain.ErrInvalidTemplate)

	_, err = h.svc.TriggerBuild(ctx, domain.TriggerRequest{TemplateID: "not-a-number"})
	assert.ErrorIs(t, err, domain.ErrInvalidTemplate)

	_, err = h.svc.TriggerBuild(ctx, domain.TriggerRequest{TemplateID: "12345"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	other := h.fixtures.Store("other")
	templateID := h.fixtures.Template(other, false, "")
	_, err = h.svc.TriggerBuild(ctx, domain.TriggerRequest{TemplateID: templateID.String(), StoreID: h.storeID})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.False(t, h.isBuilding(t, templateID))
}

func TestSecondTriggerConflictsUntilTerminal(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	templateID := h.fixtures.Template(h.storeID, false, "")
	h.dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(nil).Twice()

	job, err := h.svc.TriggerBuild(ctx, domain.TriggerRequest{TemplateID: templateID.String()})
	require.NoError(t, err)

	_, err = h.svc.TriggerBuild(ctx, domain.TriggerRequest{TemplateID: templateID.String()})
	require.ErrorIs(t, err, domain.ErrBuildInProgress)
	assert.EqualValues(t, 1, testutil.Count(t, h.db, "build_jobs", ""))

	_, err = h.svc.ReceiveCallback(ctx, domain.CallbackRequest{JobID: job.ID.String(), Status: "COMPLETED"})
	require.NoError(t, err)

	_, err = h.svc.TriggerBuild(ctx, domain.TriggerRequest{TemplateID: templateID.String()})
	require.NoError(t, err)
	assert.EqualValues(t, 2, testutil.Count(t, h.db, "build_jobs", ""))
	h.dispatcher.AssertExpectations(t)
}

func TestConcurrentTriggersClaimGuardOnce(t *testing.T) {
	h := setupWithDB(t, testutil.OpenFileDB(t))
	templateID := h.fixtures.Template(h.storeID, false, "")
	h.dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(nil)

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = h.svc.TriggerBuild(context.Background(), domain.TriggerRequest{TemplateID: templateID.String()})
		}(i)
	}
	close(start)
	wg.Wait()

	var succeeded, conflicted int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domain.ErrBuildInProgress):
			conflicted++
		default:
			t.Fatalf("unexpected trigger error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, conflicted)
	assert.EqualValues(t, 1, testutil.Count(t, h.db, "build_jobs", "template_id = ?", templateID))
	assert.True(t, h.isBuilding(t, templateID))
	h.dispatcher.AssertNumberOfCalls(t, "Dispatch", 1)
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	value := strings.Repeat("a", 499) + "é build failed"

	got := truncate(value, 500)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", 499), got)

	assert.Equal(t, "short", truncate("short", 500))
	assert.Equal(t, "ab", truncate("abc", 2))
}

func TestDispatchFailureStoresValidUTF8Error(t *testing.T) {
	h := setup(t)
	templateID := h.fixtures.Template(h.storeID, false, "")
	cause := errors.New(strings.Repeat("ü", 300))
	h.dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(cause).Once()

	job, err := h.svc.TriggerBuild(context.Background(), domain.TriggerRequest{TemplateID: templateID.String()})
	require.ErrorIs(t, err, domain.ErrExternalDispatch)

	var lastError string
	require.NoError(t, h.db.Raw(`SELECT last_error FROM build_jobs WHERE id = ?`, job.ID).Scan(&lastError).Error)
	assert.True(t, utf8.ValidString(lastError))
	assert.LessOrEqual(t, len(lastError), 500)
	assert.True(t, strings.HasPrefix(lastError, "dispatch_failed: "))
}

func TestDispatchFailureCompensates(t *testing.T) {
	h := setup(t)
	templateID := h.fixtures.Template(h.storeID, false, "")
	h.dispatcher.On("Dispatch", mock.Anything, mock.Anything).
		Return(&domain.DispatchError{StatusCode: 500, Body: "boom"}).Once()

	job, err := h.svc.TriggerBuild(context.Background(), domain.TriggerRequest{TemplateID: templateID.String()})
	require.ErrorIs(t, err, domain.ErrExternalDispatch)

	var dispatchErr *domain.DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, 500, dispatchErr.StatusCode)

	assert.Equal(t, domain.StatusFailed, job.Status)
	assert.False(t, h.isBuilding(t, templateID))
	assert.EqualValues(t, 1, testutil.Count(t, h.db, "build_jobs", "id = ? AND status = ? AND completed_at IS NOT NULL", job.ID, "FAILED"))
	assert.Empty(t, h.events(t, realtime.EventAppGenerationStarted))

	updates := h.events(t, realtime.EventAppGenerationUpdate)
	require.Len(t, updates, 1)
	assert.EqualValues(t, 0, updates[0]["progress"])
	assert.Equal(t, "FAILED", updates[0]["status"])
	assert.EqualValues(t, 0, testutil.Count(t, h.db, "notifications", ""))
}

func TestDispatchFailureRetainPolicy(t *testing.T) {
	h := setup(t)
	cfg := config.DefaultRuntimeConfig()
	cfg.Build.DispatchFailurePolicy = config.DispatchFailureRetain
	require.NoError(t, h.runtime.Set(cfg))

	templateID := h.fixtures.Template(h.storeID, false, "")
	h.dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(errors.New("connection refused")).Once()

	job, err := h.svc.TriggerBuild(context.Background(), domain.TriggerRequest{TemplateID: templateID.String()})
	require.ErrorIs(t, err, domain.ErrExternalDispatch)

	assert.Equal(t, domain.StatusPending, job.Status)
	assert.True(t, h.isBuilding(t, templateID))
	assert.EqualValues(t, 1, testutil.Count(t, h.db, "build_jobs", "status = ?", "PENDING"))
}

func TestCallbackCompletesJob(t *testing.T) {
	h := setup(t)
	templateID := h.fixtures.Template(h.storeID, true, "")
	jobID := h.fixtures.BuildJob(h.storeID, templateID, "PENDING", baseTime)
	h.clock.Advance(3 * time.Minute)

	url := "https://x/y.apk"
	res, err := h.svc.ReceiveCallback(context.Background(), domain.CallbackRequest{
		JobID:       jobID.String(),
		Status:      "COMPLETED",
		DownloadURL: &url,
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, domain.StatusCompleted, res.Job.Status)
	require.NotNil(t, res.Job.CompletedAt)
	assert.True(t, res.Job.CompletedAt.Equal(baseTime.Add(3*time.Minute)))
	assert.False(t, h.isBuilding(t, templateID))

	updates := h.events(t, realtime.EventAppGenerationUpdate)
	require.Len(t, updates, 1)
	assert.EqualValues(t, 100, updates[0]["progress"])
	assert.Equal(t, url, updates[0]["downloadUrl"])

	assert.EqualValues(t, 1, testutil.Count(t, h.db, "notifications", "type = ?", "system_update"))
}

func TestCallbackIsIdempotent(t *testing.T) {
	h := setup(t)
	templateID := h.fixtures.Template(h.storeID, true, "")
	jobID := h.fixtures.BuildJob(h.storeID, templateID, "PENDING", baseTime)
	ctx := context.Background()

	first, err := h.svc.ReceiveCallback(ctx, domain.CallbackRequest{JobID: jobID.String(), Status: "COMPLETED"})
	require.NoError(t, err)
	assert.True(t, first.Applied)

	second, err := h.svc.ReceiveCallback(ctx, domain.CallbackRequest{JobID: jobID.String(), Status: "COMPLETED"})
	require.NoError(t, err)
	assert.False(t, second.Applied)

	late, err := h.svc.ReceiveCallback(ctx, domain.CallbackRequest{JobID: jobID.String(), Status: "IN_PROGRESS"})
	require.NoError(t, err)
	assert.False(t, late.Applied)
	assert.Equal(t, domain.StatusCompleted, late.Job.Status)

	assert.Len(t, h.events(t, realtime.EventAppGenerationUpdate), 1)
	assert.EqualValues(t, 1, testutil.Count(t, h.db, "notifications", ""))
}

func TestCallbackProgressAndFailure(t *testing.T) {
	h := setup(t)
	templateID := h.fixtures.Template(h.storeID, true, "")
	jobID := h.fixtures.BuildJob(h.storeID, templateID, "PENDING", baseTime)
	ctx := context.Background()

	res, err := h.svc.ReceiveCallback(ctx, domain.CallbackRequest{JobID: jobID.String(), Status: "in_progress"})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.True(t, h.isBuilding(t, templateID))

	res, err = h.svc.ReceiveCallback(ctx, domain.CallbackRequest{JobID: jobID.String(), Status: "FAILED", Error: "gradle exited 1"})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	require.NotNil(t, res.Job.LastError)
	assert.Equal(t, "gradle exited 1", *res.Job.LastError)
	assert.False(t, h.isBuilding(t, templateID))

	updates := h.events(t, realtime.EventAppGenerationUpdate)
	require.Len(t, updates, 2)
	assert.EqualValues(t, 50, updates[0]["progress"])
	assert.EqualValues(t, 0, updates[1]["progress"])
}

func TestCallbackFailedAcceptedWhenGuardAlreadyReleased(t *testing.T) {
	h := setup(t)
	templateID := h.fixtures.Template(h.storeID, false, "")
	jobID := h.fixtures.BuildJob(h.storeID, templateID, "IN_PROGRESS", baseTime)

	res, err := h.svc.ReceiveCallback(context.Background(), domain.CallbackRequest{JobID: jobID.String(), Status: "FAILED"})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.False(t, h.isBuilding(t, templateID))
}

func TestCallbackValidation(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	templateID := h.fixtures.Template(h.storeID, true, "")
	jobID := h.fixtures.BuildJob(h.storeID, templateID, "PENDING", baseTime)

	_, err := h.svc.ReceiveCallback(ctx, domain.CallbackRequest{Status: "COMPLETED"})
	assert.ErrorIs(t, err, domain.ErrInvalidJob)

	_, err = h.svc.ReceiveCallback(ctx, domain.CallbackRequest{JobID: jobID.String(), Status: "DONE"})
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)

	bad := "ftp://files/app.apk"
	_, err = h.svc.ReceiveCallback(ctx, domain.CallbackRequest{JobID: jobID.String(), Status: "COMPLETED", DownloadURL: &bad})
	assert.ErrorIs(t, err, domain.ErrInvalidDownloadURL)

	_, err = h.svc.ReceiveCallback(ctx, domain.CallbackRequest{JobID: "999", Status: "COMPLETED"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.EqualValues(t, 1, testutil.Count(t, h.db, "build_jobs", "status = ?", "PENDING"))
}

func TestTransitionTable(t *testing.T) {
	all := []domain.Status{domain.StatusPending, domain.StatusInProgress, domain.StatusCompleted, domain.StatusFailed}
	legal := map[[2]domain.Status]bool{
		{domain.StatusPending, domain.StatusInProgress}:   true,
		{domain.StatusPending, domain.StatusCompleted}:    true,
		{domain.StatusPending, domain.StatusFailed}:       true,
		{domain.StatusInProgress, domain.StatusCompleted}: true,
		{domain.StatusInProgress, domain.StatusFailed}:    true,
	}

	for _, from := range all {
		for _, to := range all {
			from, to := from, to
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				assert.Equal(t, legal[[2]domain.Status{from, to}], domain.CanTransition(from, to))

				h := setup(t)
				templateID := h.fixtures.Template(h.storeID, true, "")
				jobID := h.fixtures.BuildJob(h.storeID, templateID, string(from), baseTime)

				res, err := h.svc.ReceiveCallback(context.Background(), domain.CallbackRequest{JobID: jobID.String(), Status: string(to)})
				require.NoError(t, err)
				assert.Equal(t, legal[[2]domain.Status{from, to}], res.Applied)
				if res.Applied {
					assert.Equal(t, to, res.Job.Status)
				} else {
					assert.Equal(t, from, res.Job.Status)
				}
			})
		}
	}
}

func TestSweepTimedOutFailsStaleJobs(t *testing.T) {
	h := setup(t)
	stale := h.fixtures.Template(h.storeID, true, "")
	fresh := h.fixtures.Template(h.storeID, true, "")
	staleJob := h.fixtures.BuildJob(h.storeID, stale, "IN_PROGRESS", baseTime.Add(-2*time.Hour))
	freshJob := h.fixtures.BuildJob(h.storeID, fresh, "PENDING", baseTime.Add(-5*time.Minute))

	res, err := h.svc.SweepTimedOut(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.Skipped)

	assert.False(t, h.isBuilding(t, stale))
	assert.True(t, h.isBuilding(t, fresh))
	assert.EqualValues(t, 1, testutil.Count(t, h.db, "build_jobs", "id = ? AND status = ? AND last_error = ?", staleJob, "FAILED", "build_timeout"))
	assert.EqualValues(t, 1, testutil.Count(t, h.db, "build_jobs", "id = ? AND status = ?", freshJob, "PENDING"))

	updates := h.events(t, realtime.EventAppGenerationUpdate)
	require.Len(t, updates, 1)
	assert.EqualValues(t, 0, updates[0]["progress"])

	res, err = h.svc.SweepTimedOut(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Failed)
}

func TestListAndGetJobs(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	templateID := h.fixtures.Template(h.storeID, false, "")
	first := h.fixtures.BuildJob(h.storeID, templateID, "FAILED", baseTime)
	second := h.fixtures.BuildJob(h.storeID, templateID, "COMPLETED", baseTime.Add(time.Minute))

	resp, err := h.svc.ListJobs(ctx, domain.ListRequest{StoreID: h.storeID, Page: pagination.Page{Limit: 1}})
	require.NoError(t, err)
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, second, resp.Jobs[0].ID)
	assert.True(t, resp.PageInfo.HasMore)

	job, err := h.svc.GetJob(ctx, h.storeID, first)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, job.Status)

	_, err = h.svc.GetJob(ctx, h.fixtures.Store("other"), first)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.svc.ListJobs(ctx, domain.ListRequest{})
	assert.ErrorIs(t, err, domain.ErrInvalidStore)
}
