package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storeforge/internal/clock"
	"github.com/smallbiznis/storeforge/internal/config"
	"github.com/smallbiznis/storeforge/internal/outbox/domain"
	"github.com/smallbiznis/storeforge/internal/outbox/repository"
	"github.com/smallbiznis/storeforge/internal/realtime"
	"github.com/smallbiznis/storeforge/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type publisherMock struct {
	mock.Mock

	mu     sync.Mutex
	events []realtime.Event
}

func (m *publisherMock) Publish(ctx context.Context, event realtime.Event) error {
	args := m.Called(ctx, event)
	if args.Error(0) == nil {
		m.mu.Lock()
		m.events = append(m.events, event)
		m.mu.Unlock()
	}
	return args.Error(0)
}

func (m *publisherMock) published() []realtime.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]realtime.Event(nil), m.events...)
}

type harness struct {
	db         *gorm.DB
	clock      *clock.FakeClock
	repo       domain.Repository
	writer     *Writer
	dispatcher *Dispatcher
	publisher  *publisherMock
	runtime    *config.RuntimeConfigHolder
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db := testutil.OpenDB(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	repo := repository.Provide()
	publisher := &publisherMock{}
	runtimeCfg := config.DefaultRuntimeConfig()
	runtimeCfg.Outbox.MaxAttempts = 3
	runtime := config.NewStaticRuntimeConfigHolder(runtimeCfg)

	dispatcher := NewDispatcher(DispatcherParams{
		DB:        db,
		Repo:      repo,
		Publisher: publisher,
		Clock:     fake,
		Log:       zap.NewNop(),
		Runtime:   runtime,
	})
	writer := NewWriter(WriterParams{
		Repo:       repo,
		GenID:      testutil.Node(t),
		Clock:      fake,
		Dispatcher: dispatcher,
	})

	return &harness{
		db:         db,
		clock:      fake,
		repo:       repo,
		writer:     writer,
		dispatcher: dispatcher,
		publisher:  publisher,
		runtime:    runtime,
	}
}

func (h *harness) enqueue(t *testing.T, storeID snowflake.ID, name realtime.EventName, payload any) {
	t.Helper()
	err := h.db.Transaction(func(tx *gorm.DB) error {
		return h.writer.Enqueue(context.Background(), tx, storeID, name, payload)
	})
	require.NoError(t, err)
}

func TestBackoff(t *testing.T) {
	cases := map[int]time.Duration{
		0:  0,
		1:  time.Second,
		2:  2 * time.Second,
		3:  4 * time.Second,
		9:  256 * time.Second,
		10: BackoffCap,
		50: BackoffCap,
	}
	for attempts, want := range cases {
		assert.Equal(t, want, Backoff(attempts), "attempts=%d", attempts)
	}
}

func TestEnqueueRollsBackWithCallerTransaction(t *testing.T) {
	h := newHarness(t)

	err := h.db.Transaction(func(tx *gorm.DB) error {
		if err := h.writer.Enqueue(context.Background(), tx, 10, realtime.EventNewOrder, map[string]any{"id": "1"}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)
	assert.Equal(t, int64(0), testutil.Count(t, h.db, "store_events", ""))
}

func TestEnqueueValidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.writer.Enqueue(ctx, nil, 1, realtime.EventNewOrder, nil), domain.ErrMissingTx)
	assert.ErrorIs(t, h.writer.Enqueue(ctx, h.db, 0, realtime.EventNewOrder, nil), domain.ErrInvalidStore)
	assert.ErrorIs(t, h.writer.Enqueue(ctx, h.db, 1, "unknown", nil), domain.ErrInvalidEvent)
}

func TestDrainOncePublishesInOrderAndMarksRows(t *testing.T) {
	h := newHarness(t)
	h.publisher.On("Publish", mock.Anything, mock.Anything).Return(nil)

	h.enqueue(t, 10, realtime.EventAppGenerationStarted, map[string]any{"step": 1})
	h.enqueue(t, 10, realtime.EventAppGenerationUpdate, map[string]any{"step": 2})

	result, err := h.dispatcher.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Published: 2}, result)

	published := h.publisher.published()
	require.Len(t, published, 2)
	assert.Equal(t, realtime.EventAppGenerationStarted, published[0].Name)
	assert.Equal(t, realtime.EventAppGenerationUpdate, published[1].Name)
	assert.Equal(t, "store-10", published[0].Channel)
	assert.JSONEq(t, `{"step":1}`, string(published[0].Payload))

	assert.Equal(t, int64(2), testutil.Count(t, h.db, "store_events", "published = ?", true))

	result, err = h.dispatcher.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{}, result)
	h.publisher.AssertNumberOfCalls(t, "Publish", 2)
}

func TestDrainOnceRetriesWithBackoff(t *testing.T) {
	h := newHarness(t)
	h.publisher.On("Publish", mock.Anything, mock.Anything).Return(errors.New("redis down")).Once()
	h.publisher.On("Publish", mock.Anything, mock.Anything).Return(nil)

	h.enqueue(t, 11, realtime.EventPaymentReceived, map[string]any{"amount": 20})

	result, err := h.dispatcher.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Failed: 1}, result)

	rows, err := h.repo.ListByStore(context.Background(), h.db, 11)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Attempts)
	require.NotNil(t, rows[0].LastError)
	assert.Equal(t, "redis down", *rows[0].LastError)
	assert.True(t, rows[0].NextAttemptAt.Equal(h.clock.Now().Add(time.Second)))

	result, err = h.dispatcher.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{}, result, "row is not due before its backoff elapses")

	h.clock.Advance(time.Second)
	result, err = h.dispatcher.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Published: 1}, result)

	published := h.publisher.published()
	require.Len(t, published, 1)
	assert.Equal(t, EventID(rows[0]), published[0].ID)
}

func TestDrainOnceKeepsOrderPerStoreEvent(t *testing.T) {
	h := newHarness(t)
	h.publisher.On("Publish", mock.Anything, mock.Anything).Return(errors.New("redis down")).Once()
	h.publisher.On("Publish", mock.Anything, mock.Anything).Return(nil)

	h.enqueue(t, 10, realtime.EventAppGenerationUpdate, map[string]any{"status": "IN_PROGRESS"})
	h.enqueue(t, 10, realtime.EventAppGenerationUpdate, map[string]any{"status": "COMPLETED"})
	h.enqueue(t, 10, realtime.EventNewNotification, map[string]any{"id": "n1"})

	result, err := h.dispatcher.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Published: 1, Failed: 1}, result, "other event names are not held back")

	result, err = h.dispatcher.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{}, result, "later update waits for the failed one")

	for i := 0; i < 2; i++ {
		h.clock.Advance(time.Second)
		_, err = h.dispatcher.DrainOnce(context.Background())
		require.NoError(t, err)
	}

	var statuses []string
	for _, event := range h.publisher.published() {
		if event.Name != realtime.EventAppGenerationUpdate {
			continue
		}
		var payload map[string]any
		require.NoError(t, json.Unmarshal(event.Payload, &payload))
		statuses = append(statuses, payload["status"].(string))
	}
	assert.Equal(t, []string{"IN_PROGRESS", "COMPLETED"}, statuses)
}

func TestParkedRowDoesNotHoldBackLaterRows(t *testing.T) {
	h := newHarness(t)
	h.publisher.On("Publish", mock.Anything, mock.Anything).Return(nil)
	ctx := context.Background()

	require.NoError(t, h.repo.Insert(ctx, h.db, &domain.StoreEvent{
		ID:            1,
		StoreID:       16,
		EventName:     string(realtime.EventAppGenerationUpdate),
		Payload:       []byte(`{"status":"PENDING"}`),
		NextAttemptAt: h.clock.Now(),
		CreatedAt:     h.clock.Now(),
	}))
	require.NoError(t, h.repo.MarkFailed(ctx, h.db, 1, 3, "redis down", domain.ParkedUntil))
	h.enqueue(t, 16, realtime.EventAppGenerationUpdate, map[string]any{"status": "COMPLETED"})

	result, err := h.dispatcher.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Published: 1}, result)
}

func TestDrainOnceParksExhaustedRows(t *testing.T) {
	h := newHarness(t)
	h.publisher.On("Publish", mock.Anything, mock.Anything).Return(errors.New("redis down"))

	h.enqueue(t, 12, realtime.EventPaymentFailed, nil)

	var last DrainResult
	for i := 0; i < 3; i++ {
		result, err := h.dispatcher.DrainOnce(context.Background())
		require.NoError(t, err)
		last = result
		h.clock.Advance(BackoffCap)
	}
	assert.Equal(t, DrainResult{Parked: 1}, last)

	h.clock.Advance(24 * time.Hour)
	result, err := h.dispatcher.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{}, result)

	rows, err := h.repo.ListByStore(context.Background(), h.db, 12)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Published)
	assert.Equal(t, 3, rows[0].Attempts)
	h.publisher.AssertNumberOfCalls(t, "Publish", 3)
}

func TestDrainOnceParksUnknownEventNames(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.repo.Insert(context.Background(), h.db, &domain.StoreEvent{
		ID:            99,
		StoreID:       13,
		EventName:     "legacy-event",
		Payload:       []byte(`{}`),
		NextAttemptAt: h.clock.Now(),
		CreatedAt:     h.clock.Now(),
	}))

	result, err := h.dispatcher.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Parked: 1}, result)
	h.publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestEventIDIsStablePerRow(t *testing.T) {
	row := domain.StoreEvent{ID: 123456789, CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	assert.Equal(t, EventID(row), EventID(row))

	other := row
	other.ID = 123456790
	assert.NotEqual(t, EventID(row), EventID(other))
}

func TestKickDrainsInBackground(t *testing.T) {
	h := newHarness(t)
	h.publisher.On("Publish", mock.Anything, mock.Anything).Return(nil)

	h.dispatcher.Start()
	defer h.dispatcher.Stop(context.Background())

	h.enqueue(t, 14, realtime.EventNewNotification, map[string]any{"id": "n1"})
	h.writer.Kick()

	require.Eventually(t, func() bool {
		return len(h.publisher.published()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIntervalDrainsWithoutKick(t *testing.T) {
	h := newHarness(t)
	h.publisher.On("Publish", mock.Anything, mock.Anything).Return(nil)

	cfg := h.runtime.Get()
	cfg.Outbox.Interval = 20 * time.Millisecond
	require.NoError(t, h.runtime.Set(cfg))

	h.enqueue(t, 15, realtime.EventNewOrder, map[string]any{"id": "o1"})

	h.dispatcher.Start()
	defer h.dispatcher.Stop(context.Background())

	require.Eventually(t, func() bool {
		return len(h.publisher.published()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
