package outbox

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/storeforge/internal/clock"
	"github.com/smallbiznis/storeforge/internal/config"
	obsmetrics "github.com/smallbiznis/storeforge/internal/observability/metrics"
	"github.com/smallbiznis/storeforge/internal/outbox/domain"
	"github.com/smallbiznis/storeforge/internal/realtime"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	BackoffBase = time.Second
	BackoffCap  = 5 * time.Minute

	kickDrainTimeout = 30 * time.Second
)

type DrainResult struct {
	Published int
	Failed    int
	Parked    int
}

// Dispatcher drains unpublished store events onto the bus.
type Dispatcher struct {
	db        *gorm.DB
	repo      domain.Repository
	publisher realtime.Publisher
	clock     clock.Clock
	log       *zap.Logger
	metrics   *obsmetrics.Metrics
	runtime   *config.RuntimeConfigHolder

	drainMu sync.Mutex
	kick    chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

type DispatcherParams struct {
	fx.In

	DB        *gorm.DB
	Repo      domain.Repository
	Publisher realtime.Publisher
	Clock     clock.Clock
	Log       *zap.Logger
	Metrics   *obsmetrics.Metrics         `optional:"true"`
	Runtime   *config.RuntimeConfigHolder `optional:"true"`
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	return &Dispatcher{
		db:        p.DB,
		repo:      p.Repo,
		publisher: p.Publisher,
		clock:     p.Clock,
		log:       p.Log.Named("outbox.dispatcher"),
		metrics:   p.Metrics,
		runtime:   p.Runtime,
		kick:      make(chan struct{}, 1),
	}
}

// Backoff returns the delay before the next attempt after the given number of failures.
func Backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	delay := BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= BackoffCap {
			return BackoffCap
		}
	}
	return delay
}

// DrainOnce publishes every due row once. Concurrent calls are serialized.
func (d *Dispatcher) DrainOnce(ctx context.Context) (DrainResult, error) {
	d.drainMu.Lock()
	defer d.drainMu.Unlock()

	cfg := d.runtime.Get().Outbox
	now := d.clock.Now()
	rows, err := d.repo.ListDue(ctx, d.db, now, cfg.BatchSize)
	if err != nil {
		return DrainResult{}, err
	}

	// A row that fails holds back the later rows of its store and event name
	// so clients never see them out of order.
	blocked := make(map[streamKey]struct{})

	var result DrainResult
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		key := streamKey{storeID: row.StoreID, eventName: row.EventName}
		if _, held := blocked[key]; held {
			continue
		}
		outcome, err := d.deliver(ctx, row, cfg.MaxAttempts)
		if err != nil {
			return result, err
		}
		switch outcome {
		case outcomePublished:
			result.Published++
		case outcomeParked:
			result.Parked++
		default:
			result.Failed++
			blocked[key] = struct{}{}
		}
	}
	return result, nil
}

type streamKey struct {
	storeID   snowflake.ID
	eventName string
}

type deliveryOutcome int

const (
	outcomePublished deliveryOutcome = iota
	outcomeRetry
	outcomeParked
)

func (d *Dispatcher) deliver(ctx context.Context, row domain.StoreEvent, maxAttempts int) (deliveryOutcome, error) {
	now := d.clock.Now()
	name := realtime.EventName(row.EventName)
	if !name.Valid() {
		d.log.Error("parking store event with unknown name",
			zap.String("event_id", row.ID.String()),
			zap.String("event_name", row.EventName),
		)
		d.metrics.RecordOutboxFailed(ctx, row.EventName, "unknown_event")
		return outcomeParked, d.repo.MarkFailed(ctx, d.db, row.ID, row.Attempts+1, realtime.ErrUnknownEvent.Error(), domain.ParkedUntil)
	}

	event := realtime.Event{
		ID:          EventID(row),
		Channel:     realtime.Channel(row.StoreID),
		Name:        name,
		StoreID:     row.StoreID,
		Payload:     json.RawMessage(row.Payload),
		PublishedAt: now,
	}

	if pubErr := d.publisher.Publish(ctx, event); pubErr != nil {
		attempts := row.Attempts + 1
		next := now.Add(Backoff(attempts))
		outcome := outcomeRetry
		if attempts >= maxAttempts {
			next = domain.ParkedUntil
			outcome = outcomeParked
			d.log.Error("store event exhausted delivery attempts",
				zap.String("event_id", row.ID.String()),
				zap.String("store_id", row.StoreID.String()),
				zap.String("event_name", row.EventName),
				zap.Int("attempts", attempts),
				zap.Error(pubErr),
			)
		} else {
			d.log.Warn("store event publish failed",
				zap.String("event_id", row.ID.String()),
				zap.String("event_name", row.EventName),
				zap.Int("attempts", attempts),
				zap.Time("next_attempt_at", next),
				zap.Error(pubErr),
			)
		}
		d.metrics.RecordOutboxFailed(ctx, row.EventName, "publish_error")
		return outcome, d.repo.MarkFailed(ctx, d.db, row.ID, attempts, pubErr.Error(), next)
	}

	d.metrics.RecordOutboxPublished(ctx, row.EventName)
	return outcomePublished, d.repo.MarkPublished(ctx, d.db, row.ID, now)
}

// EventID derives a stable envelope id from the outbox row so redeliveries
// of the same row carry the same id.
func EventID(row domain.StoreEvent) string {
	entropy := make([]byte, 10)
	binary.BigEndian.PutUint64(entropy[2:], uint64(row.ID))
	id, err := ulid.New(ulid.Timestamp(row.CreatedAt), bytes.NewReader(entropy))
	if err != nil {
		return row.ID.String()
	}
	return id.String()
}

// Kick requests a drain without blocking the caller.
func (d *Dispatcher) Kick() {
	if d == nil {
		return
	}
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Start runs the kick loop until Stop.
func (d *Dispatcher) Start() {
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.loop(d.stop, d.done)
}

func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.stop == nil {
		return nil
	}
	close(d.stop)
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loop drains on every kick and at least once per outbox.interval, which is
// re-read each round so a reloaded runtime.yml takes effect.
func (d *Dispatcher) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	timer := time.NewTimer(d.runtime.Get().Outbox.Interval)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case <-d.kick:
		case <-timer.C:
		}

		d.drainInLoop()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d.runtime.Get().Outbox.Interval)
	}
}

func (d *Dispatcher) drainInLoop() {
	ctx, cancel := context.WithTimeout(context.Background(), kickDrainTimeout)
	defer cancel()
	result, err := d.DrainOnce(ctx)
	if err != nil {
		d.log.Warn("outbox drain failed", zap.Error(err))
		return
	}
	if result.Published+result.Failed+result.Parked > 0 {
		d.log.Debug("outbox drained",
			zap.Int("published", result.Published),
			zap.Int("failed", result.Failed),
			zap.Int("parked", result.Parked),
		)
	}
}
