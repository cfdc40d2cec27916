package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storeforge/internal/outbox/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, event *domain.StoreEvent) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO store_events (id, store_id, event_name, payload, published, attempts, next_attempt_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.StoreID,
		event.EventName,
		event.Payload,
		false,
		0,
		event.NextAttemptAt,
		event.CreatedAt,
	).Error
}

// ListDue returns due rows in id order, skipping any row while an older
// unpublished, unparked row of the same store and event name is pending.
func (r *repo) ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.StoreEvent, error) {
	var events []domain.StoreEvent
	err := db.WithContext(ctx).Raw(
		`SELECT e.id, e.store_id, e.event_name, e.payload, e.published, e.attempts, e.last_error, e.next_attempt_at, e.created_at, e.published_at
		 FROM store_events e
		 WHERE e.published = ? AND e.next_attempt_at <= ?
		   AND NOT EXISTS (
			SELECT 1 FROM store_events p
			WHERE p.store_id = e.store_id
			  AND p.event_name = e.event_name
			  AND p.published = ?
			  AND p.id < e.id
			  AND p.next_attempt_at < ?
		   )
		 ORDER BY e.id ASC
		 LIMIT ?`,
		false,
		now,
		false,
		domain.ParkedUntil,
		limit,
	).Scan(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repo) MarkPublished(ctx context.Context, db *gorm.DB, id snowflake.ID, publishedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE store_events SET published = ?, published_at = ?, last_error = NULL WHERE id = ? AND published = ?`,
		true,
		publishedAt,
		id,
		false,
	).Error
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, attempts int, lastError string, nextAttemptAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE store_events SET attempts = ?, last_error = ?, next_attempt_at = ? WHERE id = ? AND published = ?`,
		attempts,
		lastError,
		nextAttemptAt,
		id,
		false,
	).Error
}

func (r *repo) ListByStore(ctx context.Context, db *gorm.DB, storeID snowflake.ID) ([]domain.StoreEvent, error) {
	var events []domain.StoreEvent
	err := db.WithContext(ctx).Raw(
		`SELECT id, store_id, event_name, payload, published, attempts, last_error, next_attempt_at, created_at, published_at
		 FROM store_events WHERE store_id = ? ORDER BY id ASC`,
		storeID,
	).Scan(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}
