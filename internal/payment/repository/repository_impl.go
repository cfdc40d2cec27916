package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storeforge/internal/payment/domain"
	pkgdb "github.com/smallbiznis/storeforge/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider string, providerEventID string) (*domain.EventRecord, error) {
	var item domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, provider_event_id, event_type, payload, received_at, processed_at, last_error
		 FROM payment_events
		 WHERE provider = ? AND provider_event_id = ?
		 LIMIT 1`,
		provider,
		providerEventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payment_events (
			id, provider, provider_event_id, event_type, payload, received_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.Provider,
		event.ProviderEventID,
		event.EventType,
		event.Payload,
		event.ReceivedAt,
		event.ProcessedAt,
	)
	if res.Error != nil {
		if pkgdb.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ClaimEvent marks the event processed unless another delivery already did.
// Run it inside the handler transaction so the claim rolls back with it.
func (r *repo) ClaimEvent(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_events
		 SET processed_at = ?, last_error = NULL
		 WHERE id = ? AND processed_at IS NULL`,
		processedAt,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkEventFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_events
		 SET last_error = ?
		 WHERE id = ? AND processed_at IS NULL`,
		lastError,
		id,
	).Error
}

func (r *repo) FindRecordByExternalID(ctx context.Context, db *gorm.DB, externalPaymentID string) (*domain.Record, error) {
	var item domain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT id, order_id, external_payment_id, status, last_error, last_error_code, created_at, updated_at
		 FROM payment_records
		 WHERE external_payment_id = ?
		 LIMIT 1`,
		externalPaymentID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// UpdateRecordStatus refuses to move records that already reached paid or canceled.
func (r *repo) UpdateRecordStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, update domain.RecordUpdate) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_records
		 SET status = ?, last_error = ?, last_error_code = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		update.Status,
		update.LastError,
		update.LastErrorCode,
		update.UpdatedAt,
		id,
		domain.StatusPaid,
		domain.StatusCanceled,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
