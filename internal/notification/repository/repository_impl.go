package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storeforge/internal/notification/domain"
	"github.com/smallbiznis/storeforge/pkg/db/pagination"
	"gorm.io/gorm"
)

const selectColumns = `id, store_id, type, title, content, data, is_read, created_at, read_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, n *domain.Notification) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO notifications (id, store_id, type, title, content, data, is_read, created_at, read_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID,
		n.StoreID,
		n.Type,
		n.Title,
		n.Content,
		n.Data,
		n.IsRead,
		n.CreatedAt,
		n.ReadAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Notification, error) {
	var n domain.Notification
	err := db.WithContext(ctx).Raw(
		`SELECT `+selectColumns+` FROM notifications WHERE id = ?`,
		id,
	).Scan(&n).Error
	if err != nil {
		return nil, err
	}
	if n.ID == 0 {
		return nil, nil
	}
	return &n, nil
}

// MarkRead only touches unread rows, so read_at keeps its first value.
func (r *repo) MarkRead(ctx context.Context, db *gorm.DB, id snowflake.ID, readAt time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE notifications SET is_read = ?, read_at = ? WHERE id = ? AND is_read = ?`,
		true,
		readAt,
		id,
		false,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) MarkAllRead(ctx context.Context, db *gorm.DB, storeID snowflake.ID, readAt time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE notifications SET is_read = ?, read_at = ? WHERE store_id = ? AND is_read = ?`,
		true,
		readAt,
		storeID,
		false,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, storeID snowflake.ID, filter domain.ListFilter, page pagination.Page) ([]domain.Notification, error) {
	query := `SELECT ` + selectColumns + ` FROM notifications WHERE store_id = ?`
	args := []any{storeID}
	if filter.Type != nil {
		query += ` AND type = ?`
		args = append(args, *filter.Type)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, page.Limit+1, page.Offset)

	var items []domain.Notification
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) CountUnread(ctx context.Context, db *gorm.DB, storeID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM notifications WHERE store_id = ? AND is_read = ?`,
		storeID,
		false,
	).Scan(&count).Error
	return count, err
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, storeID, id snowflake.ID) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`DELETE FROM notifications WHERE id = ? AND store_id = ?`,
		id,
		storeID,
	)
	return result.RowsAffected, result.Error
}
