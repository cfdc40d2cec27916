package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, event *StoreEvent) error
	ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]StoreEvent, error)
	MarkPublished(ctx context.Context, db *gorm.DB, id snowflake.ID, publishedAt time.Time) error
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, attempts int, lastError string, nextAttemptAt time.Time) error
	ListByStore(ctx context.Context, db *gorm.DB, storeID snowflake.ID) ([]StoreEvent, error)
}
