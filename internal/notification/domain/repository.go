package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storeforge/pkg/db/pagination"
	"gorm.io/gorm"
)

type ListFilter struct {
	Type *Type
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, notification *Notification) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Notification, error)
	MarkRead(ctx context.Context, db *gorm.DB, id snowflake.ID, readAt time.Time) (int64, error)
	MarkAllRead(ctx context.Context, db *gorm.DB, storeID snowflake.ID, readAt time.Time) (int64, error)
	List(ctx context.Context, db *gorm.DB, storeID snowflake.ID, filter ListFilter, page pagination.Page) ([]Notification, error)
	CountUnread(ctx context.Context, db *gorm.DB, storeID snowflake.ID) (int64, error)
	Delete(ctx context.Context, db *gorm.DB, storeID, id snowflake.ID) (int64, error)
}
