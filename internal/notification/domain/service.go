package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storeforge/pkg/db/pagination"
	"gorm.io/gorm"
)

type Service interface {
	Create(ctx context.Context, req CreateRequest) (Notification, error)
	CreateTx(ctx context.Context, tx *gorm.DB, req CreateRequest) (Notification, error)
	MarkRead(ctx context.Context, req MarkReadRequest) (Notification, error)
	MarkAllRead(ctx context.Context, storeID snowflake.ID) (int64, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
	UnreadCount(ctx context.Context, storeID snowflake.ID) (int64, error)
	Delete(ctx context.Context, storeID, id snowflake.ID) error
}

type CreateRequest struct {
	StoreID snowflake.ID   `json:"-"`
	Type    Type           `json:"type"`
	Title   string         `json:"title"`
	Content string         `json:"content"`
	Data    map[string]any `json:"data,omitempty"`
}

// MarkReadRequest scopes the update to StoreID when it is set.
type MarkReadRequest struct {
	ID      snowflake.ID
	StoreID snowflake.ID
}

type ListRequest struct {
	StoreID snowflake.ID
	Type    *Type
	Page    pagination.Page
}

type ListResponse struct {
	Notifications []Notification      `json:"notifications"`
	PageInfo      pagination.PageInfo `json:"page_info"`
}

var (
	ErrInvalidStore   = errors.New("invalid_store")
	ErrInvalidID      = errors.New("invalid_id")
	ErrInvalidType    = errors.New("invalid_type")
	ErrInvalidTitle   = errors.New("invalid_title")
	ErrInvalidContent = errors.New("invalid_content")
	ErrInvalidData    = errors.New("invalid_data")
	ErrNotFound       = errors.New("not_found")
)
