package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type PaymentStatus string

const (
	PaymentStatusPending        PaymentStatus = "pending"
	PaymentStatusProcessing     PaymentStatus = "processing"
	PaymentStatusPaid           PaymentStatus = "paid"
	PaymentStatusFailed         PaymentStatus = "failed"
	PaymentStatusCanceled       PaymentStatus = "canceled"
	PaymentStatusRequiresAction PaymentStatus = "requires_action"
)

// Order carries only the fields payment processing reads or writes.
type Order struct {
	ID            snowflake.ID  `gorm:"primaryKey" json:"id"`
	StoreID       snowflake.ID  `gorm:"not null;index" json:"store_id"`
	OrderNumber   string        `gorm:"not null" json:"order_number"`
	Amount        int64         `gorm:"not null" json:"amount"`
	Currency      string        `gorm:"not null" json:"currency"`
	PaymentStatus PaymentStatus `gorm:"not null" json:"payment_status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

func (Order) TableName() string { return "orders" }

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error)
	UpdatePaymentStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status PaymentStatus, updatedAt time.Time) (int64, error)
}

var ErrNotFound = errors.New("not_found")
