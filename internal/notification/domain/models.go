package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Type string

const (
	TypeNewOrder          Type = "new_order"
	TypeOrderStatusChange Type = "order_status_change"
	TypeOrderCanceled     Type = "order_canceled"
	TypePaymentReceived   Type = "payment_received"
	TypeRefundRequest     Type = "refund_request"
	TypeLowStock          Type = "low_stock"
	TypeOutOfStock        Type = "out_of_stock"
	TypeNewReview         Type = "new_review"
	TypeReviewReply       Type = "review_reply"
	TypeNewUser           Type = "new_user"
	TypeNewMessage        Type = "new_message"
	TypeSecurityAlert     Type = "security_alert"
	TypeSystemUpdate      Type = "system_update"
	TypePromotion         Type = "promotion"
	TypeMaintenance       Type = "maintenance"
	TypeAccountUpdate     Type = "account_update"
)

var knownTypes = map[Type]struct{}{
	TypeNewOrder:          {},
	TypeOrderStatusChange: {},
	TypeOrderCanceled:     {},
	TypePaymentReceived:   {},
	TypeRefundRequest:     {},
	TypeLowStock:          {},
	TypeOutOfStock:        {},
	TypeNewReview:         {},
	TypeReviewReply:       {},
	TypeNewUser:           {},
	TypeNewMessage:        {},
	TypeSecurityAlert:     {},
	TypeSystemUpdate:      {},
	TypePromotion:         {},
	TypeMaintenance:       {},
	TypeAccountUpdate:     {},
}

func (t Type) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

func ParseType(raw string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", ErrInvalidType
	}
	return t, nil
}

type Notification struct {
	ID        snowflake.ID   `gorm:"primaryKey" json:"id"`
	StoreID   snowflake.ID   `gorm:"not null;index" json:"store_id"`
	Type      Type           `gorm:"not null" json:"type"`
	Title     string         `gorm:"not null" json:"title"`
	Content   string         `gorm:"not null" json:"content"`
	Data      datatypes.JSON `gorm:"type:jsonb" json:"data,omitempty"`
	IsRead    bool           `gorm:"not null" json:"is_read"`
	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
	ReadAt    *time.Time     `json:"read_at,omitempty"`
}

func (Notification) TableName() string { return "notifications" }
