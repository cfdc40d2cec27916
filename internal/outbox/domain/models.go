package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ParkedUntil is the next_attempt_at given to rows that exhausted their
// attempts. Parked rows no longer hold back later rows of the same event.
var ParkedUntil = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// StoreEvent is an outbox row written in the same transaction as the state
// change it announces.
type StoreEvent struct {
	ID            snowflake.ID   `gorm:"primaryKey" json:"id"`
	StoreID       snowflake.ID   `gorm:"not null" json:"store_id"`
	EventName     string         `gorm:"not null" json:"event_name"`
	Payload       datatypes.JSON `gorm:"type:jsonb;not null" json:"payload"`
	Published     bool           `gorm:"not null" json:"published"`
	Attempts      int            `gorm:"not null" json:"attempts"`
	LastError     *string        `json:"last_error,omitempty"`
	NextAttemptAt time.Time      `gorm:"not null" json:"next_attempt_at"`
	CreatedAt     time.Time      `gorm:"not null" json:"created_at"`
	PublishedAt   *time.Time     `json:"published_at,omitempty"`
}

func (StoreEvent) TableName() string { return "store_events" }
