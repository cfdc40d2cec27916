package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventRecord is the dedupe ledger of provider webhook deliveries.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
	LastError       *string        `json:"last_error"`
}

func (EventRecord) TableName() string { return "payment_events" }

type Status string

const (
	StatusPending        Status = "pending"
	StatusProcessing     Status = "processing"
	StatusPaid           Status = "paid"
	StatusFailed         Status = "failed"
	StatusCanceled       Status = "canceled"
	StatusRequiresAction Status = "requires_action"
)

// Terminal reports whether later webhooks may no longer move the record.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusCanceled
}

type Record struct {
	ID                snowflake.ID `json:"id" gorm:"primaryKey"`
	OrderID           snowflake.ID `json:"order_id" gorm:"not null;index"`
	ExternalPaymentID string       `json:"external_payment_id" gorm:"type:text;not null;uniqueIndex"`
	Status            Status       `json:"status" gorm:"type:text;not null"`
	LastError         *string      `json:"last_error"`
	LastErrorCode     *string      `json:"last_error_code"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

func (Record) TableName() string { return "payment_records" }

type EventType string

const (
	EventTypeSucceeded      EventType = "succeeded"
	EventTypeFailed         EventType = "failed"
	EventTypeRequiresAction EventType = "requires_action"
	EventTypeCanceled       EventType = "canceled"
)

// EventMeta is shared by every parsed provider event.
type EventMeta struct {
	Provider          string
	ProviderEventID   string
	ProviderEventType string
	ExternalPaymentID string
	OccurredAt        time.Time
	RawPayload        []byte
}

func (m EventMeta) Metadata() EventMeta { return m }

// Event is the closed set of payment events adapters may produce.
// Handlers switch on the concrete type.
type Event interface {
	Type() EventType
	Metadata() EventMeta
	isEvent()
}

type Succeeded struct {
	EventMeta
	Amount   int64
	Currency string
}

type Failed struct {
	EventMeta
	Amount       int64
	Currency     string
	ErrorMessage string
	ErrorCode    string
}

type RequiresAction struct {
	EventMeta
	NextAction string
}

type Canceled struct {
	EventMeta
	Reason string
}

func (Succeeded) Type() EventType      { return EventTypeSucceeded }
func (Failed) Type() EventType         { return EventTypeFailed }
func (RequiresAction) Type() EventType { return EventTypeRequiresAction }
func (Canceled) Type() EventType       { return EventTypeCanceled }

func (Succeeded) isEvent()      {}
func (Failed) isEvent()         {}
func (RequiresAction) isEvent() {}
func (Canceled) isEvent()       {}

// Outcome describes what processing did with a delivered event.
type Outcome string

const (
	OutcomeProcessed     Outcome = "processed"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeIgnored       Outcome = "ignored"
	OutcomeRecordMissing Outcome = "record_missing"
	OutcomeTerminal      Outcome = "terminal"
	OutcomeHandlerError  Outcome = "handler_error"
)
