package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type AdapterConfig struct {
	Provider      string
	WebhookSecret string
	// Tolerance bounds the age of a signed timestamp. Zero disables the check.
	Tolerance time.Duration
	Now       func() time.Time
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (PaymentAdapter, error)
}

type PaymentAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (Event, error)
}

type Repository interface {
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider string, providerEventID string) (*EventRecord, error)
	ClaimEvent(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) (bool, error)
	MarkEventFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string) error
	FindRecordByExternalID(ctx context.Context, db *gorm.DB, externalPaymentID string) (*Record, error)
	UpdateRecordStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, update RecordUpdate) (bool, error)
}

type RecordUpdate struct {
	Status        Status
	LastError     *string
	LastErrorCode *string
	UpdatedAt     time.Time
}

// Service applies verified provider events to payment and order state.
type Service interface {
	ProcessEvent(ctx context.Context, event Event) (Outcome, error)
}

// WebhookService verifies and dispatches raw provider deliveries.
type WebhookService interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (Outcome, error)
}

// HandlerError wraps a failure inside a business handler after the event was
// verified and recorded.
type HandlerError struct {
	EventType EventType
	Err       error
}

func (e *HandlerError) Error() string {
	return "payment handler " + string(e.EventType) + ": " + e.Err.Error()
}

func (e *HandlerError) Unwrap() error { return e.Err }

var (
	ErrInvalidProvider  = errors.New("invalid_provider")
	ErrProviderNotFound = errors.New("payment_provider_not_found")
	ErrInvalidConfig    = errors.New("invalid_provider_config")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrEventIgnored     = errors.New("event_ignored")
	ErrOrderNotFound    = errors.New("order_not_found")
)
