package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
)

// EventName is one of the closed set of events pushed to store channels.
type EventName string

const (
	EventAppGenerationStarted  EventName = "app-generation-started"
	EventAppGenerationUpdate   EventName = "app-generation-update"
	EventPaymentReceived       EventName = "payment-received"
	EventPaymentFailed         EventName = "payment-failed"
	EventPaymentRequiresAction EventName = "payment-requires-action"
	EventNewNotification       EventName = "new-notification"
	EventNewReview             EventName = "new-review"
	EventNewUser               EventName = "new-user"
	EventNewOrder              EventName = "new-order"
	EventOrderStatusChange     EventName = "order-status-change"
)

var knownEvents = map[EventName]struct{}{
	EventAppGenerationStarted:  {},
	EventAppGenerationUpdate:   {},
	EventPaymentReceived:       {},
	EventPaymentFailed:         {},
	EventPaymentRequiresAction: {},
	EventNewNotification:       {},
	EventNewReview:             {},
	EventNewUser:               {},
	EventNewOrder:              {},
	EventOrderStatusChange:     {},
}

var (
	ErrUnknownEvent   = errors.New("unknown_event_name")
	ErrInvalidStoreID = errors.New("invalid_store_id")
	ErrBusUnavailable = errors.New("bus_unavailable")
)

func (n EventName) Valid() bool {
	_, ok := knownEvents[n]
	return ok
}

func ParseEventName(raw string) (EventName, error) {
	name := EventName(strings.TrimSpace(raw))
	if !name.Valid() {
		return "", ErrUnknownEvent
	}
	return name, nil
}

const channelPrefix = "store-"

// Channel returns the per-store channel name.
func Channel(storeID snowflake.ID) string {
	return channelPrefix + storeID.String()
}

// StoreIDFromChannel parses a channel name back into the store id.
func StoreIDFromChannel(channel string) (snowflake.ID, error) {
	if !strings.HasPrefix(channel, channelPrefix) {
		return 0, ErrInvalidStoreID
	}
	id, err := snowflake.ParseString(strings.TrimPrefix(channel, channelPrefix))
	if err != nil || id <= 0 {
		return 0, ErrInvalidStoreID
	}
	return id, nil
}

// Event is the envelope delivered to subscribers.
type Event struct {
	ID          string          `json:"id"`
	Channel     string          `json:"channel"`
	Name        EventName       `json:"event"`
	StoreID     snowflake.ID    `json:"store_id"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"published_at"`
}

// NewEvent validates the store and event name and builds an envelope with a fresh id.
func NewEvent(storeID snowflake.ID, name EventName, payload json.RawMessage, at time.Time) (Event, error) {
	if storeID <= 0 {
		return Event{}, ErrInvalidStoreID
	}
	if !name.Valid() {
		return Event{}, ErrUnknownEvent
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return Event{
		ID:          ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String(),
		Channel:     Channel(storeID),
		Name:        name,
		StoreID:     storeID,
		Payload:     payload,
		PublishedAt: at.UTC(),
	}, nil
}

// Publisher pushes an event onto its store channel. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}
