package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBrokerWithoutRedisDeliversLocally(t *testing.T) {
	hub := NewHub()
	broker := NewBroker(BrokerParams{Hub: hub, Log: zap.NewNop()})
	require.NoError(t, broker.Start(context.Background()))
	defer broker.Stop(context.Background())

	sub, err := hub.Subscribe(Channel(5))
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, broker.Publish(context.Background(), mustEvent(t, 5, EventAppGenerationStarted)))

	select {
	case got := <-sub.Events():
		assert.Equal(t, EventAppGenerationStarted, got.Name)
	case <-time.After(time.Second):
		t.Fatalf("expected local delivery")
	}
}

func TestBrokerRejectsUnknownEvent(t *testing.T) {
	broker := NewBroker(BrokerParams{Hub: NewHub(), Log: zap.NewNop()})
	err := broker.Publish(context.Background(), Event{Channel: Channel(1), Name: "nope"})
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestBrokerRelayFiltersEnvelopes(t *testing.T) {
	hub := NewHub()
	broker := NewBroker(BrokerParams{Hub: hub, Log: zap.NewNop()})

	sub, err := hub.Subscribe(Channel(3))
	require.NoError(t, err)
	defer sub.Close()

	good, err := json.Marshal(mustEvent(t, 3, EventPaymentFailed))
	require.NoError(t, err)
	mismatched, err := json.Marshal(mustEvent(t, 4, EventPaymentFailed))
	require.NoError(t, err)

	messages := make(chan *redis.Message, 3)
	messages <- &redis.Message{Channel: Channel(3), Payload: "not-json"}
	messages <- &redis.Message{Channel: Channel(3), Payload: string(mismatched)}
	messages <- &redis.Message{Channel: Channel(3), Payload: string(good)}
	close(messages)

	done := make(chan struct{})
	broker.relay(messages, done)
	<-done

	require.Len(t, sub.Events(), 1)
	got := <-sub.Events()
	assert.Equal(t, EventPaymentFailed, got.Name)
	assert.Equal(t, Channel(3), got.Channel)
}
