package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const channelPattern = channelPrefix + "*"

// Broker publishes events through Redis pub/sub so every replica's Hub sees
// them. Without a Redis client it delivers straight into the local Hub.
type Broker struct {
	hub    *Hub
	client *redis.Client
	log    *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

type BrokerParams struct {
	fx.In

	Hub    *Hub
	Client *redis.Client `optional:"true"`
	Log    *zap.Logger
}

func NewBroker(p BrokerParams) *Broker {
	return &Broker{
		hub:    p.Hub,
		client: p.Client,
		log:    p.Log.Named("realtime.broker"),
	}
}

func (b *Broker) Publish(ctx context.Context, event Event) error {
	if b == nil || b.hub == nil {
		return ErrBusUnavailable
	}
	if !event.Name.Valid() {
		return ErrUnknownEvent
	}
	if event.Channel == "" {
		return ErrInvalidStoreID
	}

	if b.client == nil {
		b.hub.Deliver(event)
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, event.Channel, data).Err()
}

// Start subscribes to every store channel and relays messages into the Hub.
func (b *Broker) Start(ctx context.Context) error {
	if b.client == nil {
		return nil
	}

	pubsub := b.client.PSubscribe(ctx, channelPattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}

	done := make(chan struct{})
	b.mu.Lock()
	b.pubsub = pubsub
	b.done = done
	b.mu.Unlock()

	go b.relay(pubsub.Channel(), done)
	b.log.Info("relaying store channels", zap.String("pattern", channelPattern))
	return nil
}

func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	pubsub, done := b.pubsub, b.done
	b.pubsub, b.done = nil, nil
	b.mu.Unlock()
	if pubsub == nil {
		return nil
	}

	err := pubsub.Close()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

func (b *Broker) relay(messages <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for msg := range messages {
		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			b.log.Warn("dropping malformed envelope", zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		if event.Channel != msg.Channel || !event.Name.Valid() {
			b.log.Warn("dropping envelope for unexpected channel",
				zap.String("channel", msg.Channel),
				zap.String("event", string(event.Name)),
			)
			continue
		}
		b.hub.Deliver(event)
	}
}
