package realtime

import (
	"sync"
)

const DefaultSubscriberBuffer = 32

// Hub fans events out to subscribers connected to this process.
// Slow subscribers drop events rather than block publishers.
type Hub struct {
	mu               sync.RWMutex
	streams          map[string]*stream
	subscriberBuffer int
}

type stream struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
}

type Subscription struct {
	hub     *Hub
	channel string
	id      uint64
	ch      chan Event
	once    sync.Once
}

func NewHub() *Hub {
	return &Hub{
		streams:          make(map[string]*stream),
		subscriberBuffer: DefaultSubscriberBuffer,
	}
}

// Deliver hands the event to every local subscriber of its channel and
// returns how many subscribers accepted it.
func (h *Hub) Deliver(event Event) int {
	if h == nil || event.Channel == "" {
		return 0
	}
	h.mu.RLock()
	current := h.streams[event.Channel]
	h.mu.RUnlock()
	if current == nil {
		return 0
	}

	current.mu.Lock()
	subs := make([]chan Event, 0, len(current.subs))
	for _, ch := range current.subs {
		subs = append(subs, ch)
	}
	current.mu.Unlock()

	delivered := 0
	for _, ch := range subs {
		select {
		case ch <- event:
			delivered++
		default:
		}
	}
	return delivered
}

func (h *Hub) Subscribe(channel string) (*Subscription, error) {
	if h == nil {
		return nil, ErrBusUnavailable
	}
	if _, err := StoreIDFromChannel(channel); err != nil {
		return nil, err
	}

	// Held across the add so unsubscribe cannot drop the stream in between.
	h.mu.Lock()
	current := h.streams[channel]
	if current == nil {
		current = &stream{subs: make(map[uint64]chan Event)}
		h.streams[channel] = current
	}
	current.mu.Lock()
	id := current.nextID
	current.nextID++
	ch := make(chan Event, h.subscriberBuffer)
	current.subs[id] = ch
	current.mu.Unlock()
	h.mu.Unlock()

	return &Subscription{
		hub:     h,
		channel: channel,
		id:      id,
		ch:      ch,
	}, nil
}

// Subscribers reports the number of local subscribers on a channel.
func (h *Hub) Subscribers(channel string) int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	current := h.streams[channel]
	h.mu.RUnlock()
	if current == nil {
		return 0
	}
	current.mu.Lock()
	defer current.mu.Unlock()
	return len(current.subs)
}

func (h *Hub) unsubscribe(channel string, id uint64) {
	h.mu.RLock()
	current := h.streams[channel]
	h.mu.RUnlock()
	if current == nil {
		return
	}

	current.mu.Lock()
	delete(current.subs, id)
	remaining := len(current.subs)
	current.mu.Unlock()
	if remaining != 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.streams[channel] != current {
		return
	}
	current.mu.Lock()
	empty := len(current.subs) == 0
	current.mu.Unlock()
	if empty {
		delete(h.streams, channel)
	}
}

func (s *Subscription) Events() <-chan Event {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.channel, s.id)
	})
}
