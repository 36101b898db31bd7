package lifecycle

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// Subscriber receives notifications. Notify is called synchronously on the
// publishing goroutine and must not block.
type Subscriber interface {
	Notify(Event)
}

// SubscriberFunc adapts a plain function to Subscriber.
type SubscriberFunc func(Event)

func (f SubscriberFunc) Notify(e Event) { f(e) }

// Bus fans events out to zero or more subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]Subscriber
	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[uint64]Subscriber), logger: logger}
}

// Subscribe registers s and returns a function that removes it again.
func (b *Bus) Subscribe(s Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Len returns the number of current subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers e to every subscriber in registration order.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	subs := make([]Subscriber, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, b.subs[id])
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s Subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked", "kind", e.Kind, "panic", r)
		}
	}()
	s.Notify(e)
}

// ChannelSubscriber buffers events into a channel. When the buffer is full the
// event is dropped and counted instead of blocking the publisher.
type ChannelSubscriber struct {
	ch      chan Event
	dropped atomic.Uint64
}

func NewChannelSubscriber(size int) *ChannelSubscriber {
	if size <= 0 {
		size = 64
	}
	return &ChannelSubscriber{ch: make(chan Event, size)}
}

func (c *ChannelSubscriber) Notify(e Event) {
	select {
	case c.ch <- e:
	default:
		c.dropped.Add(1)
	}
}

// Events returns the receive side of the buffer.
func (c *ChannelSubscriber) Events() <-chan Event { return c.ch }

// Dropped returns how many events were discarded because the buffer was full.
func (c *ChannelSubscriber) Dropped() uint64 { return c.dropped.Load() }
