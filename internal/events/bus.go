package events

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/saltfish/paramsearch/internal/domain"
)

// DefaultSubscriberBuffer is the channel capacity of a bus subscription.
const DefaultSubscriberBuffer = 256

// Bus fans state change notifications out to in-process subscribers.
// Publishing never blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[uint64]chan domain.StateChangedEvent
	nextID uint64
	closed bool

	dropped atomic.Int64
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[uint64]chan domain.StateChangedEvent),
	}
}

// Subscribe registers a subscriber. The returned cancel function unregisters
// it and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan domain.StateChangedEvent, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan domain.StateChangedEvent, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers ev to every subscriber with buffer space.
func (b *Bus) Publish(ev domain.StateChangedEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			if n := b.dropped.Add(1); n == 1 || n%1000 == 0 {
				b.logger.Warn("Dropping state change for slow subscriber",
					zap.String("change_type", ev.ChangeType.String()),
					zap.Int64("dropped_total", n),
				)
			}
		}
	}
}

// Dropped returns the number of events lost to full subscriber buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the number of active subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later subscriptions are closed
// immediately.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Forward publishes every event received on events until the channel closes
// or ctx ends. Publish failures are logged and skipped.
func Forward(ctx context.Context, events <-chan domain.StateChangedEvent, pub Publisher, logger *zap.Logger) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := pub.PublishStateChanged(ctx, ev); err != nil {
				logger.Warn("Failed to publish state change",
					zap.String("change_type", ev.ChangeType.String()),
					zap.Error(err),
				)
			}
		case <-ctx.Done():
			return
		}
	}
}
