// Package bus fans lifecycle events from the dispatcher and broadcast engine
// out to in-process observers.
package bus

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 100

// Publisher is what producers depend on.
type Publisher interface {
	PublishEvent(ctx context.Context, event Event) bool
}

// Bus delivers every published event to every live subscriber. Publishing
// never blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	subscribers      map[uint64]chan Event
	nextSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[uint64]chan Event),
		done:        make(chan struct{}),
	}
}

// PublishEvent stamps and fans out event. It reports false when the bus is
// closed or ctx is done.
func (b *Bus) PublishEvent(ctx context.Context, event Event) bool {
	if b == nil {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return false
	case <-b.done:
		return false
	default:
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}

	return true
}

// SubscribeEvents registers a buffered subscriber. The channel closes when
// ctx ends, the returned unsubscribe runs, or the bus closes.
func (b *Bus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := b.nextSubscriberID
	b.nextSubscriberID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			if eventCh, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(eventCh)
			}
			b.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-b.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}

// Close stops publishing and closes every subscriber channel.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)

		b.mu.Lock()
		for id, ch := range b.subscribers {
			close(ch)
			delete(b.subscribers, id)
		}
		b.mu.Unlock()
	})
}
