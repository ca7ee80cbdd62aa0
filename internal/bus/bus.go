// Package bus is the in-process notification fan-out between the sync
// engine and whatever hosts it. Subscribers pick a kind prefix;
// publishing never blocks, a slow subscriber loses events rather than
// stalling the engine's mutation path.
package bus

import (
	"strings"
	"sync"
)

type subscriber struct {
	id     int
	prefix string
	ch     chan Event
}

// Bus is a prefix-filtered publish/subscribe fan-out.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID int
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Publish delivers evt to every subscriber whose prefix matches
// evt.Kind. Delivery is best-effort: full subscriber buffers drop.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !strings.HasPrefix(evt.Kind, s.prefix) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
		}
	}
}

// Subscribe registers a buffered receiver for kinds starting with
// prefix. An empty prefix receives everything. The returned function
// removes the subscription; the channel is not closed, pending events
// may still be drained after unsubscribing.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscriber{id: id, prefix: prefix, ch: ch})
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}
