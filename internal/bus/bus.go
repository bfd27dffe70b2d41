package bus

import (
	"strings"
	"sync"
)

// Bus fans events out in-process. Listeners subscribe to a kind prefix
// ("wa.", "notify.") and receive on a buffered channel; a listener with
// a full buffer misses the event rather than stalling the publisher.
type Bus struct {
	mu        sync.RWMutex
	listeners map[int]listener
	nextID    int
}

type listener struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{listeners: make(map[int]listener)}
}

// Publish delivers evt to every listener whose prefix matches evt.Kind.
// It never blocks.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, l := range b.listeners {
		if !strings.HasPrefix(evt.Kind, l.prefix) {
			continue
		}
		select {
		case l.ch <- evt:
		default:
		}
	}
}

// Subscribe registers a listener for kinds starting with prefix and
// returns its channel plus a func that removes the listener. The
// channel is never closed.
func (b *Bus) Subscribe(prefix string, buf int) (<-chan Event, func()) {
	ch := make(chan Event, buf)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = listener{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}
