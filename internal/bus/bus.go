// Package bus fans store lifecycle events out to in-process subscribers such
// as the event journal and the logging layer.
package bus

import (
	"sort"
	"sync"
	"time"
)

// Kind identifies what happened to an entry.
type Kind string

const (
	EntryCreated      Kind = "entry.created"
	EntryRemoved      Kind = "entry.removed"
	EntryEvicted      Kind = "entry.evicted"
	EntryConsolidated Kind = "entry.consolidated"
)

// Event describes a single entry lifecycle transition. Entry carries the
// affected entry value; Data holds kind-specific attributes (for example the
// source ids of a consolidation).
type Event struct {
	Kind    Kind
	EntryID string
	Entry   any
	Data    map[string]any
	At      time.Time
}

// Handler receives events. Handlers run on the publisher's goroutine and
// should not block.
type Handler func(Event)

// Bus delivers events to registered subscribers.
type Bus struct {
	subscribers map[string]Handler
	mu          sync.RWMutex
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]Handler)}
}

// Subscribe registers handler under id, replacing any previous handler with
// the same id.
func (b *Bus) Subscribe(id string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = handler
}

// Unsubscribe removes a subscriber.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Broadcast sends ev to every subscriber in id order. A zero At is stamped
// with the current time.
func (b *Bus) Broadcast(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	ids := make([]string, 0, len(b.subscribers))
	for id := range b.subscribers {
		ids = append(ids, id)
	}
	handlers := make([]Handler, 0, len(ids))
	sort.Strings(ids)
	for _, id := range ids {
		handlers = append(handlers, b.subscribers[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
