// Package bus provides a request/session scoped publish-subscribe
// channel for audit events. A Bus is created per conversation context
// and passed explicitly to the components that emit on it; there is no
// process-wide singleton.
package bus

import (
	"sync"
	"time"
)

// EventKind classifies audit events.
type EventKind string

const (
	// KindGateVerdict is emitted for every high-risk or blocked safety
	// gate verdict.
	KindGateVerdict EventKind = "gate_verdict"

	// KindTurnOutcome is emitted once per conversation turn with its
	// terminal state.
	KindTurnOutcome EventKind = "turn_outcome"

	// KindToolDropped is emitted when a malformed tool invocation is
	// discarded mid-stream.
	KindToolDropped EventKind = "tool_dropped"
)

// Event is one audit record published on a Bus.
type Event struct {
	Kind   EventKind
	At     time.Time
	Fields map[string]string
}

// Bus is a bounded fan-out channel for audit events. Publishing never
// blocks: when a subscriber's buffer is full the event is dropped for
// that subscriber.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe or Close.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber too slow, drop for them.
		}
	}
}

// Close closes all subscriber channels. Publish becomes a no-op.
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
