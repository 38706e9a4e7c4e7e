package stream

import (
	"context"
	"time"
)

// Subscriber represents one consumer of a turn's event stream.
//
// Design decisions:
//   - Buffered channel: handles burst traffic and network jitter
//   - Non-blocking sends with timeout: a slow consumer doesn't block
//     the upstream read
//   - Context cancellation: dropping the subscriber stops forwarding;
//     the in-flight provider call runs to completion and its output is
//     discarded
type Subscriber struct {
	// ID uniquely identifies this subscriber (typically a UUID).
	ID string

	// Ch delivers events in order. Closed when the turn ends or the
	// subscriber is cancelled.
	Ch chan Event

	// JoinedAt is when this subscriber attached.
	JoinedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// DefaultBufferSize is the subscriber channel capacity.
const DefaultBufferSize = 100

// NewSubscriber creates a subscriber tied to ctx (typically the HTTP
// request context).
func NewSubscriber(ctx context.Context, id string, bufferSize int) *Subscriber {
	subCtx, cancel := context.WithCancel(ctx)

	if bufferSize < 10 {
		bufferSize = 10
	}
	if bufferSize > 1000 {
		bufferSize = 1000
	}

	return &Subscriber{
		ID:       id,
		Ch:       make(chan Event, bufferSize),
		JoinedAt: time.Now(),
		ctx:      subCtx,
		cancel:   cancel,
	}
}

// Context returns the subscriber's context.
func (s *Subscriber) Context() context.Context {
	return s.ctx
}

// Cancel cancels the subscriber. Safe to call multiple times.
func (s *Subscriber) Cancel() {
	s.cancel()
}

// Close closes the channel. Always call Cancel() first to prevent
// sends to a closed channel.
func (s *Subscriber) Close() {
	close(s.Ch)
}

// Send attempts delivery with a timeout. Returns false if the
// subscriber is slow or disconnected; the event is dropped for them
// and the next one keeps the stream going.
func (s *Subscriber) Send(ev Event, timeout time.Duration) bool {
	select {
	case s.Ch <- ev:
		return true
	case <-time.After(timeout):
		return false
	case <-s.ctx.Done():
		return false
	}
}

// SendBlocking delivers the event or blocks until the subscriber
// disconnects. Used for terminal events, which must not be dropped.
func (s *Subscriber) SendBlocking(ev Event) bool {
	select {
	case s.Ch <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// IsDisconnected reports whether the subscriber's context is done.
func (s *Subscriber) IsDisconnected() bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}
