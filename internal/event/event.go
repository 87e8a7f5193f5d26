// Package event implements the multicast notification primitive used
// throughout conveyor: every Task transition, detector cycle, and printer
// telemetry update fires through an Event so that any number of observers
// can attach without the firer knowing who they are.
package event

import (
	"sync"

	"github.com/maydaying/conveyor/internal/logging"
)

// Handler receives a fired payload. A Handler must not block for long; it
// runs synchronously on the firing goroutine.
type Handler[T any] func(T)

type subscription[T any] struct {
	id      uint64
	handler Handler[T]
}

// Event is a multicast notification point. The zero value is not usable;
// construct with New. Safe for concurrent use.
type Event[T any] struct {
	mu     sync.Mutex
	subs   []subscription[T]
	nextID uint64
}

// New creates an empty Event.
func New[T any]() *Event[T] {
	return &Event[T]{}
}

// Token identifies a single Attach call so it can be Detached later.
type Token uint64

// Attach registers handler and returns a Token that can be passed to
// Detach. Handlers are invoked in registration order.
func (e *Event[T]) Attach(handler Handler[T]) Token {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.subs = append(e.subs, subscription[T]{id: id, handler: handler})
	return Token(id)
}

// Detach removes a previously attached handler. Detaching an unknown or
// already-detached token is a no-op.
func (e *Event[T]) Detach(token Token) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.subs {
		if s.id == uint64(token) {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			return
		}
	}
}

// Fire invokes every handler currently attached, in registration order,
// with payload. The handler list is snapshotted before firing, so handlers
// attached by a running handler are not invoked during this Fire call. A
// handler that panics is logged and swallowed; it does not stop later
// handlers from running or Fire from returning.
func (e *Event[T]) Fire(payload T) {
	e.mu.Lock()
	snapshot := make([]subscription[T], len(e.subs))
	copy(snapshot, e.subs)
	e.mu.Unlock()

	for _, s := range snapshot {
		e.invoke(s.handler, payload)
	}
}

func (e *Event[T]) invoke(handler Handler[T], payload T) {
	defer func() {
		if r := recover(); r != nil {
			logging.WithComponent("event").Error().
				Interface("recover", r).
				Msg("event handler panicked, swallowing")
		}
	}()
	handler(payload)
}

// HandlerCount returns the number of currently attached handlers. Intended
// for tests and diagnostics.
func (e *Event[T]) HandlerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}
