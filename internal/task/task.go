// Package task implements the cooperative state machine that every unit of
// dispatch work (slicing, post-processing, dualstrusion weaving, wrapping,
// printing, verification) runs under. A Task moves PENDING -> RUNNING ->
// one of {ENDED, FAILED, STOPPED} and is never reused once terminal.
package task

import (
	"reflect"
	"sync"

	"github.com/maydaying/conveyor/internal/event"
	"github.com/maydaying/conveyor/internal/logging"
)

// State is a Task's position in its lifecycle.
type State int

const (
	Pending State = iota
	Running
	Ended
	Failed
	Stopped
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Running:
		return "RUNNING"
	case Ended:
		return "ENDED"
	case Failed:
		return "FAILED"
	case Stopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s is one of {Ended, Failed, Stopped}.
func (s State) Terminal() bool {
	return s == Ended || s == Failed || s == Stopped
}

// Progress is the opaque per-task heartbeat payload. Every progress record
// carries at least a "name" key; tasks add their own keys on top
// (currentline, totalbytes, temperature, ...).
type Progress map[string]any

// Equal reports whether p and other carry the same values. Used by
// LazyHeartbeat to collapse identical consecutive payloads.
func (p Progress) Equal(other Progress) bool {
	return reflect.DeepEqual(p, other)
}

// Task is a single owned state machine. The zero value is not usable;
// construct with New. Safe for concurrent use: all mutating methods take
// an internal lock and fire events with that lock released.
type Task struct {
	mu       sync.Mutex
	state    State
	progress Progress
	cause    error
	result   any

	RunningEvent   *event.Event[*Task]
	HeartbeatEvent *event.Event[Progress]
	EndEvent       *event.Event[any]
	FailEvent      *event.Event[error]
	StoppedEvent   *event.Event[any]
}

// New creates a Task in the Pending state.
func New() *Task {
	return &Task{
		state:          Pending,
		RunningEvent:   event.New[*Task](),
		HeartbeatEvent: event.New[Progress](),
		EndEvent:       event.New[any](),
		FailEvent:      event.New[error](),
		StoppedEvent:   event.New[any](),
	}
}

// State returns the task's current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Progress returns the last heartbeat payload, or nil if none was ever sent.
func (t *Task) Progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// Cause returns the failure cause, valid only once State() == Failed.
func (t *Task) Cause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cause
}

// Result returns the end result, valid only once State() == Ended.
func (t *Task) Result() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Start transitions Pending -> Running and fires RunningEvent. A Start call
// on any other state is a no-op.
func (t *Task) Start() {
	t.mu.Lock()
	if t.state != Pending {
		t.mu.Unlock()
		t.debugNoop("start")
		return
	}
	t.state = Running
	t.mu.Unlock()

	t.RunningEvent.Fire(t)
}

// Heartbeat fires HeartbeatEvent with p and records it as the last progress
// payload. A Heartbeat call outside Running is a no-op.
func (t *Task) Heartbeat(p Progress) {
	t.mu.Lock()
	if t.state != Running {
		t.mu.Unlock()
		t.debugNoop("heartbeat")
		return
	}
	t.progress = p
	t.mu.Unlock()

	t.HeartbeatEvent.Fire(p)
}

// LazyHeartbeat fires a heartbeat with newProgress only if it differs from
// oldProgress, collapsing consecutive identical payloads to a single
// emission. It is a pure comparison plus a conditional Heartbeat call, so it
// is still a no-op outside Running.
func (t *Task) LazyHeartbeat(newProgress, oldProgress Progress) {
	if newProgress.Equal(oldProgress) {
		return
	}
	t.Heartbeat(newProgress)
}

// End transitions Running -> Ended, firing EndEvent(result) then
// StoppedEvent(nil). A no-op outside Running.
func (t *Task) End(result any) {
	t.mu.Lock()
	if t.state != Running {
		t.mu.Unlock()
		t.debugNoop("end")
		return
	}
	t.state = Ended
	t.result = result
	t.mu.Unlock()

	t.EndEvent.Fire(result)
	t.StoppedEvent.Fire(nil)
}

// Fail transitions Running -> Failed, firing FailEvent(cause) then
// StoppedEvent(nil). A no-op outside Running.
func (t *Task) Fail(cause error) {
	t.mu.Lock()
	if t.state != Running {
		t.mu.Unlock()
		t.debugNoop("fail")
		return
	}
	t.state = Failed
	t.cause = cause
	t.mu.Unlock()

	t.FailEvent.Fire(cause)
	t.StoppedEvent.Fire(nil)
}

// Cancel transitions Pending or Running -> Stopped, firing
// StoppedEvent(reason). A no-op on an already-terminal task (including an
// already-stopped one): no event fires and the state does not change.
func (t *Task) Cancel(reason any) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		t.debugNoop("cancel")
		return
	}
	t.state = Stopped
	t.mu.Unlock()

	t.StoppedEvent.Fire(reason)
}

func (t *Task) debugNoop(op string) {
	logging.WithComponent("task").Debug().
		Str("op", op).
		Str("state", t.State().String()).
		Msg("ignoring transition on terminal or mismatched task state")
}
