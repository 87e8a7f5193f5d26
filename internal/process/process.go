// Package process implements the combinator that stitches a sequence of
// Tasks into one composite Task (§4.3): starting the first child, chaining
// End->next-Start, short-circuiting on Fail, and propagating cancellation
// in both directions between the composite and whichever child is running.
package process

import (
	"errors"
	"sync"

	"github.com/maydaying/conveyor/internal/task"
)

// ErrEmptySequence is returned by Sequence when given no children.
var ErrEmptySequence = errors.New("process: sequence requires at least one task")

// Process is a composite Task running a fixed ordered list of child Tasks.
// It embeds *task.Task, so a Process can be started, cancelled, and
// observed exactly like any other Task.
type Process struct {
	*task.Task

	owner    any
	Children []*task.Task

	mu      sync.Mutex
	current int
}

// Owner returns the opaque value (typically a *job.Job) the sequence was
// built for.
func (p *Process) Owner() any {
	return p.owner
}

// Sequence builds a Process that runs children strictly in order. owner is
// an opaque back-reference (the Job that produced this pipeline) carried
// for introspection by callers such as a registry or CLI listing in-flight
// work; it is not interpreted here.
//
// Behavior per §4.3: starting the Process starts children[0]. A child's End
// starts the next child, or — for the last child — ends the Process with
// that child's result. A child's Fail fails the Process with the same
// cause; no further children are started. A genuine external cancellation
// of the currently running child (its own state settling on Stopped, as
// opposed to a Stopped firing that is really just the capstone of an End or
// Fail) stops the Process. Cancelling the Process cancels whichever child
// is currently running; already-terminal children are left alone.
func Sequence(owner any, children []*task.Task) (*Process, error) {
	if len(children) == 0 {
		return nil, ErrEmptySequence
	}

	p := &Process{
		Task:     task.New(),
		owner:    owner,
		Children: children,
	}

	p.RunningEvent.Attach(func(*task.Task) {
		p.mu.Lock()
		p.current = 0
		p.mu.Unlock()
		children[0].Start()
	})

	for i, child := range children {
		i, child := i, child

		child.EndEvent.Attach(func(result any) {
			if i == len(children)-1 {
				p.End(result)
				return
			}
			p.mu.Lock()
			p.current = i + 1
			p.mu.Unlock()
			children[i+1].Start()
		})

		child.FailEvent.Attach(func(cause error) {
			p.Fail(cause)
		})

		child.StoppedEvent.Attach(func(reason any) {
			if child.State() == task.Stopped {
				p.Cancel(reason)
			}
		})
	}

	p.StoppedEvent.Attach(func(reason any) {
		if p.State() != task.Stopped {
			return
		}
		p.mu.Lock()
		i := p.current
		p.mu.Unlock()
		if i >= 0 && i < len(children) {
			children[i].Cancel(reason)
		}
	})

	return p, nil
}
