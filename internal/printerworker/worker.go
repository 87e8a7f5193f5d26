// Package printerworker implements the per-printer worker (§4.6): one
// goroutine per attached device, owning the serial handle and a FIFO job
// queue, interleaving periodic temperature polling with streaming jobs to
// the wire.
package printerworker

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/maydaying/conveyor/internal/driver"
	"github.com/maydaying/conveyor/internal/job"
	"github.com/maydaying/conveyor/internal/logging"
	"github.com/maydaying/conveyor/internal/metrics"
	"github.com/maydaying/conveyor/internal/profile"
	"github.com/maydaying/conveyor/internal/task"
)

const (
	pollInterval = 5 * time.Second
	idleWait     = 1 * time.Second
)

// Item is one queued print, carrying the already-Running Task that tracks
// it through to completion.
type Item struct {
	Task         *task.Task
	ToolpathPath string
	Profile      *profile.Profile
	Material     job.Material
}

// Registry is the subset of the registry a Worker needs: telemetry
// publication and eviction on an unrecoverable failure.
type Registry interface {
	UpdatePrinter(serialID string, temperatures map[string]float64)
	EvictPrinter(portID string, handle io.Closer)
}

// Worker owns one printer's serial handle for its lifetime (§5
// "Ownership").
type Worker struct {
	portID   string
	serialID string
	handle   io.WriteCloser
	profile  *profile.Profile
	registry Registry

	// NewPrinter constructs a fresh, stateless driver.Printer for each job
	// (§4.6 "construct a fresh stateless driver").
	NewPrinter func() (driver.Printer, error)

	mu      sync.Mutex
	queue   []*Item
	current *Item
	stopped bool
	wake    chan struct{}

	done chan struct{}
}

// New returns a Worker bound to portID/serialID, owning handle.
func New(portID, serialID string, handle io.WriteCloser, prof *profile.Profile, registry Registry, newPrinter func() (driver.Printer, error)) *Worker {
	return &Worker{
		portID:     portID,
		serialID:   serialID,
		handle:     handle,
		profile:    prof,
		registry:   registry,
		NewPrinter: newPrinter,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// PortID satisfies registry.PrinterHandle.
func (w *Worker) PortID() string { return w.portID }

// Enqueue pushes item to the head of the queue (§4.6 "Queue discipline");
// the run loop pops from the tail, giving FIFO order.
func (w *Worker) Enqueue(item Item) {
	w.mu.Lock()
	w.queue = append([]*Item{&item}, w.queue...)
	w.mu.Unlock()
	metrics.QueuedJobs.WithLabelValues(w.portID).Inc()
	w.signal()
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Stop requests the run loop exit, cancelling the current job if any.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.stopped = true
	current := w.current
	w.mu.Unlock()

	if current != nil {
		current.Task.Cancel("worker stopped")
	}
	w.signal()
}

// Done is closed once Run returns.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Run drives the main loop (§4.6) until Stop is called or an
// unrecoverable error evicts the printer. It must be called from its own
// goroutine.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	nextPoll := time.Now()
	log := logging.WithPrinterID(w.serialID)

	for {
		w.mu.Lock()
		stopped := w.stopped
		var item *Item
		if len(w.queue) > 0 {
			last := len(w.queue) - 1
			item = w.queue[last]
			w.queue = w.queue[:last]
		}
		w.mu.Unlock()

		if stopped && item == nil {
			return
		}

		if item == nil {
			if time.Now().After(nextPoll) {
				w.pollTemperatures()
				nextPoll = time.Now().Add(pollInterval)
			}

			select {
			case <-w.wake:
			case <-time.After(idleWait):
			case <-ctx.Done():
				return
			}
			continue
		}

		w.mu.Lock()
		w.current = item
		metrics.QueuedJobs.WithLabelValues(w.portID).Dec()
		w.mu.Unlock()

		item.Task.StoppedEvent.Attach(func(any) {
			w.mu.Lock()
			if w.current == item {
				w.current = nil
			}
			w.mu.Unlock()
		})

		if err := w.streamPrint(item); err != nil {
			log.Error().Err(err).Str("port_id", w.portID).Msg("printer worker failed, evicting")
			w.registry.EvictPrinter(w.portID, w.handle)
			return
		}
	}
}

func (w *Worker) pollTemperatures() {
	if w.profile == nil {
		return
	}
	printer, err := w.NewPrinter()
	if err != nil {
		return
	}
	defer printer.Close()

	temps := make(map[string]float64)
	if indices, err := w.profile.Values.ToolIndices(); err == nil {
		for _, i := range indices {
			if v, err := printer.ToolheadTemperature(i); err == nil {
				temps[toolKey(i)] = v
			}
		}
	}
	if indices, err := w.profile.Values.PlatformIndices(); err == nil {
		for _, i := range indices {
			if v, err := printer.PlatformTemperature(i); err == nil {
				temps[platformKey(i)] = v
			}
		}
	}

	metrics.TemperaturePollsTotal.Inc()
	w.registry.UpdatePrinter(w.serialID, temps)
}
