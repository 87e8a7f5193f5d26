// Package registry is the server-facing seam named in §6: the thin
// interface printer workers and the detector use to publish and withdraw
// printers and push telemetry, and the Dispatcher recipe tasks use to
// invoke the slicer and reach a printer's queue or the print-to-file path.
// §9 replaces the original's shared back-reference to a central server
// object with this explicit capability interface passed at construction.
package registry

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/maydaying/conveyor/internal/driver"
	"github.com/maydaying/conveyor/internal/event"
	"github.com/maydaying/conveyor/internal/job"
	"github.com/maydaying/conveyor/internal/logging"
	"github.com/maydaying/conveyor/internal/metrics"
	"github.com/maydaying/conveyor/internal/profile"
	"github.com/maydaying/conveyor/internal/recipe"
	"github.com/maydaying/conveyor/internal/task"
)

// ErrPrinterNotFound is returned when Print targets a port with no
// registered handle.
var ErrPrinterNotFound = errors.New("registry: printer not found")

// PrintJob is what Print hands to a printer's worker queue.
type PrintJob struct {
	Task         *task.Task
	ToolpathPath string
	Profile      *profile.Profile
	Material     job.Material
}

// PrinterHandle is the worker-side object the registry holds per attached
// port. internal/printerworker.RegistryHandle adapts a Worker to it.
type PrinterHandle interface {
	PortID() string
	Enqueue(job PrintJob)
}

// AttachedPrinter describes a printer published to the registry, used for
// introspection (CLI listing, attach event payloads).
type AttachedPrinter struct {
	PortID   string
	SerialID string
}

// Telemetry is the payload UpdatePrinter publishes.
type Telemetry struct {
	SerialID     string
	Temperatures map[string]float64
}

// Registry is the default in-memory implementation. Safe for concurrent
// callers (§5 "Registry ... implementations must be safe for concurrent
// callers").
type Registry struct {
	mu       sync.RWMutex
	printers map[string]PrinterHandle // port id -> handle
	bySerial map[string]string        // serial id -> port id

	Slicer            driver.Slicer
	PrinterFactory    func() (driver.Printer, error)
	FileWriterFactory func(path string) (driver.FileWriter, error)

	AttachEvent    *event.Event[AttachedPrinter]
	DetachEvent    *event.Event[string]
	TelemetryEvent *event.Event[Telemetry]
}

// New returns an empty Registry. slicer backs Slice; printerFactory and
// fileWriterFactory back PrintToFile (a print-to-file job never touches a
// live serial handle, so it gets its own stateless printer + file sink).
func New(slicer driver.Slicer, printerFactory func() (driver.Printer, error), fileWriterFactory func(string) (driver.FileWriter, error)) *Registry {
	return &Registry{
		printers:          make(map[string]PrinterHandle),
		bySerial:          make(map[string]string),
		Slicer:            slicer,
		PrinterFactory:    printerFactory,
		FileWriterFactory: fileWriterFactory,
		AttachEvent:       event.New[AttachedPrinter](),
		DetachEvent:       event.New[string](),
		TelemetryEvent:    event.New[Telemetry](),
	}
}

// AppendPrinter publishes a newly attached printer.
func (r *Registry) AppendPrinter(serialID string, handle PrinterHandle) {
	portID := handle.PortID()

	r.mu.Lock()
	r.printers[portID] = handle
	r.bySerial[serialID] = portID
	r.mu.Unlock()

	metrics.PrintersAttached.Inc()
	r.AttachEvent.Fire(AttachedPrinter{PortID: portID, SerialID: serialID})
}

// RemovePrinter withdraws a printer by port id.
func (r *Registry) RemovePrinter(portID string) {
	r.mu.Lock()
	if _, ok := r.printers[portID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.printers, portID)
	for serial, port := range r.bySerial {
		if port == portID {
			delete(r.bySerial, serial)
			break
		}
	}
	r.mu.Unlock()

	metrics.PrintersAttached.Dec()
	r.DetachEvent.Fire(portID)
}

// UpdatePrinter publishes a telemetry payload for a serial id.
func (r *Registry) UpdatePrinter(serialID string, temperatures map[string]float64) {
	r.TelemetryEvent.Fire(Telemetry{SerialID: serialID, Temperatures: temperatures})
}

// EvictPrinter withdraws a printer and closes its handle — the worker's
// failure path (§4.6, §7 "Printer failure").
func (r *Registry) EvictPrinter(portID string, handle io.Closer) {
	r.RemovePrinter(portID)
	if handle != nil {
		if err := handle.Close(); err != nil {
			logging.WithComponent("registry").Warn().Err(err).Str("port_id", portID).Msg("error closing evicted printer handle")
		}
	}
}

// Lookup returns the handle registered for portID, if any.
func (r *Registry) Lookup(portID string) (PrinterHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.printers[portID]
	return h, ok
}

// Slice implements recipe.Dispatcher.
func (r *Registry) Slice(ctx context.Context, profileName string, req driver.SliceRequest, material job.Material, dualstrusion bool) error {
	timer := metrics.NewTimer()
	err := r.Slicer.Slice(ctx, req)
	timer.ObserveDuration(metrics.SliceDuration)
	return err
}

// Print implements recipe.Dispatcher: it returns a pending Task whose
// RunningEvent handler enqueues onto the target printer's worker.
func (r *Registry) Print(ctx context.Context, portID string, req recipe.PrintStreamRequest) *task.Task {
	t := task.New()
	t.RunningEvent.Attach(func(*task.Task) {
		handle, ok := r.Lookup(portID)
		if !ok {
			t.Fail(ErrPrinterNotFound)
			return
		}
		handle.Enqueue(PrintJob{Task: t, ToolpathPath: req.ToolpathPath, Profile: req.Profile, Material: req.Material})
	})
	return t
}

// PrintToFile implements recipe.Dispatcher: it renders the toolpath into
// an artifact file using a fresh stateless printer and a FileWriter, with
// no live printer involved.
func (r *Registry) PrintToFile(ctx context.Context, req recipe.PrintToFileRequest) *task.Task {
	return newPrintToFileTask(r.PrinterFactory, r.FileWriterFactory, req)
}
