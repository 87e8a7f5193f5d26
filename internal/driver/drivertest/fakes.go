// Package drivertest provides in-memory stand-ins for the external
// collaborators declared in internal/driver, used by recipe, printerworker
// and registry tests so they never shell out to a real slicer or talk to
// real hardware.
package drivertest

import (
	"context"
	"errors"
	"sync"

	"github.com/maydaying/conveyor/internal/driver"
)

// Slicer is a scriptable fake implementing driver.Slicer.
type Slicer struct {
	mu       sync.Mutex
	Requests []driver.SliceRequest
	Err      error

	// OnSlice, if set, is called before returning Err, letting a test
	// simulate a slicer that writes an output file.
	OnSlice func(req driver.SliceRequest) error
}

func (s *Slicer) Slice(ctx context.Context, req driver.SliceRequest) error {
	s.mu.Lock()
	s.Requests = append(s.Requests, req)
	s.mu.Unlock()

	if s.OnSlice != nil {
		if err := s.OnSlice(req); err != nil {
			return err
		}
	}
	return s.Err
}

// MeshSplitter is a scriptable fake implementing driver.MeshSplitter.
type MeshSplitter struct {
	Err error
	// OnSplit, if set, is invoked to populate the scratch directory.
	OnSplit func(inputComposite, scratchDir string) error
}

func (s *MeshSplitter) Split(ctx context.Context, inputComposite, scratchDir string) error {
	if s.OnSplit != nil {
		if err := s.OnSplit(inputComposite, scratchDir); err != nil {
			return err
		}
	}
	return s.Err
}

// StreamWriter records every frame written and tracks external-stop.
type StreamWriter struct {
	mu           sync.Mutex
	Frames       [][]byte
	ExternalStop bool
	WriteErr     error
}

func (w *StreamWriter) Write(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.WriteErr != nil {
		return w.WriteErr
	}
	cp := append([]byte(nil), frame...)
	w.Frames = append(w.Frames, cp)
	return nil
}

func (w *StreamWriter) SetExternalStop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ExternalStop = true
}

func (w *StreamWriter) Stopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ExternalStop
}

// Printer is a scriptable fake implementing driver.Printer.
type Printer struct {
	mu           sync.Mutex
	Writer       driver.StreamWriter
	Commands     []string
	Temperatures map[int]float64
	ParseErr     error
	Closed       bool
}

func (p *Printer) ToolheadTemperature(toolIndex int) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Temperatures[toolIndex], nil
}

func (p *Printer) PlatformTemperature(platformIndex int) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Temperatures[100+platformIndex], nil
}

func (p *Printer) SetWriter(w driver.StreamWriter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Writer = w
}

func (p *Printer) ParseCommand(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ParseErr != nil {
		return p.ParseErr
	}
	p.Commands = append(p.Commands, line)
	if p.Writer != nil {
		return p.Writer.Write([]byte(line))
	}
	return nil
}

func (p *Printer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

// FileReader is a scriptable fake implementing driver.FileReader.
type FileReader struct {
	Err       error
	Progress  []float64
	ReportPct []float64 // percentages to report via the callback before returning Err
}

func (r *FileReader) ReadFile(path string, progressCB func(percent float64)) error {
	for _, pct := range r.ReportPct {
		progressCB(pct)
	}
	return r.Err
}

// MachineDetector is a scriptable fake implementing driver.MachineDetector.
type MachineDetector struct {
	mu        sync.Mutex
	Available map[string]driver.MachineInfo
}

func NewMachineDetector() *MachineDetector {
	return &MachineDetector{Available: map[string]driver.MachineInfo{}}
}

func (d *MachineDetector) GetAvailableMachines() (map[string]driver.MachineInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]driver.MachineInfo, len(d.Available))
	for k, v := range d.Available {
		out[k] = v
	}
	return out, nil
}

func (d *MachineDetector) SetAvailable(ports map[string]driver.MachineInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Available = ports
}

// BotFactory is a scriptable fake implementing driver.BotFactory.
type BotFactory struct {
	mu       sync.Mutex
	Printers map[string]*Printer
	Profiles map[string]string
	Err      error
}

func NewBotFactory() *BotFactory {
	return &BotFactory{Printers: map[string]*Printer{}, Profiles: map[string]string{}}
}

func (f *BotFactory) BuildFromPort(portID string, verify bool) (driver.Printer, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, "", f.Err
	}
	p, ok := f.Printers[portID]
	if !ok {
		p = &Printer{Temperatures: map[int]float64{}}
		f.Printers[portID] = p
	}
	profile := f.Profiles[portID]
	return p, profile, nil
}

// ErrFake is a generic sentinel fakes can return to simulate failure.
var ErrFake = errors.New("drivertest: simulated failure")
