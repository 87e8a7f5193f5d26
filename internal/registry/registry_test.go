package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maydaying/conveyor/internal/driver"
	"github.com/maydaying/conveyor/internal/driver/drivertest"
	"github.com/maydaying/conveyor/internal/recipe"
	"github.com/maydaying/conveyor/internal/task"
)

type fakeHandle struct {
	portID   string
	enqueued []PrintJob
}

func (h *fakeHandle) PortID() string { return h.portID }
func (h *fakeHandle) Enqueue(job PrintJob) {
	h.enqueued = append(h.enqueued, job)
}

func waitTerminal(t *testing.T, tk *task.Task) {
	t.Helper()
	require.Eventually(t, func() bool { return tk.State().Terminal() }, 2*time.Second, 5*time.Millisecond)
}

func TestAppendAndRemovePrinterFireEvents(t *testing.T) {
	r := New(&drivertest.Slicer{}, nil, nil)

	var attached, detached int
	r.AttachEvent.Attach(func(AttachedPrinter) { attached++ })
	r.DetachEvent.Attach(func(string) { detached++ })

	h := &fakeHandle{portID: "COM3"}
	r.AppendPrinter("SERIAL-1", h)
	assert.Equal(t, 1, attached)

	_, ok := r.Lookup("COM3")
	assert.True(t, ok)

	r.RemovePrinter("COM3")
	assert.Equal(t, 1, detached)
	_, ok = r.Lookup("COM3")
	assert.False(t, ok)
}

func TestEvictPrinterClosesHandleAndRemoves(t *testing.T) {
	r := New(&drivertest.Slicer{}, nil, nil)
	r.AppendPrinter("SERIAL-1", &fakeHandle{portID: "COM3"})

	fake := &fakeCloser{}
	r.EvictPrinter("COM3", fake)

	assert.True(t, fake.closed)
	_, ok := r.Lookup("COM3")
	assert.False(t, ok)
}

type fakeCloser struct{ closed bool }

func (f *fakeCloser) Close() error { f.closed = true; return nil }

func TestSliceDelegatesToSlicer(t *testing.T) {
	slicer := &drivertest.Slicer{}
	r := New(slicer, nil, nil)

	err := r.Slice(context.Background(), "replicator2", driver.SliceRequest{InputMesh: "a.stl"}, "PLA", false)
	require.NoError(t, err)
	require.Len(t, slicer.Requests, 1)
	assert.Equal(t, "a.stl", slicer.Requests[0].InputMesh)
}

func TestPrintEnqueuesOnRegisteredHandle(t *testing.T) {
	r := New(&drivertest.Slicer{}, nil, nil)
	h := &fakeHandle{portID: "COM3"}
	r.AppendPrinter("SERIAL-1", h)

	pt := r.Print(context.Background(), "COM3", recipe.PrintStreamRequest{ToolpathPath: "/tmp/x.gcode"})
	pt.Start()

	require.Eventually(t, func() bool { return len(h.enqueued) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, pt, h.enqueued[0].Task)
}

func TestPrintFailsWhenPrinterNotFound(t *testing.T) {
	r := New(&drivertest.Slicer{}, nil, nil)
	pt := r.Print(context.Background(), "COM99", recipe.PrintStreamRequest{})
	pt.Start()

	waitTerminal(t, pt)
	assert.Equal(t, task.Failed, pt.State())
	assert.ErrorIs(t, pt.Cause(), ErrPrinterNotFound)
}

func TestPrintToFileStreamsToolpathAndEnds(t *testing.T) {
	dir := t.TempDir()
	toolpath := filepath.Join(dir, "in.gcode")
	require.NoError(t, os.WriteFile(toolpath, []byte("G1 X0\nG1 X1\n"), 0o644))

	var writer *drivertest.StreamWriter
	fileWriterFactory := func(path string) (driver.FileWriter, error) {
		writer = &drivertest.StreamWriter{}
		return writer, nil
	}

	fakePrinter := &drivertest.Printer{Temperatures: map[int]float64{}}
	printerFactory := func() (driver.Printer, error) { return fakePrinter, nil }

	r := New(&drivertest.Slicer{}, printerFactory, fileWriterFactory)

	pt := r.PrintToFile(context.Background(), recipe.PrintToFileRequest{
		ToolpathPath: toolpath,
		ArtifactPath: filepath.Join(dir, "out.s3g"),
	})
	pt.Start()

	waitTerminal(t, pt)
	assert.Equal(t, task.Ended, pt.State())
	assert.Equal(t, []string{"G1 X0", "G1 X1"}, fakePrinter.Commands)
	assert.True(t, fakePrinter.Closed)
}
