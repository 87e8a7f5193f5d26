package recipe

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
	"github.com/maydaying/conveyor/internal/job"
	"github.com/maydaying/conveyor/internal/profile"
	"github.com/maydaying/conveyor/internal/task"
)

type fakeDispatcher struct {
	sliceCalls       []driver.SliceRequest
	sliceErr         error
	printTasks       []*task.Task
	printToFileTasks []*task.Task
}

func (f *fakeDispatcher) Slice(ctx context.Context, profileName string, req driver.SliceRequest, material job.Material, dualstrusion bool) error {
	f.sliceCalls = append(f.sliceCalls, req)
	if f.sliceErr != nil {
		return f.sliceErr
	}
	return os.WriteFile(req.OutputPath, []byte("G1 X0\nG1 X1\n"), 0o644)
}

func (f *fakeDispatcher) Print(ctx context.Context, portID string, req PrintStreamRequest) *task.Task {
	t := task.New()
	f.printTasks = append(f.printTasks, t)
	t.RunningEvent.Attach(func(*task.Task) { go t.End(nil) })
	return t
}

func (f *fakeDispatcher) PrintToFile(ctx context.Context, req PrintToFileRequest) *task.Task {
	t := task.New()
	f.printToFileTasks = append(f.printToFileTasks, t)
	t.RunningEvent.Attach(func(*task.Task) {
		go func() {
			_ = os.WriteFile(req.ArtifactPath, []byte("FAKEARTIFACT"), 0o644)
			t.End(nil)
		}()
	})
	return t
}

func waitTerminal(t *testing.T, tk *task.Task) {
	t.Helper()
	require.Eventually(t, func() bool {
		return tk.State().Terminal()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPlanUnsupportedExtension(t *testing.T) {
	p := NewPlanner(&drivertest.MeshSplitter{}, &drivertest.FileReader{}, t.TempDir())
	_, err := p.Plan(context.Background(), PlanRequest{
		Job: &job.Job{Path: "model.obj"},
	})
	assert.ErrorIs(t, err, ErrUnsupportedModel)
}

func TestPlanMissingFile(t *testing.T) {
	p := NewPlanner(&drivertest.MeshSplitter{}, &drivertest.FileReader{}, t.TempDir())
	_, err := p.Plan(context.Background(), PlanRequest{
		Job: &job.Job{Path: filepath.Join(t.TempDir(), "missing.gcode")},
	})
	assert.ErrorIs(t, err, ErrMissingFile)
}

func TestPlanToolpathPrintPassesThroughWithoutWrap(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "x.gcode")
	require.NoError(t, os.WriteFile(src, []byte("G1 X0\nG1 X1\n"), 0o644))

	p := NewPlanner(&drivertest.MeshSplitter{}, &drivertest.FileReader{}, t.TempDir())
	dispatcher := &fakeDispatcher{}

	proc, err := p.Plan(context.Background(), PlanRequest{
		Job:        &job.Job{Path: src, WithStartEnd: false},
		Mode:       ModePrint,
		Dispatcher: dispatcher,
		PortID:     "COM3",
	})
	require.NoError(t, err)

	proc.Start()
	waitTerminal(t, proc.Task)

	assert.Equal(t, task.Ended, proc.State())
	require.Len(t, dispatcher.printTasks, 1)
}

func TestPlanMeshPrintNoProcessorsOmitsPostProcess(t *testing.T) {
	dir := t.TempDir()
	mesh := filepath.Join(dir, "y.stl")
	require.NoError(t, os.WriteFile(mesh, []byte("solid\nendsolid\n"), 0o644))

	p := NewPlanner(&drivertest.MeshSplitter{}, &drivertest.FileReader{}, t.TempDir())
	dispatcher := &fakeDispatcher{}

	proc, err := p.Plan(context.Background(), PlanRequest{
		Job:        &job.Job{Path: mesh},
		Mode:       ModePrint,
		Dispatcher: dispatcher,
		PortID:     "COM3",
	})
	require.NoError(t, err)
	assert.Len(t, proc.Children, 3, "slice, wrap, print — the bracketed post-process stage is omitted for an empty processor list")

	proc.Start()
	waitTerminal(t, proc.Task)
	assert.Equal(t, task.Ended, proc.State())
	assert.Len(t, dispatcher.sliceCalls, 1)
}

func TestPlanCompositeDualPrint(t *testing.T) {
	p := NewPlanner(&drivertest.MeshSplitter{
		OnSplit: func(inputComposite, scratchDir string) error {
			if err := os.WriteFile(filepath.Join(scratchDir, "UNIFIED_MESH_HACK_0.stl"), []byte("mesh0"), 0o644); err != nil {
				return err
			}
			return os.WriteFile(filepath.Join(scratchDir, "UNIFIED_MESH_HACK_1.stl"), []byte("mesh1"), 0o644)
		},
	}, &drivertest.FileReader{}, t.TempDir())

	dispatcher := &fakeDispatcher{}
	proc, err := p.Plan(context.Background(), PlanRequest{
		Job:        &job.Job{Path: "z.thing"},
		Mode:       ModePrint,
		Dispatcher: dispatcher,
		PortID:     "COM3",
	})
	require.NoError(t, err)

	proc.Start()
	waitTerminal(t, proc.Task)

	assert.Equal(t, task.Ended, proc.State())
	require.Len(t, dispatcher.sliceCalls, 2)
	assert.NotEmpty(t, dispatcher.sliceCalls[0].InputMesh)
	assert.NotEmpty(t, dispatcher.sliceCalls[1].InputMesh)
}

func TestPlanCompositeInvalidWhenSplitterProducesNoMeshes(t *testing.T) {
	p := NewPlanner(&drivertest.MeshSplitter{}, &drivertest.FileReader{}, t.TempDir())
	_, err := p.Plan(context.Background(), PlanRequest{
		Job:  &job.Job{Path: "z.thing"},
		Mode: ModePrint,
	})
	assert.ErrorIs(t, err, ErrInvalidComposite)
}

func TestPlanPrintToFileAndVerify(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "x.gcode")
	require.NoError(t, os.WriteFile(src, []byte("G1 X0\n"), 0o644))

	artifactPath := filepath.Join(dir, "out.s3g")
	fileReader := &drivertest.FileReader{ReportPct: []float64{50, 100}}

	p := NewPlanner(&drivertest.MeshSplitter{}, fileReader, t.TempDir())
	dispatcher := &fakeDispatcher{}

	var finalProgress task.Progress
	proc, err := p.Plan(context.Background(), PlanRequest{
		Job:        &job.Job{Path: src},
		Mode:       ModePrintToFile,
		Dispatcher: dispatcher,
		OutputPath: artifactPath,
	})
	require.NoError(t, err)

	verifyTask := proc.Children[len(proc.Children)-1]
	verifyTask.HeartbeatEvent.Attach(func(p task.Progress) { finalProgress = p })

	proc.Start()
	waitTerminal(t, proc.Task)

	assert.Equal(t, task.Ended, proc.State())
	assert.Equal(t, true, proc.Result())
	assert.Equal(t, 100.0, finalProgress["progress"])
}

func TestPlanSliceModeRejectsToolpathInput(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "x.gcode")
	require.NoError(t, os.WriteFile(src, []byte("G1 X0\n"), 0o644))

	p := NewPlanner(&drivertest.MeshSplitter{}, &drivertest.FileReader{}, t.TempDir())
	_, err := p.Plan(context.Background(), PlanRequest{
		Job:  &job.Job{Path: src},
		Mode: ModeSlice,
	})
	assert.ErrorIs(t, err, ErrSliceRequiresMeshOrComposite)
}

func TestScratchCleanupRunsOnCompletion(t *testing.T) {
	dir := t.TempDir()
	mesh := filepath.Join(dir, "y.stl")
	require.NoError(t, os.WriteFile(mesh, []byte("solid\n"), 0o644))

	scratchRoot := t.TempDir()
	p := NewPlanner(&drivertest.MeshSplitter{}, &drivertest.FileReader{}, scratchRoot)
	dispatcher := &fakeDispatcher{}

	proc, err := p.Plan(context.Background(), PlanRequest{
		Job:        &job.Job{Path: mesh},
		Mode:       ModeSlice,
		Dispatcher: dispatcher,
		OutputPath: filepath.Join(dir, "out.gcode"),
	})
	require.NoError(t, err)

	proc.Start()
	waitTerminal(t, proc.Task)

	entries, err := os.ReadDir(scratchRoot)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch directory should be removed once the process reaches a terminal state")
}

func TestSelectProcessorsSkeinforgeWithoutPreconfiguredPathPrependsAnchor(t *testing.T) {
	j := &job.Job{SlicerSettings: job.SlicerSettings{Slicer: job.SlicerSkeinforge}}
	names := selectProcessors(j, nil)
	require.True(t, len(names) >= 2)
	assert.Equal(t, "AnchorProcessor", names[0])
	assert.Contains(t, names, "Skeinforge50Processor")
}

func TestSelectProcessorsSkeinforgeWithPreconfiguredPathSkipsAnchor(t *testing.T) {
	j := &job.Job{SlicerSettings: job.SlicerSettings{Slicer: job.SlicerSkeinforge, Path: "/profiles/x.ini"}}
	names := selectProcessors(j, nil)
	assert.NotContains(t, names, "AnchorProcessor")
	assert.Contains(t, names, "Skeinforge50Processor")
}

func TestSelectProcessorsReplicator2AppendsFan(t *testing.T) {
	j := &job.Job{SlicerSettings: job.SlicerSettings{Slicer: job.SlicerMiracleGrue}}
	prof := &profile.Profile{Values: profile.Values{Model: "Replicator2"}}
	names := selectProcessors(j, prof)
	assert.Equal(t, []string{"FanProcessor"}, names)
}

func TestSelectProcessorsDoesNotDuplicateExisting(t *testing.T) {
	j := &job.Job{
		SlicerSettings:  job.SlicerSettings{Slicer: job.SlicerSkeinforge},
		GcodeProcessors: []string{"Skeinforge50Processor"},
	}
	names := selectProcessors(j, nil)
	count := 0
	for _, n := range names {
		if n == "Skeinforge50Processor" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}
