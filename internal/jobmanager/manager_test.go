package jobmanager

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
	"github.com/maydaying/conveyor/internal/recipe"
	"github.com/maydaying/conveyor/internal/task"
)

type fakeDispatcher struct{}

func (fakeDispatcher) Slice(ctx context.Context, profileName string, req driver.SliceRequest, material job.Material, dualstrusion bool) error {
	return nil
}

func (fakeDispatcher) Print(ctx context.Context, portID string, req recipe.PrintStreamRequest) *task.Task {
	t := task.New()
	t.RunningEvent.Attach(func(*task.Task) { go t.End(nil) })
	return t
}

func (fakeDispatcher) PrintToFile(ctx context.Context, req recipe.PrintToFileRequest) *task.Task {
	t := task.New()
	t.RunningEvent.Attach(func(*task.Task) { go t.End(nil) })
	return t
}

func waitTerminal(t *testing.T, tk *task.Task) {
	t.Helper()
	require.Eventually(t, func() bool {
		return tk.State().Terminal()
	}, 2*time.Second, 5*time.Millisecond)
}

func newTestJob(t *testing.T) *job.Job {
	t.Helper()
	path := filepath.Join(t.TempDir(), "x.gcode")
	require.NoError(t, os.WriteFile(path, []byte("G1 X0\n"), 0o644))
	return &job.Job{Path: path, BuildName: "test-build"}
}

func TestSubmitTracksAndStartsProcess(t *testing.T) {
	planner := recipe.NewPlanner(&drivertest.MeshSplitter{}, &drivertest.FileReader{}, t.TempDir())
	m := New(planner)

	j := newTestJob(t)
	id, proc, err := m.Submit(context.Background(), j, recipe.PlanRequest{
		Job:        j,
		Mode:       recipe.ModePrint,
		Dispatcher: fakeDispatcher{},
		PortID:     "port-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	entry, ok := m.Get(id)
	require.True(t, ok)
	assert.Same(t, proc, entry.Process)
	assert.Equal(t, recipe.ModePrint, entry.Mode)
	assert.Same(t, j, entry.Job)

	waitTerminal(t, proc.Task)
	assert.Equal(t, task.Ended, proc.State())
}

func TestSubmitPlanErrorIsNotTracked(t *testing.T) {
	planner := recipe.NewPlanner(&drivertest.MeshSplitter{}, &drivertest.FileReader{}, t.TempDir())
	m := New(planner)

	j := &job.Job{Path: "model.obj"}
	id, proc, err := m.Submit(context.Background(), j, recipe.PlanRequest{
		Job:  j,
		Mode: recipe.ModePrint,
	})
	assert.ErrorIs(t, err, recipe.ErrUnsupportedModel)
	assert.Empty(t, id)
	assert.Nil(t, proc)
	assert.Empty(t, m.List())
}

func TestGetUnknownID(t *testing.T) {
	planner := recipe.NewPlanner(&drivertest.MeshSplitter{}, &drivertest.FileReader{}, t.TempDir())
	m := New(planner)

	_, ok := m.Get("nonexistent")
	assert.False(t, ok)
}

func TestCancelUnknownIDReturnsErrJobNotFound(t *testing.T) {
	planner := recipe.NewPlanner(&drivertest.MeshSplitter{}, &drivertest.FileReader{}, t.TempDir())
	m := New(planner)

	err := m.Cancel("nonexistent", "because")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestCancelStopsTrackedProcess(t *testing.T) {
	planner := recipe.NewPlanner(&drivertest.MeshSplitter{}, &drivertest.FileReader{}, t.TempDir())
	m := New(planner)

	j := newTestJob(t)
	id, proc, err := m.Submit(context.Background(), j, recipe.PlanRequest{
		Job:        j,
		Mode:       recipe.ModePrint,
		Dispatcher: blockingDispatcher{},
		PortID:     "port-1",
	})
	require.NoError(t, err)

	require.NoError(t, m.Cancel(id, "client requested cancel"))
	waitTerminal(t, proc.Task)
	assert.Equal(t, task.Stopped, proc.State())
}

// blockingDispatcher's Print task never reaches a terminal state on its
// own, so a Cancel is what drives the Process to Stopped rather than a
// race with the fake's own auto-End.
type blockingDispatcher struct{}

func (blockingDispatcher) Slice(ctx context.Context, profileName string, req driver.SliceRequest, material job.Material, dualstrusion bool) error {
	return nil
}

func (blockingDispatcher) Print(ctx context.Context, portID string, req recipe.PrintStreamRequest) *task.Task {
	return task.New()
}

func (blockingDispatcher) PrintToFile(ctx context.Context, req recipe.PrintToFileRequest) *task.Task {
	return task.New()
}

func TestListReturnsSnapshot(t *testing.T) {
	planner := recipe.NewPlanner(&drivertest.MeshSplitter{}, &drivertest.FileReader{}, t.TempDir())
	m := New(planner)

	j1 := newTestJob(t)
	j2 := newTestJob(t)

	id1, _, err := m.Submit(context.Background(), j1, recipe.PlanRequest{Job: j1, Mode: recipe.ModePrint, Dispatcher: fakeDispatcher{}, PortID: "p1"})
	require.NoError(t, err)
	id2, _, err := m.Submit(context.Background(), j2, recipe.PlanRequest{Job: j2, Mode: recipe.ModePrint, Dispatcher: fakeDispatcher{}, PortID: "p2"})
	require.NoError(t, err)

	entries := m.List()
	assert.Len(t, entries, 2)
	ids := map[string]bool{}
	for _, e := range entries {
		ids[e.ID] = true
	}
	assert.True(t, ids[id1])
	assert.True(t, ids[id2])
}
