// Package recipe is the planner (§4.4): given a classified Job, it builds
// the ordered task.Task pipeline a process.Process will run — slice,
// post-process, dualstrusion weave, wrap, print or print-to-file, verify —
// and owns the scratch files those stages read and write.
package recipe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/maydaying/conveyor/internal/driver"
	"github.com/maydaying/conveyor/internal/job"
	"github.com/maydaying/conveyor/internal/process"
	"github.com/maydaying/conveyor/internal/profile"
	"github.com/maydaying/conveyor/internal/scratch"
	"github.com/maydaying/conveyor/internal/task"
)

// Mode selects which of the three pipeline shapes to build for a job.
type Mode int

const (
	ModePrint Mode = iota
	ModePrintToFile
	ModeSlice
)

// Input-classification errors (§7), reported directly to the caller
// rather than through a Task — classification happens before any task
// exists to fail.
var (
	ErrUnsupportedModel             = errors.New("recipe: unsupported model")
	ErrMissingFile                  = errors.New("recipe: missing file")
	ErrNotFile                      = errors.New("recipe: not a regular file")
	ErrInvalidComposite             = errors.New("recipe: invalid composite")
	ErrSliceRequiresMeshOrComposite = errors.New("recipe: slice mode requires a mesh or composite input")
)

// PrintStreamRequest is what a print task asks the Dispatcher to stream to
// a live printer.
type PrintStreamRequest struct {
	ToolpathPath string
	Profile      *profile.Profile
	Material     job.Material
	// SkipStartEnd is always true for pipeline-built prints: the wrap
	// stage has already embedded start/end lines into ToolpathPath.
	SkipStartEnd bool
}

// PrintToFileRequest is what a print-to-file task asks the Dispatcher to
// render.
type PrintToFileRequest struct {
	ToolpathPath string
	ArtifactPath string
	ArtifactType job.PrintToFileType
	Profile      *profile.Profile
	Material     job.Material
}

// Dispatcher is the "server interface" (§6 Registry) that slice and
// print/print-to-file tasks delegate to. A recipe.Planner never talks to
// a printer worker or slicer binary directly except through this seam.
type Dispatcher interface {
	// Slice invokes the registered slicer, blocking until it completes.
	Slice(ctx context.Context, profileName string, req driver.SliceRequest, material job.Material, dualstrusion bool) error

	// Print submits onto the named printer's worker queue and returns the
	// task tracking that stream (§4.6). The task's RunningEvent handler
	// performs the enqueue.
	Print(ctx context.Context, portID string, req PrintStreamRequest) *task.Task

	// PrintToFile renders the toolpath into an artifact file and returns
	// the task tracking that work.
	PrintToFile(ctx context.Context, req PrintToFileRequest) *task.Task
}

// PlanRequest bundles everything Plan needs beyond the job itself.
type PlanRequest struct {
	Job        *job.Job
	Mode       Mode
	Dispatcher Dispatcher
	Profile    *profile.Profile

	// PortID names the target printer; required for ModePrint.
	PortID string

	// OutputPath is the destination artifact/toolpath path; required for
	// ModePrintToFile and ModeSlice.
	OutputPath string
}

// Planner builds pipelines. ScratchRoot is the directory new per-job
// scratch directories are allocated under (typically os.TempDir()).
type Planner struct {
	MeshSplitter driver.MeshSplitter
	FileReader   driver.FileReader
	ScratchRoot  string
	Processors   map[string]GcodeProcessor
}

// NewPlanner returns a Planner with the built-in gcode processors
// registered.
func NewPlanner(meshSplitter driver.MeshSplitter, fileReader driver.FileReader, scratchRoot string) *Planner {
	return &Planner{
		MeshSplitter: meshSplitter,
		FileReader:   fileReader,
		ScratchRoot:  scratchRoot,
		Processors:   defaultProcessors(),
	}
}

// Plan classifies req.Job and returns the composite Process that
// implements req.Mode for it. Classification errors (unsupported
// extension, missing/non-regular file, invalid composite) are returned
// directly; pipeline-body errors surface later as task failures.
func (p *Planner) Plan(ctx context.Context, req PlanRequest) (proc *process.Process, err error) {
	j := req.Job

	dir, err := scratch.NewDir(p.ScratchRoot, j.BuildName)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			dir.Cleanup()
		}
	}()

	switch j.Kind() {
	case job.KindToolpath:
		if verr := verifyRegularFile(j.Path); verr != nil {
			return nil, verr
		}
		proc, err = p.planToolpath(req, dir)

	case job.KindMesh:
		if verr := verifyRegularFile(j.Path); verr != nil {
			return nil, verr
		}
		proc, err = p.planMesh(req, dir, j.Path)

	case job.KindComposite:
		mesh0, mesh1, cerr := p.extractComposite(ctx, j.Path, dir)
		if cerr != nil {
			return nil, cerr
		}
		if mesh1 != "" {
			proc, err = p.planDual(req, dir, mesh0, mesh1)
		} else {
			proc, err = p.planMesh(req, dir, mesh0)
		}

	default:
		return nil, ErrUnsupportedModel
	}

	if err != nil {
		return nil, err
	}

	// Cleanup must run on every terminal transition, not only success
	// (§4.3): stopped is the universal capstone event.
	proc.StoppedEvent.Attach(func(any) { dir.Cleanup() })
	return proc, nil
}

func (p *Planner) planToolpath(req PlanRequest, dir *scratch.Dir) (*process.Process, error) {
	j := req.Job

	switch req.Mode {
	case ModeSlice:
		return nil, ErrSliceRequiresMeshOrComposite

	case ModePrint:
		wrapped := dir.Alloc("wrapped.gcode")
		tasks := []*task.Task{
			p.newWrapTask(j.Path, wrapped, req.Profile, j),
			p.newPrintTask(req.Dispatcher, req.PortID, wrapped, req.Profile, j.Material),
		}
		return process.Sequence(j, tasks)

	case ModePrintToFile:
		wrapped := dir.Alloc("wrapped.gcode")
		tasks := []*task.Task{
			p.newWrapTask(j.Path, wrapped, req.Profile, j),
			p.newPrintToFileTask(req.Dispatcher, wrapped, req.OutputPath, j.PrintToFileType, req.Profile, j.Material),
			p.newVerifyTask(req.OutputPath),
		}
		return process.Sequence(j, tasks)

	default:
		return nil, fmt.Errorf("recipe: unknown mode %d", req.Mode)
	}
}

func (p *Planner) planMesh(req PlanRequest, dir *scratch.Dir, meshPath string) (*process.Process, error) {
	j := req.Job
	settings := j.SlicerSettings.Clone()

	sliced := dir.Alloc("sliced.gcode")
	tasks := []*task.Task{p.newSliceTask(req.Dispatcher, req.Profile, settings, meshPath, sliced, j.Material, false)}
	current := sliced

	if processors := selectProcessors(j, req.Profile); len(processors) > 0 {
		processed := dir.Alloc("processed.gcode")
		tasks = append(tasks, p.newPostProcessTask(current, processed, processors))
		current = processed
	}

	switch req.Mode {
	case ModeSlice:
		tasks = append(tasks, p.newWrapTask(current, req.OutputPath, req.Profile, j))
		return process.Sequence(j, tasks)

	case ModePrint:
		wrapped := dir.Alloc("wrapped.gcode")
		tasks = append(tasks,
			p.newWrapTask(current, wrapped, req.Profile, j),
			p.newPrintTask(req.Dispatcher, req.PortID, wrapped, req.Profile, j.Material),
		)
		return process.Sequence(j, tasks)

	case ModePrintToFile:
		wrapped := dir.Alloc("wrapped.gcode")
		tasks = append(tasks,
			p.newWrapTask(current, wrapped, req.Profile, j),
			p.newPrintToFileTask(req.Dispatcher, wrapped, req.OutputPath, j.PrintToFileType, req.Profile, j.Material),
			p.newVerifyTask(req.OutputPath),
		)
		return process.Sequence(j, tasks)

	default:
		return nil, fmt.Errorf("recipe: unknown mode %d", req.Mode)
	}
}

func (p *Planner) planDual(req PlanRequest, dir *scratch.Dir, mesh0, mesh1 string) (*process.Process, error) {
	j := req.Job

	settings0 := j.SlicerSettings.Clone()
	settings0.Extruder = 0
	settings1 := j.SlicerSettings.Clone()
	settings1.Extruder = 1

	sliced0 := dir.Alloc("sliced_0.gcode")
	sliced1 := dir.Alloc("sliced_1.gcode")
	woven := dir.Alloc("woven.gcode")

	tasks := []*task.Task{
		p.newSliceTask(req.Dispatcher, req.Profile, settings0, mesh0, sliced0, j.Material, true),
		p.newSliceTask(req.Dispatcher, req.Profile, settings1, mesh1, sliced1, j.Material, true),
		p.newWeaveTask(sliced0, sliced1, woven),
	}
	current := woven

	processors := selectProcessors(j, req.Profile)
	// The dual "slice" row has no brackets around post-process: it always
	// runs, even with an empty processor list.
	if req.Mode == ModeSlice || len(processors) > 0 {
		processed := dir.Alloc("processed.gcode")
		tasks = append(tasks, p.newPostProcessTask(current, processed, processors))
		current = processed
	}

	wrapped := req.OutputPath
	if req.Mode != ModeSlice {
		wrapped = dir.Alloc("wrapped.gcode")
	}
	tasks = append(tasks, p.newWrapTask(current, wrapped, req.Profile, j))

	switch req.Mode {
	case ModeSlice:
		return process.Sequence(j, tasks)

	case ModePrint:
		tasks = append(tasks, p.newPrintTask(req.Dispatcher, req.PortID, wrapped, req.Profile, j.Material))
		return process.Sequence(j, tasks)

	case ModePrintToFile:
		tasks = append(tasks,
			p.newPrintToFileTask(req.Dispatcher, wrapped, req.OutputPath, j.PrintToFileType, req.Profile, j.Material),
			p.newVerifyTask(req.OutputPath),
		)
		return process.Sequence(j, tasks)

	default:
		return nil, fmt.Errorf("recipe: unknown mode %d", req.Mode)
	}
}

// extractComposite runs the mesh-splitter into dir and probes for the two
// well-known output filenames (§6 "Mesh-splitter subprocess"). mesh1 is
// empty when only one mesh was produced.
func (p *Planner) extractComposite(ctx context.Context, path string, dir *scratch.Dir) (mesh0, mesh1 string, err error) {
	if err := p.MeshSplitter.Split(ctx, path, dir.Path); err != nil {
		return "", "", ErrInvalidComposite
	}

	m0 := filepath.Join(dir.Path, "UNIFIED_MESH_HACK_0.stl")
	m1 := filepath.Join(dir.Path, "UNIFIED_MESH_HACK_1.stl")
	_, err0 := os.Stat(m0)
	_, err1 := os.Stat(m1)

	switch {
	case err0 == nil && err1 == nil:
		return m0, m1, nil
	case err0 == nil:
		return m0, "", nil
	case err1 == nil:
		return m1, "", nil
	default:
		return "", "", ErrInvalidComposite
	}
}

// selectProcessors implements the gcode-processor selection rule (§4.4).
func selectProcessors(j *job.Job, prof *profile.Profile) []string {
	names := append([]string(nil), j.GcodeProcessors...)

	if j.SlicerSettings.Slicer == job.SlicerSkeinforge && j.SlicerSettings.Path == "" && !contains(names, "AnchorProcessor") {
		names = append([]string{"AnchorProcessor"}, names...)
	}
	if j.SlicerSettings.Slicer == job.SlicerSkeinforge && !contains(names, "Skeinforge50Processor") {
		names = append(names, "Skeinforge50Processor")
	}
	if prof != nil && prof.Values.Model == "Replicator2" && !contains(names, "FanProcessor") {
		names = append(names, "FanProcessor")
	}

	return names
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func verifyRegularFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrMissingFile
		}
		return err
	}
	if !info.Mode().IsRegular() {
		return ErrNotFile
	}
	return nil
}

// newTask builds a Task whose body runs in its own goroutine as soon as
// the task starts, so firing RunningEvent never blocks the caller driving
// the pipeline forward.
func newTask(body func(t *task.Task)) *task.Task {
	t := task.New()
	t.RunningEvent.Attach(func(*task.Task) {
		go body(t)
	})
	return t
}
