// Package jobmanager tracks in-flight print jobs by id, bridging a
// client's submit call to a Recipe Planner's Process and keeping it
// addressable afterward for progress queries and cancellation (§3 "client
// → submit job → Recipe planner builds pipeline ... client invokes
// start").
package jobmanager

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/maydaying/conveyor/internal/job"
	"github.com/maydaying/conveyor/internal/logging"
	"github.com/maydaying/conveyor/internal/metrics"
	"github.com/maydaying/conveyor/internal/process"
	"github.com/maydaying/conveyor/internal/recipe"
	"github.com/maydaying/conveyor/internal/task"
)

// ErrJobNotFound is returned by Get/Cancel for an unknown id.
var ErrJobNotFound = errors.New("jobmanager: job not found")

// Entry is the tracked state for one submitted job.
type Entry struct {
	ID      string
	Job     *job.Job
	Mode    recipe.Mode
	Process *process.Process
}

// Manager owns the Planner and the map of in-flight jobs.
type Manager struct {
	planner *recipe.Planner

	mu   sync.RWMutex
	jobs map[string]*Entry
}

// New builds a Manager around planner.
func New(planner *recipe.Planner) *Manager {
	return &Manager{
		planner: planner,
		jobs:    make(map[string]*Entry),
	}
}

// Submit plans req and starts the resulting Process under a fresh id.
// Planning failures (input-classification errors per §7) are returned
// directly and never tracked.
func (m *Manager) Submit(ctx context.Context, j *job.Job, req recipe.PlanRequest) (string, *process.Process, error) {
	timer := metrics.NewTimer()
	proc, err := m.planner.Plan(ctx, req)
	timer.ObserveDuration(metrics.RecipePlanDuration)
	if err != nil {
		metrics.PlanErrorsTotal.WithLabelValues(planErrorKind(err)).Inc()
		return "", nil, err
	}

	id := uuid.New().String()
	entry := &Entry{ID: id, Job: j, Mode: req.Mode, Process: proc}

	m.mu.Lock()
	m.jobs[id] = entry
	m.mu.Unlock()

	jobTimer := metrics.NewTimer()
	mode := modeLabel(req.Mode)
	metrics.JobsStartedTotal.WithLabelValues(mode).Inc()

	proc.EndEvent.Attach(func(any) {
		metrics.JobsEndedTotal.WithLabelValues(mode, "ended").Inc()
		jobTimer.ObserveDurationVec(metrics.JobDuration, mode)
		logging.WithJobID(id).Info().Msg("job ended")
	})
	proc.FailEvent.Attach(func(cause error) {
		metrics.JobsEndedTotal.WithLabelValues(mode, "failed").Inc()
		jobTimer.ObserveDurationVec(metrics.JobDuration, mode)
		logging.WithJobID(id).Warn().Err(cause).Msg("job failed")
	})
	proc.StoppedEvent.Attach(func(any) {
		if proc.State() == task.Stopped {
			metrics.JobsEndedTotal.WithLabelValues(mode, "stopped").Inc()
			jobTimer.ObserveDurationVec(metrics.JobDuration, mode)
			logging.WithJobID(id).Info().Msg("job stopped")
		}
	})

	proc.Start()
	return id, proc, nil
}

// Get returns the tracked entry for id.
func (m *Manager) Get(id string) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.jobs[id]
	return e, ok
}

// List returns a snapshot of all tracked entries.
func (m *Manager) List() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Entry, 0, len(m.jobs))
	for _, e := range m.jobs {
		out = append(out, e)
	}
	return out
}

// Cancel requests the tracked job's Process stop.
func (m *Manager) Cancel(id string, reason any) error {
	e, ok := m.Get(id)
	if !ok {
		return ErrJobNotFound
	}
	e.Process.Cancel(reason)
	return nil
}

func modeLabel(m recipe.Mode) string {
	switch m {
	case recipe.ModePrint:
		return "print"
	case recipe.ModePrintToFile:
		return "printtofile"
	case recipe.ModeSlice:
		return "slice"
	default:
		return "unknown"
	}
}

func planErrorKind(err error) string {
	switch {
	case errors.Is(err, recipe.ErrUnsupportedModel):
		return "unsupported_model"
	case errors.Is(err, recipe.ErrMissingFile):
		return "missing_file"
	case errors.Is(err, recipe.ErrNotFile):
		return "not_file"
	case errors.Is(err, recipe.ErrInvalidComposite):
		return "invalid_composite"
	default:
		return "other"
	}
}
