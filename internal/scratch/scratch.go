// Package scratch allocates and cleans up the temporary files and
// directories a Recipe's task pipeline produces (§5 "Temp files" and §9
// "Temp file management"): unique paths are handed out up front, and
// cleanup tolerates paths that were never actually created (an early
// pipeline failure can leave later stages' paths unused).
package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/maydaying/conveyor/internal/logging"
)

var sequence int64

// Dir is a scratch directory (and, for composite extraction, the
// mesh-splitter's target) that owns a set of allocated paths and deletes
// them all on Cleanup.
type Dir struct {
	Path string

	paths []string
}

// NewDir allocates a fresh scratch directory under root (typically
// os.TempDir()) named for jobName, creating it on disk.
func NewDir(root, jobName string) (*Dir, error) {
	n := atomic.AddInt64(&sequence, 1)
	path := filepath.Join(root, fmt.Sprintf("conveyor-%s-%d", sanitize(jobName), n))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	return &Dir{Path: path}, nil
}

// Alloc reserves (but does not create) a path within the scratch
// directory for name, and remembers it for Cleanup.
func (d *Dir) Alloc(name string) string {
	p := filepath.Join(d.Path, name)
	d.paths = append(d.paths, p)
	return p
}

// Cleanup removes every path allocated via Alloc, then the scratch
// directory itself. Missing paths are not an error.
func (d *Dir) Cleanup() {
	log := logging.WithComponent("scratch")
	for _, p := range d.paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", p).Msg("failed to remove scratch file")
		}
	}
	if err := os.RemoveAll(d.Path); err != nil {
		log.Warn().Err(err).Str("path", d.Path).Msg("failed to remove scratch directory")
	}
}

// Glob returns every file under root matching pattern, used by an
// operator-facing sweep that reclaims leftover scratch directories from
// crashed runs (Cleanup above handles the happy-path per-job case).
func Glob(root, pattern string) ([]string, error) {
	return doublestar.Glob(os.DirFS(root), pattern)
}

// SweepOrphans removes top-level "conveyor-*" scratch directories under
// root whose last modification is older than olderThan: a recipe.Planner
// that panics or is killed before its Process reaches a terminal state
// never runs Cleanup, so its scratch directory (and any
// UNIFIED_MESH_HACK_* files a crashed composite extraction left inside it)
// would otherwise sit on disk forever. cmd/conveyord runs this on a
// periodic timer. Returns the paths actually removed.
func SweepOrphans(root string, olderThan time.Duration) ([]string, error) {
	matches, err := Glob(root, "conveyor-*")
	if err != nil {
		return nil, err
	}

	log := logging.WithComponent("scratch")
	cutoff := time.Now().Add(-olderThan)
	var removed []string
	for _, name := range matches {
		path := filepath.Join(root, name)
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to sweep orphaned scratch directory")
			continue
		}
		log.Info().Str("path", path).Msg("swept orphaned scratch directory")
		removed = append(removed, path)
	}
	return removed, nil
}

func sanitize(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "job"
	}
	return string(out)
}
