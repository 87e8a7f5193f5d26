package driver

import (
	"bufio"
	"context"
	"errors"
	"os/exec"

	"github.com/maydaying/conveyor/internal/logging"
)

// ErrInvalidComposite is returned when the mesh-splitter subprocess exits
// non-zero.
var ErrInvalidComposite = errors.New("mesh-splitter: invalid composite")

// ExecSlicer runs an external slicer binary. Binary names the executable
// path; cancelling the task passed in via the context terminates the
// child (§6, §9 "Subprocess cancellation").
type ExecSlicer struct {
	Binary string
}

// NewExecSlicer returns a Slicer that shells out to binary.
func NewExecSlicer(binary string) *ExecSlicer {
	return &ExecSlicer{Binary: binary}
}

func (s *ExecSlicer) Slice(ctx context.Context, req SliceRequest) error {
	args := []string{"-c", req.ConfigPath, "-o", req.OutputPath}
	if req.StartPrefixFile != "" {
		args = append(args, "-s", req.StartPrefixFile)
	}
	if req.EndSuffixFile != "" {
		args = append(args, "-e", req.EndSuffixFile)
	}
	args = append(args, req.InputMesh)

	cmd := exec.CommandContext(ctx, s.Binary, args...)
	return runLogged(ctx, cmd, "slicer")
}

// ExecMeshSplitter runs the external mesh-splitter binary.
type ExecMeshSplitter struct {
	Binary string
}

// NewExecMeshSplitter returns a MeshSplitter that shells out to binary.
func NewExecMeshSplitter(binary string) *ExecMeshSplitter {
	return &ExecMeshSplitter{Binary: binary}
}

func (s *ExecMeshSplitter) Split(ctx context.Context, inputComposite, scratchDir string) error {
	cmd := exec.CommandContext(ctx, s.Binary, inputComposite, scratchDir)
	if err := runLogged(ctx, cmd, "mesh-splitter"); err != nil {
		return ErrInvalidComposite
	}
	return nil
}

// runLogged runs cmd, streaming merged stdout/stderr as info log lines
// (§6 "Stdout/stderr are merged and logged line-by-line"), and returns
// *ExitError on a non-zero exit.
func runLogged(ctx context.Context, cmd *exec.Cmd, component string) error {
	out, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout

	log := logging.WithComponent(component)

	if err := cmd.Start(); err != nil {
		return err
	}

	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		log.Info().Str("line", scanner.Text()).Msg("subprocess output")
	}

	waitErr := cmd.Wait()
	if waitErr == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode()}
	}
	return waitErr
}
