package registry

import (
	"bufio"
	"os"
	"strings"

	"github.com/maydaying/conveyor/internal/driver"
	"github.com/maydaying/conveyor/internal/recipe"
	"github.com/maydaying/conveyor/internal/task"
)

// newPrintToFileTask builds the Task that streams a wrapped toolpath
// through a fresh stateless printer into an artifact file, mirroring the
// printer worker's stream print (§4.6) but targeting a FileWriter instead
// of the serial handle.
func newPrintToFileTask(printerFactory func() (driver.Printer, error), fileWriterFactory func(string) (driver.FileWriter, error), req recipe.PrintToFileRequest) *task.Task {
	t := task.New()

	t.RunningEvent.Attach(func(*task.Task) {
		go runPrintToFile(t, printerFactory, fileWriterFactory, req)
	})

	return t
}

func runPrintToFile(t *task.Task, printerFactory func() (driver.Printer, error), fileWriterFactory func(string) (driver.FileWriter, error), req recipe.PrintToFileRequest) {
	printer, err := printerFactory()
	if err != nil {
		t.Fail(err)
		return
	}
	defer printer.Close()

	writer, err := fileWriterFactory(req.ArtifactPath)
	if err != nil {
		t.Fail(err)
		return
	}
	t.StoppedEvent.Attach(func(any) { writer.SetExternalStop() })

	printer.SetWriter(writer)

	f, err := os.Open(req.ToolpathPath)
	if err != nil {
		t.Fail(err)
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if t.State() != task.Running {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if err := printer.ParseCommand(line); err != nil {
			t.Fail(err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fail(err)
		return
	}

	if t.State() == task.Running {
		t.End(req.ArtifactPath)
	}
}
