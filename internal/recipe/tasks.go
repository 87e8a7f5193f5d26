package recipe

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/maydaying/conveyor/internal/driver"
	"github.com/maydaying/conveyor/internal/job"
	"github.com/maydaying/conveyor/internal/profile"
	"github.com/maydaying/conveyor/internal/task"
)

func (p *Planner) newSliceTask(dispatcher Dispatcher, prof *profile.Profile, settings job.SlicerSettings, inputMesh, outputPath string, material job.Material, dualstrusion bool) *task.Task {
	return newTask(func(t *task.Task) {
		req := driver.SliceRequest{
			ConfigPath: settings.Path,
			OutputPath: outputPath,
			InputMesh:  inputMesh,
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		t.StoppedEvent.Attach(func(any) { cancel() })

		profileName := ""
		if prof != nil {
			profileName = prof.Name
		}

		if err := dispatcher.Slice(ctx, profileName, req, material, dualstrusion); err != nil {
			t.Fail(err)
			return
		}
		t.End(outputPath)
	})
}

func (p *Planner) newPostProcessTask(inputPath, outputPath string, processorNames []string) *task.Task {
	return newTask(func(t *task.Task) {
		data, err := os.ReadFile(inputPath)
		if err != nil {
			t.Fail(err)
			return
		}

		lines := splitLines(string(data))
		for _, name := range processorNames {
			proc, ok := p.Processors[name]
			if !ok {
				t.Fail(fmt.Errorf("recipe: unknown gcode processor %q", name))
				return
			}
			lines, err = proc(lines)
			if err != nil {
				t.Fail(err)
				return
			}
		}

		if err := writeLines(outputPath, lines); err != nil {
			t.Fail(err)
			return
		}
		t.End(outputPath)
	})
}

func (p *Planner) newWeaveTask(path0, path1, outputPath string) *task.Task {
	return newTask(func(t *task.Task) {
		lines0, err := readLines(path0)
		if err != nil {
			t.Fail(err)
			return
		}
		lines1, err := readLines(path1)
		if err != nil {
			t.Fail(err)
			return
		}

		woven, err := Weave(lines0, lines1)
		if err != nil {
			t.Fail(err)
			return
		}
		woven, err = DualstrusionProgressProcessor(woven)
		if err != nil {
			t.Fail(err)
			return
		}

		if err := writeLines(outputPath, woven); err != nil {
			t.Fail(err)
			return
		}
		t.End(outputPath)
	})
}

func (p *Planner) newWrapTask(inputPath, outputPath string, prof *profile.Profile, j *job.Job) *task.Task {
	return newTask(func(t *task.Task) {
		body, err := readLines(inputPath)
		if err != nil {
			t.Fail(err)
			return
		}

		out := body
		if j.WithStartEnd {
			var start, end []string
			if prof != nil {
				start = prof.Values.PrintStartSequence
				end = prof.Values.PrintEndSequence
			}
			out = make([]string, 0, len(start)+len(body)+len(end))
			out = append(out, start...)
			out = append(out, body...)
			out = append(out, end...)
		}

		if err := writeLines(outputPath, out); err != nil {
			t.Fail(err)
			return
		}
		t.End(outputPath)
	})
}

func (p *Planner) newPrintTask(dispatcher Dispatcher, portID, toolpathPath string, prof *profile.Profile, material job.Material) *task.Task {
	return dispatcher.Print(context.Background(), portID, PrintStreamRequest{
		ToolpathPath: toolpathPath,
		Profile:      prof,
		Material:     material,
		SkipStartEnd: true,
	})
}

func (p *Planner) newPrintToFileTask(dispatcher Dispatcher, toolpathPath, artifactPath string, artifactType job.PrintToFileType, prof *profile.Profile, material job.Material) *task.Task {
	return dispatcher.PrintToFile(context.Background(), PrintToFileRequest{
		ToolpathPath: toolpathPath,
		ArtifactPath: artifactPath,
		ArtifactType: artifactType,
		Profile:      prof,
		Material:     material,
	})
}

func (p *Planner) newVerifyTask(artifactPath string) *task.Task {
	return newTask(func(t *task.Task) {
		var last task.Progress
		err := p.FileReader.ReadFile(artifactPath, func(percent float64) {
			cur := task.Progress{"name": "verify", "progress": percent}
			t.LazyHeartbeat(cur, last)
			last = cur
		})
		if err != nil {
			t.Fail(err)
			return
		}
		t.End(true)
	})
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return splitLines(string(data)), nil
}

func writeLines(path string, lines []string) error {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
