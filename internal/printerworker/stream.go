package printerworker

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/maydaying/conveyor/internal/metrics"
	"github.com/maydaying/conveyor/internal/task"
)

// streamWriter wraps the worker's owned handle, honoring external-stop
// (§6 "StreamWriter(file)").
type streamWriter struct {
	w       interface{ Write([]byte) (int, error) }
	stopped bool
}

func (s *streamWriter) Write(frame []byte) error {
	if s.stopped {
		return nil
	}
	_, err := s.w.Write(frame)
	return err
}

func (s *streamWriter) SetExternalStop() { s.stopped = true }

// streamPrint implements §4.6's stream print: materializes the toolpath,
// then streams it line by line, breaking on cancellation, tracking byte
// offsets before trimming, and lazily heartbeating progress.
func (w *Worker) streamPrint(item *Item) error {
	printer, err := w.NewPrinter()
	if err != nil {
		item.Task.Fail(err)
		return err
	}
	defer printer.Close()

	sw := &streamWriter{w: w.handle}
	item.Task.StoppedEvent.Attach(func(any) { sw.SetExternalStop() })
	printer.SetWriter(sw)

	rawLines, err := readRawLines(item.ToolpathPath)
	if err != nil {
		item.Task.Fail(err)
		return err
	}

	totalLines := len(rawLines)
	totalBytes := 0
	for _, l := range rawLines {
		totalBytes += len(l)
	}

	var currentByte, currentLine int
	var lastProgress task.Progress
	nextPoll := time.Now().Add(pollInterval)

	for _, raw := range rawLines {
		if item.Task.State() != task.Running {
			break
		}

		// Byte offset tracks the raw line length before trimming, so it
		// matches file position.
		currentByte += len(raw)
		currentLine++

		trimmed := strings.TrimSpace(raw)
		if err := printer.ParseCommand(trimmed); err != nil {
			item.Task.Fail(err)
			return err
		}
		metrics.BytesStreamedTotal.WithLabelValues(w.portID).Add(float64(len(raw)))

		var temperature float64
		polled := false
		atPollBoundary := time.Now().After(nextPoll)
		if atPollBoundary {
			if v, err := printer.ToolheadTemperature(0); err == nil {
				temperature = v
				polled = true
			}
			nextPoll = time.Now().Add(pollInterval)
		}

		// Heartbeats are gated to the same poll-interval boundary as the
		// temperature refresh above (§4.6 "At each poll-interval boundary,
		// emit a heartbeat"), not fired per line, to keep client bandwidth
		// bounded (§3).
		if atPollBoundary {
			progress := task.Progress{
				"name":        "print",
				"currentline": currentLine,
				"totallines":  totalLines,
				"currentbyte": currentByte,
				"totalbytes":  totalBytes,
			}
			if polled {
				progress["temperature"] = temperature
			}
			item.Task.LazyHeartbeat(progress, lastProgress)
			lastProgress = progress
		}
	}

	if item.Task.State() == task.Running {
		item.Task.End(nil)
	}
	return nil
}

func readRawLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text()+"\n")
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func toolKey(index int) string     { return fmt.Sprintf("tool_%d", index) }
func platformKey(index int) string { return fmt.Sprintf("platform_%d", index) }
