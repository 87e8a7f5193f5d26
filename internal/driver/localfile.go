package driver

import (
	"os"
	"sync"
)

// LocalFileWriter implements FileWriter against a plain local file,
// backing the print-to-file artifact sink (§4.4 "Print / print-to-file
// task"). Unlike the serial StreamWriter, this sink needs no vendor
// driver: it is just the bytes the fresh stateless Printer frames onto
// it, written to disk.
type LocalFileWriter struct {
	mu       sync.Mutex
	f        *os.File
	external bool
}

// NewLocalFileWriter creates (truncating) the file at path.
func NewLocalFileWriter(path string) (*LocalFileWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &LocalFileWriter{f: f}, nil
}

func (w *LocalFileWriter) Write(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.external {
		return nil
	}
	_, err := w.f.Write(frame)
	return err
}

func (w *LocalFileWriter) SetExternalStop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.external = true
}

// Close flushes and closes the underlying file.
func (w *LocalFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
