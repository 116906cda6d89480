package logfile

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Writer appends lines to a single log file. Every Append is flushed and
// synced to disk before it returns.
type Writer struct {
	path string

	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	closed bool
}

// OpenWriter opens path for appending, creating the file and any missing
// parent directories.
func OpenWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	return &Writer{path: path, file: f, buf: bufio.NewWriter(f)}, nil
}

func (w *Writer) Path() string {
	return w.path
}

// Append writes line, adding the trailing newline when it is missing.
func (w *Writer) Append(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}

	if _, err := w.buf.WriteString(line); err != nil {
		return err
	}
	if !strings.HasSuffix(line, "\n") {
		if err := w.buf.WriteByte('\n'); err != nil {
			return err
		}
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}

	return w.file.Sync()
}

// Close flushes and releases the file. Calling it again is a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	return errors.Join(w.buf.Flush(), w.file.Close())
}
