// Package logwriter appends session output to a per-session log file. Each
// line is tagged with its stream kind so subscribers can reconstruct history
// before attaching to the live event stream.
package logwriter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Stream kinds.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamSystem = "system"
	StreamUser   = "user"
)

// Writer appends prefix-tagged lines to a session log file rotated by month:
// <logDir>/sessions/<yyyy>/<mm>/<sessionID>.log.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// New opens (creating as needed) the log file for a session under logDir.
func New(logDir, sessionID string) (*Writer, error) {
	now := time.Now().UTC()
	dir := filepath.Join(logDir, "sessions", now.Format("2006"), now.Format("01"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	path := filepath.Join(dir, sessionID+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}
	return &Writer{file: file, path: path}, nil
}

// Path returns the absolute log file path.
func (w *Writer) Path() string {
	return w.path
}

// Write appends content under the given stream tag. Multi-line content is
// tagged line by line so every log line carries its stream.
func (w *Writer) Write(stream, content string) error {
	if content == "" {
		return nil
	}
	var b strings.Builder
	for _, line := range strings.Split(strings.TrimSuffix(content, "\n"), "\n") {
		b.WriteString("[")
		b.WriteString(stream)
		b.WriteString("] ")
		b.WriteString(line)
		b.WriteString("\n")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return fmt.Errorf("log writer closed")
	}
	if _, err := w.file.WriteString(b.String()); err != nil {
		return fmt.Errorf("failed to write session log: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
