// Package logmanager owns the output files of harnessed child processes.
//
// Every spawn gets freshly opened handles so a restarted child never writes
// through a descriptor inherited from its predecessor; the harness closes them
// once that child has been reaped.
package logmanager

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Manager hands out stdout/stderr sinks for a single task.
type Manager struct {
	dir  string
	task string
}

// New returns a Manager writing under dir, creating it if needed.
func New(dir, task string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &Manager{dir: dir, task: sanitize(task)}, nil
}

// Stdout opens the task's stdout file for appending.
func (m *Manager) Stdout() (io.WriteCloser, error) { return m.open("stdout") }

// Stderr opens the task's stderr file for appending.
func (m *Manager) Stderr() (io.WriteCloser, error) { return m.open("stderr") }

// Paths returns the stdout and stderr file paths.
func (m *Manager) Paths() (string, string) {
	return m.path("stdout"), m.path("stderr")
}

func (m *Manager) path(stream string) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s.%s.log", m.task, stream))
}

func (m *Manager) open(stream string) (io.WriteCloser, error) {
	f, err := os.OpenFile(m.path(stream), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s log: %w", stream, err)
	}
	if _, err := fmt.Fprintf(f, "==== %s opened %s ====\n", m.task, time.Now().Format(time.RFC3339)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write %s log header: %w", stream, err)
	}
	return f, nil
}

func sanitize(name string) string {
	if name == "" {
		return "task"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, name)
}
