// Package tasklog owns the per-task append-only log files: one
// <task-id>.log per task under a single directory, a header block followed by
// timestamped "LEVEL: message" lines. The files are a debugging aid, not a
// consumed data format.
package tasklog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const fileSuffix = ".log"

// PurgeReport summarizes a purge run.
type PurgeReport struct {
	Deleted int
}

// Manager governs the log directory.
type Manager struct {
	dir string
	now func() time.Time
}

// NewManager creates a manager rooted at dir. The directory is created lazily.
func NewManager(dir string) (*Manager, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, fmt.Errorf("task log directory is empty")
	}
	return &Manager{dir: filepath.Clean(trimmed), now: time.Now}, nil
}

// Dir returns the managed directory.
func (m *Manager) Dir() string { return m.dir }

// Path returns the log file path for taskID.
func (m *Manager) Path(taskID string) (string, error) {
	if err := validateTaskID(taskID); err != nil {
		return "", err
	}
	return filepath.Join(m.dir, taskID+fileSuffix), nil
}

// Open opens (creating if needed) the append-only log for taskID.
func (m *Manager) Open(taskID string) (*File, error) {
	path, err := m.Path(taskID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create task log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open task log %q: %w", taskID, err)
	}
	return &File{taskID: taskID, path: path, f: f, now: m.now}, nil
}

// Read returns the full contents of a task's log file.
func (m *Manager) Read(taskID string) (string, error) {
	path, err := m.Path(taskID)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read task log %q: %w", taskID, err)
	}
	return string(data), nil
}

// Purge removes log files whose modification time is older than olderThan.
func (m *Manager) Purge(ctx context.Context, olderThan time.Duration) (PurgeReport, error) {
	if err := ctx.Err(); err != nil {
		return PurgeReport{}, err
	}
	if olderThan <= 0 {
		return PurgeReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return PurgeReport{}, nil
	}
	if err != nil {
		return PurgeReport{}, fmt.Errorf("read task log directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := PurgeReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileSuffix) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read task log info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.Remove(filepath.Join(m.dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			return report, fmt.Errorf("remove task log %q: %w", entry.Name(), err)
		}
		report.Deleted++
	}

	return report, nil
}

func validateTaskID(taskID string) error {
	trimmed := strings.TrimSpace(taskID)
	if trimmed == "" {
		return fmt.Errorf("task id is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("task id %q is invalid", taskID)
	}
	if strings.ContainsAny(trimmed, `/\`) {
		return fmt.Errorf("task id %q must not contain path separators", taskID)
	}
	if filepath.Clean(trimmed) != trimmed || trimmed != taskID {
		return fmt.Errorf("task id %q is invalid", taskID)
	}
	return nil
}
