package tasklog

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is the severity attached to a log line.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// ParseLevel normalizes a level name; unknown names become INFO.
func ParseLevel(s string) Level {
	switch Level(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn, "WARNING":
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// Header is written once at the top of a task log.
type Header struct {
	TaskID   string
	Provider string
	Command  string
	WorkDir  string
	Started  time.Time
}

// File is one task's open log. All methods are safe on a nil *File, which
// discards everything; callers keep running when the log cannot be opened.
type File struct {
	taskID string
	path   string
	now    func() time.Time

	mu     sync.Mutex
	f      *os.File
	failed bool
}

// Path returns the file location.
func (l *File) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// WriteHeader writes the header block.
func (l *File) WriteHeader(h Header) {
	if l == nil {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "=== task %s ===\n", h.TaskID)
	fmt.Fprintf(&b, "provider: %s\n", h.Provider)
	fmt.Fprintf(&b, "command:  %s\n", h.Command)
	if h.WorkDir != "" {
		fmt.Fprintf(&b, "workdir:  %s\n", h.WorkDir)
	}
	fmt.Fprintf(&b, "started:  %s\n", h.Started.UTC().Format(time.RFC3339Nano))
	b.WriteString("===\n")
	l.write(b.String())
}

// Line appends one "LEVEL: message" line.
func (l *File) Line(level Level, msg string) {
	if l == nil {
		return
	}
	l.write(l.stamp() + " " + string(level) + ": " + strings.TrimRight(msg, "\n") + "\n")
}

// Chunk appends raw stream output, one tagged line per text line.
func (l *File) Chunk(stream string, data []byte) {
	if l == nil || len(data) == 0 {
		return
	}
	ts := l.stamp()
	tag := strings.ToUpper(stream)

	var b strings.Builder
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		b.WriteString(ts)
		b.WriteByte(' ')
		b.WriteString(tag)
		b.WriteString(": ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	l.write(b.String())
}

// Close flushes and closes the file.
func (l *File) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

func (l *File) stamp() string {
	return l.now().UTC().Format(time.RFC3339Nano)
}

func (l *File) write(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil || l.failed {
		return
	}
	if _, err := l.f.WriteString(s); err != nil {
		// Stop writing after the first failure; the run itself is unaffected.
		l.failed = true
	}
}
