package executor

import (
	"sync"

	"github.com/mattjoyce/agentrelay/internal/tasklog"
)

const (
	// DefaultStdoutLimit caps the in-memory copy of a provider's stdout.
	DefaultStdoutLimit = 8 << 20

	// DefaultStderrLimit caps captured stderr.
	DefaultStderrLimit = 64 * 1024
)

// cappedBuffer keeps at most limit bytes and remembers whether it dropped any.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

// Write never fails, so the copying goroutine in os/exec keeps draining the
// pipe after the cap is hit.
func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.limit - len(b.buf)
	switch {
	case room <= 0:
		b.truncated = b.truncated || len(p) > 0
	case len(p) > room:
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
	default:
		b.buf = append(b.buf, p...)
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *cappedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// streamWriter fans one process stream into its buffer and the task log.
type streamWriter struct {
	name string
	buf  *cappedBuffer
	log  *tasklog.File
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.log.Chunk(w.name, p)
	return w.buf.Write(p)
}
