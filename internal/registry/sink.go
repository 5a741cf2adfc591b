package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/agentrelay/internal/log"
)

const (
	defaultQueueSize = 4096
	sinkWriteTimeout = 5 * time.Second
)

// Sink receives a copy of registry activity, in order, off the caller's
// goroutine. Errors are logged and otherwise ignored.
type Sink interface {
	TaskCreated(ctx context.Context, t Task) error
	TaskLogged(ctx context.Context, taskID string, e Entry) error
	TaskCompleted(ctx context.Context, t Task) error
	Close() error
}

type opKind int

const (
	opCreated opKind = iota
	opLogged
	opCompleted
)

type op struct {
	kind   opKind
	task   Task
	taskID string
	entry  Entry
}

// pump serializes sink writes through one goroutine so the order sinks see
// matches the order the registry applied.
type pump struct {
	sinks []Sink
	ops   chan op
	done  chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func newPump(sinks []Sink, size int) *pump {
	return &pump{
		sinks: sinks,
		ops:   make(chan op, size),
		done:  make(chan struct{}),
	}
}

func (p *pump) start() {
	go p.run()
}

// send enqueues without blocking; a full queue drops the op.
func (p *pump) send(o op) {
	if p == nil {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.ops <- o:
	default:
		if n := p.dropped.Add(1); n == 1 || n%100 == 0 {
			log.WithComponent("registry").Warn("sink queue full, dropping update", "dropped", n)
		}
	}
}

func (p *pump) run() {
	defer close(p.done)
	logger := log.WithComponent("registry")

	for o := range p.ops {
		taskID := o.taskID
		if taskID == "" {
			taskID = o.task.ID
		}
		for _, s := range p.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
			var err error
			switch o.kind {
			case opCreated:
				err = s.TaskCreated(ctx, o.task)
			case opLogged:
				err = s.TaskLogged(ctx, o.taskID, o.entry)
			case opCompleted:
				err = s.TaskCompleted(ctx, o.task)
			}
			cancel()
			if err != nil {
				logger.Error("sink write failed", "task_id", taskID, "error", err)
			}
		}
	}
}

func (p *pump) close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.ops)
	p.mu.Unlock()

	<-p.done

	var firstErr error
	for _, s := range p.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Dropped reports sink updates lost to a full queue.
func (r *Registry) Dropped() int64 {
	if r.pump == nil {
		return 0
	}
	return r.pump.dropped.Load()
}
