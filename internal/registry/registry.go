// Package registry tracks every task the relay runs: identity, an ordered
// log, and the terminal outcome. It is in-memory; sinks mirror it elsewhere.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/agentrelay/internal/events"
	"github.com/mattjoyce/agentrelay/internal/log"
	"github.com/mattjoyce/agentrelay/internal/provider"
	"github.com/mattjoyce/agentrelay/internal/tasklog"
)

// ErrTaskNotFound is returned for ids the registry does not hold.
var ErrTaskNotFound = errors.New("task not found")

// DefaultRetention is the number of completed tasks kept in memory.
const DefaultRetention = 1000

// DefaultDigestSize is how many tasks Logs("") summarizes.
const DefaultDigestSize = 10

// Descriptor is what a caller knows about a task before it runs.
type Descriptor struct {
	Kind        provider.Kind      `json:"kind"`
	Provider    provider.Selection `json:"provider"`
	Resolved    string             `json:"resolved_provider,omitempty"`
	Instruction string             `json:"instruction"`
	AgentID     string             `json:"agent_id"`
}

// Entry is one log line.
type Entry struct {
	Time    time.Time     `json:"time"`
	Level   tasklog.Level `json:"level"`
	Message string        `json:"message"`
}

func (e Entry) String() string {
	return e.Time.UTC().Format(time.RFC3339) + " " + string(e.Level) + ": " + e.Message
}

// Task is a snapshot of one tracked unit of work.
type Task struct {
	ID string `json:"id"`
	Descriptor
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	Done        bool      `json:"done"`
	Success     bool      `json:"success"`
	Result      string    `json:"result,omitempty"`
	// Completions counts Complete calls; more than one means a caller
	// finished the task twice and the last write won.
	Completions int     `json:"completions"`
	Logs        []Entry `json:"logs,omitempty"`
}

// Status is a one-word rendering of the task state.
func (t Task) Status() string {
	switch {
	case !t.Done:
		return "running"
	case t.Success:
		return "ok"
	default:
		return "failed"
	}
}

// Counts summarizes the tasks currently held.
type Counts struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

type record struct {
	seq uint64

	mu   sync.Mutex
	task Task
}

// Registry is safe for concurrent use. The index lock guards only the id map;
// each task has its own lock so unrelated tasks never contend.
type Registry struct {
	mu        sync.RWMutex
	tasks     map[string]*record
	completed []string
	seq       uint64

	retention int
	hub       *events.Hub
	pump      *pump
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithHub publishes lifecycle events to h.
func WithHub(h *events.Hub) Option {
	return func(r *Registry) { r.hub = h }
}

// WithRetention caps the number of completed tasks kept in memory.
func WithRetention(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.retention = n
		}
	}
}

// WithSinks mirrors registry activity to sinks asynchronously.
func WithSinks(sinks ...Sink) Option {
	return func(r *Registry) {
		if len(sinks) > 0 {
			r.pump = newPump(sinks, defaultQueueSize)
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		tasks:     make(map[string]*record),
		retention: DefaultRetention,
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    log.WithComponent("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.pump != nil {
		r.pump.start()
	}
	return r
}

// Create registers a new task and returns its id. It does no I/O.
func (r *Registry) Create(d Descriptor) string {
	id := r.newID()
	rec := &record{task: Task{ID: id, Descriptor: d, CreatedAt: r.now()}}

	r.mu.Lock()
	r.seq++
	rec.seq = r.seq
	r.tasks[id] = rec
	r.mu.Unlock()

	rec.mu.Lock()
	snap := rec.task
	r.hub.Publish(events.TaskCreated, id, snap)
	r.pump.send(op{kind: opCreated, task: snap})
	rec.mu.Unlock()

	return id
}

// AddLog appends a line to a task's log. Unknown ids are ignored.
func (r *Registry) AddLog(taskID string, level tasklog.Level, message string) {
	rec := r.lookup(taskID)
	if rec == nil {
		r.logger.Debug("log for unknown task dropped", "task_id", taskID)
		return
	}
	entry := Entry{Time: r.now(), Level: level, Message: message}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.task.Logs = append(rec.task.Logs, entry)
	r.hub.Publish(events.TaskLog, taskID, entry)
	r.pump.send(op{kind: opLogged, taskID: taskID, entry: entry})
}

// Complete records the terminal outcome. Repeated calls overwrite the result
// (last write wins) and are logged. Returns false for unknown ids.
func (r *Registry) Complete(taskID, result string, success bool) bool {
	rec := r.lookup(taskID)
	if rec == nil {
		r.logger.Warn("complete for unknown task", "task_id", taskID)
		return false
	}

	rec.mu.Lock()
	first := !rec.task.Done
	rec.task.Done = true
	rec.task.Success = success
	rec.task.Result = result
	rec.task.CompletedAt = r.now()
	rec.task.Completions++
	if !first {
		r.logger.Warn("task completed more than once; last result wins",
			"task_id", taskID, "completions", rec.task.Completions)
	}
	snap := rec.task
	snap.Logs = nil
	r.hub.Publish(events.TaskCompleted, taskID, snap)
	r.pump.send(op{kind: opCompleted, task: snap})
	rec.mu.Unlock()

	if first {
		r.retire(taskID)
	}
	return true
}

// Get returns a snapshot of one task including its log.
func (r *Registry) Get(taskID string) (Task, error) {
	rec := r.lookup(taskID)
	if rec == nil {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return rec.snapshot(true), nil
}

// Recent returns up to n tasks, newest first, without their logs.
func (r *Registry) Recent(n int) []Task {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.tasks))
	for _, rec := range r.tasks {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].seq > recs[j].seq })
	if n > 0 && len(recs) > n {
		recs = recs[:n]
	}

	out := make([]Task, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.snapshot(false))
	}
	return out
}

// Counts tallies tasks by state.
func (r *Registry) Counts() Counts {
	var c Counts
	for _, t := range r.Recent(0) {
		c.Total++
		switch t.Status() {
		case "running":
			c.Running++
		case "ok":
			c.Succeeded++
		default:
			c.Failed++
		}
	}
	return c
}

// Logs renders a task's full log, or with an empty id a digest of the most
// recent tasks.
func (r *Registry) Logs(taskID string) (string, error) {
	if taskID == "" {
		return r.digest(DefaultDigestSize), nil
	}
	t, err := r.Get(taskID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "task %s (%s, %s, agent %s)\n", t.ID, t.Kind, t.Status(), t.AgentID)
	for _, e := range t.Logs {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func (r *Registry) digest(n int) string {
	tasks := r.Recent(n)
	if len(tasks) == 0 {
		return "no tasks\n"
	}
	var b strings.Builder
	for _, t := range tasks {
		prov := t.Resolved
		if prov == "" {
			prov = t.Provider.String()
		}
		fmt.Fprintf(&b, "%s  %-7s  %-7s  %-12s  %-8s  %s  %s\n",
			t.ID, t.Status(), t.Kind, t.AgentID, prov,
			t.CreatedAt.UTC().Format(time.RFC3339), preview(t.Instruction, 60))
	}
	return b.String()
}

// Close flushes pending sink writes. The registry stays usable in memory.
func (r *Registry) Close() error {
	return r.pump.close()
}

func (r *Registry) lookup(taskID string) *record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tasks[taskID]
}

// retire evicts the oldest completed tasks beyond the retention cap.
func (r *Registry) retire(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, taskID)
	for len(r.completed) > r.retention {
		delete(r.tasks, r.completed[0])
		r.completed = r.completed[1:]
	}
}

func (rec *record) snapshot(withLogs bool) Task {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	t := rec.task
	if withLogs {
		t.Logs = append([]Entry(nil), rec.task.Logs...)
	} else {
		t.Logs = nil
	}
	return t
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
