package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/agentrelay/internal/config"
	"github.com/mattjoyce/agentrelay/internal/events"
	"github.com/mattjoyce/agentrelay/internal/executor"
	"github.com/mattjoyce/agentrelay/internal/log"
	"github.com/mattjoyce/agentrelay/internal/metrics"
	"github.com/mattjoyce/agentrelay/internal/provider"
	"github.com/mattjoyce/agentrelay/internal/registry"
	"github.com/mattjoyce/agentrelay/internal/tasklog"
)

// defaultAbandonAfter bounds how long a wave waits for an invocation that lost
// the timeout race to return after its context was cancelled.
const defaultAbandonAfter = 15 * time.Second

// Dispatcher runs batches of requests. It is safe for concurrent use.
type Dispatcher struct {
	runner  Runner
	avail   Availability
	agents  AgentSource
	tracker Tracker
	hub     *events.Hub

	abandonAfter time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTracker registers every invocation as a task.
func WithTracker(t Tracker) Option {
	return func(d *Dispatcher) { d.tracker = t }
}

// WithHub publishes batch start and finish events.
func WithHub(h *events.Hub) Option {
	return func(d *Dispatcher) { d.hub = h }
}

// WithAbandonAfter sets how long to wait for a timed-out invocation to unwind.
func WithAbandonAfter(wait time.Duration) Option {
	return func(d *Dispatcher) {
		if wait > 0 {
			d.abandonAfter = wait
		}
	}
}

// New creates a Dispatcher.
func New(runner Runner, avail Availability, agents AgentSource, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		runner:       runner,
		avail:        avail,
		agents:       agents,
		abandonAfter: defaultAbandonAfter,
		now:          time.Now,
		logger:       log.WithComponent("dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type batchEvent struct {
	Size      int      `json:"size"`
	Summary   *Summary `json:"summary,omitempty"`
	Truncated bool     `json:"truncated,omitempty"`
}

// Dispatch runs reqs in waves of cfg.MaxConcurrency and returns outcomes in
// submission order. It never returns an error; failures are outcomes.
func (d *Dispatcher) Dispatch(ctx context.Context, reqs []Request, cfg Config) Batch {
	cfg = cfg.normalized()
	start := d.now()
	batchID := uuid.NewString()
	logger := d.logger.With("batch_id", batchID)

	logger.Info("batch started", "requests", len(reqs),
		"max_concurrency", cfg.MaxConcurrency, "timeout", cfg.Timeout, "fail_fast", cfg.FailFast)
	d.hub.Publish(events.BatchStarted, "", batchEvent{Size: len(reqs)})

	outcomes := make([]Outcome, 0, len(reqs))
	truncated := false

	for lo := 0; lo < len(reqs); lo += cfg.MaxConcurrency {
		if ctx.Err() != nil {
			logger.Warn("batch cancelled before all waves ran", "ran", len(outcomes), "error", ctx.Err())
			truncated = true
			break
		}

		hi := min(lo+cfg.MaxConcurrency, len(reqs))
		wave := d.runWave(ctx, reqs[lo:hi], lo, cfg)
		outcomes = append(outcomes, wave...)

		if cfg.FailFast && hi < len(reqs) && anyFailed(wave) {
			logger.Warn("fail-fast: stopping after failed wave", "ran", len(outcomes), "skipped", len(reqs)-hi)
			truncated = true
			break
		}
	}

	wall := d.now().Sub(start)
	batch := Batch{Outcomes: outcomes, Summary: summarize(outcomes, wall), Truncated: truncated}

	metrics.RecordBatch(len(reqs), truncated, wall)
	d.hub.Publish(events.BatchFinished, "", batchEvent{Size: len(reqs), Summary: &batch.Summary, Truncated: truncated})
	logger.Info("batch finished", "total", batch.Summary.Total, "successful", batch.Summary.Successful,
		"failed", batch.Summary.Failed, "duration", wall)
	return batch
}

// RunOne runs a single request with the dispatch timeout race but no batch
// bookkeeping.
func (d *Dispatcher) RunOne(ctx context.Context, req Request, cfg Config) Outcome {
	return d.invoke(ctx, 0, req, cfg.normalized())
}

func (d *Dispatcher) runWave(ctx context.Context, reqs []Request, offset int, cfg Config) []Outcome {
	out := make([]Outcome, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = d.invoke(ctx, offset+i, req, cfg)
		}()
	}
	wg.Wait()
	return out
}

func anyFailed(outcomes []Outcome) bool {
	for _, o := range outcomes {
		if !o.Success {
			return true
		}
	}
	return false
}

// plan is everything known about an invocation before the provider starts.
type plan struct {
	agent       config.AgentConf
	kind        provider.Kind
	provider    string
	instruction string
	err         error
}

func (d *Dispatcher) plan(req Request) plan {
	p := plan{instruction: composeInstruction(req.Context, req.Instruction)}

	agent, err := d.agents.Agent(req.AgentID)
	if err != nil {
		p.err = err
		return p
	}
	p.agent = agent

	kind := agent.Kind
	if req.Kind != "" {
		kind = string(req.Kind)
	}
	if p.kind, err = provider.ParseKind(kind); err != nil {
		p.err = err
		return p
	}

	p.provider = Resolve(d.avail, agent.Provider, agent.Model)
	return p
}

func composeInstruction(context, instruction string) string {
	context = strings.TrimSpace(context)
	if context == "" {
		return instruction
	}
	return context + "\n\n" + instruction
}

func (d *Dispatcher) invoke(ctx context.Context, index int, req Request, cfg Config) (outcome Outcome) {
	start := d.now()
	outcome = Outcome{Index: index, AgentID: req.AgentID}
	taskID, running := "", ""

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("invocation panicked", "agent_id", req.AgentID, "task_id", taskID,
				"panic", r, "stack", string(debug.Stack()))
			outcome = d.fail(outcome, taskID, executor.ErrorKindDispatch, fmt.Sprintf("dispatch panic: %v", r), start)
			if running != "" {
				metrics.RecordTaskFinished(running, string(executor.ErrorKindDispatch), outcome.Duration)
			}
		}
	}()

	p := d.plan(req)
	taskID = d.createTask(req, p)
	outcome.TaskID = taskID
	outcome.Provider = p.provider

	if p.err != nil {
		return d.fail(outcome, taskID, executor.ErrorKindDispatch, p.err.Error(), start)
	}
	if first := p.agent.Provider.First(); p.agent.Provider.IsFallback() && first != "" && first != p.provider {
		metrics.RecordFallback(first, p.provider)
		d.addLog(taskID, tasklog.LevelInfo, fmt.Sprintf("fallback: %s unavailable, using %s", first, p.provider))
	}

	opts := executor.Options{
		WorkDir:   p.agent.WorkDir,
		Kind:      p.kind,
		Timeout:   p.agent.Timeout,
		ExtraArgs: p.agent.Args,
		Model:     p.agent.Model,
		TaskID:    taskID,
		Env:       p.agent.EnvList(),
	}

	metrics.RecordTaskStarted(p.provider, string(p.kind))
	running = p.provider
	res, end, timedOut := d.race(ctx, p, opts, cfg.Timeout)
	running = ""
	outcome.Duration = end.Sub(start)

	if timedOut {
		msg := fmt.Sprintf("%s timed out after %s", p.provider, cfg.Timeout)
		metrics.RecordTaskFinished(p.provider, string(executor.ErrorKindTimeout), outcome.Duration)
		d.addLog(taskID, tasklog.LevelError, msg)
		d.complete(taskID, msg, false)
		outcome.Error = msg
		outcome.ErrorKind = executor.ErrorKindTimeout
		return outcome
	}

	outcome.Result = &res
	outcome.Success = res.Success
	if res.Success {
		metrics.RecordTaskFinished(p.provider, metrics.OutcomeOK, outcome.Duration)
		d.complete(taskID, res.Output, true)
		return outcome
	}
	outcome.Error = res.Error
	outcome.ErrorKind = res.ErrorKind
	metrics.RecordTaskFinished(p.provider, string(res.ErrorKind), outcome.Duration)
	d.complete(taskID, res.Error, false)
	return outcome
}

// race runs the provider against timeout and reports when the winner was
// decided. When the timer wins the invocation's context is cancelled and race
// waits (bounded by abandonAfter) for the runner to unwind so the process is
// reaped before the wave settles.
func (d *Dispatcher) race(ctx context.Context, p plan, opts executor.Options, timeout time.Duration) (executor.ProviderResult, time.Time, bool) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan executor.ProviderResult, 1)
	panicked := make(chan any, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				panicked <- r
			}
		}()
		done <- d.runner.Run(runCtx, p.provider, p.instruction, opts)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res, d.now(), false
	case r := <-panicked:
		panic(r)
	case <-timer.C:
	}

	fired := d.now()
	cancel()
	select {
	case <-done:
	case <-panicked:
	case <-time.After(d.abandonAfter):
		d.logger.Warn("provider did not stop after cancellation; abandoning",
			"task_id", opts.TaskID, "provider", p.provider, "waited", d.abandonAfter)
	}
	return executor.ProviderResult{}, fired, true
}

func (d *Dispatcher) fail(o Outcome, taskID string, kind executor.ErrorKind, msg string, start time.Time) Outcome {
	o.Success = false
	o.Error = msg
	o.ErrorKind = kind
	o.Duration = d.now().Sub(start)
	d.addLog(taskID, tasklog.LevelError, msg)
	d.complete(taskID, msg, false)
	return o
}

func (d *Dispatcher) createTask(req Request, p plan) string {
	if d.tracker == nil {
		return uuid.NewString()
	}
	return d.tracker.Create(registry.Descriptor{
		Kind:        p.kind,
		Provider:    p.agent.Provider,
		Resolved:    p.provider,
		Instruction: p.instruction,
		AgentID:     req.AgentID,
	})
}

func (d *Dispatcher) addLog(taskID string, level tasklog.Level, msg string) {
	if d.tracker != nil && taskID != "" {
		d.tracker.AddLog(taskID, level, msg)
	}
}

func (d *Dispatcher) complete(taskID, result string, success bool) {
	if d.tracker != nil && taskID != "" {
		d.tracker.Complete(taskID, result, success)
	}
}
