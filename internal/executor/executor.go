// Package executor runs one provider CLI invocation to completion or timeout
// and normalizes what happened into a ProviderResult.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/agentrelay/internal/log"
	"github.com/mattjoyce/agentrelay/internal/provider"
	"github.com/mattjoyce/agentrelay/internal/tasklog"
)

// DefaultGracePeriod is the wait between SIGTERM and SIGKILL.
const DefaultGracePeriod = 5 * time.Second

// Recorder receives milestone lines for a task. The registry implements it.
type Recorder interface {
	AddLog(taskID string, level tasklog.Level, message string)
}

// Options tune a single invocation.
type Options struct {
	WorkDir   string
	Kind      provider.Kind
	Timeout   time.Duration // 0 uses the provider default for Kind
	ExtraArgs []string
	Model     string
	TaskID    string   // minted when empty
	Env       []string // KEY=VALUE pairs added to the inherited environment
}

// Executor spawns provider processes. It is safe for concurrent use.
type Executor struct {
	catalog  *provider.Catalog
	logs     *tasklog.Manager
	recorder Recorder

	grace       time.Duration
	stdoutLimit int
	stderrLimit int

	now    func() time.Time
	logger *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithTaskLogs mirrors every run into a per-task log file.
func WithTaskLogs(m *tasklog.Manager) Option {
	return func(e *Executor) { e.logs = m }
}

// WithRecorder forwards milestone lines to r.
func WithRecorder(r Recorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// WithGracePeriod sets the SIGTERM to SIGKILL delay.
func WithGracePeriod(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.grace = d
		}
	}
}

// WithOutputLimits overrides the stdout and stderr capture caps.
func WithOutputLimits(stdout, stderr int) Option {
	return func(e *Executor) {
		if stdout > 0 {
			e.stdoutLimit = stdout
		}
		if stderr > 0 {
			e.stderrLimit = stderr
		}
	}
}

// New creates an Executor over catalog.
func New(catalog *provider.Catalog, opts ...Option) *Executor {
	e := &Executor{
		catalog:     catalog,
		grace:       DefaultGracePeriod,
		stdoutLimit: DefaultStdoutLimit,
		stderrLimit: DefaultStderrLimit,
		now:         time.Now,
		logger:      log.WithComponent("executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes instruction with the named provider. It never returns an
// error: every failure mode is reported through ProviderResult.
func (e *Executor) Run(ctx context.Context, providerName, instruction string, opts Options) ProviderResult {
	start := e.now()
	taskID := opts.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}
	logger := e.logger.With("task_id", taskID, "provider", providerName)

	p, ok := e.catalog.Get(providerName)
	if !ok {
		res := Failed(taskID, providerName, ErrorKindSpawn, fmt.Sprintf("unknown provider %q", providerName))
		e.record(taskID, tasklog.LevelError, res.Error)
		return res
	}

	kind := opts.Kind
	if kind == "" {
		kind = provider.KindQuery
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.DefaultTimeout(kind)
	}

	args := p.BuildArgs(kind, opts.ExtraArgs, opts.Model, instruction)
	command := formatCommand(p.Binary, args)

	res := ProviderResult{
		TaskID:   taskID,
		Provider: p.Name,
		Command:  command,
		ExitCode: -1,
	}

	var tlog *tasklog.File
	if e.logs != nil {
		f, err := e.logs.Open(taskID)
		if err != nil {
			logger.Warn("task log unavailable", "error", err)
		} else {
			tlog = f
		}
	}
	defer func() {
		if err := tlog.Close(); err != nil {
			logger.Warn("close task log", "error", err)
		}
	}()
	tlog.WriteHeader(tasklog.Header{
		TaskID:   taskID,
		Provider: p.Name,
		Command:  command,
		WorkDir:  opts.WorkDir,
		Started:  start,
	})

	note := func(level tasklog.Level, msg string) {
		tlog.Line(level, msg)
		e.record(taskID, level, msg)
	}

	finish := func(r ProviderResult) ProviderResult {
		r.Duration = e.now().Sub(start)
		if r.Success {
			note(tasklog.LevelInfo, fmt.Sprintf("completed in %s (%d bytes)", r.Duration.Round(time.Millisecond), len(r.Output)))
			logger.Info("provider run succeeded", "duration", r.Duration, "exit_code", r.ExitCode)
		} else {
			note(tasklog.LevelError, fmt.Sprintf("%s failure: %s", r.ErrorKind, r.Error))
			logger.Warn("provider run failed", "kind", r.ErrorKind, "reason", r.Reason, "error", r.Error, "duration", r.Duration)
		}
		return r
	}

	if err := ctx.Err(); err != nil {
		return finish(e.interrupted(res, p, ctx.Err(), timeout))
	}

	stdout := newCappedBuffer(e.stdoutLimit)
	stderr := newCappedBuffer(e.stderrLimit)

	// Termination is managed below rather than through CommandContext so the
	// SIGTERM grace period applies.
	cmd := exec.Command(p.Binary, args...)
	cmd.Dir = opts.WorkDir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	cmd.Stdout = &streamWriter{name: "STDOUT", buf: stdout, log: tlog}
	cmd.Stderr = &streamWriter{name: "STDERR", buf: stderr, log: tlog}
	cmd.WaitDelay = e.grace
	isolate(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		res.ErrorKind = ErrorKindSpawn
		res.Error = fmt.Sprintf("create stdin pipe: %v", err)
		return finish(res)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if err := cmd.Start(); err != nil {
		res.ErrorKind = ErrorKindSpawn
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			res.Error = p.NotInstalledMessage()
		} else {
			res.Error = err.Error()
		}
		return finish(res)
	}
	note(tasklog.LevelInfo, fmt.Sprintf("started pid %d, timeout %s", cmd.Process.Pid, timeout))
	logger.Debug("provider process started", "pid", cmd.Process.Pid, "timeout", timeout)

	go func() {
		defer stdin.Close()
		if p.Input != provider.InputStdin {
			return
		}
		if _, err := io.WriteString(stdin, instruction); err != nil {
			// The CLI may exit without draining stdin; the exit status tells the story.
			logger.Debug("write instruction to stdin", "error", err)
		}
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var cause error
	select {
	case err := <-waitErr:
		res.ExitCode = exitCode(cmd, err)
		if err != nil && res.ExitCode < 0 {
			logger.Warn("wait for provider process", "error", err)
		}
		if signalled, err := releaseGroup(cmd); err != nil {
			logger.Debug("signal leftover process group", "error", err)
		} else if signalled {
			note(tasklog.LevelWarn, "terminated helper processes left running by the provider")
		}
	case <-timer.C:
		cause = errTimeout
	case <-ctx.Done():
		cause = ctx.Err()
	}

	if cause != nil {
		e.stop(cmd, waitErr, logger, note)
		res = e.interrupted(res, p, cause, timeout)
		res.Output = strings.TrimSpace(stdout.String())
		return finish(res)
	}

	if stdout.Truncated() {
		note(tasklog.LevelWarn, fmt.Sprintf("stdout truncated at %d bytes", stdout.Len()))
	}
	if stderr.Truncated() {
		note(tasklog.LevelWarn, fmt.Sprintf("stderr truncated at %d bytes", stderr.Len()))
	}

	out := stdout.String()
	verdict := p.Classify(out, stderr.String(), res.ExitCode)
	res.Output = strings.TrimSpace(out)
	if verdict.Failed {
		res.ErrorKind = ErrorKindProvider
		res.Reason = verdict.Reason
		res.Error = verdict.Message
		res.ResetAt = verdict.ResetAt
		return finish(res)
	}

	res.Success = true
	return finish(res)
}

var errTimeout = errors.New("timeout")

// stop terminates the process group and reaps the child.
func (e *Executor) stop(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger, note func(tasklog.Level, string)) {
	note(tasklog.LevelWarn, "terminating provider process")
	if err := terminate(cmd); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(e.grace)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("provider exited after SIGTERM")
	case <-grace.C:
		logger.Warn("provider did not exit after SIGTERM, sending SIGKILL")
		if err := kill(cmd); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

func (e *Executor) interrupted(res ProviderResult, p *provider.Provider, cause error, timeout time.Duration) ProviderResult {
	name := p.DisplayName
	if name == "" {
		name = p.Name
	}
	switch {
	case errors.Is(cause, errTimeout):
		res.ErrorKind = ErrorKindTimeout
		res.Error = fmt.Sprintf("%s timed out after %s", name, timeout)
	case errors.Is(cause, context.DeadlineExceeded):
		res.ErrorKind = ErrorKindTimeout
		res.Error = fmt.Sprintf("%s timed out: %v", name, cause)
	default:
		res.ErrorKind = ErrorKindCanceled
		res.Error = fmt.Sprintf("%s run canceled: %v", name, cause)
	}
	return res
}

func (e *Executor) record(taskID string, level tasklog.Level, msg string) {
	if e.recorder != nil {
		e.recorder.AddLog(taskID, level, msg)
	}
}

func exitCode(cmd *exec.Cmd, err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

// formatCommand renders argv the way a shell user would type it.
func formatCommand(binary string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, binary)
	for _, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\n\"'\\$`") {
			a = strconv.Quote(a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}
