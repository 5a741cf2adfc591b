package dispatch

import (
	"context"
	"time"

	"github.com/mattjoyce/agentrelay/internal/config"
	"github.com/mattjoyce/agentrelay/internal/executor"
	"github.com/mattjoyce/agentrelay/internal/provider"
	"github.com/mattjoyce/agentrelay/internal/registry"
	"github.com/mattjoyce/agentrelay/internal/tasklog"
)

//go:generate mockgen -destination=mocks/mock_dispatch.go -package=mocks github.com/mattjoyce/agentrelay/internal/dispatch Runner,Availability

// Runner executes one provider invocation. *executor.Executor implements it.
type Runner interface {
	Run(ctx context.Context, providerName, instruction string, opts executor.Options) executor.ProviderResult
}

// Availability reports whether a provider binary can be started.
// *provider.Catalog implements it.
type Availability interface {
	Available(name string) bool
}

// AgentSource looks up agent descriptors. *config.Config implements it.
type AgentSource interface {
	Agent(id string) (config.AgentConf, error)
}

// Tracker is the slice of the task registry the dispatcher writes to.
type Tracker interface {
	Create(d registry.Descriptor) string
	AddLog(taskID string, level tasklog.Level, message string)
	Complete(taskID, result string, success bool) bool
}

const (
	DefaultMaxConcurrency = 5
	DefaultTimeout        = 300 * time.Second
)

// Config controls one Dispatch call.
type Config struct {
	MaxConcurrency int           `json:"max_concurrency" yaml:"max_concurrency"`
	Timeout        time.Duration `json:"timeout" yaml:"timeout"`
	FailFast       bool          `json:"fail_fast" yaml:"fail_fast"`
}

// DefaultConfig returns 5 concurrent invocations, a 300s timeout, no fail-fast.
func DefaultConfig() Config {
	return Config{MaxConcurrency: DefaultMaxConcurrency, Timeout: DefaultTimeout}
}

// FromConfig builds a dispatch Config from the service configuration.
func FromConfig(c config.DispatchConfig) Config {
	return Config{MaxConcurrency: c.MaxConcurrency, Timeout: c.Timeout, FailFast: c.FailFast}.normalized()
}

func (c Config) normalized() Config {
	if c.MaxConcurrency < 1 {
		c.MaxConcurrency = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Request is one unit of work in a batch.
type Request struct {
	AgentID     string        `json:"agent_id" yaml:"agent"`
	Instruction string        `json:"instruction" yaml:"instruction"`
	Context     string        `json:"context,omitempty" yaml:"context,omitempty"`
	Kind        provider.Kind `json:"kind,omitempty" yaml:"kind,omitempty"` // overrides the agent's kind
}

// Outcome is the result of one request. Result is nil when no provider ran.
type Outcome struct {
	Index     int                      `json:"index"`
	AgentID   string                   `json:"agent_id"`
	Provider  string                   `json:"provider,omitempty"`
	TaskID    string                   `json:"task_id"`
	Success   bool                     `json:"success"`
	Duration  time.Duration            `json:"duration"`
	Result    *executor.ProviderResult `json:"result,omitempty"`
	Error     string                   `json:"error,omitempty"`
	ErrorKind executor.ErrorKind       `json:"error_kind,omitempty"`
}

// Output returns the provider output on success and the error otherwise.
func (o Outcome) Output() string {
	if o.Success && o.Result != nil {
		return o.Result.Output
	}
	return o.Error
}

// Summary aggregates a batch. Fastest and Slowest are outcome indexes, -1
// when nothing ran.
type Summary struct {
	Total           int           `json:"total"`
	Successful      int           `json:"successful"`
	Failed          int           `json:"failed"`
	TotalDuration   time.Duration `json:"total_duration"`
	AverageDuration time.Duration `json:"average_duration"`
	Fastest         int           `json:"fastest"`
	Slowest         int           `json:"slowest"`
}

// Batch is everything Dispatch returns. Truncated is set when fail-fast or a
// cancelled context left requests unrun.
type Batch struct {
	Outcomes  []Outcome `json:"outcomes"`
	Summary   Summary   `json:"summary"`
	Truncated bool      `json:"truncated"`
}

func summarize(outcomes []Outcome, wall time.Duration) Summary {
	s := Summary{Total: len(outcomes), TotalDuration: wall, Fastest: -1, Slowest: -1}
	if len(outcomes) == 0 {
		return s
	}
	var sum time.Duration
	fastest, slowest := 0, 0
	for i, o := range outcomes {
		if o.Success {
			s.Successful++
		} else {
			s.Failed++
		}
		sum += o.Duration
		if o.Duration < outcomes[fastest].Duration {
			fastest = i
		}
		if o.Duration > outcomes[slowest].Duration {
			slowest = i
		}
	}
	s.AverageDuration = sum / time.Duration(len(outcomes))
	s.Fastest = outcomes[fastest].Index
	s.Slowest = outcomes[slowest].Index
	return s
}
