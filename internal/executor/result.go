package executor

import (
	"time"

	"github.com/mattjoyce/agentrelay/internal/provider"
)

// ErrorKind is the coarse failure taxonomy shared by executor and dispatcher.
type ErrorKind string

const (
	ErrorKindNone     ErrorKind = ""
	ErrorKindSpawn    ErrorKind = "spawn"
	ErrorKindTimeout  ErrorKind = "timeout"
	ErrorKindCanceled ErrorKind = "canceled"
	ErrorKindProvider ErrorKind = "provider"
	ErrorKindDispatch ErrorKind = "dispatch"
)

// ProviderResult is the outcome of one provider invocation. It is built once
// and never mutated afterwards.
type ProviderResult struct {
	TaskID    string          `json:"task_id"`
	Provider  string          `json:"provider"`
	Command   string          `json:"command"`
	Output    string          `json:"output"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	ErrorKind ErrorKind       `json:"error_kind,omitempty"`
	Reason    provider.Reason `json:"reason,omitempty"`
	ResetAt   string          `json:"reset_at,omitempty"`
	ExitCode  int             `json:"exit_code"`
	Duration  time.Duration   `json:"duration"`
}

// Failed builds a failure result that never reached a process. The dispatcher
// uses it for panics and resolution errors.
func Failed(taskID, providerName string, kind ErrorKind, msg string) ProviderResult {
	return ProviderResult{
		TaskID:    taskID,
		Provider:  providerName,
		Success:   false,
		Error:     msg,
		ErrorKind: kind,
		ExitCode:  -1,
	}
}
