package api

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/agentrelay/internal/compress"
	"github.com/mattjoyce/agentrelay/internal/dispatch"
	"github.com/mattjoyce/agentrelay/internal/registry"
)

// DispatchRequest is the JSON body for POST /dispatch. Zero-valued settings
// fall back to the server defaults.
type DispatchRequest struct {
	Requests       []dispatch.Request `json:"requests"`
	MaxConcurrency int                `json:"max_concurrency,omitempty"`
	TimeoutSeconds int                `json:"timeout_seconds,omitempty"`
	FailFast       *bool              `json:"fail_fast,omitempty"`
}

// RunRequest is the JSON body for POST /run.
type RunRequest struct {
	dispatch.Request
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// CompressRequest is the JSON body for POST /compress.
type CompressRequest struct {
	Thread  json.RawMessage   `json:"thread"`
	Options *compress.Options `json:"options,omitempty"`
}

// CompressResponse carries the compressed context and what was dropped.
type CompressResponse struct {
	Context string         `json:"context"`
	Stats   compress.Stats `json:"stats"`
}

// TaskListResponse is returned by GET /tasks.
type TaskListResponse struct {
	Source string          `json:"source"`
	Counts registry.Counts `json:"counts"`
	Tasks  []TaskView      `json:"tasks"`
}

// TaskView is the wire form of a task, live or archived.
type TaskView struct {
	ID          string           `json:"id"`
	AgentID     string           `json:"agent_id"`
	Kind        string           `json:"kind"`
	Requested   string           `json:"requested_provider"`
	Provider    string           `json:"provider,omitempty"`
	Instruction string           `json:"instruction"`
	Status      string           `json:"status"`
	Success     bool             `json:"success"`
	Result      string           `json:"result,omitempty"`
	Completions int              `json:"completions"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt time.Time        `json:"completed_at,omitzero"`
	Archived    bool             `json:"archived,omitempty"`
	Logs        []registry.Entry `json:"logs,omitempty"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status         string `json:"status"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	TasksRunning   int    `json:"tasks_running"`
	TasksHeld      int    `json:"tasks_held"`
	EventListeners int    `json:"event_listeners"`
}
