package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/agentrelay/internal/archive"
	"github.com/mattjoyce/agentrelay/internal/compress"
	"github.com/mattjoyce/agentrelay/internal/dispatch"
	"github.com/mattjoyce/agentrelay/internal/metrics"
	"github.com/mattjoyce/agentrelay/internal/registry"
)

const (
	defaultTaskLimit = 20
	maxTaskLimit     = 500
	maxBodyBytes     = 8 << 20

	defaultMaxConcurrency = 16
	defaultMaxTimeout     = time.Hour
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	counts := s.tasks.Counts()
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		TasksRunning:  counts.Running,
		TasksHeld:     counts.Total,
	}
	if s.hub != nil {
		resp.EventListeners = s.hub.Subscribers()
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleMetrics refreshes the registry gauges and serves the Prometheus registry.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	c := s.tasks.Counts()
	metrics.UpdateRegistryGauges(c.Running, c.Succeeded, c.Failed)
	promhttp.Handler().ServeHTTP(w, r)
}

// handleDispatch handles POST /dispatch. The response is held until the whole
// batch finishes.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Requests) == 0 {
		s.writeError(w, http.StatusBadRequest, "requests must not be empty")
		return
	}
	for i, rq := range req.Requests {
		if strings.TrimSpace(rq.AgentID) == "" {
			s.writeError(w, http.StatusBadRequest, "requests["+strconv.Itoa(i)+"]: agent_id is required")
			return
		}
	}

	cfg := s.config.Dispatch
	if req.MaxConcurrency > 0 {
		cfg.MaxConcurrency = min(req.MaxConcurrency, s.config.MaxConcurrency)
	}
	if req.TimeoutSeconds > 0 {
		cfg.Timeout = s.requestTimeout(req.TimeoutSeconds)
	}
	if req.FailFast != nil {
		cfg.FailFast = *req.FailFast
	}

	release, ok := s.acquireSync()
	if !ok {
		s.writeError(w, http.StatusServiceUnavailable, "too many concurrent dispatch requests")
		return
	}
	defer release()

	s.logger.Info("dispatch accepted", "requests", len(req.Requests), "max_concurrency", cfg.MaxConcurrency, "fail_fast", cfg.FailFast)
	batch := s.dispatcher.Dispatch(r.Context(), req.Requests, cfg)
	respondJSON(w, http.StatusOK, batch)
}

// requestTimeout converts a client timeout, capped at the configured maximum
// before multiplying so large values cannot overflow.
func (s *Server) requestTimeout(seconds int) time.Duration {
	if int64(seconds) >= int64(s.config.MaxTimeout/time.Second) {
		return s.config.MaxTimeout
	}
	return time.Duration(seconds) * time.Second
}

// handleRun handles POST /run: one request, same outcome shape as a batch entry.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		s.writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	cfg := s.config.Dispatch
	if req.TimeoutSeconds > 0 {
		cfg.Timeout = s.requestTimeout(req.TimeoutSeconds)
	}

	release, ok := s.acquireSync()
	if !ok {
		s.writeError(w, http.StatusServiceUnavailable, "too many concurrent dispatch requests")
		return
	}
	defer release()

	respondJSON(w, http.StatusOK, s.dispatcher.RunOne(r.Context(), req.Request, cfg))
}

// handleListTasks handles GET /tasks?limit=N&source=archive.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := defaultTaskLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxTaskLimit)
	}

	resp := TaskListResponse{Source: "memory", Counts: s.tasks.Counts()}
	switch r.URL.Query().Get("source") {
	case "", "memory":
		for _, t := range s.tasks.Recent(limit) {
			resp.Tasks = append(resp.Tasks, viewFromTask(t))
		}
	case "archive":
		if s.archive == nil {
			s.writeError(w, http.StatusNotFound, "no archive configured")
			return
		}
		records, err := s.archive.Recent(r.Context(), limit)
		if err != nil {
			s.logger.Error("archive listing failed", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to read archive")
			return
		}
		resp.Source = "archive"
		for _, rec := range records {
			resp.Tasks = append(resp.Tasks, viewFromRecord(rec))
		}
	default:
		s.writeError(w, http.StatusBadRequest, "source must be memory or archive")
		return
	}
	if resp.Tasks == nil {
		resp.Tasks = []TaskView{}
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetTask handles GET /tasks/{taskID}. Tasks retired from memory are
// served from the archive when one is configured.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	t, err := s.tasks.Get(taskID)
	if err == nil {
		respondJSON(w, http.StatusOK, viewFromTask(t))
		return
	}
	if !errors.Is(err, registry.ErrTaskNotFound) {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	rec, err := s.lookupArchive(r, taskID)
	if err != nil {
		s.writeTaskLookupError(w, taskID, err)
		return
	}
	respondJSON(w, http.StatusOK, viewFromRecord(rec))
}

// handleTaskLogs handles GET /tasks/{taskID}/logs as plain text.
func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	text, err := s.tasks.Logs(taskID)
	if errors.Is(err, registry.ErrTaskNotFound) {
		rec, aerr := s.lookupArchive(r, taskID)
		if aerr != nil {
			s.writeTaskLookupError(w, taskID, aerr)
			return
		}
		text = renderRecordLog(rec)
		err = nil
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

// handleCompress handles POST /compress.
func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	var req CompressRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	th, err := compress.ReadThread(bytes.NewReader(req.Thread))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "thread: "+err.Error())
		return
	}

	opts := s.config.Compression
	if opts.MaxTokens == 0 {
		opts = compress.DefaultOptions()
	}
	if req.Options != nil {
		opts = *req.Options
	}

	out, stats := compress.CompressWithStats(th, opts)
	respondJSON(w, http.StatusOK, CompressResponse{Context: out, Stats: stats})
}

func (s *Server) lookupArchive(r *http.Request, taskID string) (archive.Record, error) {
	if s.archive == nil {
		return archive.Record{}, archive.ErrNotFound
	}
	return s.archive.Task(r.Context(), taskID)
}

func (s *Server) writeTaskLookupError(w http.ResponseWriter, taskID string, err error) {
	if errors.Is(err, archive.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found: "+taskID)
		return
	}
	s.logger.Error("archive lookup failed", "task_id", taskID, "error", err)
	s.writeError(w, http.StatusInternalServerError, "failed to read archive")
}

func (s *Server) acquireSync() (func(), bool) {
	select {
	case s.syncSemaphore <- struct{}{}:
		return func() { <-s.syncSemaphore }, true
	default:
		return nil, false
	}
}

func viewFromTask(t registry.Task) TaskView {
	return TaskView{
		ID:          t.ID,
		AgentID:     t.AgentID,
		Kind:        string(t.Kind),
		Requested:   t.Provider.String(),
		Provider:    t.Resolved,
		Instruction: t.Instruction,
		Status:      t.Status(),
		Success:     t.Success,
		Result:      t.Result,
		Completions: t.Completions,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
		Logs:        t.Logs,
	}
}

func viewFromRecord(rec archive.Record) TaskView {
	return TaskView{
		ID:          rec.ID,
		AgentID:     rec.AgentID,
		Kind:        rec.Kind,
		Requested:   rec.Requested,
		Provider:    rec.Provider,
		Instruction: rec.Instruction,
		Status:      rec.Status,
		Success:     rec.Success,
		Result:      rec.Result,
		Completions: rec.Completions,
		CreatedAt:   rec.CreatedAt,
		CompletedAt: rec.CompletedAt,
		Archived:    true,
		Logs:        rec.Logs,
	}
}

func renderRecordLog(rec archive.Record) string {
	var b strings.Builder
	b.WriteString("task " + rec.ID + " (" + rec.Kind + ", " + rec.Status + ", agent " + rec.AgentID + ", archived)\n")
	for _, e := range rec.Logs {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
