// Package api exposes dispatch, task inspection, compression, metrics and a
// live event stream over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/agentrelay/internal/archive"
	"github.com/mattjoyce/agentrelay/internal/auth"
	"github.com/mattjoyce/agentrelay/internal/compress"
	"github.com/mattjoyce/agentrelay/internal/dispatch"
	"github.com/mattjoyce/agentrelay/internal/events"
	"github.com/mattjoyce/agentrelay/internal/middleware"
	"github.com/mattjoyce/agentrelay/internal/registry"
)

// Dispatcher runs requests. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, reqs []dispatch.Request, cfg dispatch.Config) dispatch.Batch
	RunOne(ctx context.Context, req dispatch.Request, cfg dispatch.Config) dispatch.Outcome
}

// TaskStore reads the in-memory registry. *registry.Registry implements it.
type TaskStore interface {
	Get(taskID string) (registry.Task, error)
	Recent(n int) []registry.Task
	Logs(taskID string) (string, error)
	Counts() registry.Counts
}

// ArchiveReader serves tasks the registry no longer holds.
type ArchiveReader interface {
	Task(ctx context.Context, id string) (archive.Record, error)
	Recent(ctx context.Context, n int) ([]archive.Record, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is the legacy single bearer token (admin/full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens            []auth.TokenConfig
	MaxConcurrentSync int
	// MaxConcurrency and MaxTimeout clamp per-request overrides.
	MaxConcurrency int
	MaxTimeout     time.Duration
	Dispatch       dispatch.Config
	Compression       compress.Options
}

// Server is the HTTP API.
type Server struct {
	config        Config
	dispatcher    Dispatcher
	tasks         TaskStore
	archive       ArchiveReader
	hub           *events.Hub
	logger        *slog.Logger
	server        *http.Server
	startedAt     time.Time
	syncSemaphore chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithArchive lets task lookups fall back to the archive.
func WithArchive(a ArchiveReader) Option {
	return func(s *Server) { s.archive = a }
}

// New creates a new API server instance.
func New(config Config, d Dispatcher, tasks TaskStore, hub *events.Hub, logger *slog.Logger, opts ...Option) *Server {
	if config.MaxConcurrentSync <= 0 {
		config.MaxConcurrentSync = 4
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaultMaxConcurrency
	}
	if config.MaxTimeout <= 0 {
		config.MaxTimeout = defaultMaxTimeout
	}
	if config.Dispatch.MaxConcurrency <= 0 || config.Dispatch.Timeout <= 0 {
		def := dispatch.DefaultConfig()
		def.FailFast = config.Dispatch.FailFast
		config.Dispatch = def
	}
	s := &Server{
		config:        config,
		dispatcher:    d,
		tasks:         tasks,
		hub:           hub,
		logger:        logger,
		startedAt:     time.Now(),
		syncSemaphore: make(chan struct{}, config.MaxConcurrentSync),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.config.Listen,
		Handler: s.Handler(),
		// Dispatch requests hold the connection until every provider finishes.
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler builds the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Metrics)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", s.handleMetrics)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeDispatchRW)).Post("/dispatch", s.handleDispatch)
		r.With(s.requireScopes(auth.ScopeDispatchRW)).Post("/run", s.handleRun)
		r.With(s.requireScopes(auth.ScopeTasksRO)).Get("/tasks", s.handleListTasks)
		r.With(s.requireScopes(auth.ScopeTasksRO)).Get("/tasks/{taskID}", s.handleGetTask)
		r.With(s.requireScopes(auth.ScopeTasksRO)).Get("/tasks/{taskID}/logs", s.handleTaskLogs)
		r.With(s.requireScopes(auth.ScopeTasksRO, auth.ScopeDispatchRW)).Post("/compress", s.handleCompress)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		principal, ok := auth.Authenticate(token, s.config.APIKey, s.config.Tokens)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, _ := auth.PrincipalFromContext(r.Context())
			if !auth.HasAnyScope(principal, scopes...) {
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
