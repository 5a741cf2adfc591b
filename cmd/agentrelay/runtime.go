package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/agentrelay/internal/api"
	"github.com/mattjoyce/agentrelay/internal/archive"
	"github.com/mattjoyce/agentrelay/internal/auth"
	"github.com/mattjoyce/agentrelay/internal/compress"
	"github.com/mattjoyce/agentrelay/internal/config"
	"github.com/mattjoyce/agentrelay/internal/dispatch"
	"github.com/mattjoyce/agentrelay/internal/events"
	"github.com/mattjoyce/agentrelay/internal/executor"
	"github.com/mattjoyce/agentrelay/internal/lock"
	"github.com/mattjoyce/agentrelay/internal/log"
	"github.com/mattjoyce/agentrelay/internal/provider"
	"github.com/mattjoyce/agentrelay/internal/registry"
	"github.com/mattjoyce/agentrelay/internal/tasklog"
	"github.com/mattjoyce/agentrelay/internal/tui/watch"
)

const (
	hubCapacity   = 256
	purgeInterval = 24 * time.Hour
)

// relay is the wired set of components shared by start, dispatch run and
// task run.
type relay struct {
	cfg        *config.Config
	catalog    *provider.Catalog
	logs       *tasklog.Manager
	hub        *events.Hub
	archive    archive.Archive
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
}

func newRelay(ctx context.Context, cfg *config.Config) (*relay, error) {
	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, fmt.Errorf("build provider catalog: %w", err)
	}
	logs, err := tasklog.NewManager(cfg.State.LogDir)
	if err != nil {
		return nil, fmt.Errorf("task log directory: %w", err)
	}
	arch, err := archive.Open(ctx, cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("open %s archive: %w", cfg.Archive.Driver, err)
	}

	hub := events.NewHub(hubCapacity)
	regOpts := []registry.Option{registry.WithHub(hub), registry.WithRetention(cfg.Dispatch.Retention)}
	if arch != nil {
		regOpts = append(regOpts, registry.WithSinks(arch))
	}
	reg := registry.New(regOpts...)

	exec := executor.New(catalog,
		executor.WithTaskLogs(logs),
		executor.WithRecorder(reg),
		executor.WithGracePeriod(cfg.Dispatch.GracePeriod),
	)
	disp := dispatch.New(exec, catalog, cfg, dispatch.WithTracker(reg), dispatch.WithHub(hub))

	return &relay{
		cfg:        cfg,
		catalog:    catalog,
		logs:       logs,
		hub:        hub,
		archive:    arch,
		registry:   reg,
		dispatcher: disp,
	}, nil
}

// Close flushes pending archive writes and closes the archive.
func (r *relay) Close() error {
	return r.registry.Close()
}

func compressOptions(c config.CompressionConfig) compress.Options {
	return compress.Options{
		MaxTokens:           c.MaxTokens,
		MaxMessages:         c.MaxMessages,
		PreserveRecentCount: c.PreserveRecent,
		PreserveImportant:   c.Important(),
	}
}

func apiConfig(cfg *config.Config) api.Config {
	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return api.Config{
		Listen:            cfg.API.Listen,
		APIKey:            cfg.API.Auth.APIKey,
		Tokens:            tokens,
		MaxConcurrentSync: cfg.API.MaxConcurrentSync,
		MaxConcurrency:    cfg.API.MaxRequestConcurrency,
		MaxTimeout:        cfg.API.MaxRequestTimeout,
		Dispatch:          dispatch.FromConfig(cfg.Dispatch),
		Compression:       compressOptions(cfg.Compression),
	}
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if !cfg.API.Enabled {
		fmt.Fprintln(os.Stderr, "api.enabled is false; nothing to serve. Use 'dispatch run' or 'task run' for one-shot work.")
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("agentrelay starting", "version", version, "config", cfg.Dir)

	pidLock, err := lock.AcquirePIDLock(cfg.State.LockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.State.LockPath, "error", err)
		return 1
	}
	defer func() { _ = pidLock.Release() }()
	logger.Info("acquired PID lock", "path", cfg.State.LockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rl, err := newRelay(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialise relay", "error", err)
		return 1
	}
	defer func() {
		if err := rl.Close(); err != nil {
			logger.Warn("archive flush failed", "error", err)
		}
		if n := rl.registry.Dropped(); n > 0 {
			logger.Warn("archive updates dropped", "count", n)
		}
	}()
	logger.Info("relay ready",
		"agents", len(cfg.Agents),
		"archive", cfg.Archive.Driver,
		"log_dir", rl.logs.Dir(),
	)

	var opts []api.Option
	if rl.archive != nil {
		opts = append(opts, api.WithArchive(rl.archive))
	}
	server := api.New(apiConfig(cfg), rl.dispatcher, rl.registry, rl.hub, log.WithComponent("api"), opts...)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()
	go purgeLogs(ctx, rl.logs, cfg.Service.LogRetention, log.WithComponent("tasklog"))

	logger.Info("agentrelay running (press Ctrl+C to stop)", "listen", cfg.API.Listen)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("agentrelay stopped")
	return 0
}

// purgeLogs removes expired task logs now and then once a day until ctx ends.
func purgeLogs(ctx context.Context, logs *tasklog.Manager, retention time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}
	purge := func() {
		report, err := logs.Purge(ctx, retention)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("task log purge failed", "error", err)
			return
		}
		if report.Deleted > 0 {
			logger.Info("purged task logs", "deleted", report.Deleted, "older_than", retention)
		}
	}

	purge()
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purge()
		}
	}
}

type statusCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

type statusReport struct {
	Healthy bool          `json:"healthy"`
	Running bool          `json:"running"`
	PID     int           `json:"pid,omitempty"`
	Checks  []statusCheck `json:"checks"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	report := collectStatus(context.Background(), *configPath)
	if *jsonOut {
		if code := printJSON(report); code != 0 {
			return code
		}
	} else {
		for _, c := range report.Checks {
			mark := okMark
			if !c.OK {
				mark = failMark
			}
			fmt.Printf("%s %-8s %s\n", mark(), c.Name, c.Detail)
		}
	}
	if !report.Healthy {
		return 1
	}
	return 0
}

func collectStatus(ctx context.Context, configPath string) statusReport {
	report := statusReport{Healthy: true}
	add := func(name string, ok bool, detail string) {
		report.Checks = append(report.Checks, statusCheck{Name: name, OK: ok, Detail: detail})
		if !ok {
			report.Healthy = false
		}
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		add("config", false, err.Error())
		return report
	}
	add("config", true, fmt.Sprintf("%s (%d agents)", cfg.Dir, len(cfg.Agents)))

	// A lock we can take means no service holds it.
	l, err := lock.AcquirePIDLock(cfg.State.LockPath)
	switch {
	case errors.Is(err, lock.ErrLocked):
		pid, _ := lock.Holder(cfg.State.LockPath)
		report.Running, report.PID = true, pid
		add("service", true, fmt.Sprintf("running (pid %d)", pid))
	case err != nil:
		add("service", false, err.Error())
	default:
		_ = l.Release()
		add("service", true, "not running")
	}

	arch, err := archive.Open(ctx, cfg.Archive)
	switch {
	case err != nil:
		add("archive", false, err.Error())
	case arch == nil:
		add("archive", true, "disabled")
	default:
		_, probeErr := arch.Recent(ctx, 1)
		_ = arch.Close()
		if probeErr != nil {
			add("archive", false, probeErr.Error())
		} else {
			add("archive", true, cfg.Archive.Driver+" ready")
		}
	}
	return report
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://localhost:8080", "API URL")
	apiKey := fs.String("api-key", os.Getenv("AGENTRELAY_API_KEY"), "API Bearer Token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or AGENTRELAY_API_KEY env var.")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := tea.NewProgram(watch.New(ctx, *apiURL, *apiKey), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}
