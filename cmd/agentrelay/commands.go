package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/agentrelay/internal/archive"
	"github.com/mattjoyce/agentrelay/internal/compress"
	"github.com/mattjoyce/agentrelay/internal/config"
	"github.com/mattjoyce/agentrelay/internal/dispatch"
	"github.com/mattjoyce/agentrelay/internal/log"
	"github.com/mattjoyce/agentrelay/internal/provider"
	"github.com/mattjoyce/agentrelay/internal/tasklog"
)

// batchFile is the YAML accepted by `dispatch run --file`.
type batchFile struct {
	MaxConcurrency int                `yaml:"max_concurrency"`
	Timeout        time.Duration      `yaml:"timeout"`
	FailFast       *bool              `yaml:"fail_fast"`
	Requests       []dispatch.Request `yaml:"requests"`
}

func loadBatchFile(path string) (*batchFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var b batchFile
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(b.Requests) == 0 {
		return nil, fmt.Errorf("%s: requests is empty", path)
	}
	for i, r := range b.Requests {
		if strings.TrimSpace(r.AgentID) == "" {
			return nil, fmt.Errorf("%s: requests[%d]: agent is required", path, i)
		}
	}
	return &b, nil
}

// setupCommandLogging keeps one-shot commands quiet unless asked otherwise.
func setupCommandLogging(cfg *config.Config, verbose bool) {
	level := "warn"
	if verbose {
		level = cfg.Service.LogLevel
	}
	log.Setup(level, "text")
}

// signalContext is cancelled on SIGINT or SIGTERM so running providers are
// stopped rather than orphaned.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runDispatch(args []string) int {
	fs := flag.NewFlagSet("dispatch run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	file := fs.String("file", "", "Batch file (YAML)")
	maxConcurrency := fs.Int("max-concurrency", 0, "Override max_concurrency")
	timeout := fs.Duration("timeout", 0, "Override per-request timeout")
	failFast := fs.Bool("fail-fast", false, "Stop after the first wave with a failure")
	quiet := fs.Bool("quiet", false, "Print only result lines and the summary")
	verbose := fs.Bool("verbose", false, "Log at the configured level")
	jsonOut := fs.Bool("json", false, "Output the batch as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *file == "" {
		fmt.Fprintln(os.Stderr, "Usage: agentrelay dispatch run --file BATCH.yaml")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	batch, err := loadBatchFile(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Batch error: %v\n", err)
		return 1
	}
	setupCommandLogging(cfg, *verbose)

	dcfg := dispatch.FromConfig(cfg.Dispatch)
	if batch.MaxConcurrency > 0 {
		dcfg.MaxConcurrency = batch.MaxConcurrency
	}
	if batch.Timeout > 0 {
		dcfg.Timeout = batch.Timeout
	}
	if batch.FailFast != nil {
		dcfg.FailFast = *batch.FailFast
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "max-concurrency":
			dcfg.MaxConcurrency = *maxConcurrency
		case "timeout":
			dcfg.Timeout = *timeout
		case "fail-fast":
			dcfg.FailFast = *failFast
		}
	})

	ctx, cancel := signalContext()
	defer cancel()

	rl, err := newRelay(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise: %v\n", err)
		return 1
	}
	result := rl.dispatcher.Dispatch(ctx, batch.Requests, dcfg)
	if err := rl.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Archive flush failed: %v\n", err)
	}

	if *jsonOut {
		if code := printJSON(result); code != 0 {
			return code
		}
	} else {
		for _, o := range result.Outcomes {
			printOutcome(o, *quiet)
		}
		printSummary(result)
	}

	if result.Summary.Failed > 0 || result.Truncated {
		return 1
	}
	return 0
}

func runTask(args []string) int {
	fs := flag.NewFlagSet("task run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	agent := fs.String("agent", "", "Agent name")
	instruction := fs.String("instruction", "", "Instruction text, or - for stdin")
	extra := fs.String("context", "", "Context placed before the instruction")
	kind := fs.String("kind", "", "query or execute (default: the agent's kind)")
	timeout := fs.Duration("timeout", 0, "Override the dispatch timeout")
	verbose := fs.Bool("verbose", false, "Log at the configured level")
	jsonOut := fs.Bool("json", false, "Output the outcome as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *agent == "" {
		fmt.Fprintln(os.Stderr, "Usage: agentrelay task run --agent NAME [--instruction TEXT]")
		return 1
	}

	req := dispatch.Request{AgentID: *agent, Instruction: *instruction, Context: *extra}
	if *kind != "" {
		k, err := provider.ParseKind(*kind)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		req.Kind = k
	}
	if req.Instruction == "" || req.Instruction == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read stdin: %v\n", err)
			return 1
		}
		req.Instruction = strings.TrimSpace(string(data))
	}
	if req.Instruction == "" {
		fmt.Fprintln(os.Stderr, "Error: instruction is empty")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	setupCommandLogging(cfg, *verbose)

	dcfg := dispatch.FromConfig(cfg.Dispatch)
	if *timeout > 0 {
		dcfg.Timeout = *timeout
	}

	ctx, cancel := signalContext()
	defer cancel()

	rl, err := newRelay(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise: %v\n", err)
		return 1
	}
	outcome := rl.dispatcher.RunOne(ctx, req, dcfg)
	if err := rl.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Archive flush failed: %v\n", err)
	}

	if *jsonOut {
		if code := printJSON(outcome); code != 0 {
			return code
		}
	} else if outcome.Success {
		fmt.Println(strings.TrimRight(outcome.Output(), "\n"))
	} else {
		fmt.Fprintf(os.Stderr, "%s %s (%s): %s\n", failMark(), outcome.AgentID, outcome.ErrorKind, outcome.Error)
		fmt.Fprintf(os.Stderr, "task: %s\n", outcome.TaskID)
	}

	if !outcome.Success {
		return 1
	}
	return 0
}

func runTaskLogs(args []string) int {
	fs := flag.NewFlagSet("task logs", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Number of archived tasks to list")
	flags, positional := splitFlagsAndPositionals(args, map[string]bool{
		"--config": true, "-config": true, "--limit": true, "-limit": true,
	})
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) > 1 {
		fmt.Fprintln(os.Stderr, "Usage: agentrelay task logs [task_id]")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	ctx := context.Background()

	if len(positional) == 0 {
		arch, err := openArchive(ctx, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		defer func() { _ = arch.Close() }()

		recs, err := arch.Recent(ctx, *limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list archived tasks: %v\n", err)
			return 1
		}
		printRecordList(recs)
		return 0
	}

	taskID := positional[0]
	text, err := readTaskLog(cfg, taskID)
	if err == nil {
		fmt.Print(text)
		return 0
	}

	// The file may have been purged; the archive keeps the milestone lines.
	rec, archErr := archivedTask(ctx, cfg, taskID)
	if archErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("# %s (%s, archived)\n", rec.ID, rec.Status)
	for _, e := range rec.Logs {
		fmt.Println(e.String())
	}
	return 0
}

func readTaskLog(cfg *config.Config, taskID string) (string, error) {
	logs, err := tasklog.NewManager(cfg.State.LogDir)
	if err != nil {
		return "", err
	}
	return logs.Read(taskID)
}

func runTaskInspect(args []string) int {
	fs := flag.NewFlagSet("task inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	flags, positional := splitFlagsAndPositionals(args, map[string]bool{"--config": true, "-config": true})
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: agentrelay task inspect <task_id> [--json]")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	rec, err := archivedTask(context.Background(), cfg, positional[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *jsonOut {
		return printJSON(rec)
	}
	printRecord(rec)
	return 0
}

func openArchive(ctx context.Context, cfg *config.Config) (archive.Archive, error) {
	arch, err := archive.Open(ctx, cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("open %s archive: %w", cfg.Archive.Driver, err)
	}
	if arch == nil {
		return nil, errors.New("archive is disabled (archive.driver: none)")
	}
	return arch, nil
}

func archivedTask(ctx context.Context, cfg *config.Config, taskID string) (archive.Record, error) {
	arch, err := openArchive(ctx, cfg)
	if err != nil {
		return archive.Record{}, err
	}
	defer func() { _ = arch.Close() }()
	return arch.Task(ctx, taskID)
}

type providerRow struct {
	Name      string `json:"name"`
	Display   string `json:"display_name"`
	Binary    string `json:"binary"`
	Input     string `json:"input"`
	Installed bool   `json:"installed"`
	Path      string `json:"path,omitempty"`
	Hint      string `json:"hint,omitempty"`
}

func runProviderList(args []string) int {
	fs := flag.NewFlagSet("provider list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	// Built-ins are listable without any configuration.
	cfg := config.Defaults()
	if *configPath != "" || os.Getenv(config.EnvConfigDir) != "" {
		loaded, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	catalog, err := cfg.Catalog()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	rows := make([]providerRow, 0, len(catalog.Names()))
	for _, name := range catalog.Names() {
		p, _ := catalog.Get(name)
		row := providerRow{Name: name, Display: p.DisplayName, Binary: p.Binary, Input: string(p.Input)}
		row.Path, row.Installed = catalog.Locate(name)
		if !row.Installed {
			row.Hint = p.InstallHint
		}
		rows = append(rows, row)
	}

	if *jsonOut {
		return printJSON(rows)
	}
	for _, r := range rows {
		where := r.Path
		if !r.Installed {
			where = "not installed"
			if r.Hint != "" {
				where += " (" + r.Hint + ")"
			}
		}
		fmt.Printf("%s %-10s %-8s %s\n", outcomeMark(r.Installed), r.Name, r.Input, where)
	}
	return 0
}

func runCompress(args []string) int {
	fs := flag.NewFlagSet("compress", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration (for compression defaults)")
	file := fs.String("file", "", "Thread JSON file (default: stdin)")
	maxTokens := fs.Int("max-tokens", 0, "Token budget")
	maxMessages := fs.Int("max-messages", 0, "Threads at or below this length are kept verbatim")
	preserveRecent := fs.Int("preserve-recent", 0, "Most recent messages always kept")
	noImportant := fs.Bool("no-important", false, "Do not favour code and error messages")
	excludeLast := fs.Bool("exclude-last", false, "Drop the final message")
	stats := fs.Bool("stats", false, "Print what was kept to stderr")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	opts := compress.DefaultOptions()
	if *configPath != "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		opts = compressOptions(cfg.Compression)
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "max-tokens":
			opts.MaxTokens = *maxTokens
		case "max-messages":
			opts.MaxMessages = *maxMessages
		case "preserve-recent":
			opts.PreserveRecentCount = *preserveRecent
		}
	})
	if *noImportant {
		opts.PreserveImportant = false
	}
	opts.ExcludeLast = *excludeLast

	var in io.Reader = os.Stdin
	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		defer func() { _ = f.Close() }()
		in = f
	}
	thread, err := compress.ReadThread(in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	out, st := compress.CompressWithStats(thread, opts)
	fmt.Println(out)
	if *stats {
		fmt.Fprintf(os.Stderr, "input=%d kept=%d omitted=%d important=%d tokens~%d verbatim=%t\n",
			st.Input, st.Kept, st.Omitted, st.Important, st.EstimatedTokens, st.Verbatim)
	}
	return 0
}

// splitFlagsAndPositionals lets positionals appear before flags, which the
// flag package alone does not allow.
func splitFlagsAndPositionals(args []string, takesValue map[string]bool) ([]string, []string) {
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			positional = append(positional, arg)
			continue
		}
		flags = append(flags, arg)
		if takesValue[arg] && !strings.Contains(arg, "=") && i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}
	return flags, positional
}
