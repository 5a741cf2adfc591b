package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/agentrelay/internal/config"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "dispatch":
		return runDispatchNoun(args)
	case "task":
		return runTaskNoun(args)
	case "provider":
		return runProviderNoun(args)
	case "compress":
		if hasHelpFlag(args) {
			printCompressHelp()
			return 0
		}
		return runCompress(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "watch":
		return runWatch(args)
	case "doctor":
		return runConfigCheck(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: agentrelay version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		return printJSON(info)
	}

	fmt.Printf("agentrelay %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(built); ok {
		info.BuildTime = normalized
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`agentrelay - Dispatch work to AI coding CLIs in parallel

Usage:
  agentrelay <noun> <action> [flags]

Core Resources (Nouns):
  system    Service lifecycle and health
  config    Configuration and integrity
  dispatch  Parallel batches of agent requests
  task      Single invocations and their logs
  provider  Installed provider CLIs

System Commands:
  system start      Start the API service in foreground
  system status     Show config, lock and archive readiness
  system watch      Real-time monitoring TUI

Config Commands:
  config check      Validate syntax, policy, and provider availability
  config lock       Authorize current state (update integrity hashes)
  config show       Print the resolved configuration
  config get        Read one value from the resolved configuration

Dispatch Commands:
  dispatch run      Run a batch file of requests in parallel

Task Commands:
  task run          Run one agent request
  task logs [id]    Show a task log, or recent archived tasks
  task inspect <id> Show an archived task with its log

Provider Commands:
  provider list     Show known providers and whether they are installed

Other:
  compress          Compress a conversation thread into a context block
  --version         Show version information
  version           Show version information
  help              Show this help message

Use 'agentrelay <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printSystemWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "get":
		if hasHelpFlag(actionArgs) {
			printConfigGetHelp()
			return 0
		}
		return runConfigGet(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runDispatchNoun(args []string) int {
	if len(args) < 1 {
		printDispatchNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printDispatchNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "run":
		if hasHelpFlag(actionArgs) {
			printDispatchRunHelp()
			return 0
		}
		return runDispatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown dispatch action: %s\n", action)
		return 1
	}
}

func runTaskNoun(args []string) int {
	if len(args) < 1 {
		printTaskNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printTaskNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "run":
		if hasHelpFlag(actionArgs) {
			printTaskRunHelp()
			return 0
		}
		return runTask(actionArgs)
	case "logs":
		if hasHelpFlag(actionArgs) {
			printTaskLogsHelp()
			return 0
		}
		return runTaskLogs(actionArgs)
	case "inspect":
		if hasHelpFlag(actionArgs) {
			printTaskInspectHelp()
			return 0
		}
		return runTaskInspect(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown task action: %s\n", action)
		return 1
	}
}

func runProviderNoun(args []string) int {
	if len(args) < 1 {
		printProviderNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printProviderNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printProviderListHelp()
			return 0
		}
		return runProviderList(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown provider action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// loadConfig loads configPath, falling back to discovery when it is empty.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

// --- HELP ---

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: agentrelay system <action>")
	fmt.Fprintln(w, "Actions: start, status, watch")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: agentrelay config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock, show, get")
}

func printDispatchNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: agentrelay dispatch <action> [flags]")
	fmt.Fprintln(w, "Actions: run")
}

func printTaskNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: agentrelay task <action> [flags]")
	fmt.Fprintln(w, "Actions: run, logs, inspect")
}

func printProviderNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: agentrelay provider <action>")
	fmt.Fprintln(w, "Actions: list")
}

func printSystemStartHelp() {
	fmt.Println("Usage: agentrelay system start [--config PATH]")
	fmt.Println("Start the API service in the foreground. Requires api.enabled.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: agentrelay system status [--config PATH] [--json]")
	fmt.Println("Show config, archive readiness, and PID lock state.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  All required checks passed")
	fmt.Println("  1  One or more checks failed")
}

func printSystemWatchHelp() {
	fmt.Println("Usage: agentrelay system watch [flags]")
	fmt.Println()
	fmt.Println("Real-time monitoring TUI. Shows service health, tasks, batches and events.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    API URL (default: http://localhost:8080)")
	fmt.Println("  --api-key KEY    API Bearer Token (or AGENTRELAY_API_KEY env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Navigate tasks")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: agentrelay config check [--config PATH] [--format human|json] [--strict] [--json]")
	fmt.Println("Validate configuration syntax, policy, and provider availability.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Valid")
	fmt.Println("  1  Errors found")
	fmt.Println("  2  Warnings found with --strict")
}

func printConfigLockHelp() {
	fmt.Println("Usage: agentrelay config lock [--config PATH] [-v|--verbose] [--dry-run]")
	fmt.Println("Authorize current configuration state by regenerating .checksums.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: agentrelay config show [entity] [--config PATH] [--json]")
	fmt.Println("Show full resolved configuration or a filtered entity (agent:NAME, provider:NAME).")
}

func printConfigGetHelp() {
	fmt.Println("Usage: agentrelay config get <path> [--config PATH] [--json]")
	fmt.Println("Read a single value from the resolved configuration.")
}

func printDispatchRunHelp() {
	fmt.Println("Usage: agentrelay dispatch run --file BATCH.yaml [--config PATH] [--max-concurrency N] [--timeout D] [--fail-fast] [--json]")
	fmt.Println("Run every request in a batch file and print a summary.")
	fmt.Println("")
	fmt.Println("Batch file:")
	fmt.Println("  max_concurrency: 3")
	fmt.Println("  timeout: 5m")
	fmt.Println("  requests:")
	fmt.Println("    - agent: reviewer")
	fmt.Println("      instruction: Review the diff")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Every request succeeded")
	fmt.Println("  1  One or more requests failed")
}

func printTaskRunHelp() {
	fmt.Println("Usage: agentrelay task run --agent NAME [--instruction TEXT | -] [--context TEXT] [--kind query|execute] [--timeout D] [--json]")
	fmt.Println("Run one request. With '-' or no --instruction the instruction is read from stdin.")
}

func printTaskLogsHelp() {
	fmt.Println("Usage: agentrelay task logs [task_id] [--config PATH] [--limit N]")
	fmt.Println("Print a task log file, or list recent archived tasks when no id is given.")
}

func printTaskInspectHelp() {
	fmt.Println("Usage: agentrelay task inspect <task_id> [--config PATH] [--json]")
	fmt.Println("Show an archived task with its log entries.")
}

func printProviderListHelp() {
	fmt.Println("Usage: agentrelay provider list [--config PATH] [--json]")
	fmt.Println("Show every known provider and where its binary was found.")
}

func printCompressHelp() {
	fmt.Println("Usage: agentrelay compress [--file THREAD.json] [--config PATH] [--max-tokens N] [--max-messages N] [--preserve-recent N] [--no-important] [--exclude-last] [--stats]")
	fmt.Println("Compress a conversation thread. Reads stdin when --file is omitted.")
}
