package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/agentrelay/internal/provider"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal config gets defaults",
			yaml: `
agents:
  reviewer:
    provider: claude
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Dispatch.MaxConcurrency != 5 || cfg.Dispatch.Timeout != 300*time.Second {
					t.Errorf("dispatch defaults not applied: %+v", cfg.Dispatch)
				}
				if cfg.Dispatch.FailFast {
					t.Error("fail_fast should default to false")
				}
				if cfg.Archive.Driver != ArchiveNone {
					t.Errorf("archive.driver = %q, want none", cfg.Archive.Driver)
				}
				if !filepath.IsAbs(cfg.State.LogDir) {
					t.Errorf("state.log_dir should resolve against the config dir, got %q", cfg.State.LogDir)
				}
				if !cfg.Compression.Important() || cfg.Compression.PreserveRecent != 5 {
					t.Errorf("compression defaults not applied: %+v", cfg.Compression)
				}
				a, err := cfg.Agent("reviewer")
				if err != nil {
					t.Fatalf("Agent() error = %v", err)
				}
				if a.Provider.IsFallback() || a.Provider.First() != "claude" {
					t.Errorf("provider = %v, want fixed claude", a.Provider)
				}
			},
		},
		{
			name: "fallback list and durations",
			yaml: `
dispatch:
  max_concurrency: 2
  timeout: 90s
  fail_fast: true
agents:
  coder:
    provider: [gemini, claude]
    kind: execute
    timeout: 15m
    model: gemini-2.5-pro
    workdir: /srv/repo
    args: ["--sandbox"]
compression:
  preserve_important: false
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Dispatch.MaxConcurrency != 2 || cfg.Dispatch.Timeout != 90*time.Second || !cfg.Dispatch.FailFast {
					t.Errorf("dispatch not parsed: %+v", cfg.Dispatch)
				}
				a := cfg.Agents["coder"]
				if !a.Provider.IsFallback() || strings.Join(a.Provider.Names(), ",") != "gemini,claude" {
					t.Errorf("provider = %v", a.Provider)
				}
				if a.Timeout != 15*time.Minute || a.WorkDir != "/srv/repo" || a.Args[0] != "--sandbox" {
					t.Errorf("agent not parsed: %+v", a)
				}
				if cfg.Compression.Important() {
					t.Error("preserve_important false not honoured")
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
archive:
  driver: postgres
  dsn: ${ARCHIVE_DSN}
agents:
  a:
    provider: claude
    env:
      TOKEN: ${AGENT_TOKEN}
`,
			env: map[string]string{"ARCHIVE_DSN": "postgres://u@h/db", "AGENT_TOKEN": "s3cret"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Archive.DSN != "postgres://u@h/db" {
					t.Errorf("dsn not interpolated: %q", cfg.Archive.DSN)
				}
				env := cfg.Agents["a"].EnvList()
				if len(env) != 1 || env[0] != "TOKEN=s3cret" {
					t.Errorf("EnvList() = %v", env)
				}
			},
		},
		{
			name: "missing env var fails validation",
			yaml: `
agents:
  a:
    provider: claude
    env:
      TOKEN: ${AGENTRELAY_TEST_UNSET_VAR}
`,
			wantErr: "AGENTRELAY_TEST_UNSET_VAR",
		},
		{
			name:    "invalid log level",
			yaml:    "service:\n  log_level: loud\n",
			wantErr: "log_level",
		},
		{
			name:    "unknown provider on agent",
			yaml:    "agents:\n  a:\n    provider: [claude, hal9000]\n",
			wantErr: `unknown provider "hal9000"`,
		},
		{
			name:    "bad kind",
			yaml:    "agents:\n  a:\n    provider: claude\n    kind: deploy\n",
			wantErr: "unknown task kind",
		},
		{
			name:    "custom provider needs binary",
			yaml:    "providers:\n  local:\n    input: argument\n",
			wantErr: "binary is required",
		},
		{
			name:    "bad failure pattern reason",
			yaml:    "providers:\n  claude:\n    failure_patterns:\n      - reason: sadness\n        match: boo\n",
			wantErr: "reason",
		},
		{
			name:    "sqlite archive is fine with default path",
			yaml:    "archive:\n  driver: sqlite\n",
			checkFn: func(t *testing.T, cfg *Config) {
				if !strings.HasSuffix(cfg.Archive.Path, filepath.Join("data", "archive.db")) {
					t.Errorf("archive.path = %q", cfg.Archive.Path)
				}
			},
		},
		{
			name:    "redis archive requires address",
			yaml:    "archive:\n  driver: redis\n",
			wantErr: "redis_addr",
		},
		{
			name:    "api tokens need scopes",
			yaml:    "api:\n  enabled: true\n  auth:\n    tokens:\n      - token: abc\n",
			wantErr: "scopes",
		},
		{
			name: "api request caps default and override",
			yaml: "api:\n  enabled: true\n  max_request_timeout: 10m\n  auth:\n    api_key: k\n",
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.API.MaxRequestConcurrency != 16 {
					t.Errorf("api.max_request_concurrency = %d, want 16", cfg.API.MaxRequestConcurrency)
				}
				if cfg.API.MaxRequestTimeout != 10*time.Minute {
					t.Errorf("api.max_request_timeout = %v, want 10m", cfg.API.MaxRequestTimeout)
				}
			},
		},
		{
			name:    "api request concurrency cap must be positive",
			yaml:    "api:\n  enabled: true\n  max_request_concurrency: -1\n  auth:\n    api_key: k\n",
			wantErr: "max_request_concurrency",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := filepath.Join(t.TempDir(), "config.yaml")
			writeFile(t, path, tt.yaml)

			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDirectoryWithIncludesAndAgentFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"), `
include:
  - providers.yaml
service:
  log_format: text
agents:
  inline:
    provider: claude
`)
	writeFile(t, filepath.Join(dir, "providers.yaml"), `
providers:
  local:
    binary: local-llm
    input: argument
    query_args: ["run"]
`)
	writeFile(t, filepath.Join(dir, "agents", "researcher.yaml"), `
provider: [local, gemini]
description: digs through docs
`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.LogFormat != "text" {
		t.Errorf("log_format = %q", cfg.Service.LogFormat)
	}
	if got := cfg.AgentIDs(); strings.Join(got, ",") != "inline,researcher" {
		t.Errorf("AgentIDs() = %v", got)
	}
	if len(cfg.Files) != 3 {
		t.Errorf("Files = %v, want 3 entries", cfg.Files)
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		t.Fatalf("Catalog() error = %v", err)
	}
	local, ok := catalog.Get("local")
	if !ok {
		t.Fatal("local provider missing from catalog")
	}
	if local.Input != provider.InputArgument || local.QueryArgs[0] != "run" {
		t.Errorf("local provider = %+v", local)
	}
	if _, ok := catalog.Get("claude"); !ok {
		t.Error("built-ins should remain in the catalog")
	}

	files, err := ConfigFiles(dir)
	if err != nil {
		t.Fatalf("ConfigFiles() error = %v", err)
	}
	if len(files) != 3 {
		t.Errorf("ConfigFiles() = %v", files)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"), "include: [a.yaml]\n")
	writeFile(t, filepath.Join(dir, "a.yaml"), "include: [config.yaml]\n")

	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "circular") {
		t.Fatalf("Load() error = %v, want circular dependency", err)
	}
}

func TestLoadDuplicateAgentFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"), "agents:\n  twin:\n    provider: claude\n")
	writeFile(t, filepath.Join(dir, "agents", "twin.yaml"), "provider: gemini\n")

	if _, err := Load(dir); err == nil {
		t.Fatal("expected duplicate agent error")
	}
}

func TestAgentNotFound(t *testing.T) {
	cfg := Defaults()
	_, err := cfg.Agent("ghost")
	if !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("Agent() error = %v, want ErrAgentNotFound", err)
	}
}

func TestProviderOverrideKeepsBuiltinPatterns(t *testing.T) {
	cfg := Defaults()
	cfg.Providers["claude"] = ProviderConf{
		Binary:         "/opt/claude/bin/claude",
		ExecuteTimeout: 30 * time.Minute,
		FailurePatterns: []PatternConf{
			{Reason: "quota", Match: `(?i)monthly spend cap`, Message: "spend cap hit"},
		},
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		t.Fatalf("Catalog() error = %v", err)
	}
	p, _ := catalog.Get("claude")
	if p.Binary != "/opt/claude/bin/claude" || p.ExecuteTimeout != 30*time.Minute {
		t.Errorf("override not applied: %+v", p)
	}
	if len(p.QueryArgs) == 0 || p.QueryArgs[0] != "--print" {
		t.Errorf("unset fields should keep built-in values: %v", p.QueryArgs)
	}

	c := p.Classify("", "Monthly spend cap reached", 1)
	if c.Reason != provider.ReasonQuota || c.Message != "spend cap hit" {
		t.Errorf("custom pattern not applied: %+v", c)
	}

	builtin := provider.Builtins()["claude"]
	if builtin.Binary != "claude" {
		t.Error("overriding must not mutate the built-in table")
	}
}
