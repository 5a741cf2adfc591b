package doctor

import (
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/agentrelay/internal/config"
	"github.com/mattjoyce/agentrelay/internal/provider"
)

func validConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Agents["reviewer"] = config.AgentConf{Provider: provider.Fixed("claude"), Timeout: time.Minute}
	cfg.Agents["coder"] = config.AgentConf{Provider: provider.Fallback("gemini", "claude"), Kind: "execute"}
	return cfg
}

// catalogWith reports only the named binaries as installed.
func catalogWith(t *testing.T, cfg *config.Config, installed ...string) *provider.Catalog {
	t.Helper()
	ok := make(map[string]bool)
	for _, b := range installed {
		ok[b] = true
	}
	c, err := cfg.Catalog(provider.WithLookPath(func(file string) (string, error) {
		if ok[file] {
			return "/usr/bin/" + file, nil
		}
		return "", exec.ErrNotFound
	}))
	if err != nil {
		t.Fatalf("Catalog() error = %v", err)
	}
	return c
}

func newDoctor(t *testing.T, cfg *config.Config, installed ...string) *Doctor {
	t.Helper()
	d := New(cfg, catalogWith(t, cfg, installed...))
	d.fscheck = func(string) error { return nil }
	return d
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := newDoctor(t, validConfig(), "claude", "gemini").Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
}

func TestValidate_MissingStatePaths(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.State.LogDir = ""
	cfg.State.LockPath = ""
	r := newDoctor(t, cfg, "claude", "gemini").Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "service", "log_dir")
	assertHasError(t, r, "service", "lock_path")
}

func TestValidate_NoAgents(t *testing.T) {
	t.Parallel()
	cfg := config.Defaults()
	r := newDoctor(t, cfg, "claude").Validate()
	assertHasWarning(t, r, "agents", "no agents")
}

func TestValidate_UnknownProvider(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Agents["rogue"] = config.AgentConf{Provider: provider.Fallback("claude", "hal9000")}
	r := newDoctor(t, cfg, "claude", "gemini").Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "agents", `unknown provider "hal9000"`)
}

func TestValidate_AgentWithoutProviderUsesDefaultOrder(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Agents["plain"] = config.AgentConf{}
	r := newDoctor(t, cfg, "claude", "gemini").Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "agents", "default order claude, gemini, copilot")
}

func TestValidate_DuplicateFallbackEntry(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Agents["twice"] = config.AgentConf{Provider: provider.Fallback("claude", "claude")}
	r := newDoctor(t, cfg, "claude", "gemini").Validate()
	assertHasWarning(t, r, "agents", "more than once")
}

func TestValidate_ModelPinsFallbackToFirst(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Agents["pinned"] = config.AgentConf{Provider: provider.Fallback("gemini", "claude"), Model: "gemini-2.5-pro"}
	r := newDoctor(t, cfg, "claude", "gemini").Validate()
	assertHasWarning(t, r, "agents", `only "gemini" is tried`)
}

func TestValidate_BadKind(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Agents["odd"] = config.AgentConf{Provider: provider.Fixed("claude"), Kind: "deploy"}
	r := newDoctor(t, cfg, "claude", "gemini").Validate()
	assertHasError(t, r, "agents", "deploy")
}

func TestValidate_UnavailableProviders(t *testing.T) {
	t.Parallel()

	t.Run("fallback still runnable", func(t *testing.T) {
		r := newDoctor(t, validConfig(), "claude").Validate()
		if !r.Valid {
			t.Fatalf("expected valid, got errors: %v", r.Errors)
		}
		assertHasWarning(t, r, "providers", "Gemini CLI is not installed")
	})

	t.Run("nothing runnable", func(t *testing.T) {
		r := newDoctor(t, validConfig()).Validate()
		if r.Valid {
			t.Fatal("expected invalid")
		}
		assertHasError(t, r, "providers", `agent "reviewer" has no installed provider`)
		assertHasError(t, r, "providers", `agent "coder" has no installed provider among gemini, claude`)
	})
}

func TestValidate_ArchiveFilesystem(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Archive.Driver = config.ArchiveSQLite
	d := New(cfg, catalogWith(t, cfg, "claude", "gemini"))
	var checked string
	d.fscheck = func(path string) error {
		checked = path
		return errors.New(`sqlite database path is on network filesystem "nfs"`)
	}
	r := d.Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "archive", "network filesystem")
	if !strings.HasSuffix(checked, "archive.db") {
		t.Fatalf("checked path = %q", checked)
	}
}

func TestValidate_RedisPrefix(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Archive = config.ArchiveConfig{Driver: config.ArchiveRedis, RedisAddr: "localhost:6379"}
	r := newDoctor(t, cfg, "claude", "gemini").Validate()
	assertHasWarning(t, r, "archive", "key_prefix")
}

func TestValidate_APIWithoutAuth(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.API.Enabled = true
	r := newDoctor(t, cfg, "claude", "gemini").Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "api", "no api_key or tokens")

	cfg.API.Listen = ""
	r = newDoctor(t, cfg, "claude", "gemini").Validate()
	assertHasError(t, r, "api", "api.listen is required")
}

func TestValidate_TokenScopes(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.API.Enabled = true
	cfg.API.Auth.Tokens = []config.APIToken{
		{Token: "a", Scopes: []string{"dispatch:rw", "tasks:ro", "events:ro", "*"}},
		{Token: "b", Scopes: []string{"plugin:rw"}},
		{Token: "c", Scopes: []string{"admin"}},
		{Token: "d", Scopes: []string{"dispatch:ro"}},
		{Token: "", Scopes: []string{"tasks:ro"}},
	}
	r := newDoctor(t, cfg, "claude", "gemini").Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "token_scopes", `unknown resource "plugin"`)
	assertHasError(t, r, "token_scopes", `invalid scope "admin"`)
	assertHasWarning(t, r, "token_scopes", "dispatch:ro grants nothing")
	assertHasWarning(t, r, "env_vars", "token value is empty")
	for _, e := range r.Errors {
		if strings.HasPrefix(e.Field, "api.auth.tokens[0]") {
			t.Fatalf("valid scopes flagged: %v", e)
		}
	}
}

func TestValidate_LegacyAPIKey(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.API.Enabled = true
	cfg.API.Auth.APIKey = "secret"
	r := newDoctor(t, cfg, "claude", "gemini").Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "deprecated", "legacy api_key")

	cfg.API.Auth.Tokens = []config.APIToken{{Token: "t", Scopes: []string{"tasks:ro"}}}
	r = newDoctor(t, cfg, "claude", "gemini").Validate()
	assertHasWarning(t, r, "deprecated", "both api_key and tokens")
}

func TestValidate_UnusedCustomProvider(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Providers["local"] = config.ProviderConf{Binary: "local-llm"}
	r := newDoctor(t, cfg, "claude", "gemini").Validate()
	assertHasWarning(t, r, "unused", `provider "local"`)
}

func TestValidate_Timeouts(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Dispatch.Timeout = 5 * time.Second
	r := newDoctor(t, cfg, "claude", "gemini").Validate()
	assertHasWarning(t, r, "timeouts", `agent "reviewer" timeout 1m0s exceeds dispatch.timeout 5s`)
	assertHasWarning(t, r, "timeouts", "very short")
}

func TestValidate_Compression(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Compression.PreserveRecent = 30
	r := newDoctor(t, cfg, "claude", "gemini").Validate()
	assertHasWarning(t, r, "compression", "exceeds max_messages")
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	r := &Result{Valid: true}
	out, err := FormatJSON(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"valid": true`) {
		t.Fatalf("unexpected JSON: %s", out)
	}
}

func TestFormatHuman_Valid(t *testing.T) {
	t.Parallel()
	out := FormatHuman(&Result{Valid: true})
	if !strings.Contains(out, "valid") {
		t.Fatalf("expected 'valid' in output, got: %s", out)
	}
}

func TestFormatHuman_Warnings(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:    true,
		Warnings: []Issue{{Category: "providers", Field: "providers.gemini", Message: "not installed"}},
	}
	out := FormatHuman(r)
	if !strings.Contains(out, "1 warning") || !strings.Contains(out, "WARN") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestFormatHuman_Errors(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:  false,
		Errors: []Issue{{Category: "test", Field: "x.y", Message: "broken"}},
	}
	out := FormatHuman(r)
	if !strings.Contains(out, "ERROR") || !strings.Contains(out, "broken") {
		t.Fatalf("expected error in output, got: %s", out)
	}
}

// --- helpers ---

func assertHasError(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && strings.Contains(e.Message, substring) {
			return
		}
	}
	t.Fatalf("expected error with category=%q containing %q, got: %v", category, substring, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && strings.Contains(w.Message, substring) {
			return
		}
	}
	t.Fatalf("expected warning with category=%q containing %q, got: %v", category, substring, r.Warnings)
}
