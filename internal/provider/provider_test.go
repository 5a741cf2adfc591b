package provider

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestBuildArgsOrdering(t *testing.T) {
	gemini := Builtins()["gemini"]

	args := gemini.BuildArgs(KindExecute, []string{"--sandbox"}, "gemini-2.5-pro", "fix the bug")
	assert.Equal(t, []string{"--sandbox", "--yolo", "--prompt", "--model=gemini-2.5-pro", "fix the bug"}, args)

	claude := Builtins()["claude"]
	args = claude.BuildArgs(KindQuery, nil, "", "explain this")
	assert.Equal(t, []string{"--print"}, args, "stdin providers never get the instruction in argv")
}

func TestDefaultTimeouts(t *testing.T) {
	b := Builtins()
	assert.Equal(t, 10*time.Minute, b["claude"].DefaultTimeout(KindQuery))
	assert.Equal(t, 20*time.Minute, b["claude"].DefaultTimeout(KindExecute))
	assert.Equal(t, 15*time.Minute, b["copilot"].DefaultTimeout(KindExecute))

	custom := &Provider{Name: "x", Binary: "x"}
	assert.Equal(t, 10*time.Minute, custom.DefaultTimeout(KindQuery))
	assert.Equal(t, 20*time.Minute, custom.DefaultTimeout(KindExecute))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindQuery, k)

	k, err = ParseKind("EXEC")
	require.NoError(t, err)
	assert.Equal(t, KindExecute, k)

	_, err = ParseKind("deploy")
	assert.Error(t, err)
}

func TestNotInstalledMessage(t *testing.T) {
	msg := Builtins()["claude"].NotInstalledMessage()
	assert.Contains(t, msg, "not installed")
	assert.Contains(t, msg, "npm install -g @anthropic-ai/claude-code")
}

func TestClassify(t *testing.T) {
	claude := Builtins()["claude"]
	gemini := Builtins()["gemini"]

	tests := []struct {
		name     string
		p        *Provider
		stdout   string
		stderr   string
		exit     int
		failed   bool
		reason   Reason
		contains string
	}{
		{name: "clean success", p: claude, stdout: "hello", failed: false},
		{name: "debug chatter with stdout is success", p: gemini, stdout: "answer", stderr: "Loaded cached credentials.\n[DEBUG] flushing", failed: false},
		{name: "stderr without stdout fails", p: gemini, stderr: "something broke", failed: true, reason: ReasonStderr, contains: "something broke"},
		{name: "non-zero exit", p: claude, stdout: "", stderr: "boom", exit: 2, failed: true, reason: ReasonExitCode, contains: "code 2"},
		{name: "session limit with zero exit", p: claude, stdout: "5-hour limit reached ∙ resets 3pm", failed: true, reason: ReasonSessionLimit, contains: "resets 3pm"},
		{name: "claude epoch banner", p: claude, stdout: "Claude AI usage limit reached|1760000000", failed: true, reason: ReasonSessionLimit, contains: "2025-10-09"},
		{name: "auth on stderr despite stdout", p: claude, stdout: "partial", stderr: "Error: authentication required", failed: true, reason: ReasonAuth, contains: "/login"},
		{name: "gemini auth method", p: gemini, stderr: "Please set an Auth method in your settings", failed: true, reason: ReasonAuth, contains: "GEMINI_API_KEY"},
		{name: "quota", p: gemini, stderr: "RESOURCE_EXHAUSTED: quota", failed: true, reason: ReasonQuota, contains: "fallback"},
		{name: "rate limit", p: claude, stderr: "429 Too Many Requests", stdout: "x", failed: true, reason: ReasonRateLimit},
		{name: "network", p: claude, stderr: "connect ECONNREFUSED 127.0.0.1:443", failed: true, reason: ReasonNetwork, contains: "ECONNREFUSED"},
		{name: "long stdout mentioning rate limits is an answer", p: claude, stdout: strings.Repeat("word ", 600) + "rate limit handling", failed: false},
		{name: "answer about a rate limiter", p: claude, stdout: "Wrap the handler in a token-bucket rate limiter and return 429 Too Many Requests when it is empty.", failed: false},
		{name: "answer about 401 responses", p: claude, stdout: "The endpoint returns 401 Unauthorized when the bearer token is missing.", failed: false},
		{name: "answer about refused connections", p: gemini, stdout: "If you see ECONNREFUSED, check that the database is listening.", failed: false},
		{name: "answer quoting a banner mid-line", p: claude, stdout: "Handle it when the CLI prints authentication required.", failed: false},
		{name: "rate limit banner on stdout", p: claude, stdout: "Error: rate limit exceeded", failed: true, reason: ReasonRateLimit, contains: "rate limited"},
		{name: "auth banner on stdout", p: gemini, stdout: "some preamble\nError: authentication required", failed: true, reason: ReasonAuth},
		{name: "network banner on stdout", p: claude, stdout: "network error: socket hang up", failed: true, reason: ReasonNetwork, contains: "socket hang up"},
		{name: "unauthorized on stderr", p: claude, stderr: "401 Unauthorized", failed: true, reason: ReasonAuth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.p.Classify(tt.stdout, tt.stderr, tt.exit)
			assert.Equal(t, tt.failed, c.Failed)
			if tt.failed {
				assert.Equal(t, tt.reason, c.Reason)
			}
			if tt.contains != "" {
				assert.Contains(t, c.Message, tt.contains)
			}
		})
	}
}

func TestSelectionYAML(t *testing.T) {
	var doc struct {
		A Selection `yaml:"a"`
		B Selection `yaml:"b"`
		C Selection `yaml:"c"`
	}
	err := yaml.Unmarshal([]byte("a: claude\nb: [gemini, copilot]\nc: []\n"), &doc)
	require.NoError(t, err)

	assert.False(t, doc.A.IsFallback())
	assert.Equal(t, "claude", doc.A.First())

	assert.True(t, doc.B.IsFallback())
	assert.Equal(t, []string{"gemini", "copilot"}, doc.B.Names())

	assert.True(t, doc.C.IsFallback())
	assert.Equal(t, DefaultOrder, doc.C.Names())

	var bad struct {
		A Selection `yaml:"a"`
	}
	assert.Error(t, yaml.Unmarshal([]byte("a: {x: 1}\n"), &bad))
}

func TestSelectionJSON(t *testing.T) {
	var s Selection
	require.NoError(t, json.Unmarshal([]byte(`["a","b"]`), &s))
	assert.Equal(t, "[a,b]", s.String())

	out, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, string(out))

	require.NoError(t, json.Unmarshal([]byte(`"claude"`), &s))
	assert.Equal(t, "claude", s.String())
	assert.False(t, s.IsZero())

	require.NoError(t, json.Unmarshal([]byte(`null`), &s))
	assert.True(t, s.IsZero())
}

func TestCatalogAvailabilityCaching(t *testing.T) {
	calls := 0
	now := time.Unix(1000, 0)
	c := NewCatalog(WithLookPath(func(file string) (string, error) {
		calls++
		if file == "gemini" {
			return "/usr/bin/gemini", nil
		}
		return "", errors.New("not found")
	}))
	c.now = func() time.Time { return now }

	assert.True(t, c.Available("gemini"))
	assert.True(t, c.Available("gemini"))
	assert.Equal(t, 1, calls, "second lookup should hit the cache")

	assert.False(t, c.Available("claude"))
	assert.False(t, c.Available("nope"))
	assert.Equal(t, 2, calls, "unknown providers never look up a binary")

	now = now.Add(time.Minute)
	assert.True(t, c.Available("gemini"))
	assert.Equal(t, 3, calls, "expired entry is looked up again")
}

func TestCatalogPut(t *testing.T) {
	c := NewCatalog(WithAvailabilityTTL(0))
	assert.Error(t, c.Put(&Provider{Name: "x"}))
	assert.Error(t, c.Put(&Provider{Name: "x", Binary: "x", Input: "pipe"}))

	require.NoError(t, c.Put(&Provider{Name: "local", Binary: "local-llm"}))
	p, ok := c.Get("local")
	require.True(t, ok)
	assert.Equal(t, InputStdin, p.Input)
	assert.Contains(t, c.Names(), "local")
}
