package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "debug", "json")

	WithComponent("dispatch").Debug("hello", "n", 3)

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("decode JSON: %v (raw=%q)", err, buf.String())
	}
	if out["component"] != "dispatch" {
		t.Errorf("component = %v, want dispatch", out["component"])
	}
	if out["msg"] != "hello" {
		t.Errorf("msg = %v, want hello", out["msg"])
	}
}

func TestSetupWriterText(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "info", "text")

	WithTask("t-1").Info("started")
	WithProvider("claude").Debug("suppressed")

	got := buf.String()
	if !strings.Contains(got, "task_id=t-1") {
		t.Errorf("text output missing task_id: %q", got)
	}
	if strings.Contains(got, "suppressed") {
		t.Errorf("debug line should be filtered at info level: %q", got)
	}
}

func TestWithProvider(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "info", "json")

	WithProvider("gemini").Warn("slow")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if out["provider"] != "gemini" {
		t.Errorf("provider = %v, want gemini", out["provider"])
	}
	if out["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", out["level"])
	}
}
