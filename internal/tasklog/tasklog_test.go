package tasklog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestManagerOpenWritesHeaderAndLines(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	mgr, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	f, err := mgr.Open("task-1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	f.WriteHeader(Header{TaskID: "task-1", Provider: "claude", Command: "claude --print", WorkDir: "/tmp", Started: time.Now()})
	f.Line(LevelInfo, "process started")
	f.Chunk("stdout", []byte("line one\nline two\n"))
	f.Chunk("stderr", nil)
	if err := f.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// Writes after close are dropped silently.
	f.Line(LevelError, "late")

	got, err := mgr.Read("task-1")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	for _, want := range []string{
		"=== task task-1 ===",
		"provider: claude",
		"command:  claude --print",
		"workdir:  /tmp",
		"INFO: process started",
		"STDOUT: line one",
		"STDOUT: line two",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("log missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "late") {
		t.Errorf("write after Close should be discarded:\n%s", got)
	}
	if strings.Contains(got, "STDERR") {
		t.Errorf("empty chunk should not produce a line:\n%s", got)
	}
}

func TestManagerAppendsAcrossOpens(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	for _, msg := range []string{"first", "second"} {
		f, err := mgr.Open("t")
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		f.Line(LevelWarn, msg)
		_ = f.Close()
	}

	got, _ := mgr.Read("t")
	if strings.Index(got, "first") > strings.Index(got, "second") || !strings.Contains(got, "WARN: second") {
		t.Fatalf("lines not appended in order:\n%s", got)
	}
}

func TestNilFileIsNoop(t *testing.T) {
	var f *File
	f.WriteHeader(Header{TaskID: "x"})
	f.Line(LevelInfo, "x")
	f.Chunk("stdout", []byte("x"))
	if f.Path() != "" {
		t.Fatalf("nil file path should be empty")
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close() on nil file error = %v", err)
	}
}

func TestManagerRejectsUnsafeTaskIDs(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	for _, id := range []string{"", " ", ".", "..", "a/b", `a\b`, " padded"} {
		if _, err := mgr.Open(id); err == nil {
			t.Errorf("Open(%q) expected error", id)
		}
	}
	if _, err := NewManager("  "); err == nil {
		t.Fatal("NewManager(blank) expected error")
	}
}

func TestManagerPurge(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	for _, id := range []string{"old", "new"} {
		f, err := mgr.Open(id)
		if err != nil {
			t.Fatalf("Open(%s) error = %v", id, err)
		}
		f.Line(LevelInfo, id)
		_ = f.Close()
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}

	oldTime := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(filepath.Join(dir, "old.log"), oldTime, oldTime); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}
	if err := os.Chtimes(filepath.Join(dir, "notes.txt"), oldTime, oldTime); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}

	report, err := mgr.Purge(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if report.Deleted != 1 {
		t.Fatalf("Purge() deleted = %d, want 1", report.Deleted)
	}
	if _, err := os.Stat(filepath.Join(dir, "old.log")); !os.IsNotExist(err) {
		t.Fatalf("old.log should be removed, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "new.log")); err != nil {
		t.Fatalf("new.log should remain: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Fatalf("non-log files are left alone: %v", err)
	}

	if _, err := mgr.Purge(context.Background(), 0); err == nil {
		t.Fatal("Purge(0) expected error")
	}
}

func TestPurgeMissingDirectory(t *testing.T) {
	mgr, err := NewManager(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	report, err := mgr.Purge(context.Background(), time.Hour)
	if err != nil || report.Deleted != 0 {
		t.Fatalf("Purge() on missing dir = %+v, %v", report, err)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("warning") != LevelWarn || ParseLevel("error") != LevelError || ParseLevel("?") != LevelInfo {
		t.Fatal("ParseLevel mapping mismatch")
	}
}
