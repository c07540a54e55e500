package shell

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestExec_MergedOutput(t *testing.T) {
	tool := NewExecTool(Config{Workspace: t.TempDir()})
	got, err := tool.Execute(context.Background(), map[string]any{
		"command": "echo out; echo err 1>&2",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(got, "out") || !strings.Contains(got, "err") {
		t.Errorf("output = %q", got)
	}
}

func TestExec_NonZeroExit(t *testing.T) {
	tool := NewExecTool(Config{Workspace: t.TempDir()})
	got, err := tool.Execute(context.Background(), map[string]any{
		"command": "echo failing; exit 3",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(got, "failing") || !strings.Contains(got, "exit code 3") {
		t.Errorf("output = %q", got)
	}
}

func TestExec_Timeout(t *testing.T) {
	tool := NewExecTool(Config{Workspace: t.TempDir(), Timeout: 50 * time.Millisecond})
	start := time.Now()
	got, err := tool.Execute(context.Background(), map[string]any{
		"command": "sleep 5",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("ran for %v, expected prompt timeout", elapsed)
	}
	if !strings.Contains(got, "timed out") {
		t.Errorf("output = %q", got)
	}
}

func TestExec_WorkingDir(t *testing.T) {
	dir := t.TempDir()
	tool := NewExecTool(Config{Workspace: dir})
	got, err := tool.Execute(context.Background(), map[string]any{"command": "pwd"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(got, dir) {
		t.Errorf("pwd = %q, want under %q", got, dir)
	}
}

func TestExec_MissingCommand(t *testing.T) {
	tool := NewExecTool(Config{})
	if _, err := tool.Execute(context.Background(), map[string]any{}); err == nil {
		t.Fatal("expected error for missing command")
	}
}

func TestExec_TruncatesOutput(t *testing.T) {
	tool := NewExecTool(Config{Workspace: t.TempDir(), MaxOutputBytes: 20})
	got, err := tool.Execute(context.Background(), map[string]any{
		"command": "yes x | head -100",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(got, "[output truncated]") {
		t.Errorf("output = %q", got)
	}
}
