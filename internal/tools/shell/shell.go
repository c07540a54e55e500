// Package shell provides the exec tool: one shell command per call,
// merged output, bounded by a timeout.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Config controls exec behavior.
type Config struct {
	Workspace string
	// Timeout bounds each command. Zero means DefaultTimeout.
	Timeout time.Duration
	// MaxOutputBytes truncates combined output. Zero means the default.
	MaxOutputBytes int
}

const (
	DefaultTimeout        = 60 * time.Second
	defaultMaxOutputBytes = 100000
)

// ExecTool runs shell commands through sh -c.
type ExecTool struct {
	workspace string
	timeout   time.Duration
	maxOutput int
}

// NewExecTool creates an exec tool rooted at the workspace.
func NewExecTool(cfg Config) *ExecTool {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputBytes
	}
	return &ExecTool{workspace: cfg.Workspace, timeout: timeout, maxOutput: maxOutput}
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Run a shell command in the workspace and return its output."
}

func (t *ExecTool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to execute.",
			},
			"working_dir": map[string]any{
				"type":        "string",
				"description": "Working directory (default: workspace).",
			},
		},
		"required": []string{"command"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// Execute runs the command and returns merged stdout+stderr. A non-zero
// exit appends the code; a timeout reports the bound that was hit.
func (t *ExecTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("command is required")
	}
	dir, _ := args["working_dir"].(string)
	if dir == "" {
		dir = t.workspace
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	if dir != "" {
		cmd.Dir = dir
	}
	// Killing sh leaves children holding the output pipes; without a
	// wait delay, Run blocks until the slowest descendant exits.
	cmd.WaitDelay = time.Second
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	text := truncate(output.String(), t.maxOutput)

	if runCtx.Err() == context.DeadlineExceeded {
		return fmt.Sprintf("%s\n[command timed out after %s]", text, t.timeout), nil
	}
	if err != nil {
		code := exitCode(err)
		if text == "" {
			return fmt.Sprintf("[exit code %d: %v]", code, err), nil
		}
		return fmt.Sprintf("%s\n[exit code %d]", text, code), nil
	}
	if text == "" {
		return "(no output)", nil
	}
	return text, nil
}

func truncate(s string, limit int) string {
	if limit > 0 && len(s) > limit {
		return s[:limit] + "\n... [output truncated]"
	}
	return s
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
