// Package spawn exposes the spawn tool: it hands a task to the
// subagent manager and returns immediately.
package spawn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Runner starts background subagent tasks. Implemented by
// subagents.Manager.
type Runner interface {
	Spawn(ctx context.Context, task, label, originChannel, originChatID string) (string, error)
}

// Tool starts a subagent for a background task.
type Tool struct {
	runner Runner

	mu      sync.Mutex
	channel string
	chatID  string
}

// NewTool creates a spawn tool.
func NewTool(runner Runner) *Tool {
	return &Tool{runner: runner}
}

func (t *Tool) Name() string { return "spawn" }

func (t *Tool) Description() string {
	return "Spawn a subagent to work on a task in the background. The result arrives later as a system message."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"task": {
				"type": "string",
				"description": "The task for the subagent to complete."
			},
			"label": {
				"type": "string",
				"description": "Short label for the subagent (e.g. 'researcher')."
			}
		},
		"required": ["task"]
	}`)
}

// SetContext records where the completion announcement should be
// routed. The engine calls this before each turn.
func (t *Tool) SetContext(channel, chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channel = channel
	t.chatID = chatID
}

func (t *Tool) Execute(ctx context.Context, args map[string]any) (string, error) {
	task, _ := args["task"].(string)
	if strings.TrimSpace(task) == "" {
		return "", fmt.Errorf("task is required")
	}
	label, _ := args["label"].(string)

	t.mu.Lock()
	channel := t.channel
	chatID := t.chatID
	t.mu.Unlock()
	if channel == "" || chatID == "" {
		return "", fmt.Errorf("no origin chat for subagent result")
	}

	id, err := t.runner.Spawn(ctx, task, label, channel, chatID)
	if err != nil {
		return "", err
	}
	if label == "" {
		label = "subagent-" + id
	}
	return fmt.Sprintf("Subagent '%s' (%s) started. It runs in the background and will report back to this chat when done.", label, id), nil
}
