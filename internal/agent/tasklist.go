package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/zekis/nanobot/internal/providers"
	"github.com/zekis/nanobot/internal/session"
)

// TaskSyncConfig routes task-list updates back to the Nanonet host. The
// update endpoint is derived from the webhook URL base.
type TaskSyncConfig struct {
	WebhookURL   string
	Auth         string
	NanobotToken string
}

const maxTaskListItems = 10

var taskArrayPattern = regexp.MustCompile(`(?s)\[.*\]`)

// updateTaskList runs a secondary LLM call to revise the session task
// list after a turn, then syncs it to the Nanonet host. Every failure
// is silent: the previous list stays in place and the turn's reply is
// unaffected.
func (e *Engine) updateTaskList(ctx context.Context, sess *session.Session, userMessage, assistantResponse string, toolActions []session.ToolAction, channel string) {
	current := sess.TaskList()

	tasksText := "(no tasks yet)"
	if len(current) > 0 {
		lines := make([]string, 0, len(current))
		for _, t := range current {
			lines = append(lines, fmt.Sprintf("- [%s] %s", t.Status, t.Task))
		}
		tasksText = strings.Join(lines, "\n")
	}

	toolsText := "(no tools used)"
	if len(toolActions) > 0 {
		lines := make([]string, 0, len(toolActions))
		for _, a := range toolActions {
			lines = append(lines, fmt.Sprintf("- %s(%s) -> %s", a.Tool, a.ArgsSummary, a.Outcome))
		}
		toolsText = strings.Join(lines, "\n")
	}

	prompt := fmt.Sprintf(`Update the task list based on this conversation exchange.

CURRENT TASK LIST:
%s

USER MESSAGE:
%s

TOOLS USED:
%s

ASSISTANT RESPONSE:
%s

Rules:
- Add new tasks from the user's request (if any)
- Mark tasks as "completed" if the assistant fulfilled them this turn
- Keep existing incomplete tasks unchanged
- Merge duplicate/similar tasks
- Maximum 10 tasks total (drop oldest completed if over limit)
- Each task: short description (under 80 chars)

Return ONLY a JSON array. Each element: {"task": "description", "status": "pending|in_progress|completed"}
No markdown, no explanation - just the JSON array.`,
		tasksText, userMessage, toolsText, clip(assistantResponse, 500))

	resp, err := e.provider.Chat(ctx, providers.ChatRequest{
		Model: e.opts.Model,
		Messages: []map[string]any{
			{"role": "system", "content": "You are a task tracker. Output only valid JSON."},
			{"role": "user", "content": prompt},
		},
	})
	if err != nil {
		e.logger.Debug("task list update failed", "error", err)
		return
	}

	validated, ok := parseTaskList(resp.Content)
	if !ok {
		e.logger.Debug("task list response had no parseable array")
		return
	}
	sess.SetTaskList(validated)
	e.postTaskList(ctx, channel, validated)
}

// parseTaskList extracts and validates the JSON array from the model's
// reply. Tasks are clipped to 80 chars; unknown statuses become
// pending; at most ten items survive.
func parseTaskList(text string) ([]session.TaskItem, bool) {
	match := taskArrayPattern.FindString(strings.TrimSpace(text))
	if match == "" {
		return nil, false
	}
	var raw []map[string]any
	if err := json.Unmarshal([]byte(match), &raw); err != nil {
		return nil, false
	}

	validated := make([]session.TaskItem, 0, maxTaskListItems)
	for _, item := range raw {
		if len(validated) == maxTaskListItems {
			break
		}
		task, ok := item["task"].(string)
		if !ok || task == "" {
			continue
		}
		status, _ := item["status"].(string)
		switch status {
		case "pending", "in_progress", "completed":
		default:
			status = "pending"
		}
		validated = append(validated, session.TaskItem{Task: clip(task, 80), Status: status})
	}
	return validated, true
}

// postTaskList syncs the list to the Nanonet host for display. Best
// effort with a 10 s cap.
func (e *Engine) postTaskList(ctx context.Context, channel string, items []session.TaskItem) {
	if e.opts.TaskSync.WebhookURL == "" {
		return
	}
	base := e.opts.TaskSync.WebhookURL
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[:idx]
	}
	url := base + "/nanonet.api.tasks.update_task_list"

	payload, err := json.Marshal(map[string]any{
		"nanobot_token": e.opts.TaskSync.NanobotToken,
		"channel":       channel,
		"task_list":     items,
	})
	if err != nil {
		return
	}

	postCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(postCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if e.opts.TaskSync.Auth != "" {
		req.Header.Set("Authorization", e.opts.TaskSync.Auth)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.logger.Debug("task list sync failed", "error", err)
		return
	}
	resp.Body.Close()
}
