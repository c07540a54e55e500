package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Tool lets the agent manage its own scheduled jobs.
type Tool struct {
	service *Service

	mu      sync.Mutex
	channel string
	chatID  string
}

// NewTool creates a cron tool backed by the given service.
func NewTool(service *Service) *Tool {
	return &Tool{service: service}
}

func (t *Tool) Name() string { return "cron" }

func (t *Tool) Description() string {
	return "Schedule reminders and recurring tasks. Actions: add, list, remove, enable, disable, run. " +
		"For add, set one of expr (cron expression), every_seconds, or at (RFC3339 time)."
}

func (t *Tool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"description": "One of: add, list, remove, enable, disable, run.",
			},
			"name": map[string]any{
				"type":        "string",
				"description": "Short job name (add).",
			},
			"message": map[string]any{
				"type":        "string",
				"description": "What the agent should do when the job fires (add).",
			},
			"expr": map[string]any{
				"type":        "string",
				"description": "Cron expression, e.g. '0 9 * * *' (add).",
			},
			"every_seconds": map[string]any{
				"type":        "integer",
				"description": "Interval in seconds for recurring jobs (add).",
			},
			"at": map[string]any{
				"type":        "string",
				"description": "One-shot fire time, RFC3339 or 'YYYY-MM-DD HH:MM' (add).",
			},
			"channel": map[string]any{
				"type":        "string",
				"description": "Delivery channel. Defaults to the current conversation (add).",
			},
			"chat_id": map[string]any{
				"type":        "string",
				"description": "Delivery chat id. Defaults to the current conversation (add).",
			},
			"id": map[string]any{
				"type":        "string",
				"description": "Job id (remove, enable, disable, run).",
			},
		},
		"required": []string{"action"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// SetContext records the conversation the current turn came from, used
// as the default delivery target for new jobs.
func (t *Tool) SetContext(channel, chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channel = channel
	t.chatID = chatID
}

func (t *Tool) Execute(ctx context.Context, args map[string]any) (string, error) {
	if t.service == nil {
		return "", fmt.Errorf("cron service unavailable")
	}
	action, _ := args["action"].(string)
	action = strings.ToLower(strings.TrimSpace(action))

	switch action {
	case "add":
		return t.add(args)
	case "list":
		return t.list()
	case "remove":
		id, err := requireID(args)
		if err != nil {
			return "", err
		}
		if err := t.service.Remove(id); err != nil {
			return "", err
		}
		return fmt.Sprintf("Removed job %s", id), nil
	case "enable":
		id, err := requireID(args)
		if err != nil {
			return "", err
		}
		if err := t.service.Enable(id); err != nil {
			return "", err
		}
		return fmt.Sprintf("Enabled job %s", id), nil
	case "disable":
		id, err := requireID(args)
		if err != nil {
			return "", err
		}
		if err := t.service.Disable(id); err != nil {
			return "", err
		}
		return fmt.Sprintf("Disabled job %s", id), nil
	case "run":
		id, err := requireID(args)
		if err != nil {
			return "", err
		}
		if err := t.service.RunJob(ctx, id); err != nil {
			return "", err
		}
		return fmt.Sprintf("Ran job %s", id), nil
	case "":
		return "", fmt.Errorf("action is required")
	default:
		return "", fmt.Errorf("unsupported action %q (expected add, list, remove, enable, disable, or run)", action)
	}
}

func (t *Tool) add(args map[string]any) (string, error) {
	message, _ := args["message"].(string)
	if strings.TrimSpace(message) == "" {
		return "", fmt.Errorf("message is required")
	}
	name, _ := args["name"].(string)
	expr, _ := args["expr"].(string)
	at, _ := args["at"].(string)

	spec, err := ParseSpec(expr, intArg(args, "every_seconds"), at)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	channel := t.channel
	chatID := t.chatID
	t.mu.Unlock()
	if v, ok := args["channel"].(string); ok && strings.TrimSpace(v) != "" {
		channel = v
	}
	if v, ok := args["chat_id"].(string); ok && strings.TrimSpace(v) != "" {
		chatID = v
	}
	if channel == "" || chatID == "" {
		return "", fmt.Errorf("no delivery target: channel and chat_id are unset and no turn context is available")
	}

	job, err := t.service.Add(name, spec, message, channel, chatID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Scheduled job '%s' (%s), %s, next run %s",
		job.Name, job.ID, job.Schedule, job.NextRun.Format(time.RFC3339)), nil
}

func (t *Tool) list() (string, error) {
	jobs := t.service.List()
	if len(jobs) == 0 {
		return "No scheduled jobs.", nil
	}
	type view struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Schedule string `json:"schedule"`
		Message  string `json:"message"`
		Target   string `json:"target"`
		Enabled  bool   `json:"enabled"`
		NextRun  string `json:"next_run,omitempty"`
	}
	views := make([]view, 0, len(jobs))
	for _, job := range jobs {
		v := view{
			ID:       job.ID,
			Name:     job.Name,
			Schedule: job.Schedule.String(),
			Message:  job.Message,
			Target:   job.Channel + ":" + job.ChatID,
			Enabled:  job.Enabled,
		}
		if !job.NextRun.IsZero() {
			v.NextRun = job.NextRun.Format(time.RFC3339)
		}
		views = append(views, v)
	}
	payload, err := json.MarshalIndent(map[string]any{"jobs": views}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode job list: %w", err)
	}
	return string(payload), nil
}

func requireID(args map[string]any) (string, error) {
	id, _ := args["id"].(string)
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("id is required")
	}
	return id, nil
}

// intArg reads an integer argument that models send as a JSON number or
// a numeric string.
func intArg(args map[string]any, key string) int64 {
	switch v := args[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n
		}
	}
	return 0
}
