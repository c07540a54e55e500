// Package message exposes the agent-facing message tool. It publishes
// intermediate outbound messages through the bus so the agent can talk
// to a channel mid-turn, before its final reply.
package message

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/zekis/nanobot/internal/bus"
	"github.com/zekis/nanobot/pkg/models"
)

// Tool sends a message to a channel without ending the turn.
type Tool struct {
	bus *bus.MessageBus

	mu      sync.Mutex
	channel string
	chatID  string
}

// NewTool creates a message tool bound to the given bus.
func NewTool(b *bus.MessageBus) *Tool {
	return &Tool{bus: b}
}

func (t *Tool) Name() string { return "message" }

func (t *Tool) Description() string {
	return "Send a message to a chat. Defaults to the current conversation when channel and chat_id are omitted."
}

func (t *Tool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{
				"type":        "string",
				"description": "The message text to send.",
			},
			"channel": map[string]any{
				"type":        "string",
				"description": "Target channel (telegram, discord, ...). Defaults to the current channel.",
			},
			"chat_id": map[string]any{
				"type":        "string",
				"description": "Target chat id. Defaults to the current chat.",
			},
		},
		"required": []string{"text"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// SetContext records the channel and chat the current turn came from.
// The engine calls this before each turn.
func (t *Tool) SetContext(channel, chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channel = channel
	t.chatID = chatID
}

func (t *Tool) Execute(ctx context.Context, args map[string]any) (string, error) {
	text, _ := args["text"].(string)
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("text is required")
	}

	t.mu.Lock()
	channel := t.channel
	chatID := t.chatID
	t.mu.Unlock()

	if v, ok := args["channel"].(string); ok && strings.TrimSpace(v) != "" {
		channel = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := args["chat_id"].(string); ok && strings.TrimSpace(v) != "" {
		chatID = strings.TrimSpace(v)
	}
	if channel == "" || chatID == "" {
		return "", fmt.Errorf("no target: channel and chat_id are unset and no turn context is available")
	}

	out := models.NewOutboundMessage(channel, chatID, text)
	if err := t.bus.PublishOutbound(ctx, out); err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return fmt.Sprintf("Message sent to %s:%s", channel, chatID), nil
}
