// Package tools defines the tool contract the agent engine dispatches
// against, plus the registry that owns the tool set for a runtime.
package tools

import (
	"context"
	"encoding/json"
)

// Tool is a single capability the model may invoke. Execute returns the
// text handed back to the model as the tool result; errors are reported
// as values so the registry can normalize them into result strings.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// ToolDefinition is the provider-facing description of a tool, shaped
// for the function-calling wire formats.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ContextAware tools receive the current turn's channel and chat before
// execution, so defaults like "send to the chat I'm talking in" work
// without the model spelling them out.
type ContextAware interface {
	SetContext(channel, chatID string)
}

// MetadataAware tools receive the inbound message's metadata before
// execution. Gateway tools use this to thread per-message context
// tokens through to the remote side.
type MetadataAware interface {
	SetMetadata(meta map[string]any)
}

// DefinitionFor renders one tool as a ToolDefinition. A schema that does
// not decode into an object falls back to a bare object schema rather
// than poisoning the whole definitions list.
func DefinitionFor(t Tool) ToolDefinition {
	params := map[string]any{"type": "object", "properties": map[string]any{}}
	if raw := t.Schema(); len(raw) > 0 {
		var decoded map[string]any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			params = decoded
		}
	}
	return ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  params,
	}
}
