// Package providers adapts LLM backends to one chat-completion
// contract. Two adapters cover the ecosystem: a native Anthropic client
// and an OpenAI-compatible client that also serves the API gateways
// (OpenRouter, DeepSeek, Groq, Zhipu, DashScope, Moonshot, vLLM, ...).
package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/zekis/nanobot/internal/config"
	"github.com/zekis/nanobot/internal/tools"
)

// LLMProvider is the engine-facing chat contract.
type LLMProvider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Name() string
}

// ChatRequest is one completion call. Messages are provider-shaped
// dicts: {role, content, tool_calls?, tool_call_id?, name?}; the context
// builder owns their construction.
type ChatRequest struct {
	Model       string
	Messages    []map[string]any
	Tools       []tools.ToolDefinition
	MaxTokens   int
	Temperature float64
}

// ToolCall is one function invocation requested by the model, with
// arguments already decoded from the provider's JSON string.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Usage counts tokens for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatResponse is the normalized completion result.
type ChatResponse struct {
	Content          string
	ReasoningContent string
	ToolCalls        []ToolCall
	Usage            Usage
}

// HasToolCalls reports whether the model requested tool execution.
func (r *ChatResponse) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// New selects and constructs the provider for the configured model:
// keyword match against the model name first, then the first configured
// provider with an API key. The anthropic entry gets the native SDK;
// everything else speaks the OpenAI wire format.
func New(cfg *config.Config) (LLMProvider, error) {
	model := cfg.Agents.Defaults.Model
	name, entry := cfg.MatchedProvider(model)
	if name == "" {
		return nil, fmt.Errorf("no provider configured for model %q (set an api_key under providers)", model)
	}

	if name == "anthropic" {
		return NewAnthropicProvider(entry.APIKey, entry.APIBase), nil
	}

	base := config.APIBaseFor(name, entry)
	return NewOpenAIProvider(name, entry.APIKey, base, entry.ExtraHeaders), nil
}

// NormalizeModel strips a "{vendor}/" routing prefix when the target is
// the vendor's own API. Gateways keep the full path.
func NormalizeModel(model, vendor string) string {
	return strings.TrimPrefix(model, vendor+"/")
}
