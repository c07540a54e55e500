package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider talks to the Anthropic Messages API directly.
type AnthropicProvider struct {
	client anthropic.Client
	logger *slog.Logger
}

// NewAnthropicProvider creates a provider; baseURL is optional and
// exists for self-hosted proxies of the same API.
func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		logger: slog.Default().With("component", "provider", "provider", "anthropic"),
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Chat issues one non-streaming Messages call. The first system message
// becomes the system parameter; user/assistant/tool history is encoded
// as content blocks.
func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	system, history := splitSystem(req.Messages)

	msgs, err := encodeAnthropicMessages(history)
	if err != nil {
		return nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(NormalizeModel(req.Model, "anthropic")),
		Messages:  msgs,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	for _, def := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if len(def.Parameters) > 0 {
			schema.ExtraFields = map[string]any{}
			for k, v := range def.Parameters {
				schema.ExtraFields[k] = v
			}
		}
		tool := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if tool.OfTool != nil && def.Description != "" {
			tool.OfTool.Description = anthropic.String(def.Description)
		}
		params.Tools = append(params.Tools, tool)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}

	out := &ChatResponse{
		Usage: Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					p.logger.Warn("tool_use input not valid JSON", "tool", block.Name, "error", err)
					args = map[string]any{}
				}
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	out.Content = text.String()
	return out, nil
}

// splitSystem extracts the first system message's content and returns
// the remaining history.
func splitSystem(messages []map[string]any) (string, []map[string]any) {
	system := ""
	rest := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		if role, _ := m["role"].(string); role == "system" && system == "" {
			system, _ = m["content"].(string)
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

func encodeAnthropicMessages(history []map[string]any) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(history))
	for _, m := range history {
		role, _ := m["role"].(string)
		var blocks []anthropic.ContentBlockParamUnion

		switch content := m["content"].(type) {
		case string:
			if content != "" && role != "tool" {
				blocks = append(blocks, anthropic.NewTextBlock(content))
			}
		case []any:
			blocks = append(blocks, encodeAnthropicParts(content)...)
		}

		switch role {
		case "assistant":
			if rawCalls, ok := m["tool_calls"].([]any); ok {
				for _, entry := range rawCalls {
					call, ok := entry.(map[string]any)
					if !ok {
						continue
					}
					id, _ := call["id"].(string)
					fn, _ := call["function"].(map[string]any)
					name, _ := fn["name"].(string)
					input := map[string]any{}
					if argStr, _ := fn["arguments"].(string); argStr != "" {
						if err := json.Unmarshal([]byte(argStr), &input); err != nil {
							return nil, fmt.Errorf("tool call %s arguments: %w", name, err)
						}
					}
					blocks = append(blocks, anthropic.NewToolUseBlock(id, input, name))
				}
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(""))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case "tool":
			callID, _ := m["tool_call_id"].(string)
			content, _ := m["content"].(string)
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(callID, content, false)))
		default:
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(""))
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out, nil
}

// encodeAnthropicParts converts OpenAI-style content parts. Image parts
// carry data URLs ("data:{mime};base64,{data}") built by the context
// builder.
func encodeAnthropicParts(parts []any) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	for _, raw := range parts {
		part, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		switch part["type"] {
		case "text":
			if text, _ := part["text"].(string); text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
		case "image_url":
			img, _ := part["image_url"].(map[string]any)
			url, _ := img["url"].(string)
			mediaType, data, ok := parseDataURL(url)
			if !ok {
				continue
			}
			blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, data))
		}
	}
	return blocks
}

// parseDataURL splits "data:{mime};base64,{payload}".
func parseDataURL(url string) (mediaType, data string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	rest := strings.TrimPrefix(url, "data:")
	meta, payload, found := strings.Cut(rest, ",")
	if !found || !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	return strings.TrimSuffix(meta, ";base64"), payload, true
}
