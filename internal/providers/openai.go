package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider speaks the OpenAI chat-completions wire format. With a
// BaseURL override it also serves every OpenAI-compatible gateway, which
// is how most non-Anthropic models are reached.
type OpenAIProvider struct {
	client     *openai.Client
	name       string
	logger     *slog.Logger
	maxRetries int
	retryDelay time.Duration
}

// OpenAIOption configures the provider.
type OpenAIOption func(*OpenAIProvider)

// WithOpenAILogger sets the provider logger.
func WithOpenAILogger(logger *slog.Logger) OpenAIOption {
	return func(p *OpenAIProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRetry overrides the retry policy.
func WithRetry(attempts int, delay time.Duration) OpenAIOption {
	return func(p *OpenAIProvider) {
		if attempts > 0 {
			p.maxRetries = attempts
		}
		if delay > 0 {
			p.retryDelay = delay
		}
	}
}

// NewOpenAIProvider creates a provider against the given base URL; an
// empty baseURL targets api.openai.com. extraHeaders are attached to
// every request (some gateways require e.g. an APP-Code header).
func NewOpenAIProvider(name, apiKey, baseURL string, extraHeaders map[string]string, opts ...OpenAIOption) *OpenAIProvider {
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	if len(extraHeaders) > 0 {
		clientConfig.HTTPClient = &http.Client{
			Transport: &headerTransport{headers: extraHeaders, base: http.DefaultTransport},
		}
	}

	p := &OpenAIProvider{
		client:     openai.NewClientWithConfig(clientConfig),
		name:       name,
		logger:     slog.Default().With("component", "provider", "provider", name),
		maxRetries: 3,
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the configured provider name (openai, openrouter, ...).
func (p *OpenAIProvider) Name() string { return p.name }

// Chat issues one completion with linear-backoff retries on transient
// failures.
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: buildOpenAIMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	for _, def := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}

	var resp openai.ChatCompletionResponse
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			p.logger.Debug("retrying chat completion", "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}
		resp, lastErr = p.client.CreateChatCompletion(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !isRetryableError(lastErr) {
			return nil, fmt.Errorf("chat completion: %w", lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("chat completion after %d attempts: %w", p.maxRetries, lastErr)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	choice := resp.Choices[0].Message
	out := &ChatResponse{
		Content:          choice.Content,
		ReasoningContent: choice.ReasoningContent,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.ToolCalls {
		args := map[string]any{}
		if raw := tc.Function.Arguments; raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				p.logger.Warn("tool call arguments not valid JSON", "tool", tc.Function.Name, "error", err)
				args = map[string]any{}
			}
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out, nil
}

// buildOpenAIMessages converts generic history dicts into typed client
// messages. Array-valued content becomes multipart (image parts + text);
// assistant tool_calls and tool results carry their correlation ids.
func buildOpenAIMessages(in []map[string]any) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(in))
	for _, m := range in {
		role, _ := m["role"].(string)
		msg := openai.ChatCompletionMessage{Role: role}

		switch content := m["content"].(type) {
		case string:
			msg.Content = content
		case []any:
			msg.MultiContent = buildContentParts(content)
		}

		if callID, ok := m["tool_call_id"].(string); ok {
			msg.ToolCallID = callID
		}
		if name, ok := m["name"].(string); ok {
			msg.Name = name
		}
		if rawCalls, ok := m["tool_calls"].([]any); ok {
			msg.ToolCalls = buildHistoryToolCalls(rawCalls)
		} else if typedCalls, ok := m["tool_calls"].([]map[string]any); ok {
			calls := make([]any, 0, len(typedCalls))
			for _, c := range typedCalls {
				calls = append(calls, c)
			}
			msg.ToolCalls = buildHistoryToolCalls(calls)
		}

		out = append(out, msg)
	}
	return out
}

func buildContentParts(parts []any) []openai.ChatMessagePart {
	out := make([]openai.ChatMessagePart, 0, len(parts))
	for _, raw := range parts {
		part, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		switch part["type"] {
		case "text":
			text, _ := part["text"].(string)
			out = append(out, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: text,
			})
		case "image_url":
			img, _ := part["image_url"].(map[string]any)
			url, _ := img["url"].(string)
			if url == "" {
				continue
			}
			out = append(out, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: url},
			})
		}
	}
	return out
}

func buildHistoryToolCalls(raw []any) []openai.ToolCall {
	out := make([]openai.ToolCall, 0, len(raw))
	for _, entry := range raw {
		call, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		id, _ := call["id"].(string)
		fn, _ := call["function"].(map[string]any)
		name, _ := fn["name"].(string)
		args, _ := fn["arguments"].(string)
		out = append(out, openai.ToolCall{
			ID:   id,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      name,
				Arguments: args,
			},
		})
	}
	return out
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"rate limit", "429", "500", "502", "503", "504",
		"timeout", "deadline exceeded",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// headerTransport injects static headers on every request.
type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		clone.Header.Set(k, v)
	}
	return t.base.RoundTrip(clone)
}
