package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zekis/nanobot/internal/tools"
)

func fakeOpenAIServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", handler)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func completionBody(content string, toolCalls []map[string]any) map[string]any {
	message := map[string]any{"role": "assistant", "content": content}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}
	return map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"model":   "test-model",
		"choices": []map[string]any{{"index": 0, "message": message, "finish_reason": "stop"}},
		"usage":   map[string]any{"prompt_tokens": 7, "completion_tokens": 3, "total_tokens": 10},
	}
}

func TestOpenAIChat_ContentAndUsage(t *testing.T) {
	server := fakeOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["model"] != "test-model" {
			t.Errorf("model = %v", req["model"])
		}
		json.NewEncoder(w).Encode(completionBody("hi", nil))
	})

	p := NewOpenAIProvider("openai", "key", server.URL+"/v1", nil)
	resp, err := p.Chat(context.Background(), ChatRequest{
		Model:    "test-model",
		Messages: []map[string]any{{"role": "user", "content": "hello"}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "hi" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.HasToolCalls() {
		t.Error("unexpected tool calls")
	}
	if resp.Usage.PromptTokens != 7 || resp.Usage.CompletionTokens != 3 || resp.Usage.TotalTokens != 10 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestOpenAIChat_ParsesToolCallArguments(t *testing.T) {
	server := fakeOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(completionBody("", []map[string]any{{
			"id":   "call_1",
			"type": "function",
			"function": map[string]any{
				"name":      "read_file",
				"arguments": `{"path":"AGENTS.md"}`,
			},
		}}))
	})

	p := NewOpenAIProvider("openai", "key", server.URL+"/v1", nil)
	resp, err := p.Chat(context.Background(), ChatRequest{
		Model:    "m",
		Messages: []map[string]any{{"role": "user", "content": "read it"}},
		Tools: []tools.ToolDefinition{{
			Name:        "read_file",
			Description: "read a file",
			Parameters:  map[string]any{"type": "object"},
		}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if !resp.HasToolCalls() {
		t.Fatal("expected tool calls")
	}
	call := resp.ToolCalls[0]
	if call.ID != "call_1" || call.Name != "read_file" {
		t.Errorf("call = %+v", call)
	}
	if call.Arguments["path"] != "AGENTS.md" {
		t.Errorf("arguments = %v", call.Arguments)
	}
}

func TestOpenAIChat_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := fakeOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream sad", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(completionBody("recovered", nil))
	})

	p := NewOpenAIProvider("openai", "key", server.URL+"/v1", nil,
		WithRetry(3, time.Millisecond))
	resp, err := p.Chat(context.Background(), ChatRequest{
		Model:    "m",
		Messages: []map[string]any{{"role": "user", "content": "hi"}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "recovered" {
		t.Errorf("content = %q", resp.Content)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server calls = %d, want 2", got)
	}
}

func TestOpenAIChat_NoRetryOnAuthError(t *testing.T) {
	var calls atomic.Int32
	server := fakeOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	})

	p := NewOpenAIProvider("openai", "bad", server.URL+"/v1", nil,
		WithRetry(3, time.Millisecond))
	_, err := p.Chat(context.Background(), ChatRequest{
		Model:    "m",
		Messages: []map[string]any{{"role": "user", "content": "hi"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server calls = %d, want 1 (no retry)", got)
	}
}

func TestOpenAIChat_ExtraHeaders(t *testing.T) {
	var gotHeader string
	server := fakeOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("APP-Code")
		json.NewEncoder(w).Encode(completionBody("ok", nil))
	})

	p := NewOpenAIProvider("aihubmix", "key", server.URL+"/v1",
		map[string]string{"APP-Code": "XYZ"})
	if _, err := p.Chat(context.Background(), ChatRequest{
		Model:    "m",
		Messages: []map[string]any{{"role": "user", "content": "hi"}},
	}); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if gotHeader != "XYZ" {
		t.Errorf("APP-Code header = %q", gotHeader)
	}
}

func TestBuildOpenAIMessages_HistoryShapes(t *testing.T) {
	msgs := buildOpenAIMessages([]map[string]any{
		{"role": "system", "content": "be brief"},
		{"role": "user", "content": []any{
			map[string]any{"type": "image_url", "image_url": map[string]any{"url": "data:image/png;base64,AAA"}},
			map[string]any{"type": "text", "text": "what is this"},
		}},
		{"role": "assistant", "content": "", "tool_calls": []any{
			map[string]any{
				"id":       "call_9",
				"type":     "function",
				"function": map[string]any{"name": "exec", "arguments": `{"command":"ls"}`},
			},
		}},
		{"role": "tool", "tool_call_id": "call_9", "name": "exec", "content": "file.txt"},
	})

	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "be brief" {
		t.Errorf("system = %+v", msgs[0])
	}
	if len(msgs[1].MultiContent) != 2 {
		t.Fatalf("multipart parts = %d", len(msgs[1].MultiContent))
	}
	if msgs[1].MultiContent[0].ImageURL == nil || msgs[1].MultiContent[1].Text != "what is this" {
		t.Errorf("parts = %+v", msgs[1].MultiContent)
	}
	if len(msgs[2].ToolCalls) != 1 || msgs[2].ToolCalls[0].Function.Arguments != `{"command":"ls"}` {
		t.Errorf("assistant tool calls = %+v", msgs[2].ToolCalls)
	}
	if msgs[3].ToolCallID != "call_9" || msgs[3].Name != "exec" {
		t.Errorf("tool message = %+v", msgs[3])
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"status code 429, rate limit reached", true},
		{"status code 503", true},
		{"context deadline exceeded", true},
		{"status code 401 invalid api key", false},
	}
	for _, tt := range tests {
		if got := isRetryableError(errString(tt.msg)); got != tt.want {
			t.Errorf("isRetryableError(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }
