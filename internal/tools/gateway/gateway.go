// Package gateway proxies server-side tools exposed by a nanonet
// gateway. Each configured remote tool becomes a first-class tool the
// model can call; results, errors, and pending-approval states come
// back as plain text for the model to act on.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/zekis/nanobot/internal/config"
	"github.com/zekis/nanobot/internal/tools"
	"github.com/zekis/nanobot/pkg/models"
)

const (
	executeTimeout = 120 * time.Second
	pollTimeout    = 30 * time.Second
)

// Tool forwards calls for one remote tool to the gateway's
// execute_tool endpoint.
type Tool struct {
	name         string
	description  string
	schema       json.RawMessage
	compiled     *jsonschema.Schema
	baseURL      string
	auth         string
	nanobotToken string
	client       *http.Client
	logger       *slog.Logger

	mu       sync.Mutex
	metadata map[string]any
}

// Option customizes gateway tool construction.
type Option func(*settings)

type settings struct {
	logger *slog.Logger
	client *http.Client
}

// WithLogger sets the logger shared by all loaded gateway tools.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHTTPClient overrides the HTTP client (tests).
func WithHTTPClient(client *http.Client) Option {
	return func(s *settings) {
		if client != nil {
			s.client = client
		}
	}
}

// LoadTools builds one proxy tool per configured remote tool, plus the
// check_approval_result poll tool. Returns nil when the gateway is not
// configured.
func LoadTools(cfg config.GatewayConfig, opts ...Option) []tools.Tool {
	if strings.TrimSpace(cfg.URL) == "" || strings.TrimSpace(cfg.NanobotToken) == "" {
		return nil
	}
	s := settings{logger: slog.Default()}
	for _, opt := range opts {
		opt(&s)
	}
	base := strings.TrimRight(cfg.URL, "/")

	var loaded []tools.Tool
	for _, def := range cfg.Tools {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		t := &Tool{
			name:         name,
			description:  def.Description,
			schema:       encodeSchema(def.Parameters),
			baseURL:      base,
			auth:         cfg.Auth,
			nanobotToken: cfg.NanobotToken,
			client:       s.client,
			logger:       s.logger,
		}
		if t.client == nil {
			t.client = &http.Client{Timeout: executeTimeout}
		}
		t.compiled = compileSchema(name, t.schema, s.logger)
		loaded = append(loaded, t)
	}
	if len(loaded) == 0 {
		return nil
	}

	poll := &ApprovalTool{
		baseURL:      base,
		auth:         cfg.Auth,
		nanobotToken: cfg.NanobotToken,
		client:       s.client,
		logger:       s.logger,
	}
	if poll.client == nil {
		poll.client = &http.Client{Timeout: pollTimeout}
	}
	loaded = append(loaded, poll)

	names := make([]string, 0, len(loaded))
	for _, t := range loaded {
		names = append(names, t.Name())
	}
	s.logger.Info("loaded gateway tools", "count", len(loaded), "tools", names)
	return loaded
}

func (t *Tool) Name() string        { return t.name }
func (t *Tool) Description() string { return t.description }

func (t *Tool) Schema() json.RawMessage { return t.schema }

// SetMetadata stores per-message metadata. The engine calls this before
// each turn so approval routing tokens ride along with tool calls.
func (t *Tool) SetMetadata(meta map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metadata = meta
}

func (t *Tool) Execute(ctx context.Context, args map[string]any) (string, error) {
	if t.compiled != nil {
		if err := t.compiled.Validate(args); err != nil {
			return fmt.Sprintf("Error: invalid parameters: %v", err), nil
		}
	}

	payload := map[string]any{
		"tool_name":     t.name,
		"params":        args,
		"nanobot_token": t.nanobotToken,
	}
	t.mu.Lock()
	contextToken := models.MetaString(t.metadata, "context_token")
	t.mu.Unlock()
	if contextToken != "" {
		payload["context_token"] = contextToken
	}

	body, status, err := postJSON(ctx, t.client, t.baseURL+"/execute_tool", t.auth, payload)
	if err != nil {
		t.logger.Warn("gateway tool call failed", "tool", t.name, "error", err)
		return fmt.Sprintf("Error calling %s: %v", t.name, err), nil
	}
	if status < 200 || status > 299 {
		t.logger.Warn("gateway tool HTTP error", "tool", t.name, "status", status)
		return fmt.Sprintf("Error calling %s: HTTP %d", t.name, status), nil
	}

	msg, raw := unwrapMessage(body)
	if s, ok := msg.(string); ok {
		return s, nil
	}
	obj, ok := msg.(map[string]any)
	if !ok {
		return string(raw), nil
	}

	if success, _ := obj["success"].(bool); success {
		return stringify(obj["result"]), nil
	}
	if pending, _ := obj["pending_approval"].(bool); pending {
		return pendingApprovalText(obj), nil
	}
	if result := stringify(obj["result"]); result != "" {
		return result, nil
	}
	if errText := stringify(obj["error"]); errText != "" {
		return errText, nil
	}
	return string(raw), nil
}

// pendingApprovalText formats the approval handoff. The request_id line
// is load-bearing: the model echoes it into check_approval_result.
func pendingApprovalText(obj map[string]any) string {
	requestID := stringify(obj["request_id"])
	hint := stringify(obj["result"])
	var b strings.Builder
	b.WriteString("This action requires approval before it can run.\n")
	fmt.Fprintf(&b, "request_id: %s\n", requestID)
	if hint != "" {
		b.WriteString(hint + "\n")
	}
	b.WriteString("\nCall check_approval_result with this request_id to get the outcome.")
	return b.String()
}

// unwrapMessage decodes the body and strips a {"message": ...} envelope
// when present.
func unwrapMessage(body []byte) (any, []byte) {
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, body
	}
	if msg, ok := decoded["message"]; ok {
		inner, err := json.Marshal(msg)
		if err != nil {
			return msg, body
		}
		return msg, inner
	}
	return decoded, body
}

// stringify renders a result value for the model: strings pass through,
// everything else is compact JSON, nil becomes "".
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(encoded)
	}
}

func postJSON(ctx context.Context, client *http.Client, url, auth string, payload any) ([]byte, int, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func encodeSchema(params map[string]any) json.RawMessage {
	if len(params) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return payload
}

// compileSchema compiles the declared parameter schema. A schema that
// does not compile disables local validation for that tool; the gateway
// still validates server-side.
func compileSchema(name string, schema json.RawMessage, logger *slog.Logger) *jsonschema.Schema {
	compiled, err := jsonschema.CompileString(name+".schema.json", string(schema))
	if err != nil {
		logger.Warn("gateway tool schema does not compile, skipping local validation",
			"tool", name, "error", err)
		return nil
	}
	return compiled
}
