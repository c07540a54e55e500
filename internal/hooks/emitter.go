// Package hooks emits runtime events to an external webhook endpoint,
// typically the Frappe events API. Emission is fire-and-forget: the
// agent loop never blocks on event capture, and delivery failures are
// logged at debug level and dropped.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/zekis/nanobot/internal/config"
)

const emitTimeout = 10 * time.Second

// Emitter POSTs events to the configured webhook URL. An emitter with
// no URL swallows every event, so callers never need to gate on
// configuration.
type Emitter struct {
	url    string
	auth   string
	token  string
	logger *slog.Logger
	client *http.Client

	wg sync.WaitGroup
}

// Option customizes the emitter.
type Option func(*Emitter)

// WithLogger sets the emitter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Emitter) {
		if logger != nil {
			e.logger = logger.With("component", "hooks")
		}
	}
}

// WithHTTPClient overrides the delivery client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Emitter) {
		if c != nil {
			e.client = c
		}
	}
}

// NewEmitter creates a webhook emitter from config.
func NewEmitter(cfg config.HooksConfig, opts ...Option) *Emitter {
	e := &Emitter{
		url:    cfg.WebhookURL,
		auth:   cfg.WebhookAuth,
		token:  cfg.NanobotToken,
		logger: slog.Default().With("component", "hooks"),
		client: &http.Client{Timeout: emitTimeout},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit delivers one event in the background. Event types in use:
// user_message, assistant_message, tool_call, tool_result,
// memory_retrieval.
func (e *Emitter) Emit(eventType string, fields map[string]any) {
	if e == nil || e.url == "" {
		return
	}
	payload := map[string]any{
		"event_type":      eventType,
		"nanobot_token":   e.token,
		"event_timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range fields {
		payload[k] = v
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.post(payload)
	}()
}

// Close waits for in-flight deliveries to finish.
func (e *Emitter) Close() {
	if e == nil {
		return
	}
	e.wg.Wait()
}

func (e *Emitter) post(payload map[string]any) {
	body, err := json.Marshal(payload)
	if err != nil {
		e.logger.Debug("webhook event encode failed", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		e.logger.Debug("webhook request build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if e.auth != "" {
		req.Header.Set("Authorization", e.auth)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Debug("webhook POST failed", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		e.logger.Debug("webhook POST rejected", "status", resp.StatusCode)
	}
}
