// Package api exposes the agent over plain HTTP: a synchronous /chat
// endpoint, a fire-and-forget /notify, a health check, and Prometheus
// metrics. Frappe and other HTTP clients talk to the runtime here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zekis/nanobot/internal/bus"
	"github.com/zekis/nanobot/internal/config"
	"github.com/zekis/nanobot/pkg/models"
)

const defaultChatTimeout = 120 * time.Second

// Channel is the sync HTTP adapter. POST /chat publishes an inbound
// message with a per-request chat_id and blocks until the agent's final
// reply comes back through Send; intermediate outbound messages are
// dropped because a request/response surface can only return once.
type Channel struct {
	cfg            config.GatewayConfig
	bus            *bus.MessageBus
	logger         *slog.Logger
	chatTimeout    time.Duration
	metricsHandler http.Handler

	server   *http.Server
	listener net.Listener
	running  atomic.Bool

	mu      sync.Mutex
	pending map[string]chan string
}

// Option customizes the channel.
type Option func(*Channel)

// WithChatTimeout overrides how long /chat waits for the agent.
func WithChatTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.chatTimeout = d
		}
	}
}

// WithMetricsHandler overrides the /metrics handler. The default serves
// the global Prometheus registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(c *Channel) {
		if h != nil {
			c.metricsHandler = h
		}
	}
}

// New creates the API channel bound to the gateway host and port.
func New(cfg config.GatewayConfig, b *bus.MessageBus, logger *slog.Logger, opts ...Option) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		cfg:            cfg,
		bus:            b,
		logger:         logger.With("channel", "api"),
		chatTimeout:    defaultChatTimeout,
		metricsHandler: promhttp.Handler(),
		pending:        make(map[string]chan string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) Name() string { return "api" }

// Start binds the listener and serves in the background.
func (c *Channel) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)

	c.server = &http.Server{
		Addr:              addr,
		Handler:           c.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	c.listener = listener
	c.running.Store(true)

	go func() {
		if err := c.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("api server error", "error", err)
		}
	}()

	c.logger.Info("api channel listening", "addr", addr)
	return nil
}

func (c *Channel) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat", c.handleChat)
	mux.HandleFunc("/notify", c.handleNotify)
	mux.HandleFunc("/health", c.handleHealth)
	mux.Handle("/metrics", c.metricsHandler)
	return mux
}

// Stop shuts the server down and cancels every pending /chat waiter.
func (c *Channel) Stop(ctx context.Context) error {
	c.running.Store(false)

	c.mu.Lock()
	for id, slot := range c.pending {
		close(slot)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if c.server == nil {
		return nil
	}
	if err := c.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	c.server = nil
	c.listener = nil
	c.logger.Info("api channel stopped")
	return nil
}

// Send resolves the pending /chat request addressed by msg.ChatID.
// Non-final messages are dropped: the Telegram channel would deliver
// them, but a sync HTTP response can only carry the terminal reply.
func (c *Channel) Send(ctx context.Context, msg models.OutboundMessage) error {
	if !msg.IsFinal() {
		c.logger.Debug("skipping non-final message", "chat_id", msg.ChatID)
		return nil
	}

	c.mu.Lock()
	slot, ok := c.pending[msg.ChatID]
	if ok {
		delete(c.pending, msg.ChatID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("no pending request for chat_id", "chat_id", msg.ChatID)
		return nil
	}
	slot <- msg.Content
	return nil
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

func (c *Channel) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON body"})
		return
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "message field is required"})
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = "api:default"
	}
	requestID := "api-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]

	// Register the completion slot before publishing so a fast agent
	// cannot respond into a missing slot.
	slot := make(chan string, 1)
	c.mu.Lock()
	c.pending[requestID] = slot
	c.mu.Unlock()

	msg := models.NewInboundMessage("api", sessionID, requestID, message)
	msg.Metadata["session_id"] = sessionID
	msg.Metadata["request_id"] = requestID
	if err := c.bus.PublishInbound(r.Context(), msg); err != nil {
		c.dropPending(requestID)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "message bus unavailable"})
		return
	}

	select {
	case response, ok := <-slot:
		if !ok {
			// Stop closed the slot out from under us.
			writeJSON(w, 499, map[string]any{"error": "Request cancelled"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"response":   response,
			"session_id": sessionID,
		})
	case <-time.After(c.chatTimeout):
		c.dropPending(requestID)
		writeJSON(w, http.StatusGatewayTimeout, map[string]any{"error": "Agent response timed out"})
	case <-r.Context().Done():
		c.dropPending(requestID)
		// 499 matches the nginx convention for client-closed requests.
		writeJSON(w, 499, map[string]any{"error": "Request cancelled"})
	}
}

func (c *Channel) dropPending(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

type notifyRequest struct {
	Message string `json:"message"`
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
}

// handleNotify injects a message into an existing channel session. The
// turn runs under the target channel's own session key, so the agent
// sees that conversation's history and the reply is routed to the
// target channel, not back in this HTTP response.
func (c *Channel) handleNotify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON body"})
		return
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "message field is required"})
		return
	}
	channel := strings.TrimSpace(req.Channel)
	chatID := strings.TrimSpace(req.ChatID)
	if channel == "" || chatID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "channel and chat_id fields are required"})
		return
	}

	msg := models.NewInboundMessage(channel, "system", chatID, message)
	msg.Metadata["source"] = "notify"
	msg.Metadata["session_id"] = fmt.Sprintf("%s:%s", channel, chatID)
	if err := c.bus.PublishInbound(r.Context(), msg); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "message bus unavailable"})
		return
	}

	c.logger.Info("notify injected", "channel", channel, "chat_id", chatID, "chars", len(message))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (c *Channel) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"channel": "api",
		"running": c.running.Load(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
