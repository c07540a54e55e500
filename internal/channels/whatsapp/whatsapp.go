// Package whatsapp adapts WhatsApp onto the message bus through a local
// bridge process that owns the Baileys session. The adapter is a
// websocket client of the bridge and reconnects with backoff when the
// bridge restarts.
package whatsapp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zekis/nanobot/internal/bus"
	"github.com/zekis/nanobot/internal/channels"
	"github.com/zekis/nanobot/internal/channels/chunk"
	"github.com/zekis/nanobot/internal/config"
	"github.com/zekis/nanobot/pkg/models"
)

const (
	initialBackoff = 2 * time.Second
	maxBackoff     = 30 * time.Second
)

// frame is the bridge wire format. The bridge sends "message" and
// "status" frames; the adapter sends "send" frames.
type frame struct {
	Type      string `json:"type"`
	Sender    string `json:"sender,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Content   string `json:"content,omitempty"`
	Status    string `json:"status,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Adapter bridges WhatsApp to the bus. sender_id and chat_id are both
// the WhatsApp JID of the remote party.
type Adapter struct {
	cfg     config.WhatsAppConfig
	bus     *bus.MessageBus
	logger  *slog.Logger
	backoff time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes the adapter.
type Option func(*Adapter)

// WithBackoff overrides the initial reconnect delay.
func WithBackoff(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.backoff = d
		}
	}
}

// New creates the adapter. The bridge connection is dialed in Start.
func New(cfg config.WhatsAppConfig, b *bus.MessageBus, logger *slog.Logger, opts ...Option) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		cfg:     cfg,
		bus:     b,
		logger:  logger.With("channel", "whatsapp"),
		backoff: initialBackoff,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string { return "whatsapp" }

// Start launches the connect-read-reconnect loop.
func (a *Adapter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.wg.Add(1)
	go a.run(runCtx)
	a.logger.Info("whatsapp adapter started", "bridge_url", a.cfg.BridgeURL)
	return nil
}

// run dials the bridge and reads frames until the connection drops,
// then retries with exponential backoff. A successful connect resets
// the delay.
func (a *Adapter) run(ctx context.Context) {
	defer a.wg.Done()
	delay := a.backoff

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.BridgeURL, nil)
		if err != nil {
			a.logger.Warn("bridge dial failed", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxBackoff)
			continue
		}

		a.logger.Info("connected to bridge")
		delay = a.backoff
		a.setConn(conn)
		a.readLoop(ctx, conn)
		a.setConn(nil)
		conn.Close()
	}
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() == nil {
				a.logger.Warn("bridge read failed", "error", err)
			}
			return
		}
		switch f.Type {
		case "message":
			a.handleMessage(ctx, f)
		case "status":
			a.logger.Info("bridge status", "status", f.Status)
		default:
			a.logger.Debug("unknown frame type", "type", f.Type)
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, f frame) {
	if f.Sender == "" || f.Content == "" {
		return
	}
	if !channels.Allowed(a.cfg.AllowFrom, f.Sender) {
		a.logger.Warn("sender not in allowlist", "sender", f.Sender)
		return
	}
	msg := models.NewInboundMessage("whatsapp", f.Sender, f.Sender, f.Content)
	if f.Timestamp > 0 {
		msg.Metadata["bridge_timestamp"] = f.Timestamp
	}
	if err := a.bus.PublishInbound(ctx, msg); err != nil {
		a.logger.Error("inbound publish failed", "sender", f.Sender, "error", err)
	}
}

// Stop closes the bridge connection and waits for the run loop.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Lock()
	if a.conn != nil {
		a.conn.Close()
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.logger.Info("whatsapp adapter stopped")
		return nil
	case <-ctx.Done():
		return channels.ErrTimeout("whatsapp", "stop timed out", ctx.Err())
	}
}

// Send writes one "send" frame per chunk to the bridge.
func (a *Adapter) Send(ctx context.Context, msg models.OutboundMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return channels.ErrNotConnected("whatsapp")
	}
	for _, piece := range chunk.Text(msg.Content, chunk.LimitFor("whatsapp")) {
		err := a.conn.WriteJSON(frame{
			Type:      "send",
			Recipient: msg.ChatID,
			Content:   piece,
		})
		if err != nil {
			return channels.ErrConnection("whatsapp", "bridge write failed", err)
		}
	}
	return nil
}

func (a *Adapter) setConn(conn *websocket.Conn) {
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
}
