// Package channels defines the channel adapter contract and the
// registry that fans outbound messages back to their transport.
package channels

import (
	"context"
	"log/slog"
	"sync"

	"github.com/zekis/nanobot/internal/bus"
	"github.com/zekis/nanobot/internal/observability"
	"github.com/zekis/nanobot/pkg/models"
)

// Channel is the adapter contract. Adapters publish inbound messages to
// the bus themselves; the registry delivers outbound messages through
// Send. Send must not block beyond the underlying transport call and
// must not panic.
type Channel interface {
	// Name identifies the channel for bus routing ("telegram", "api", ...).
	Name() string

	// Start begins listening. It must return promptly, spawning its own
	// goroutines for long-lived work.
	Start(ctx context.Context) error

	// Stop shuts the adapter down, releasing connections.
	Stop(ctx context.Context) error

	// Send delivers one outbound message to the transport.
	Send(ctx context.Context, msg models.OutboundMessage) error
}

// Registry maps channel names to adapters and runs the outbound
// dispatcher.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
	bus      *bus.MessageBus
	logger   *slog.Logger
	metrics  *observability.Metrics
	wg       sync.WaitGroup
}

// RegistryOption customizes registry construction.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics attaches dispatch metrics.
func WithMetrics(m *observability.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates a registry dispatching from b.
func NewRegistry(b *bus.MessageBus, opts ...RegistryOption) *Registry {
	r := &Registry{
		channels: make(map[string]Channel),
		bus:      b,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a channel. Later registrations with the same name win;
// construction order is config order, so this only happens on purpose.
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Name()] = ch
}

// Get returns the channel registered under name.
func (r *Registry) Get(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// Names lists registered channel names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	return names
}

// StartAll starts every channel, stopping the ones already started if
// one fails.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	started := make([]Channel, 0, len(r.channels))
	for name, ch := range r.channels {
		if err := ch.Start(ctx); err != nil {
			for _, s := range started {
				if stopErr := s.Stop(ctx); stopErr != nil {
					r.logger.Warn("stop after failed start", "channel", s.Name(), "error", stopErr)
				}
			}
			return ErrConnection(name, "start failed", err)
		}
		r.logger.Info("channel started", "channel", name)
		started = append(started, ch)
	}
	return nil
}

// StopAll stops every channel, returning the last error.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var lastErr error
	for name, ch := range r.channels {
		if err := ch.Stop(ctx); err != nil {
			r.logger.Warn("channel stop failed", "channel", name, "error", err)
			lastErr = err
		}
	}
	return lastErr
}

// StartDispatch runs the outbound dispatcher until ctx ends: consume
// one message, look up the sink by channel name, deliver. Unknown
// channels are logged and dropped; Send errors are logged and never
// stop the loop.
func (r *Registry) StartDispatch(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			msg, err := r.bus.ConsumeOutbound(ctx)
			if err != nil {
				return
			}
			r.dispatch(ctx, msg)
		}
	}()
}

// Wait blocks until the dispatcher goroutine exits.
func (r *Registry) Wait() { r.wg.Wait() }

func (r *Registry) dispatch(ctx context.Context, msg models.OutboundMessage) {
	ch, ok := r.Get(msg.Channel)
	if !ok {
		r.logger.Warn("no channel registered for outbound message", "channel", msg.Channel)
		return
	}
	if err := ch.Send(ctx, msg); err != nil {
		r.logger.Error("channel send failed", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
		if r.metrics != nil {
			r.metrics.MessageCounter.WithLabelValues(msg.Channel, "outbound_failed").Inc()
		}
	}
}

// Allowed reports whether senderID passes the channel allowlist. An
// empty allowlist admits everyone.
func Allowed(allowFrom []string, senderID string) bool {
	if len(allowFrom) == 0 {
		return true
	}
	for _, allowed := range allowFrom {
		if allowed == senderID {
			return true
		}
	}
	return false
}
