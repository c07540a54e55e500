// Package bus carries messages between channel adapters and the agent
// engine. Two bounded FIFO queues: inbound fans N producers into the
// single engine consumer, outbound fans the engine back out to the
// channel dispatcher. Queues are process-local; nothing survives a
// restart.
package bus

import (
	"context"
	"log/slog"

	"github.com/zekis/nanobot/internal/observability"
	"github.com/zekis/nanobot/pkg/models"
)

const DefaultQueueSize = 100

// MessageBus holds the two queues. Publishing blocks while the target
// queue is full; per-producer FIFO order is preserved, no order is
// promised across producers.
type MessageBus struct {
	inbound  chan models.InboundMessage
	outbound chan models.OutboundMessage
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// Option customizes bus construction.
type Option func(*MessageBus)

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *MessageBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics attaches queue-depth gauges and message counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *MessageBus) { b.metrics = m }
}

// New creates a bus with the given per-queue capacity. Sizes below one
// fall back to DefaultQueueSize.
func New(queueSize int, opts ...Option) *MessageBus {
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	b := &MessageBus{
		inbound:  make(chan models.InboundMessage, queueSize),
		outbound: make(chan models.OutboundMessage, queueSize),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// PublishInbound enqueues a message for the engine, blocking while the
// queue is full. Returns the context error if ctx ends first.
func (b *MessageBus) PublishInbound(ctx context.Context, msg models.InboundMessage) error {
	select {
	case b.inbound <- msg:
		b.observe(msg.Channel, "inbound")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeInbound dequeues the next inbound message, blocking until one
// arrives or ctx ends. Callers that need a cooperative stop wrap ctx
// with a short deadline and treat context.DeadlineExceeded as "empty".
func (b *MessageBus) ConsumeInbound(ctx context.Context) (models.InboundMessage, error) {
	select {
	case msg := <-b.inbound:
		b.gauge()
		return msg, nil
	case <-ctx.Done():
		return models.InboundMessage{}, ctx.Err()
	}
}

// PublishOutbound enqueues a reply for the channel dispatcher, blocking
// while the queue is full.
func (b *MessageBus) PublishOutbound(ctx context.Context, msg models.OutboundMessage) error {
	select {
	case b.outbound <- msg:
		b.observe(msg.Channel, "outbound")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeOutbound dequeues the next outbound message.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (models.OutboundMessage, error) {
	select {
	case msg := <-b.outbound:
		b.gauge()
		return msg, nil
	case <-ctx.Done():
		return models.OutboundMessage{}, ctx.Err()
	}
}

// InboundDepth reports the current inbound queue length.
func (b *MessageBus) InboundDepth() int { return len(b.inbound) }

// OutboundDepth reports the current outbound queue length.
func (b *MessageBus) OutboundDepth() int { return len(b.outbound) }

func (b *MessageBus) observe(channel, direction string) {
	if b.metrics != nil {
		b.metrics.MessageCounter.WithLabelValues(channel, direction).Inc()
	}
	b.gauge()
}

func (b *MessageBus) gauge() {
	if b.metrics == nil {
		return
	}
	b.metrics.BusQueueDepth.WithLabelValues("inbound").Set(float64(len(b.inbound)))
	b.metrics.BusQueueDepth.WithLabelValues("outbound").Set(float64(len(b.outbound)))
}
