// Package observability provides Prometheus metrics for the runtime.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the set of collectors the runtime reports into. Components
// accept a *Metrics that may be nil, in which case nothing is recorded.
type Metrics struct {
	// MessageCounter tracks messages by channel and direction.
	// Labels: channel, direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// BusQueueDepth is the current length of each bus queue.
	// Labels: direction (inbound|outbound)
	BusQueueDepth *prometheus.GaugeVec

	// TurnCounter counts agent turns by originating channel and outcome.
	// Labels: channel, status (ok|error)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures whole-turn latency in seconds, LLM and tool
	// time included.
	TurnDuration prometheus.Histogram

	// LLMTokens tracks token consumption reported by providers.
	// Labels: model, type (prompt|completion)
	LLMTokens *prometheus.CounterVec

	// ToolExecutions counts tool dispatches.
	// Labels: tool, status (ok|error)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec
}

// NewMetrics registers all collectors with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all collectors with reg. Tests pass a fresh
// prometheus.NewRegistry to avoid duplicate-registration panics.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessageCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nanobot_messages_total",
				Help: "Messages published to the bus by channel and direction.",
			},
			[]string{"channel", "direction"},
		),
		BusQueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nanobot_bus_queue_depth",
				Help: "Current depth of the bus queues.",
			},
			[]string{"direction"},
		),
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nanobot_turns_total",
				Help: "Agent turns processed by channel and outcome.",
			},
			[]string{"channel", "status"},
		),
		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nanobot_turn_duration_seconds",
				Help:    "Whole-turn latency in seconds.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),
		LLMTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nanobot_llm_tokens_total",
				Help: "Tokens consumed as reported by the LLM provider.",
			},
			[]string{"model", "type"},
		),
		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nanobot_tool_executions_total",
				Help: "Tool dispatches by tool name and outcome.",
			},
			[]string{"tool", "status"},
		),
		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nanobot_tool_duration_seconds",
				Help:    "Tool execution time in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
	}
}
