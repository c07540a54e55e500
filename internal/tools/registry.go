package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zekis/nanobot/internal/observability"
)

// Registry holds the tool set for one runtime and dispatches execution
// requests from the engine. Execution never raises: failures come back
// as "Error: ..." strings so a misbehaving tool cannot abort a turn.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	logger  *slog.Logger
	metrics *observability.Metrics
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics wires execution counters and latency histograms.
func WithMetrics(m *observability.Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:  make(map[string]Tool),
		logger: slog.Default().With("component", "tools"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. Duplicate names are rejected so a misconfigured
// gateway cannot silently shadow a local tool.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return fmt.Errorf("nil tool")
	}
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool has empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions renders every tool for the provider request, in name
// order so request payloads are stable.
func (r *Registry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	defs := make([]ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, DefinitionFor(r.tools[name]))
	}
	return defs
}

// SetContext pushes the current turn's channel and chat id into every
// ContextAware tool.
func (r *Registry) SetContext(channel, chatID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tools {
		if aware, ok := t.(ContextAware); ok {
			aware.SetContext(channel, chatID)
		}
	}
}

// SetMetadata pushes the inbound message metadata into every
// MetadataAware tool.
func (r *Registry) SetMetadata(meta map[string]any) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tools {
		if aware, ok := t.(MetadataAware); ok {
			aware.SetMetadata(meta)
		}
	}
}

// Execute runs one tool call and always returns a result string: unknown
// tools, returned errors, and panics all become "Error: ..." text for
// the model instead of propagating.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (result string) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Sprintf("Error: tool %s not found", name)
	}

	start := time.Now()
	status := "ok"
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", recovered)
			result = fmt.Sprintf("Error: tool %s panicked: %v", name, recovered)
			status = "panic"
		}
		r.observe(name, status, time.Since(start))
	}()

	out, err := t.Execute(ctx, args)
	if err != nil {
		r.logger.Warn("tool failed", "tool", name, "error", err)
		status = "error"
		return fmt.Sprintf("Error: %v", err)
	}
	return out
}

func (r *Registry) observe(name, status string, elapsed time.Duration) {
	if r.metrics == nil {
		return
	}
	r.metrics.ToolExecutions.WithLabelValues(name, status).Inc()
	r.metrics.ToolDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}
