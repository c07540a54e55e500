// Package subagents runs background agent tasks spawned from the main
// conversation. Each subagent gets its own bounded tool loop; its
// result comes back to the origin chat as a system message.
package subagents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zekis/nanobot/internal/bus"
	"github.com/zekis/nanobot/internal/providers"
	"github.com/zekis/nanobot/internal/tools"
	"github.com/zekis/nanobot/pkg/models"
)

const (
	defaultMaxActive  = 5
	defaultIterations = 10
)

const systemPrompt = `You are a subagent spawned to complete one specific task. Work autonomously: use the available tools as needed, then reply with a concise result. Your reply is delivered back to the main agent, not to the user.`

// Info describes one live or finished subagent.
type Info struct {
	ID        string
	Label     string
	Task      string
	Status    string // running, completed, failed
	StartedAt time.Time
}

// Manager tracks live subagents and runs their tool loops.
type Manager struct {
	provider  providers.LLMProvider
	registry  *tools.Registry
	bus       *bus.MessageBus
	model     string
	maxIters  int
	maxActive int
	logger    *slog.Logger

	mu     sync.Mutex
	agents map[string]*Info
	wg     sync.WaitGroup
}

// Option customizes the manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMaxActive bounds concurrently running subagents.
func WithMaxActive(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxActive = n
		}
	}
}

// WithMaxIterations bounds each subagent's tool loop.
func WithMaxIterations(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxIters = n
		}
	}
}

// NewManager creates a manager. The registry should hold the subagent
// toolset; a tool named "spawn" is filtered out of the definitions so
// subagents cannot nest.
func NewManager(provider providers.LLMProvider, registry *tools.Registry, b *bus.MessageBus, model string, opts ...Option) *Manager {
	m := &Manager{
		provider:  provider,
		registry:  registry,
		bus:       b,
		model:     model,
		maxIters:  defaultIterations,
		maxActive: defaultMaxActive,
		logger:    slog.Default(),
		agents:    map[string]*Info{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Spawn starts a background subagent and returns its id. The origin
// channel and chat id address the completion announcement.
func (m *Manager) Spawn(ctx context.Context, task, label, originChannel, originChatID string) (string, error) {
	m.mu.Lock()
	running := 0
	for _, a := range m.agents {
		if a.Status == "running" {
			running++
		}
	}
	if running >= m.maxActive {
		m.mu.Unlock()
		return "", fmt.Errorf("max active subagents reached (%d)", m.maxActive)
	}
	id := uuid.NewString()[:8]
	if label == "" {
		label = "subagent-" + id
	}
	m.agents[id] = &Info{
		ID:        id,
		Label:     label,
		Task:      task,
		Status:    "running",
		StartedAt: time.Now(),
	}
	m.mu.Unlock()

	m.logger.Info("spawning subagent", "id", id, "label", label)
	m.wg.Add(1)
	go m.run(id, label, task, originChannel, originChatID)
	return id, nil
}

// run executes the subagent loop. It deliberately uses a fresh
// background context so the parent turn finishing does not cancel the
// task.
func (m *Manager) run(id, label, task, originChannel, originChatID string) {
	defer m.wg.Done()
	ctx := context.Background()

	result, err := m.executeTask(ctx, task)
	status := "completed"
	content := fmt.Sprintf("[Subagent '%s' completed]\n%s", label, result)
	if err != nil {
		status = "failed"
		content = fmt.Sprintf("[Subagent '%s' failed]\n%v", label, err)
		m.logger.Warn("subagent failed", "id", id, "error", err)
	}

	m.mu.Lock()
	if info, ok := m.agents[id]; ok {
		info.Status = status
	}
	m.mu.Unlock()

	announce := models.NewInboundMessage(models.ChannelSystem, label,
		fmt.Sprintf("%s:%s", originChannel, originChatID), content)
	if err := m.bus.PublishInbound(ctx, announce); err != nil {
		m.logger.Error("subagent announce dropped", "id", id, "error", err)
	}
}

func (m *Manager) executeTask(ctx context.Context, task string) (string, error) {
	messages := []map[string]any{
		{"role": "system", "content": systemPrompt},
		{"role": "user", "content": task},
	}
	defs := m.filteredDefinitions()

	for i := 0; i < m.maxIters; i++ {
		resp, err := m.provider.Chat(ctx, providers.ChatRequest{
			Model:    m.model,
			Messages: messages,
			Tools:    defs,
		})
		if err != nil {
			return "", err
		}
		if !resp.HasToolCalls() {
			if resp.Content == "" {
				return "(no output)", nil
			}
			return resp.Content, nil
		}

		toolCallDicts := make([]map[string]any, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			args, err := json.Marshal(tc.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			toolCallDicts = append(toolCallDicts, map[string]any{
				"id":   tc.ID,
				"type": "function",
				"function": map[string]any{
					"name":      tc.Name,
					"arguments": string(args),
				},
			})
		}
		asst := map[string]any{"role": "assistant", "content": resp.Content, "tool_calls": toolCallDicts}
		messages = append(messages, asst)

		for _, tc := range resp.ToolCalls {
			result := m.registry.Execute(ctx, tc.Name, tc.Arguments)
			messages = append(messages, map[string]any{
				"role":         "tool",
				"tool_call_id": tc.ID,
				"name":         tc.Name,
				"content":      result,
			})
		}
	}
	return "Task ran out of tool iterations before completing.", nil
}

// filteredDefinitions drops the spawn tool so subagents cannot recurse.
func (m *Manager) filteredDefinitions() []tools.ToolDefinition {
	all := m.registry.Definitions()
	defs := make([]tools.ToolDefinition, 0, len(all))
	for _, def := range all {
		if def.Name == "spawn" {
			continue
		}
		defs = append(defs, def)
	}
	return defs
}

// Active returns the number of running subagents.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.agents {
		if a.Status == "running" {
			n++
		}
	}
	return n
}

// List snapshots all known subagents.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, *a)
	}
	return out
}

// Shutdown waits for running subagents to finish, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %d subagents still running: %w", m.Active(), ctx.Err())
	}
}
