package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zekis/nanobot/internal/bus"
	"github.com/zekis/nanobot/internal/config"
	"github.com/zekis/nanobot/internal/observability"
	"github.com/zekis/nanobot/internal/providers"
	"github.com/zekis/nanobot/internal/session"
	"github.com/zekis/nanobot/internal/tools"
	"github.com/zekis/nanobot/pkg/models"
)

const defaultMaxToolIterations = 20

// placeholderReply is returned when the tool-iteration bound is
// exhausted without the model producing final content. System-channel
// turns get a quieter variant.
const (
	placeholderReply       = "I've completed processing but have no response to give."
	systemPlaceholderReply = "Background task completed."
)

// EventEmitter receives webhook events from the engine. Implementations
// must not block.
type EventEmitter interface {
	Emit(eventType string, fields map[string]any)
}

// Options configure engine behavior beyond its core collaborators.
type Options struct {
	Model             string
	MaxTokens         int
	Temperature       float64
	MaxToolIterations int
	Workspace         string
	Debug             config.DebugConfig
	Context           session.ContextOptions
	Memory            *MemoryClient
	Emitter           EventEmitter
	TaskSync          TaskSyncConfig
	Logger            *slog.Logger
	Metrics           *observability.Metrics
}

// Engine drains the inbound queue sequentially and runs one agent turn
// per message: context assembly, the bounded tool loop, session
// persistence, and the final outbound reply.
type Engine struct {
	bus      *bus.MessageBus
	provider providers.LLMProvider
	sessions *session.Store
	registry *tools.Registry
	builder  *ContextBuilder
	opts     Options
	logger   *slog.Logger
}

// NewEngine wires an engine. All five collaborators are required.
func NewEngine(b *bus.MessageBus, provider providers.LLMProvider, store *session.Store, registry *tools.Registry, builder *ContextBuilder, opts Options) *Engine {
	if opts.MaxToolIterations <= 0 {
		opts.MaxToolIterations = defaultMaxToolIterations
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		bus:      b,
		provider: provider,
		sessions: store,
		registry: registry,
		builder:  builder,
		opts:     opts,
		logger:   opts.Logger,
	}
}

// Run processes inbound messages until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("agent engine started", "model", e.opts.Model)
	for {
		msg, err := e.bus.ConsumeInbound(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				e.logger.Info("agent engine stopping")
				return nil
			}
			return err
		}
		e.handle(ctx, msg)
	}
}

// origin is where the reply goes: the message's own channel/chat, or
// the parsed origin of a system message.
type origin struct {
	Channel string
	ChatID  string
}

// resolveOrigin parses system-message routing. A system chat_id of
// "{channel}:{chat_id}" addresses the reply to the original
// conversation; anything unparseable falls back to the CLI.
func resolveOrigin(msg models.InboundMessage) origin {
	if msg.Channel != models.ChannelSystem {
		return origin{Channel: msg.Channel, ChatID: msg.ChatID}
	}
	if ch, chat, ok := strings.Cut(msg.ChatID, ":"); ok && ch != "" {
		return origin{Channel: ch, ChatID: chat}
	}
	return origin{Channel: models.ChannelCLI, ChatID: msg.ChatID}
}

// handle runs one turn and publishes the reply. Turn failures become an
// apology addressed to the resolved origin.
func (e *Engine) handle(ctx context.Context, msg models.InboundMessage) {
	start := time.Now()
	from := resolveOrigin(msg)

	reply, err := e.processTurn(ctx, msg, from)
	if err != nil {
		e.observeTurn(from.Channel, "error", start)
		e.logger.Error("turn failed", "channel", msg.Channel, "sender", msg.SenderID, "error", err)
		apology := models.NewOutboundMessage(from.Channel, from.ChatID,
			fmt.Sprintf("Sorry, I encountered an error: %v", err))
		apology.MarkFinal()
		if perr := e.bus.PublishOutbound(ctx, apology); perr != nil {
			e.logger.Error("publish error reply", "error", perr)
		}
		return
	}

	e.observeTurn(from.Channel, "ok", start)
	reply.MarkFinal()
	if err := e.bus.PublishOutbound(ctx, reply); err != nil {
		e.logger.Error("publish reply", "error", err)
	}
}

// ProcessDirect runs one turn synchronously and returns the reply text.
// Used by the CLI chat command and by cron wakeups in tests.
func (e *Engine) ProcessDirect(ctx context.Context, content, channel, chatID string) (string, error) {
	msg := models.NewInboundMessage(channel, "user", chatID, content)
	reply, err := e.processTurn(ctx, msg, resolveOrigin(msg))
	if err != nil {
		return "", err
	}
	return reply.Content, nil
}

func (e *Engine) processTurn(ctx context.Context, msg models.InboundMessage, from origin) (models.OutboundMessage, error) {
	isSystem := msg.Channel == models.ChannelSystem

	preview := msg.Content
	if len(preview) > 80 {
		preview = preview[:80] + "..."
	}
	e.logger.Info("processing message",
		"channel", msg.Channel, "sender", msg.SenderID, "preview", preview)

	sessionKey := models.MetaString(msg.Metadata, "session_id")
	if sessionKey == "" {
		if isSystem {
			sessionKey = fmt.Sprintf("%s:%s", from.Channel, from.ChatID)
		} else {
			sessionKey = msg.SessionKey()
		}
	}
	sess := e.sessions.GetOrCreate(sessionKey)

	if !isSystem {
		e.emit("user_message", map[string]any{
			"session_key": sessionKey,
			"channel":     msg.Channel,
			"role":        "user",
			"content":     msg.Content,
		})
	}

	// Point context-aware tools (message, spawn, cron) at this turn's
	// conversation and hand every tool the raw metadata.
	e.registry.SetContext(from.Channel, from.ChatID)
	e.registry.SetMetadata(msg.Metadata)

	memories := ""
	if !isSystem {
		memories = e.opts.Memory.Retrieve(ctx, msg.Content)
		if memories != "" {
			e.emit("memory_retrieval", map[string]any{
				"session_key": sessionKey,
				"channel":     msg.Channel,
				"role":        "system",
				"content":     memories,
			})
		}
	}

	messages := e.builder.BuildMessages(BuildInput{
		Context:           sess.GetStructuredContext(e.opts.Context),
		CurrentMessage:    msg.Content,
		Media:             msg.Media,
		Channel:           from.Channel,
		ChatID:            from.ChatID,
		RetrievedMemories: memories,
	})

	defs := e.registry.Definitions()
	var (
		finalContent    string
		haveFinal       bool
		iterations      int
		totalPrompt     int
		totalCompletion int
		toolActions     []session.ToolAction
	)

	for iterations < e.opts.MaxToolIterations {
		iterations++

		resp, err := e.provider.Chat(ctx, providers.ChatRequest{
			Model:       e.opts.Model,
			Messages:    messages,
			Tools:       defs,
			MaxTokens:   e.opts.MaxTokens,
			Temperature: e.opts.Temperature,
		})
		if err != nil {
			return models.OutboundMessage{}, err
		}

		e.dumpLLMCall(messages, resp, iterations)
		totalPrompt += resp.Usage.PromptTokens
		totalCompletion += resp.Usage.CompletionTokens
		e.observeTokens(resp.Usage)

		if !resp.HasToolCalls() {
			finalContent = resp.Content
			haveFinal = true
			e.emit("assistant_message", map[string]any{
				"session_key":       sessionKey,
				"channel":           msg.Channel,
				"role":              "assistant",
				"content":           finalContent,
				"model":             e.opts.Model,
				"prompt_tokens":     resp.Usage.PromptTokens,
				"completion_tokens": resp.Usage.CompletionTokens,
				"total_tokens":      resp.Usage.TotalTokens,
			})
			break
		}

		// History wants tool_calls[i].function.arguments as a JSON
		// string, not an object.
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
		messages = AddAssistantMessage(messages, resp.Content, toolCallDicts, resp.ReasoningContent)

		for _, tc := range resp.ToolCalls {
			argsJSON, _ := json.Marshal(tc.Arguments)
			e.logger.Info("tool call", "tool", tc.Name, "args", clip(string(argsJSON), 200))
			e.emit("tool_call", map[string]any{
				"session_key":    sessionKey,
				"channel":        msg.Channel,
				"role":           "tool",
				"tool_name":      tc.Name,
				"tool_arguments": string(argsJSON),
				"model":          e.opts.Model,
			})

			result := e.registry.Execute(ctx, tc.Name, tc.Arguments)
			messages = AddToolResult(messages, tc.ID, tc.Name, result)
			toolActions = append(toolActions, session.ToolAction{
				Tool:        tc.Name,
				ArgsSummary: summarizeArgs(tc.Name, tc.Arguments),
				Outcome:     summarizeOutcome(result),
			})

			e.emit("tool_result", map[string]any{
				"session_key": sessionKey,
				"channel":     msg.Channel,
				"role":        "tool",
				"tool_name":   tc.Name,
				"content":     clip(result, 5000),
			})
			e.debugToolCall(ctx, from, tc.Name, string(argsJSON), result)
		}
	}

	if !haveFinal {
		if isSystem {
			finalContent = systemPlaceholderReply
		} else {
			finalContent = placeholderReply
		}
	}

	userContent := msg.Content
	if isSystem {
		userContent = fmt.Sprintf("[System: %s] %s", msg.SenderID, msg.Content)
	}
	sess.AddMessage(session.RoleUser, userContent)
	sess.AddMessage(session.RoleAssistant, finalContent, session.WithToolActions(toolActions))
	if err := e.sessions.Save(sess); err != nil {
		e.logger.Error("save session", "key", sessionKey, "error", err)
	}

	if channel := nanonetChannel(msg.Metadata); channel != "" {
		e.updateTaskList(ctx, sess, msg.Content, finalContent, toolActions, channel)
		if err := e.sessions.Save(sess); err != nil {
			e.logger.Error("save session after task update", "key", sessionKey, "error", err)
		}
	}

	display := finalContent
	if e.opts.Debug.ShowTokenUsage && !isSystem {
		display += usageFooter(totalPrompt, totalCompletion, iterations)
	}
	return models.NewOutboundMessage(from.Channel, from.ChatID, display), nil
}

func usageFooter(prompt, completion, calls int) string {
	plural := "s"
	if calls == 1 {
		plural = ""
	}
	return fmt.Sprintf("\n\n---\n📊 `%d` in · `%d` out · `%d` total · `%d` call%s",
		prompt, completion, prompt+completion, calls, plural)
}

// nanonetChannel extracts the Nanonet channel document name from the
// session_id. Recognized shapes:
//
//	nanonet-messaging:{channel}[:v{N}]
//	nanonet-dm:{channel}
//	nanonet-ctx:{channel}:{bot}
func nanonetChannel(metadata map[string]any) string {
	sessionID := models.MetaString(metadata, "session_id")
	if sessionID == "" {
		return ""
	}
	for _, prefix := range []string{"nanonet-messaging:", "nanonet-dm:", "nanonet-ctx:"} {
		if strings.HasPrefix(sessionID, prefix) {
			remainder := strings.TrimPrefix(sessionID, prefix)
			channel, _, _ := strings.Cut(remainder, ":")
			return channel
		}
	}
	return ""
}

// summarizeArgs renders a short human-readable argument summary for the
// session tool log.
func summarizeArgs(toolName string, args map[string]any) string {
	str := func(key string) string {
		s, _ := args[key].(string)
		return s
	}
	switch toolName {
	case "exec":
		return clip(str("command"), 180)
	case "read_file", "write_file", "edit_file":
		return clip(str("path"), 200)
	case "web_search":
		return clip(str("query"), 200)
	case "web_fetch":
		return clip(str("url"), 200)
	case "message":
		return fmt.Sprintf("channel=%s text=%s", str("channel"), clip(str("text"), 100))
	default:
		raw, err := json.Marshal(args)
		if err != nil {
			return ""
		}
		if len(raw) > 200 {
			return string(raw[:200]) + "..."
		}
		return string(raw)
	}
}

// summarizeOutcome reduces a tool result to "OK: "/"ERROR: " plus its
// first line, at most 300 chars.
func summarizeOutcome(result string) string {
	if result == "" {
		return "OK: (empty)"
	}
	prefix := "OK: "
	if strings.HasPrefix(strings.ToLower(result), "error") {
		prefix = "ERROR: "
	}
	firstLine, _, _ := strings.Cut(result, "\n")
	firstLine = strings.TrimSpace(firstLine)
	maxLen := 300 - len(prefix)
	if len(firstLine) > maxLen {
		firstLine = firstLine[:maxLen] + "..."
	}
	return prefix + firstLine
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// emit fires a webhook event when an emitter is configured.
func (e *Engine) emit(eventType string, fields map[string]any) {
	if e.opts.Emitter != nil {
		e.opts.Emitter.Emit(eventType, fields)
	}
}

// debugToolCall mirrors tool call details to the origin chat when
// debug.log_tool_calls is set. Best effort.
func (e *Engine) debugToolCall(ctx context.Context, from origin, toolName, argsJSON, result string) {
	if !e.opts.Debug.LogToolCalls {
		return
	}
	argsPreview := argsJSON
	if len(argsPreview) > 300 {
		argsPreview = argsPreview[:300] + "..."
	}
	resultPreview := result
	if len(resultPreview) > 500 {
		resultPreview = resultPreview[:500] + "..."
	}
	debug := models.NewOutboundMessage(from.Channel, from.ChatID, fmt.Sprintf(
		"🔧 **Tool Call:** `%s`\n**Args:** ```\n%s\n```\n**Result:** ```\n%s\n```",
		toolName, argsPreview, resultPreview))
	debug.Metadata["is_debug"] = true
	if err := e.bus.PublishOutbound(ctx, debug); err != nil {
		e.logger.Debug("debug tool message dropped", "error", err)
	}
}

// dumpLLMCall overwrites <workspace>/.debug/last_llm_call.json with the
// most recent request/response, tool iterations included.
func (e *Engine) dumpLLMCall(messages []map[string]any, resp *providers.ChatResponse, iteration int) {
	if !e.opts.Debug.LogLLMContext || e.opts.Workspace == "" {
		return
	}
	dump := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"iteration": iteration,
		"model":     e.opts.Model,
		"request":   map[string]any{"messages": messages},
		"response": map[string]any{
			"content":           resp.Content,
			"reasoning_content": resp.ReasoningContent,
			"tool_calls":        resp.ToolCalls,
			"usage":             resp.Usage,
		},
	}
	payload, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return
	}
	dir := filepath.Join(e.opts.Workspace, ".debug")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.logger.Debug("debug dump dir", "error", err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, "last_llm_call.json"), payload, 0o644); err != nil {
		e.logger.Debug("debug dump write", "error", err)
	}
}

func (e *Engine) observeTurn(channel, status string, start time.Time) {
	if e.opts.Metrics == nil {
		return
	}
	e.opts.Metrics.TurnCounter.WithLabelValues(channel, status).Inc()
	e.opts.Metrics.TurnDuration.Observe(time.Since(start).Seconds())
}

func (e *Engine) observeTokens(usage providers.Usage) {
	if e.opts.Metrics == nil {
		return
	}
	e.opts.Metrics.LLMTokens.WithLabelValues(e.opts.Model, "prompt").Add(float64(usage.PromptTokens))
	e.opts.Metrics.LLMTokens.WithLabelValues(e.opts.Model, "completion").Add(float64(usage.CompletionTokens))
}
