// Package agent contains the turn engine: it drains the inbound queue,
// builds LLM context, runs the bounded tool loop, and publishes replies.
package agent

import (
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/zekis/nanobot/internal/session"
)

// Bootstrap files injected into the system prompt, in order, when they
// exist in the workspace.
var bootstrapFiles = []string{"AGENTS.md", "SOUL.md", "USER.md", "TOOLS.md", "IDENTITY.md"}

// SkillSource supplies skill content for the system prompt.
type SkillSource interface {
	// AlwaysContent returns the full bodies of always-loaded skills.
	AlwaysContent() string
	// Summary returns the catalogue of available skills (name +
	// description) for progressive loading.
	Summary() string
}

// ContextBuilder assembles the message array for one LLM call: system
// prompt from workspace files, structured recap from the session, and
// the current user content.
type ContextBuilder struct {
	workspace string
	skills    SkillSource
	now       func() time.Time
}

// NewContextBuilder creates a builder rooted at the workspace. skills
// may be nil.
func NewContextBuilder(workspace string, skills SkillSource) *ContextBuilder {
	return &ContextBuilder{workspace: workspace, skills: skills, now: time.Now}
}

// BuildSystemPrompt concatenates identity, bootstrap files, memory, and
// skills with "\n\n---\n\n" separators.
func (b *ContextBuilder) BuildSystemPrompt() string {
	parts := []string{b.identity()}

	if bootstrap := b.loadBootstrapFiles(); bootstrap != "" {
		parts = append(parts, bootstrap)
	}
	if memory := b.memoryContext(); memory != "" {
		parts = append(parts, "# Memory\n\n"+memory)
	}
	if b.skills != nil {
		if always := b.skills.AlwaysContent(); always != "" {
			parts = append(parts, "# Active Skills\n\n"+always)
		}
		if summary := b.skills.Summary(); summary != "" {
			parts = append(parts, "# Skills\n\n"+
				"The following skills extend your capabilities. To use a skill, read its SKILL.md file with the read_file tool.\n\n"+
				summary)
		}
	}
	return strings.Join(parts, "\n\n---\n\n")
}

func (b *ContextBuilder) identity() string {
	now := b.now().Format("2006-01-02 15:04 (Monday)")
	workspace := b.workspace
	if abs, err := filepath.Abs(workspace); err == nil {
		workspace = abs
	}
	host := fmt.Sprintf("%s %s", runtime.GOOS, runtime.GOARCH)

	return fmt.Sprintf(`# nanobot 🐈

You are nanobot, a helpful AI assistant. You have access to tools that allow you to:
- Read, write, and edit files
- Execute shell commands
- Search the web and fetch web pages
- Send messages to users on chat channels
- Spawn subagents for complex background tasks

## Current Time
%s

## Runtime
%s

## Workspace
Your workspace is at: %s
- Memory files: %s/memory/MEMORY.md
- Custom skills: %s/skills/{skill-name}/SKILL.md

IMPORTANT: When responding to direct questions or conversations, reply directly with your text response.
Only use the 'message' tool when you need to send a message to a specific chat channel.
For normal conversation, just respond with text - do not call the message tool.

Always be helpful, accurate, and concise.

CRITICAL: When you need to use a tool, you MUST make an actual function call - never describe or simulate a tool call in text. If you say you will call a tool, actually call it. Never output fake tool call syntax, JSON payloads, or code blocks as a substitute for a real function call.
When remembering something, write to %s/memory/MEMORY.md`,
		now, host, workspace, workspace, workspace, workspace)
}

func (b *ContextBuilder) loadBootstrapFiles() string {
	var parts []string
	for _, name := range bootstrapFiles {
		content, err := os.ReadFile(filepath.Join(b.workspace, name))
		if err != nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("## %s\n\n%s", name, string(content)))
	}
	return strings.Join(parts, "\n\n")
}

// memoryContext reads the long-term memory file and today's daily note.
func (b *ContextBuilder) memoryContext() string {
	var parts []string
	if content, err := os.ReadFile(filepath.Join(b.workspace, "memory", "MEMORY.md")); err == nil {
		parts = append(parts, strings.TrimSpace(string(content)))
	}
	daily := b.now().Format("2006-01-02") + ".md"
	if content, err := os.ReadFile(filepath.Join(b.workspace, "memory", daily)); err == nil {
		parts = append(parts, "## Today\n\n"+strings.TrimSpace(string(content)))
	}
	return strings.Join(parts, "\n\n")
}

// BuildInput carries the per-turn inputs into BuildMessages.
type BuildInput struct {
	Context           session.StructuredContext
	CurrentMessage    string
	Media             []string
	Channel           string
	ChatID            string
	RetrievedMemories string
}

// BuildMessages produces the full LLM message array: system prompt
// (with memories and the structured recap appended), recent pairs as
// history, then the current user content.
func (b *ContextBuilder) BuildMessages(in BuildInput) []map[string]any {
	system := b.BuildSystemPrompt()

	if in.RetrievedMemories != "" {
		system += "\n\n---\n\n" + in.RetrievedMemories
	}
	if recap := formatContextSummary(in.Context); recap != "" {
		system += "\n\n---\n\n" + recap
	}
	if in.Channel != "" && in.ChatID != "" {
		system += fmt.Sprintf("\n\n## Current Session\nChannel: %s\nChat ID: %s", in.Channel, in.ChatID)
	}

	messages := []map[string]any{{"role": "system", "content": system}}
	for _, turn := range in.Context.RecentPairs {
		messages = append(messages, map[string]any{"role": turn.Role, "content": turn.Content})
	}
	messages = append(messages, map[string]any{
		"role":    "user",
		"content": buildUserContent(in.CurrentMessage, in.Media),
	})
	return messages
}

// formatContextSummary renders the task list and tool log as a factual
// recap. Older assistant prose never re-enters the conversation, so the
// model cannot pick up fake tool syntax from it.
func formatContextSummary(ctx session.StructuredContext) string {
	var parts []string

	if len(ctx.TaskList) > 0 {
		lines := make([]string, 0, len(ctx.TaskList))
		for _, t := range ctx.TaskList {
			status := t.Status
			if status == "" {
				status = "pending"
			}
			lines = append(lines, fmt.Sprintf("- [%s] %s", status, t.Task))
		}
		parts = append(parts, "## Current Task List\n"+strings.Join(lines, "\n"))
	}

	if len(ctx.ToolLog) > 0 {
		lines := make([]string, 0, len(ctx.ToolLog))
		for _, e := range ctx.ToolLog {
			lines = append(lines, fmt.Sprintf("- **%s**(%s) -> %s", e.Tool, e.ArgsSummary, e.Outcome))
		}
		parts = append(parts, "## Tool Execution History\n"+
			"These tools were called during previous turns in this conversation:\n"+
			strings.Join(lines, "\n"))
	}

	return strings.Join(parts, "\n\n")
}

// buildUserContent returns a plain string, or a parts array when image
// attachments resolve to readable image files.
func buildUserContent(text string, media []string) any {
	if len(media) == 0 {
		return text
	}

	var parts []map[string]any
	for _, path := range media {
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		mimeType := mime.TypeByExtension(filepath.Ext(path))
		if !strings.HasPrefix(mimeType, "image/") {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		encoded := base64.StdEncoding.EncodeToString(data)
		parts = append(parts, map[string]any{
			"type": "image_url",
			"image_url": map[string]any{
				"url": fmt.Sprintf("data:%s;base64,%s", mimeType, encoded),
			},
		})
	}
	if len(parts) == 0 {
		return text
	}
	parts = append(parts, map[string]any{"type": "text", "text": text})
	return parts
}

// AddAssistantMessage appends an assistant record, with tool calls and
// reasoning content when present.
func AddAssistantMessage(messages []map[string]any, content string, toolCalls []map[string]any, reasoning string) []map[string]any {
	msg := map[string]any{"role": "assistant", "content": content}
	if len(toolCalls) > 0 {
		msg["tool_calls"] = toolCalls
	}
	if reasoning != "" {
		msg["reasoning_content"] = reasoning
	}
	return append(messages, msg)
}

// AddToolResult appends a tool record answering the given call.
func AddToolResult(messages []map[string]any, callID, name, result string) []map[string]any {
	return append(messages, map[string]any{
		"role":         "tool",
		"tool_call_id": callID,
		"name":         name,
		"content":      result,
	})
}
