// Package session holds per-conversation history and builds the
// structured context the engine feeds to the model.
package session

import (
	"time"
)

// Roles for session message records.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// Task statuses for the LLM-maintained task list.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
)

// MaxTaskListItems caps metadata.task_list.
const MaxTaskListItems = 10

// ToolAction is the canonical record of one historical tool use,
// attached to the assistant message of the turn that made the call.
type ToolAction struct {
	Tool        string `json:"tool"`
	ArgsSummary string `json:"args_summary"`
	Outcome     string `json:"outcome"`
}

// TaskItem is one entry of the LLM-maintained task list.
type TaskItem struct {
	Task   string `json:"task"`
	Status string `json:"status"`
}

// Message is one session record. Role decides which optional fields are
// meaningful: assistant records may carry ToolCalls and ToolActions,
// tool records carry ToolCallID and Name.
type Message struct {
	Role        string           `json:"role"`
	Content     string           `json:"content"`
	Timestamp   time.Time        `json:"timestamp"`
	ToolCalls   []map[string]any `json:"tool_calls,omitempty"`
	ToolCallID  string           `json:"tool_call_id,omitempty"`
	Name        string           `json:"name,omitempty"`
	ToolActions []ToolAction     `json:"tool_actions,omitempty"`
}

// Session is one conversation thread, keyed "{channel}:{chat_id}" (or
// an explicit session_id). Messages are append-only.
type Session struct {
	Key       string         `json:"key"`
	Messages  []Message      `json:"messages"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata"`
}

// NewSession creates an empty session.
func NewSession(key string) *Session {
	now := time.Now()
	return &Session{
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]any{},
	}
}

// MessageOption customizes an appended message.
type MessageOption func(*Message)

// WithToolCalls attaches the provider tool_calls array to an assistant
// record.
func WithToolCalls(calls []map[string]any) MessageOption {
	return func(m *Message) { m.ToolCalls = calls }
}

// WithToolCallID marks a tool record with the call it answers.
func WithToolCallID(id string) MessageOption {
	return func(m *Message) { m.ToolCallID = id }
}

// WithName sets the tool name on a tool record.
func WithName(name string) MessageOption {
	return func(m *Message) { m.Name = name }
}

// WithToolActions attaches tool-action summaries to an assistant record.
func WithToolActions(actions []ToolAction) MessageOption {
	return func(m *Message) { m.ToolActions = actions }
}

// WithTimestamp overrides the stamped time.
func WithTimestamp(ts time.Time) MessageOption {
	return func(m *Message) { m.Timestamp = ts }
}

// AddMessage appends a record and bumps UpdatedAt.
func (s *Session) AddMessage(role, content string, opts ...MessageOption) {
	msg := Message{Role: role, Content: content, Timestamp: time.Now()}
	for _, opt := range opts {
		opt(&msg)
	}
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now()
}

// Clear drops all messages and metadata.
func (s *Session) Clear() {
	s.Messages = nil
	s.Metadata = map[string]any{}
	s.UpdatedAt = time.Now()
}

// TaskList reads metadata.task_list tolerantly: it survives both the
// in-memory []TaskItem form and the []any form a JSON reload produces.
func (s *Session) TaskList() []TaskItem {
	return taskListFromValue(s.Metadata["task_list"])
}

// SetTaskList stores the task list, capped at MaxTaskListItems.
func (s *Session) SetTaskList(items []TaskItem) {
	if len(items) > MaxTaskListItems {
		items = items[:MaxTaskListItems]
	}
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	s.Metadata["task_list"] = items
	s.UpdatedAt = time.Now()
}

func taskListFromValue(value any) []TaskItem {
	switch typed := value.(type) {
	case []TaskItem:
		return typed
	case []any:
		items := make([]TaskItem, 0, len(typed))
		for _, entry := range typed {
			m, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			task, _ := m["task"].(string)
			status, _ := m["status"].(string)
			if task == "" {
				continue
			}
			items = append(items, TaskItem{Task: task, Status: status})
		}
		return items
	default:
		return nil
	}
}

// RoleContent is a flat {role, content} turn for the LLM message array.
type RoleContent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolLogEntry is one line of the historical tool log.
type ToolLogEntry struct {
	Timestamp   string `json:"timestamp"`
	Tool        string `json:"tool"`
	ArgsSummary string `json:"args_summary"`
	Outcome     string `json:"outcome"`
}

// StructuredContext replaces raw transcript replay. RecentPairs become
// conversation turns; TaskList and ToolLog are folded into the system
// prompt as a factual recap. Older assistant prose never re-enters the
// conversation, so the model cannot pick up fake tool syntax from it.
type StructuredContext struct {
	RecentPairs []RoleContent
	TaskList    []TaskItem
	ToolLog     []ToolLogEntry
}

// ContextOptions tune structured-context selection.
type ContextOptions struct {
	MinPairs       int
	MaxPairs       int
	Recency        time.Duration
	MaxToolEntries int
}

// DefaultContextOptions match the engine defaults.
func DefaultContextOptions() ContextOptions {
	return ContextOptions{
		MinPairs:       3,
		MaxPairs:       20,
		Recency:        30 * time.Minute,
		MaxToolEntries: 30,
	}
}

// GetStructuredContext selects recent user+assistant pairs and
// summarizes everything older.
//
// Pair selection walks backwards: a pair is an assistant record at i
// with a user record at i-1. The last MinPairs pairs are always kept;
// selection extends further back while pairs fall inside the recency
// window, hard-capped at MaxPairs. Tool-action summaries are collected
// only from assistant records outside the selected pairs, in
// chronological order, keeping the last MaxToolEntries.
func (s *Session) GetStructuredContext(opts ContextOptions) StructuredContext {
	if opts.MinPairs <= 0 {
		opts.MinPairs = 3
	}
	if opts.MaxPairs <= 0 {
		opts.MaxPairs = 20
	}
	if opts.Recency <= 0 {
		opts.Recency = 30 * time.Minute
	}
	if opts.MaxToolEntries <= 0 {
		opts.MaxToolEntries = 30
	}
	cutoff := time.Now().Add(-opts.Recency)

	type pair struct {
		userIdx, asstIdx int
	}
	var pairs []pair
	for idx := len(s.Messages) - 1; idx >= 0 && len(pairs) < opts.MaxPairs; {
		m := s.Messages[idx]
		if m.Role == RoleAssistant && idx > 0 && s.Messages[idx-1].Role == RoleUser {
			pairs = append(pairs, pair{userIdx: idx - 1, asstIdx: idx})
			idx -= 2
			continue
		}
		idx--
	}

	keep := opts.MinPairs
	if len(pairs) < keep {
		keep = len(pairs)
	}
	for i := keep; i < len(pairs); i++ {
		ts := s.Messages[pairs[i].asstIdx].Timestamp
		if ts.IsZero() {
			ts = s.Messages[pairs[i].userIdx].Timestamp
		}
		if ts.IsZero() || ts.Before(cutoff) {
			break
		}
		keep = i + 1
	}
	selected := pairs[:keep]

	recent := make([]RoleContent, 0, len(selected)*2)
	recentIndices := make(map[int]bool, len(selected)*2)
	for i := len(selected) - 1; i >= 0; i-- {
		p := selected[i]
		recent = append(recent,
			RoleContent{Role: RoleUser, Content: s.Messages[p.userIdx].Content},
			RoleContent{Role: RoleAssistant, Content: s.Messages[p.asstIdx].Content},
		)
		recentIndices[p.userIdx] = true
		recentIndices[p.asstIdx] = true
	}

	var toolLog []ToolLogEntry
	for i, m := range s.Messages {
		if recentIndices[i] || m.Role != RoleAssistant {
			continue
		}
		for _, action := range m.ToolActions {
			entry := ToolLogEntry{
				Tool:        action.Tool,
				ArgsSummary: action.ArgsSummary,
				Outcome:     action.Outcome,
			}
			if !m.Timestamp.IsZero() {
				entry.Timestamp = m.Timestamp.Format(time.RFC3339)
			}
			toolLog = append(toolLog, entry)
		}
	}
	if len(toolLog) > opts.MaxToolEntries {
		toolLog = toolLog[len(toolLog)-opts.MaxToolEntries:]
	}

	return StructuredContext{
		RecentPairs: recent,
		TaskList:    s.TaskList(),
		ToolLog:     toolLog,
	}
}

// History returns the last maxMessages records as flat {role, content}
// turns. Fallback for callers that want raw transcript replay.
func (s *Session) History(maxMessages int) []RoleContent {
	msgs := s.Messages
	if maxMessages > 0 && len(msgs) > maxMessages {
		msgs = msgs[len(msgs)-maxMessages:]
	}
	history := make([]RoleContent, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, RoleContent{Role: m.Role, Content: m.Content})
	}
	return history
}
