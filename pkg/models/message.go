// Package models defines the message types shared between channels, the
// bus, and the agent engine.
package models

import (
	"fmt"
	"time"
)

// Well-known channel names. Adapters register under these; anything else
// is routed purely by string match.
const (
	ChannelTelegram = "telegram"
	ChannelDiscord  = "discord"
	ChannelSlack    = "slack"
	ChannelWhatsApp = "whatsapp"
	ChannelFeishu   = "feishu"
	ChannelRaven    = "raven"
	ChannelAPI      = "api"
	ChannelCLI      = "cli"

	// ChannelSystem marks internally generated events (cron fires,
	// subagent completions). The engine parses the chat_id of a system
	// message as "{origin_channel}:{origin_chat_id}" to route the reply.
	ChannelSystem = "system"
)

// InboundMessage is a user or system event entering the agent. Treated as
// immutable once constructed.
type InboundMessage struct {
	Channel   string         `json:"channel"`
	SenderID  string         `json:"sender_id"`
	ChatID    string         `json:"chat_id"`
	Content   string         `json:"content"`
	Media     []string       `json:"media,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewInboundMessage stamps the current time and guarantees a non-nil
// metadata map.
func NewInboundMessage(channel, senderID, chatID, content string) InboundMessage {
	return InboundMessage{
		Channel:   channel,
		SenderID:  senderID,
		ChatID:    chatID,
		Content:   content,
		Metadata:  map[string]any{},
		Timestamp: time.Now().UTC(),
	}
}

// SessionKey returns metadata["session_id"] when set, otherwise
// "{channel}:{sender_id}". Group-oriented adapters that want per-chat
// sessions set session_id themselves.
func (m InboundMessage) SessionKey() string {
	if sid := MetaString(m.Metadata, "session_id"); sid != "" {
		return sid
	}
	return fmt.Sprintf("%s:%s", m.Channel, m.SenderID)
}

// OutboundMessage is a reply or side message leaving the agent toward a
// channel sink.
type OutboundMessage struct {
	Channel  string         `json:"channel"`
	ChatID   string         `json:"chat_id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewOutboundMessage guarantees a non-nil metadata map.
func NewOutboundMessage(channel, chatID, content string) OutboundMessage {
	return OutboundMessage{
		Channel:  channel,
		ChatID:   chatID,
		Content:  content,
		Metadata: map[string]any{},
	}
}

// IsFinal reports whether this message is the terminal reply of a turn.
// Only final messages resolve pending sync-HTTP requests; everything
// else is intermediate fan-out.
func (m OutboundMessage) IsFinal() bool {
	v, ok := m.Metadata["is_final"].(bool)
	return ok && v
}

// MarkFinal sets the is_final metadata flag.
func (m *OutboundMessage) MarkFinal() {
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	m.Metadata["is_final"] = true
}

// MetaString reads a string-valued metadata key, returning "" when the
// key is missing or holds a non-string.
func MetaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	s, _ := meta[key].(string)
	return s
}
