package telegram

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/zekis/nanobot/internal/bus"
	"github.com/zekis/nanobot/internal/config"
	"github.com/zekis/nanobot/pkg/models"
)

type fakeSender struct {
	calls []*bot.SendMessageParams
}

func (f *fakeSender) SendMessage(_ context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error) {
	f.calls = append(f.calls, params)
	return &tgmodels.Message{ID: len(f.calls)}, nil
}

func newTestAdapter(cfg config.TelegramConfig) (*Adapter, *fakeSender, *bus.MessageBus) {
	b := bus.New(8)
	a := New(cfg, b, nil)
	fake := &fakeSender{}
	a.client = fake
	return a, fake, b
}

func textUpdate(userID, chatID int64, username, text string) *tgmodels.Update {
	return &tgmodels.Update{
		Message: &tgmodels.Message{
			ID:   1,
			From: &tgmodels.User{ID: userID, Username: username},
			Chat: tgmodels.Chat{ID: chatID},
			Text: text,
		},
	}
}

func consume(t *testing.T, b *bus.MessageBus) models.InboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := b.ConsumeInbound(ctx)
	if err != nil {
		t.Fatalf("ConsumeInbound: %v", err)
	}
	return msg
}

func TestHandleUpdate_PublishesInbound(t *testing.T) {
	a, _, b := newTestAdapter(config.TelegramConfig{})

	a.handleUpdate(context.Background(), nil, textUpdate(42, 1001, "alice", "hello bot"))

	msg := consume(t, b)
	if msg.Channel != "telegram" || msg.SenderID != "42" || msg.ChatID != "1001" {
		t.Errorf("msg = %s/%s/%s", msg.Channel, msg.SenderID, msg.ChatID)
	}
	if msg.Content != "hello bot" {
		t.Errorf("content = %q", msg.Content)
	}
	if msg.Metadata["username"] != "alice" {
		t.Errorf("metadata = %v", msg.Metadata)
	}
}

func TestHandleUpdate_CaptionFallback(t *testing.T) {
	a, _, b := newTestAdapter(config.TelegramConfig{})

	update := textUpdate(42, 42, "alice", "")
	update.Message.Caption = "look at this photo"
	a.handleUpdate(context.Background(), nil, update)

	if got := consume(t, b).Content; got != "look at this photo" {
		t.Errorf("content = %q", got)
	}
}

func TestHandleUpdate_Allowlist(t *testing.T) {
	a, _, b := newTestAdapter(config.TelegramConfig{AllowFrom: []string{"999"}})

	a.handleUpdate(context.Background(), nil, textUpdate(42, 42, "mallory", "let me in"))
	if depth := b.InboundDepth(); depth != 0 {
		t.Errorf("denied sender published %d messages", depth)
	}

	a.handleUpdate(context.Background(), nil, textUpdate(999, 999, "", "authorized"))
	if got := consume(t, b).SenderID; got != "999" {
		t.Errorf("sender = %s", got)
	}
}

func TestHandleUpdate_AllowlistByUsername(t *testing.T) {
	a, _, b := newTestAdapter(config.TelegramConfig{AllowFrom: []string{"alice"}})

	a.handleUpdate(context.Background(), nil, textUpdate(42, 42, "alice", "hi"))
	if b.InboundDepth() != 1 {
		t.Error("username allowlist entry was not honored")
	}
}

func TestHandleUpdate_StartCommandRepliesWithHint(t *testing.T) {
	a, fake, b := newTestAdapter(config.TelegramConfig{})

	a.handleUpdate(context.Background(), nil, textUpdate(42, 42, "alice", "/start"))

	if b.InboundDepth() != 0 {
		t.Error("/start should not reach the agent")
	}
	if len(fake.calls) != 1 || fake.calls[0].Text != startHint {
		t.Errorf("calls = %+v", fake.calls)
	}
}

func TestSend_ChunksLongMessages(t *testing.T) {
	a, fake, _ := newTestAdapter(config.TelegramConfig{})

	long := strings.Repeat("word ", 1200) // ~6000 chars
	msg := models.NewOutboundMessage("telegram", "1001", long)
	if err := a.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(fake.calls) < 2 {
		t.Fatalf("expected chunked send, got %d calls", len(fake.calls))
	}
	for i, call := range fake.calls {
		if call.ChatID != "1001" {
			t.Errorf("call %d chat_id = %v", i, call.ChatID)
		}
		if len(call.Text) > 4096 {
			t.Errorf("call %d text too long: %d", i, len(call.Text))
		}
	}
}

func TestSend_NotConnected(t *testing.T) {
	a := New(config.TelegramConfig{}, bus.New(1), nil)
	err := a.Send(context.Background(), models.NewOutboundMessage("telegram", "1", "hi"))
	if err == nil {
		t.Fatal("expected not-connected error")
	}
}

func TestProxyClient(t *testing.T) {
	client, err := proxyClient("socks5://127.0.0.1:1080")
	if err != nil {
		t.Fatalf("proxyClient: %v", err)
	}
	if client.Transport == nil {
		t.Error("transport not configured")
	}

	if _, err := proxyClient("://bad"); err == nil {
		t.Error("expected parse error")
	}
}
