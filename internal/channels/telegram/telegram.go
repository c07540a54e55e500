// Package telegram adapts Telegram bot chats onto the message bus using
// long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/zekis/nanobot/internal/bus"
	"github.com/zekis/nanobot/internal/channels"
	"github.com/zekis/nanobot/internal/channels/chunk"
	"github.com/zekis/nanobot/internal/config"
	"github.com/zekis/nanobot/pkg/models"
)

const pollTimeout = 60 * time.Second

const startHint = "Hi! I'm nanobot 🐈 Send me a message and I'll get to work."

// sender is the slice of the bot API that Send needs. Tests inject a
// fake; production wraps *bot.Bot.
type sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
}

// Adapter bridges Telegram to the bus. sender_id is the user id and
// chat_id the Telegram chat id, so DMs key sessions per user while
// groups share one chat id for routing.
type Adapter struct {
	cfg    config.TelegramConfig
	bus    *bus.MessageBus
	logger *slog.Logger

	bot    *bot.Bot
	client sender
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the adapter. The bot connection is established in Start.
func New(cfg config.TelegramConfig, b *bus.MessageBus, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		bus:    b,
		logger: logger.With("channel", "telegram"),
	}
}

func (a *Adapter) Name() string { return "telegram" }

// Start creates the bot and begins long polling in the background.
func (a *Adapter) Start(ctx context.Context) error {
	opts := []bot.Option{}
	if a.cfg.Proxy != "" {
		client, err := proxyClient(a.cfg.Proxy)
		if err != nil {
			return channels.ErrInvalidMessage("telegram", "bad proxy url", err)
		}
		opts = append(opts, bot.WithHTTPClient(pollTimeout, client))
		a.logger.Info("using proxy", "proxy", a.cfg.Proxy)
	}

	b, err := bot.New(a.cfg.Token, opts...)
	if err != nil {
		return channels.ErrAuth("telegram", "failed to create bot", err)
	}
	a.bot = b
	a.client = b

	b.RegisterHandler(bot.HandlerTypeMessageText, "", bot.MatchTypePrefix, a.handleUpdate)

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		b.Start(runCtx)
	}()

	a.logger.Info("telegram adapter started")
	return nil
}

// Stop ends long polling and waits for the poll loop to exit.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.logger.Info("telegram adapter stopped")
		return nil
	case <-ctx.Done():
		return channels.ErrTimeout("telegram", "stop timed out", ctx.Err())
	}
}

// Send delivers one outbound message, chunked to Telegram's 4096-char
// message limit.
func (a *Adapter) Send(ctx context.Context, msg models.OutboundMessage) error {
	if a.client == nil {
		return channels.ErrNotConnected("telegram")
	}
	for _, piece := range chunk.Text(msg.Content, chunk.LimitFor("telegram")) {
		_, err := a.client.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: msg.ChatID,
			Text:   piece,
		})
		if err != nil {
			return channels.ErrInternal("telegram", "send failed", err)
		}
	}
	return nil
}

func (a *Adapter) handleUpdate(ctx context.Context, _ *bot.Bot, update *tgmodels.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	m := update.Message

	text := m.Text
	if text == "" {
		text = m.Caption
	}
	if text == "" {
		return
	}

	senderID := strconv.FormatInt(m.From.ID, 10)
	username := m.From.Username
	if !channels.Allowed(a.cfg.AllowFrom, senderID) && !channels.Allowed(a.cfg.AllowFrom, username) {
		a.logger.Warn("sender not in allowlist", "sender_id", senderID, "username", username)
		return
	}

	chatID := strconv.FormatInt(m.Chat.ID, 10)
	if text == "/start" {
		if _, err := a.client.SendMessage(ctx, &bot.SendMessageParams{ChatID: m.Chat.ID, Text: startHint}); err != nil {
			a.logger.Warn("start hint failed", "error", err)
		}
		return
	}

	msg := models.NewInboundMessage("telegram", senderID, chatID, text)
	if username != "" {
		msg.Metadata["username"] = username
	}
	if err := a.bus.PublishInbound(ctx, msg); err != nil {
		a.logger.Error("inbound publish failed", "chat_id", chatID, "error", err)
	}
}

// proxyClient builds an HTTP client routed through an HTTP or SOCKS5
// proxy URL. net/http handles the socks5 scheme natively.
func proxyClient(proxyURL string) (*http.Client, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	return &http.Client{
		Timeout: pollTimeout + 10*time.Second,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(u),
		},
	}, nil
}
