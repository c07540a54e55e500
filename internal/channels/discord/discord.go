// Package discord adapts Discord guild and DM chats onto the message
// bus.
package discord

import (
	"context"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/zekis/nanobot/internal/bus"
	"github.com/zekis/nanobot/internal/channels"
	"github.com/zekis/nanobot/internal/channels/chunk"
	"github.com/zekis/nanobot/internal/config"
	"github.com/zekis/nanobot/pkg/models"
)

// session is the slice of discordgo.Session the adapter uses. Tests
// inject a fake.
type session interface {
	Open() error
	Close() error
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	AddHandler(handler interface{}) func()
}

// Adapter bridges Discord to the bus. sender_id is the author's user id
// and chat_id the Discord channel id.
type Adapter struct {
	cfg    config.DiscordConfig
	bus    *bus.MessageBus
	logger *slog.Logger

	session session
	botID   string
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates the adapter. The gateway connection is opened in Start.
func New(cfg config.DiscordConfig, b *bus.MessageBus, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		bus:    b,
		logger: logger.With("channel", "discord"),
	}
}

func (a *Adapter) Name() string { return "discord" }

// Start opens the gateway connection with the configured intents.
func (a *Adapter) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	if a.session == nil {
		dg, err := discordgo.New("Bot " + a.cfg.Token)
		if err != nil {
			return channels.ErrAuth("discord", "failed to create session", err)
		}
		dg.Identify.Intents = discordgo.Intent(a.cfg.Intents)
		a.session = dg
	}

	a.session.AddHandler(a.handleMessageCreate)
	if err := a.session.Open(); err != nil {
		return channels.ErrConnection("discord", "failed to open gateway", err)
	}

	if dg, ok := a.session.(*discordgo.Session); ok && dg.State != nil && dg.State.User != nil {
		a.botID = dg.State.User.ID
	}

	a.logger.Info("discord adapter started", "intents", a.cfg.Intents)
	return nil
}

// Stop closes the gateway connection.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.session == nil {
		return nil
	}
	if err := a.session.Close(); err != nil {
		return channels.ErrInternal("discord", "close failed", err)
	}
	a.logger.Info("discord adapter stopped")
	return nil
}

// Send delivers one outbound message, chunked to Discord's 2000-char
// message limit.
func (a *Adapter) Send(ctx context.Context, msg models.OutboundMessage) error {
	if a.session == nil {
		return channels.ErrNotConnected("discord")
	}
	for _, piece := range chunk.Text(msg.Content, chunk.LimitFor("discord")) {
		if _, err := a.session.ChannelMessageSend(msg.ChatID, piece); err != nil {
			return channels.ErrInternal("discord", "send failed", err)
		}
	}
	return nil
}

func (a *Adapter) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == a.botID {
		return
	}
	if m.Content == "" {
		return
	}
	if !channels.Allowed(a.cfg.AllowFrom, m.Author.ID) && !channels.Allowed(a.cfg.AllowFrom, m.Author.Username) {
		a.logger.Warn("sender not in allowlist", "user_id", m.Author.ID, "username", m.Author.Username)
		return
	}

	msg := models.NewInboundMessage("discord", m.Author.ID, m.ChannelID, m.Content)
	msg.Metadata["username"] = m.Author.Username
	if m.GuildID != "" {
		msg.Metadata["guild_id"] = m.GuildID
	}

	ctx := a.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := a.bus.PublishInbound(ctx, msg); err != nil {
		a.logger.Error("inbound publish failed", "channel_id", m.ChannelID, "error", err)
	}
}
