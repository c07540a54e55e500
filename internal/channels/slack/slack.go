// Package slack adapts Slack conversations onto the message bus over
// Socket Mode, so no public ingress is needed.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/zekis/nanobot/internal/bus"
	"github.com/zekis/nanobot/internal/channels"
	"github.com/zekis/nanobot/internal/channels/chunk"
	"github.com/zekis/nanobot/internal/config"
	"github.com/zekis/nanobot/pkg/models"
)

// apiClient is the slice of slack.Client the adapter uses. Tests inject
// a fake.
type apiClient interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// socketRunner is the socketmode client surface: run the connection and
// acknowledge envelopes.
type socketRunner interface {
	RunContext(ctx context.Context) error
	Ack(req socketmode.Request, payload ...interface{})
}

// Adapter bridges Slack to the bus. chat_id is "{channel}" for plain
// messages and "{channel}:{thread_ts}" inside threads, so replies land
// in the thread they came from.
type Adapter struct {
	cfg    config.SlackConfig
	bus    *bus.MessageBus
	logger *slog.Logger

	api    apiClient
	socket socketRunner
	events <-chan socketmode.Event

	botUserID string
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates the adapter. The Socket Mode connection opens in Start.
func New(cfg config.SlackConfig, b *bus.MessageBus, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		bus:    b,
		logger: logger.With("channel", "slack"),
	}
}

func (a *Adapter) Name() string { return "slack" }

// Start authenticates, then runs the Socket Mode loop in the
// background.
func (a *Adapter) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	if a.api == nil {
		client := slack.New(a.cfg.BotToken, slack.OptionAppLevelToken(a.cfg.AppToken))
		sc := socketmode.New(client)
		a.api = client
		a.socket = sc
		a.events = sc.Events
	}

	auth, err := a.api.AuthTestContext(ctx)
	if err != nil {
		return channels.ErrAuth("slack", "auth test failed", err)
	}
	a.botUserID = auth.UserID

	a.wg.Add(1)
	go a.handleEvents()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.socket.RunContext(a.ctx); err != nil && a.ctx.Err() == nil {
			a.logger.Error("socket mode stopped", "error", err)
		}
	}()

	a.logger.Info("slack adapter started", "bot_user_id", a.botUserID)
	return nil
}

// Stop ends the Socket Mode loop and waits for goroutines to exit.
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
		a.logger.Info("slack adapter stopped")
		return nil
	case <-ctx.Done():
		return channels.ErrTimeout("slack", "stop timed out", ctx.Err())
	}
}

// Send posts one outbound message. A chat_id of "{channel}:{thread_ts}"
// addresses the thread; plain channel ids post to the channel.
func (a *Adapter) Send(ctx context.Context, msg models.OutboundMessage) error {
	if a.api == nil {
		return channels.ErrNotConnected("slack")
	}
	channelID, threadTS, _ := strings.Cut(msg.ChatID, ":")

	for _, piece := range chunk.Text(msg.Content, chunk.LimitFor("slack")) {
		options := []slack.MsgOption{slack.MsgOptionText(piece, false)}
		if threadTS != "" {
			options = append(options, slack.MsgOptionTS(threadTS))
		}
		if _, _, err := a.api.PostMessageContext(ctx, channelID, options...); err != nil {
			return channels.ErrInternal("slack", "post failed", err)
		}
	}
	return nil
}

func (a *Adapter) handleEvents() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case event, ok := <-a.events:
			if !ok {
				return
			}
			switch event.Type {
			case socketmode.EventTypeConnected:
				a.logger.Info("socket mode connected")
			case socketmode.EventTypeConnectionError:
				a.logger.Warn("socket mode connection error")
			case socketmode.EventTypeEventsAPI:
				a.handleEventsAPI(event)
			case socketmode.EventTypeSlashCommand, socketmode.EventTypeInteractive:
				if event.Request != nil {
					a.socket.Ack(*event.Request)
				}
			}
		}
	}
}

func (a *Adapter) handleEventsAPI(event socketmode.Event) {
	apiEvent, ok := event.Data.(slackevents.EventsAPIEvent)
	if event.Request != nil {
		a.socket.Ack(*event.Request)
	}
	if !ok || apiEvent.Type != slackevents.CallbackEvent {
		return
	}

	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		a.processMessage(ev.User, ev.Channel, ev.Text, ev.ThreadTimeStamp)
	case *slackevents.MessageEvent:
		if ev.BotID != "" || ev.SubType != "" {
			return
		}
		a.processMessage(ev.User, ev.Channel, ev.Text, ev.ThreadTimeStamp)
	}
}

// processMessage filters to DMs, mentions, and thread replies, then
// publishes the message with a thread-aware chat_id.
func (a *Adapter) processMessage(user, channel, text, threadTS string) {
	isDM := strings.HasPrefix(channel, "D")
	isMention := a.botUserID != "" && strings.Contains(text, fmt.Sprintf("<@%s>", a.botUserID))
	if !isDM && !isMention && threadTS == "" {
		return
	}
	if user == "" || user == a.botUserID {
		return
	}
	if !channels.Allowed(a.cfg.AllowFrom, user) {
		a.logger.Warn("sender not in allowlist", "user", user)
		return
	}

	content := stripMentions(text)
	if content == "" {
		return
	}

	chatID := channel
	if threadTS != "" {
		chatID = fmt.Sprintf("%s:%s", channel, threadTS)
	}

	msg := models.NewInboundMessage("slack", user, chatID, content)
	msg.Metadata["slack_channel"] = channel
	if threadTS != "" {
		msg.Metadata["thread_ts"] = threadTS
	}
	if err := a.bus.PublishInbound(a.ctx, msg); err != nil {
		a.logger.Error("inbound publish failed", "channel", channel, "error", err)
	}
}

// stripMentions removes <@USERID> tags from message text.
func stripMentions(text string) string {
	for {
		start := strings.Index(text, "<@")
		if start == -1 {
			break
		}
		end := strings.Index(text[start:], ">")
		if end == -1 {
			break
		}
		text = text[:start] + text[start+end+1:]
	}
	return strings.TrimSpace(text)
}
