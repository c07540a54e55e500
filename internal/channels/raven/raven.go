// Package raven delivers agent output to a Raven (Frappe) site through
// the deliver_bot_message API.
//
// The channel is outbound-only. Inbound Raven messages arrive through
// the API channel's /notify endpoint, pushed by the Frappe side's bot
// hook, so there is no listener here.
package raven

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zekis/nanobot/internal/channels"
	"github.com/zekis/nanobot/pkg/models"
)

const credsFile = "raven_config.json"

// credentials for the Frappe API, read from raven_config.json in the
// workspace.
type credentials struct {
	URL          string `json:"url"`
	APIKey       string `json:"api_key"`
	APISecret    string `json:"api_secret"`
	NanobotToken string `json:"nanobot_token"`
}

// Adapter posts agent output to Raven.
type Adapter struct {
	workspace string
	logger    *slog.Logger
	client    *http.Client

	mu    sync.Mutex
	creds *credentials
}

// Option customizes adapter construction.
type Option func(*Adapter)

// WithHTTPClient overrides the delivery client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) {
		if c != nil {
			a.client = c
		}
	}
}

// New creates the Raven adapter rooted at the given workspace.
func New(workspace string, logger *slog.Logger, opts ...Option) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		workspace: workspace,
		logger:    logger.With("channel", "raven"),
		client:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string { return "raven" }

// Start loads credentials. Missing credentials are not fatal: sends are
// dropped with a warning until raven_config.json appears.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	a.creds = readCredentials(a.workspace)
	creds := a.creds
	a.mu.Unlock()

	if creds != nil {
		a.logger.Info("raven channel ready", "url", creds.URL)
	} else {
		a.logger.Warn("no raven credentials, outbound messages will be dropped",
			"path", filepath.Join(a.workspace, credsFile))
	}
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.logger.Info("raven channel stopped")
	return nil
}

// Send delivers one message through deliver_bot_message. A chat_id
// other than "owner" is appended as a channel directive so the Frappe
// side routes the message to that Raven channel.
func (a *Adapter) Send(ctx context.Context, msg models.OutboundMessage) error {
	creds := a.credentials()
	if creds == nil {
		a.logger.Warn("dropping message, no raven credentials")
		return nil
	}
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return nil
	}
	if msg.ChatID != "" && msg.ChatID != "owner" {
		content = fmt.Sprintf("%s\n\nchannel:%s", content, msg.ChatID)
	}

	body, err := json.Marshal(map[string]string{
		"nanobot_token": creds.NanobotToken,
		"content":       content,
		"notice_type":   "message",
	})
	if err != nil {
		return channels.ErrInternal("raven", "encode payload", err)
	}

	url := creds.URL + "/api/method/nanonet.api.messaging.deliver_bot_message"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return channels.ErrInternal("raven", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("token %s:%s", creds.APIKey, creds.APISecret))

	resp, err := a.client.Do(req)
	if err != nil {
		return channels.ErrConnection("raven", "delivery failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return channels.ErrInternal("raven",
			fmt.Sprintf("delivery rejected (%d): %s", resp.StatusCode, snippet), nil)
	}

	a.logger.Info("message delivered", "chat_id", msg.ChatID)
	return nil
}

// credentials returns the cached credentials, retrying the file read
// when the config appeared after startup.
func (a *Adapter) credentials() *credentials {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.creds == nil {
		a.creds = readCredentials(a.workspace)
	}
	return a.creds
}

func readCredentials(workspace string) *credentials {
	raw, err := os.ReadFile(filepath.Join(workspace, credsFile))
	if err != nil {
		return nil
	}
	var c credentials
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil
	}
	if c.URL == "" || c.APIKey == "" || c.APISecret == "" || c.NanobotToken == "" {
		return nil
	}
	c.URL = strings.TrimRight(c.URL, "/")
	return &c
}
