// Package feishu adapts Feishu (Lark) chats onto the message bus. The
// open platform pushes events to a local callback server; replies go
// out through the REST API with a cached tenant access token.
package feishu

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/zekis/nanobot/internal/bus"
	"github.com/zekis/nanobot/internal/channels"
	"github.com/zekis/nanobot/internal/channels/chunk"
	"github.com/zekis/nanobot/internal/config"
	"github.com/zekis/nanobot/pkg/models"
)

const (
	defaultBaseURL = "https://open.feishu.cn"
	tokenMargin    = 5 * time.Minute
	dedupWindow    = 10 * time.Minute
	dedupMaxSize   = 512
)

// Adapter bridges Feishu to the bus. sender_id is the sender's open_id
// and chat_id the Feishu chat id.
type Adapter struct {
	cfg     config.FeishuConfig
	bus     *bus.MessageBus
	logger  *slog.Logger
	baseURL string
	client  *http.Client

	server   *http.Server
	listener net.Listener

	tokenMu     sync.Mutex
	tenantToken string
	tokenExpiry time.Time

	seenMu sync.Mutex
	seen   map[string]time.Time
}

// Option customizes the adapter.
type Option func(*Adapter)

// WithBaseURL points the REST client somewhere else. Tests use this.
func WithBaseURL(u string) Option {
	return func(a *Adapter) {
		if u != "" {
			a.baseURL = u
		}
	}
}

// New creates the adapter. The callback server starts in Start.
func New(cfg config.FeishuConfig, b *bus.MessageBus, logger *slog.Logger, opts ...Option) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		cfg:     cfg,
		bus:     b,
		logger:  logger.With("channel", "feishu"),
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		seen:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string { return "feishu" }

// Start serves the event callback endpoint on the configured address.
func (a *Adapter) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/feishu/events", a.handleEvent)
	mux.HandleFunc("/", a.handleEvent)

	a.server = &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return channels.ErrConnection("feishu", "callback listen failed", err)
	}
	a.listener = listener

	go func() {
		if err := a.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("callback server error", "error", err)
		}
	}()

	a.logger.Info("feishu adapter started", "listen_addr", a.cfg.ListenAddr)
	return nil
}

// Stop shuts the callback server down.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	if err := a.server.Shutdown(ctx); err != nil {
		return channels.ErrTimeout("feishu", "shutdown failed", err)
	}
	a.server = nil
	a.listener = nil
	a.logger.Info("feishu adapter stopped")
	return nil
}

// Send posts one text message per chunk through the REST API.
func (a *Adapter) Send(ctx context.Context, msg models.OutboundMessage) error {
	token, err := a.getTenantToken(ctx)
	if err != nil {
		return channels.ErrAuth("feishu", "tenant token", err)
	}

	for _, piece := range chunk.Text(msg.Content, chunk.LimitFor("feishu")) {
		content, err := json.Marshal(map[string]string{"text": piece})
		if err != nil {
			return channels.ErrInternal("feishu", "encode content", err)
		}
		body, err := json.Marshal(map[string]string{
			"receive_id": msg.ChatID,
			"msg_type":   "text",
			"content":    string(content),
		})
		if err != nil {
			return channels.ErrInternal("feishu", "encode message", err)
		}

		url := a.baseURL + "/open-apis/im/v1/messages?receive_id_type=chat_id"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return channels.ErrInternal("feishu", "build request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := a.client.Do(req)
		if err != nil {
			return channels.ErrConnection("feishu", "send failed", err)
		}
		var result struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&result)
		resp.Body.Close()
		if decodeErr != nil {
			return channels.ErrInternal("feishu", "decode send response", decodeErr)
		}
		if result.Code != 0 {
			return channels.ErrInternal("feishu", fmt.Sprintf("send rejected: %s (code %d)", result.Msg, result.Code), nil)
		}
	}
	return nil
}

// getTenantToken returns a cached tenant access token, refreshing it
// when less than the margin remains.
func (a *Adapter) getTenantToken(ctx context.Context) (string, error) {
	a.tokenMu.Lock()
	defer a.tokenMu.Unlock()

	if a.tenantToken != "" && time.Now().Before(a.tokenExpiry) {
		return a.tenantToken, nil
	}

	body, err := json.Marshal(map[string]string{
		"app_id":     a.cfg.AppID,
		"app_secret": a.cfg.AppSecret,
	})
	if err != nil {
		return "", err
	}
	url := a.baseURL + "/open-apis/auth/v3/tenant_access_token/internal"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if result.Code != 0 {
		return "", fmt.Errorf("token request rejected: %s (code %d)", result.Msg, result.Code)
	}

	a.tenantToken = result.TenantAccessToken
	a.tokenExpiry = time.Now().Add(time.Duration(result.Expire)*time.Second - tokenMargin)
	return a.tenantToken, nil
}

type callbackEnvelope struct {
	Encrypt   string `json:"encrypt"`
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Token     string `json:"token"`
	Header    struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event struct {
		Sender struct {
			SenderID struct {
				OpenID string `json:"open_id"`
			} `json:"sender_id"`
		} `json:"sender"`
		Message struct {
			MessageID   string `json:"message_id"`
			ChatID      string `json:"chat_id"`
			ChatType    string `json:"chat_type"`
			MessageType string `json:"message_type"`
			Content     string `json:"content"`
		} `json:"message"`
	} `json:"event"`
}

func (a *Adapter) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}

	var env callbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if env.Encrypt != "" {
		plain, err := decryptEvent(a.cfg.EncryptKey, env.Encrypt)
		if err != nil {
			a.logger.Warn("event decrypt failed", "error", err)
			http.Error(w, "decrypt failed", http.StatusBadRequest)
			return
		}
		env = callbackEnvelope{}
		if err := json.Unmarshal(plain, &env); err != nil {
			http.Error(w, "bad decrypted json", http.StatusBadRequest)
			return
		}
	}

	// Endpoint registration handshake.
	if env.Type == "url_verification" {
		writeJSON(w, map[string]string{"challenge": env.Challenge})
		return
	}

	if a.cfg.VerificationToken != "" && env.Header.Token != a.cfg.VerificationToken {
		a.logger.Warn("event token mismatch")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if env.Header.EventType == "im.message.receive_v1" {
		a.handleMessageEvent(r.Context(), env)
	}
	writeJSON(w, map[string]int{"code": 0})
}

func (a *Adapter) handleMessageEvent(ctx context.Context, env callbackEnvelope) {
	if env.Header.EventID != "" && a.alreadySeen(env.Header.EventID) {
		return
	}
	msg := env.Event.Message
	if msg.MessageType != "text" {
		a.logger.Debug("ignoring non-text message", "type", msg.MessageType)
		return
	}

	var content struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(msg.Content), &content); err != nil || content.Text == "" {
		return
	}

	openID := env.Event.Sender.SenderID.OpenID
	if !channels.Allowed(a.cfg.AllowFrom, openID) {
		a.logger.Warn("sender not in allowlist", "open_id", openID)
		return
	}

	inbound := models.NewInboundMessage("feishu", openID, msg.ChatID, content.Text)
	inbound.Metadata["chat_type"] = msg.ChatType
	if err := a.bus.PublishInbound(ctx, inbound); err != nil {
		a.logger.Error("inbound publish failed", "chat_id", msg.ChatID, "error", err)
	}
}

// alreadySeen dedupes redelivered events by event id.
func (a *Adapter) alreadySeen(eventID string) bool {
	a.seenMu.Lock()
	defer a.seenMu.Unlock()

	now := time.Now()
	if _, ok := a.seen[eventID]; ok {
		return true
	}
	if len(a.seen) >= dedupMaxSize {
		for id, at := range a.seen {
			if now.Sub(at) > dedupWindow {
				delete(a.seen, id)
			}
		}
	}
	a.seen[eventID] = now
	return false
}

// decryptEvent opens an encrypted callback body: AES-256-CBC with the
// SHA-256 of the encrypt key, IV in the first block, PKCS#7 padding.
func decryptEvent(encryptKey, data string) ([]byte, error) {
	if encryptKey == "" {
		return nil, errors.New("encrypt_key not configured")
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("base64: %w", err)
	}
	// At least IV plus one ciphertext block.
	if len(raw) < 2*aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext length invalid")
	}

	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	iv, ciphertext := raw[:aes.BlockSize], raw[aes.BlockSize:]
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	pad := int(plain[len(plain)-1])
	if pad < 1 || pad > aes.BlockSize || pad > len(plain) {
		return nil, errors.New("bad padding")
	}
	return plain[:len(plain)-pad], nil
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
