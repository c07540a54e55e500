package feishu

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zekis/nanobot/internal/bus"
	"github.com/zekis/nanobot/internal/config"
	"github.com/zekis/nanobot/pkg/models"
)

func newTestAdapter(cfg config.FeishuConfig, opts ...Option) (*Adapter, *bus.MessageBus, *httptest.Server) {
	b := bus.New(8)
	a := New(cfg, b, nil, opts...)
	srv := httptest.NewServer(http.HandlerFunc(a.handleEvent))
	return a, b, srv
}

func eventBody(eventID, token, openID, chatID, text string) string {
	content, _ := json.Marshal(map[string]string{"text": text})
	return fmt.Sprintf(`{
		"schema": "2.0",
		"header": {"event_id": %q, "event_type": "im.message.receive_v1", "token": %q},
		"event": {
			"sender": {"sender_id": {"open_id": %q}},
			"message": {"message_id": "om_1", "chat_id": %q, "chat_type": "p2p", "message_type": "text", "content": %q}
		}
	}`, eventID, token, openID, chatID, string(content))
}

func postEvent(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
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

func TestHandleEvent_URLVerification(t *testing.T) {
	_, _, srv := newTestAdapter(config.FeishuConfig{})
	defer srv.Close()

	resp := postEvent(t, srv.URL, `{"type": "url_verification", "challenge": "c-123"}`)
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["challenge"] != "c-123" {
		t.Errorf("challenge = %q", body["challenge"])
	}
}

func TestHandleEvent_MessageReceive(t *testing.T) {
	_, b, srv := newTestAdapter(config.FeishuConfig{})
	defer srv.Close()

	postEvent(t, srv.URL, eventBody("ev-1", "", "ou_alice", "oc_chat9", "hello feishu"))

	msg := consume(t, b)
	if msg.Channel != "feishu" || msg.SenderID != "ou_alice" || msg.ChatID != "oc_chat9" {
		t.Errorf("msg = %s/%s/%s", msg.Channel, msg.SenderID, msg.ChatID)
	}
	if msg.Content != "hello feishu" {
		t.Errorf("content = %q", msg.Content)
	}
	if msg.Metadata["chat_type"] != "p2p" {
		t.Errorf("metadata = %v", msg.Metadata)
	}
}

func TestHandleEvent_DedupesByEventID(t *testing.T) {
	_, b, srv := newTestAdapter(config.FeishuConfig{})
	defer srv.Close()

	postEvent(t, srv.URL, eventBody("ev-dup", "", "ou_a", "oc_c", "once"))
	postEvent(t, srv.URL, eventBody("ev-dup", "", "ou_a", "oc_c", "once"))

	consume(t, b)
	time.Sleep(50 * time.Millisecond)
	if b.InboundDepth() != 0 {
		t.Error("redelivered event should be deduped")
	}
}

func TestHandleEvent_VerificationTokenMismatch(t *testing.T) {
	_, b, srv := newTestAdapter(config.FeishuConfig{VerificationToken: "secret"})
	defer srv.Close()

	resp := postEvent(t, srv.URL, eventBody("ev-2", "wrong", "ou_a", "oc_c", "spoof"))
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if b.InboundDepth() != 0 {
		t.Error("spoofed event should be dropped")
	}
}

func TestHandleEvent_IgnoresNonText(t *testing.T) {
	_, b, srv := newTestAdapter(config.FeishuConfig{})
	defer srv.Close()

	body := `{
		"header": {"event_id": "ev-img", "event_type": "im.message.receive_v1"},
		"event": {"sender": {"sender_id": {"open_id": "ou_a"}},
		          "message": {"chat_id": "oc_c", "message_type": "image", "content": "{\"image_key\":\"k\"}"}}
	}`
	postEvent(t, srv.URL, body)
	time.Sleep(50 * time.Millisecond)
	if b.InboundDepth() != 0 {
		t.Error("non-text message should be ignored")
	}
}

// encryptEvent is the inverse of decryptEvent for test fixtures.
func encryptEvent(t *testing.T, key string, plaintext []byte) string {
	t.Helper()
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte{}, plaintext...), make([]byte, pad)...)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(pad)
	}
	iv := make([]byte, aes.BlockSize)
	for i := range iv {
		iv[i] = byte(i * 7)
	}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(append(iv, out...))
}

func TestHandleEvent_EncryptedPayload(t *testing.T) {
	_, b, srv := newTestAdapter(config.FeishuConfig{EncryptKey: "k3y"})
	defer srv.Close()

	plain := eventBody("ev-enc", "", "ou_alice", "oc_chat", "secret hello")
	encrypted := encryptEvent(t, "k3y", []byte(plain))
	postEvent(t, srv.URL, fmt.Sprintf(`{"encrypt": %q}`, encrypted))

	if got := consume(t, b).Content; got != "secret hello" {
		t.Errorf("content = %q", got)
	}
}

func TestDecryptEvent_RejectsTruncatedPayload(t *testing.T) {
	iv := make([]byte, aes.BlockSize)
	if _, err := decryptEvent("k3y", base64.StdEncoding.EncodeToString(iv)); err == nil {
		t.Error("IV with no ciphertext should be rejected")
	}
	if _, err := decryptEvent("k3y", base64.StdEncoding.EncodeToString(iv[:8])); err == nil {
		t.Error("short payload should be rejected")
	}
}

func TestSend_CachesTenantToken(t *testing.T) {
	var tokenCalls atomic.Int32
	var sent []map[string]string

	feishuAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/open-apis/auth/v3/tenant_access_token/internal":
			tokenCalls.Add(1)
			writeJSON(w, map[string]any{"code": 0, "tenant_access_token": "tt-1", "expire": 7200})
		case "/open-apis/im/v1/messages":
			if got := r.Header.Get("Authorization"); got != "Bearer tt-1" {
				t.Errorf("auth = %q", got)
			}
			if got := r.URL.Query().Get("receive_id_type"); got != "chat_id" {
				t.Errorf("receive_id_type = %q", got)
			}
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			sent = append(sent, body)
			writeJSON(w, map[string]any{"code": 0})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer feishuAPI.Close()

	a := New(config.FeishuConfig{AppID: "app", AppSecret: "sec"}, bus.New(1), nil, WithBaseURL(feishuAPI.URL))

	for i := 0; i < 2; i++ {
		msg := models.NewOutboundMessage("feishu", "oc_chat", fmt.Sprintf("reply %d", i))
		if err := a.Send(context.Background(), msg); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	if tokenCalls.Load() != 1 {
		t.Errorf("token fetched %d times, want 1", tokenCalls.Load())
	}
	if len(sent) != 2 {
		t.Fatalf("sent %d messages", len(sent))
	}
	if sent[0]["receive_id"] != "oc_chat" || sent[0]["msg_type"] != "text" {
		t.Errorf("payload = %v", sent[0])
	}
	var content map[string]string
	_ = json.Unmarshal([]byte(sent[0]["content"]), &content)
	if content["text"] != "reply 0" {
		t.Errorf("content = %v", content)
	}
}

func TestSend_SurfacesAPIErrors(t *testing.T) {
	feishuAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "tenant_access_token") {
			writeJSON(w, map[string]any{"code": 0, "tenant_access_token": "tt", "expire": 7200})
			return
		}
		writeJSON(w, map[string]any{"code": 230001, "msg": "bot not in chat"})
	}))
	defer feishuAPI.Close()

	a := New(config.FeishuConfig{AppID: "a", AppSecret: "s"}, bus.New(1), nil, WithBaseURL(feishuAPI.URL))
	err := a.Send(context.Background(), models.NewOutboundMessage("feishu", "oc", "hi"))
	if err == nil || !strings.Contains(err.Error(), "bot not in chat") {
		t.Fatalf("err = %v", err)
	}
}
