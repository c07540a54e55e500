package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zekis/nanobot/internal/bus"
	"github.com/zekis/nanobot/internal/config"
	"github.com/zekis/nanobot/pkg/models"
)

func newTestChannel(t *testing.T, opts ...Option) (*Channel, *bus.MessageBus, *httptest.Server) {
	t.Helper()
	b := bus.New(8)
	c := New(config.GatewayConfig{Host: "127.0.0.1", Port: 0}, b, nil, opts...)
	srv := httptest.NewServer(c.routes())
	t.Cleanup(srv.Close)
	return c, b, srv
}

// respondWith consumes one inbound message and resolves it through Send.
func respondWith(t *testing.T, c *Channel, b *bus.MessageBus, content string) chan models.InboundMessage {
	t.Helper()
	got := make(chan models.InboundMessage, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		msg, err := b.ConsumeInbound(ctx)
		if err != nil {
			return
		}
		got <- msg
		out := models.NewOutboundMessage("api", msg.ChatID, content)
		out.MarkFinal()
		_ = c.Send(ctx, out)
	}()
	return got
}

func postJSON(t *testing.T, url string, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func TestChat_RoundTrip(t *testing.T) {
	c, b, srv := newTestChannel(t)
	got := respondWith(t, c, b, "hello back")

	resp, body := postJSON(t, srv.URL+"/chat", `{"message": "hi"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["response"] != "hello back" {
		t.Errorf("response = %v", body["response"])
	}
	if body["session_id"] != "api:default" {
		t.Errorf("session_id = %v", body["session_id"])
	}

	inbound := <-got
	if inbound.Channel != "api" || inbound.SenderID != "api:default" {
		t.Errorf("inbound = %s/%s", inbound.Channel, inbound.SenderID)
	}
	if !strings.HasPrefix(inbound.ChatID, "api-") || len(inbound.ChatID) != len("api-")+12 {
		t.Errorf("chat_id = %q", inbound.ChatID)
	}
	if inbound.Metadata["session_id"] != "api:default" {
		t.Errorf("metadata = %v", inbound.Metadata)
	}
}

func TestChat_SessionIDCarriesThrough(t *testing.T) {
	c, b, srv := newTestChannel(t)
	got := respondWith(t, c, b, "ok")

	resp, body := postJSON(t, srv.URL+"/chat", `{"message": "hi", "session_id": "api:alice"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["session_id"] != "api:alice" {
		t.Errorf("session_id = %v", body["session_id"])
	}
	inbound := <-got
	if inbound.SenderID != "api:alice" || inbound.Metadata["session_id"] != "api:alice" {
		t.Errorf("inbound sender=%s metadata=%v", inbound.SenderID, inbound.Metadata)
	}
}

func TestChat_NonFinalMessagesDoNotResolve(t *testing.T) {
	c, b, srv := newTestChannel(t)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		msg, err := b.ConsumeInbound(ctx)
		if err != nil {
			return
		}
		interim := models.NewOutboundMessage("api", msg.ChatID, "🔧 tool call trace")
		_ = c.Send(ctx, interim)
		final := models.NewOutboundMessage("api", msg.ChatID, "the real answer")
		final.MarkFinal()
		_ = c.Send(ctx, final)
	}()

	resp, body := postJSON(t, srv.URL+"/chat", `{"message": "do something"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["response"] != "the real answer" {
		t.Errorf("response = %v", body["response"])
	}
}

func TestChat_RejectsBadRequests(t *testing.T) {
	_, _, srv := newTestChannel(t)

	resp, body := postJSON(t, srv.URL+"/chat", `{"message": "   "}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank message status = %d", resp.StatusCode)
	}
	if body["error"] != "message field is required" {
		t.Errorf("error = %v", body["error"])
	}

	resp, body = postJSON(t, srv.URL+"/chat", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad json status = %d", resp.StatusCode)
	}
	if body["error"] != "Invalid JSON body" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestChat_TimesOut(t *testing.T) {
	c, _, srv := newTestChannel(t, WithChatTimeout(50*time.Millisecond))

	resp, body := postJSON(t, srv.URL+"/chat", `{"message": "anyone there?"}`)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["error"] != "Agent response timed out" {
		t.Errorf("error = %v", body["error"])
	}

	c.mu.Lock()
	remaining := len(c.pending)
	c.mu.Unlock()
	if remaining != 0 {
		t.Errorf("pending slots leaked: %d", remaining)
	}
}

func TestStop_CancelsPendingChat(t *testing.T) {
	c, _, srv := newTestChannel(t, WithChatTimeout(5*time.Second))

	type result struct {
		status int
		body   map[string]any
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.Post(srv.URL+"/chat", "application/json", strings.NewReader(`{"message": "hang"}`))
		if err != nil {
			return
		}
		defer resp.Body.Close()
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		done <- result{resp.StatusCode, body}
	}()

	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.pending) > 0
	})

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case res := <-done:
		if res.status != 499 {
			t.Errorf("status = %d", res.status)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pending chat never resolved after Stop")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestNotify_PublishesToTargetChannel(t *testing.T) {
	_, b, srv := newTestChannel(t)

	resp, body := postJSON(t, srv.URL+"/notify",
		`{"message": "backup finished", "channel": "telegram", "chat_id": "12345"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := b.ConsumeInbound(ctx)
	if err != nil {
		t.Fatalf("ConsumeInbound: %v", err)
	}
	if msg.Channel != "telegram" || msg.ChatID != "12345" || msg.SenderID != "system" {
		t.Errorf("msg = %s/%s from %s", msg.Channel, msg.ChatID, msg.SenderID)
	}
	if msg.Metadata["source"] != "notify" {
		t.Errorf("metadata = %v", msg.Metadata)
	}
	if msg.Metadata["session_id"] != "telegram:12345" {
		t.Errorf("session_id = %v", msg.Metadata["session_id"])
	}
}

func TestNotify_RequiresTarget(t *testing.T) {
	_, _, srv := newTestChannel(t)

	resp, body := postJSON(t, srv.URL+"/notify", `{"message": "x", "channel": "telegram"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if body["error"] != "channel and chat_id fields are required" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestHealth(t *testing.T) {
	c, _, srv := newTestChannel(t)
	c.running.Store(true)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["channel"] != "api" || body["running"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestSend_NoPendingIsHarmless(t *testing.T) {
	c, _, _ := newTestChannel(t)
	out := models.NewOutboundMessage("api", "api-missing", "late reply")
	out.MarkFinal()
	if err := c.Send(context.Background(), out); err != nil {
		t.Fatalf("Send: %v", err)
	}
}
