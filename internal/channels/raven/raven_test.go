package raven

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zekis/nanobot/pkg/models"
)

type capturedRequest struct {
	path string
	auth string
	body map[string]string
}

func newFrappeServer(t *testing.T, status int) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var got []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		got = append(got, capturedRequest{
			path: r.URL.Path,
			auth: r.Header.Get("Authorization"),
			body: body,
		})
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func writeCreds(t *testing.T, workspace, url string) {
	t.Helper()
	creds := map[string]string{
		"url":           url,
		"api_key":       "key1",
		"api_secret":    "sec1",
		"nanobot_token": "tok1",
	}
	raw, _ := json.Marshal(creds)
	if err := os.WriteFile(filepath.Join(workspace, credsFile), raw, 0o644); err != nil {
		t.Fatalf("write creds: %v", err)
	}
}

func TestSend_DeliversToFrappe(t *testing.T) {
	srv, got := newFrappeServer(t, http.StatusOK)
	workspace := t.TempDir()
	writeCreds(t, workspace, srv.URL+"/") // trailing slash is trimmed

	a := New(workspace, nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Send(context.Background(), models.NewOutboundMessage("raven", "owner", "hello raven")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(*got) != 1 {
		t.Fatalf("requests = %d", len(*got))
	}
	req := (*got)[0]
	if req.path != "/api/method/nanonet.api.messaging.deliver_bot_message" {
		t.Errorf("path = %q", req.path)
	}
	if req.auth != "token key1:sec1" {
		t.Errorf("auth = %q", req.auth)
	}
	if req.body["nanobot_token"] != "tok1" || req.body["notice_type"] != "message" {
		t.Errorf("body = %v", req.body)
	}
	if req.body["content"] != "hello raven" {
		t.Errorf("content = %q, owner chat should carry no directive", req.body["content"])
	}
}

func TestSend_AppendsChannelDirective(t *testing.T) {
	srv, got := newFrappeServer(t, http.StatusOK)
	workspace := t.TempDir()
	writeCreds(t, workspace, srv.URL)

	a := New(workspace, nil)
	if err := a.Send(context.Background(), models.NewOutboundMessage("raven", "proj-channel", "done")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	want := "done\n\nchannel:proj-channel"
	if (*got)[0].body["content"] != want {
		t.Errorf("content = %q, want %q", (*got)[0].body["content"], want)
	}
}

func TestSend_DropsWithoutCredentials(t *testing.T) {
	a := New(t.TempDir(), nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Send(context.Background(), models.NewOutboundMessage("raven", "owner", "lost")); err != nil {
		t.Fatalf("Send should drop silently, got %v", err)
	}
}

func TestSend_ReloadsCredentialsWhenFileAppears(t *testing.T) {
	srv, got := newFrappeServer(t, http.StatusOK)
	workspace := t.TempDir()

	a := New(workspace, nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = a.Send(context.Background(), models.NewOutboundMessage("raven", "owner", "early"))
	if len(*got) != 0 {
		t.Fatal("send before credentials should not reach the server")
	}

	writeCreds(t, workspace, srv.URL)
	if err := a.Send(context.Background(), models.NewOutboundMessage("raven", "owner", "late")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(*got) != 1 || (*got)[0].body["content"] != "late" {
		t.Errorf("requests = %v", *got)
	}
}

func TestSend_SkipsBlankContent(t *testing.T) {
	srv, got := newFrappeServer(t, http.StatusOK)
	workspace := t.TempDir()
	writeCreds(t, workspace, srv.URL)

	a := New(workspace, nil)
	if err := a.Send(context.Background(), models.NewOutboundMessage("raven", "owner", "  \n ")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(*got) != 0 {
		t.Error("blank content should not be delivered")
	}
}

func TestSend_SurfacesRejection(t *testing.T) {
	srv, _ := newFrappeServer(t, http.StatusForbidden)
	workspace := t.TempDir()
	writeCreds(t, workspace, srv.URL)

	a := New(workspace, nil)
	err := a.Send(context.Background(), models.NewOutboundMessage("raven", "owner", "nope"))
	if err == nil || !strings.Contains(err.Error(), "delivery rejected (403)") {
		t.Fatalf("err = %v", err)
	}
}

func TestReadCredentials_RejectsPartialConfig(t *testing.T) {
	workspace := t.TempDir()
	raw := []byte(`{"url": "https://x.example", "api_key": "k"}`)
	if err := os.WriteFile(filepath.Join(workspace, credsFile), raw, 0o644); err != nil {
		t.Fatal(err)
	}
	if readCredentials(workspace) != nil {
		t.Error("partial credentials should be rejected")
	}
}
