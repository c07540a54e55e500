package channels

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zekis/nanobot/internal/bus"
	"github.com/zekis/nanobot/pkg/models"
)

type fakeChannel struct {
	name    string
	mu      sync.Mutex
	sent    []models.OutboundMessage
	sendErr error
	started bool
	stopped bool
}

func (f *fakeChannel) Name() string                    { return f.name }
func (f *fakeChannel) Start(ctx context.Context) error { f.started = true; return nil }
func (f *fakeChannel) Stop(ctx context.Context) error  { f.stopped = true; return nil }

func (f *fakeChannel) Send(ctx context.Context, msg models.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
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
	t.Fatal("condition not reached in time")
}

func TestRegistry_DispatchRoutesByName(t *testing.T) {
	b := bus.New(10)
	r := NewRegistry(b)
	tg := &fakeChannel{name: "telegram"}
	dc := &fakeChannel{name: "discord"}
	r.Register(tg)
	r.Register(dc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.StartDispatch(ctx)

	if err := b.PublishOutbound(ctx, models.NewOutboundMessage("telegram", "c1", "to tg")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.PublishOutbound(ctx, models.NewOutboundMessage("discord", "c2", "to dc")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool { return tg.sentCount() == 1 && dc.sentCount() == 1 })

	tg.mu.Lock()
	defer tg.mu.Unlock()
	if tg.sent[0].Content != "to tg" {
		t.Errorf("telegram got %q", tg.sent[0].Content)
	}
}

func TestRegistry_UnknownChannelDropped(t *testing.T) {
	b := bus.New(10)
	r := NewRegistry(b)
	known := &fakeChannel{name: "telegram"}
	r.Register(known)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.StartDispatch(ctx)

	if err := b.PublishOutbound(ctx, models.NewOutboundMessage("ghost", "c", "dropped")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.PublishOutbound(ctx, models.NewOutboundMessage("telegram", "c", "delivered")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// The second message arriving proves the first was dropped, not stuck.
	waitFor(t, func() bool { return known.sentCount() == 1 })
}

func TestRegistry_SendErrorDoesNotStopDispatch(t *testing.T) {
	b := bus.New(10)
	r := NewRegistry(b)
	flaky := &fakeChannel{name: "flaky", sendErr: errors.New("boom")}
	solid := &fakeChannel{name: "solid"}
	r.Register(flaky)
	r.Register(solid)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.StartDispatch(ctx)

	if err := b.PublishOutbound(ctx, models.NewOutboundMessage("flaky", "c", "fails")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.PublishOutbound(ctx, models.NewOutboundMessage("solid", "c", "lands")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool { return solid.sentCount() == 1 })
}

func TestRegistry_DispatchStopsOnCancel(t *testing.T) {
	b := bus.New(10)
	r := NewRegistry(b)

	ctx, cancel := context.WithCancel(context.Background())
	r.StartDispatch(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not exit on cancel")
	}
}

func TestRegistry_StartAll(t *testing.T) {
	b := bus.New(1)
	r := NewRegistry(b)
	a := &fakeChannel{name: "a"}
	c := &fakeChannel{name: "c"}
	r.Register(a)
	r.Register(c)

	if err := r.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if !a.started || !c.started {
		t.Error("all channels should be started")
	}
	if err := r.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if !a.stopped || !c.stopped {
		t.Error("all channels should be stopped")
	}
}

func TestAllowed(t *testing.T) {
	tests := []struct {
		name      string
		allowFrom []string
		sender    string
		want      bool
	}{
		{"empty allowlist admits everyone", nil, "anyone", true},
		{"listed sender", []string{"123", "456"}, "456", true},
		{"unlisted sender", []string{"123"}, "789", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Allowed(tt.allowFrom, tt.sender); got != tt.want {
				t.Errorf("Allowed(%v, %q) = %v, want %v", tt.allowFrom, tt.sender, got, tt.want)
			}
		})
	}
}
