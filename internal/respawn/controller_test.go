package respawn

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ralphloop/ralph/internal/config"
)

type fakeWriter struct {
	mu     sync.Mutex
	writes [][]byte
}

func (w *fakeWriter) Write(ctx context.Context, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := append([]byte(nil), data...)
	w.writes = append(w.writes, cp)
	return nil
}

func (w *fakeWriter) snapshot() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.writes))
	for i, b := range w.writes {
		out[i] = string(b)
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.RespawnConfig {
	cfg := config.DefaultRespawnConfig()
	cfg.UpdatePrompt = "recap"
	cfg.KickstartPrompt = "kickstart"
	cfg.SendClear = true
	cfg.SendInit = true
	cfg.InterStepDelay = time.Millisecond
	cfg.MinConfirmDelay = 5 * time.Millisecond
	cfg.MaxConfirmDelay = 20 * time.Millisecond
	return cfg
}

func TestController_HappyCycleWriteOrder(t *testing.T) {
	w := &fakeWriter{}
	ctrl := New("s1", testConfig(), w, testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	ctrl.NotifyIdleSignal()
	// wait for the confirm window (5-20ms) plus three chained transitions'
	// own confirm windows, each re-armed on idle.
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		ctrl.NotifyIdleSignal()
	}
	time.Sleep(30 * time.Millisecond)

	writes := w.snapshot()
	want := []string{"recap\r", "/clear\r", "/init\r", "kickstart\r"}
	if len(writes) < len(want) {
		t.Fatalf("expected at least %d writes, got %v", len(want), writes)
	}
	for i, w := range want {
		if writes[i] != w {
			t.Fatalf("write %d: got %q want %q (all: %v)", i, writes[i], w, writes)
		}
	}
}

func TestController_AutoAcceptSuppressedDuringElicitation(t *testing.T) {
	w := &fakeWriter{}
	cfg := testConfig()
	cfg.AutoAccept = true
	ctrl := New("s1", cfg, w, testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	ctrl.NotifyElicitation(true)
	ctrl.NotifyApprovalPrompt()
	time.Sleep(30 * time.Millisecond)

	if ctrl.State() != StateWatching {
		t.Fatalf("expected controller to stay in watching during elicitation, got %s", ctrl.State())
	}
	for _, w := range w.snapshot() {
		if w == "1\r" {
			t.Fatalf("expected no auto-accept write during elicitation")
		}
	}
}

func TestController_BlockedAfterWriteFailureRetries(t *testing.T) {
	var reason string
	ctrl := New("s1", testConfig(), failingWriter{}, testLogger(), func(r string) { reason = r })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	ctrl.NotifyIdleSignal()
	time.Sleep(50 * time.Millisecond)
	ctrl.NotifyIdleSignal()
	time.Sleep(3500 * time.Millisecond)

	if reason == "" {
		t.Fatalf("expected respawn:blocked to fire after exhausted retries")
	}
	if ctrl.State() != StateWatching {
		t.Fatalf("expected controller back in watching after block, got %s", ctrl.State())
	}
}

type failingWriter struct{}

func (failingWriter) Write(ctx context.Context, data []byte) error {
	return errWriteFailed
}

var errWriteFailed = &writeError{"simulated write failure"}

type writeError struct{ msg string }

func (e *writeError) Error() string { return e.msg }
