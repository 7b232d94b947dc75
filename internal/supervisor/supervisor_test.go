package supervisor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ralphloop/ralph/internal/apperr"
	"github.com/ralphloop/ralph/internal/eventbus"
	"github.com/ralphloop/ralph/internal/ptysession"
	"github.com/ralphloop/ralph/internal/store"
)

// fakeMux is a minimal in-memory mux.Multiplexer for exercising the
// session table without a real tmux binary.
type fakeMux struct {
	mu       sync.Mutex
	sessions map[string]chan []byte
}

func newFakeMux() *fakeMux { return &fakeMux{sessions: make(map[string]chan []byte)} }

func (f *fakeMux) Probe(ctx context.Context) error { return nil }

func (f *fakeMux) CreateSession(ctx context.Context, name, workDir string, command, env []string, cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[name] = make(chan []byte, 8)
	return nil
}

func (f *fakeMux) AttachReadStream(ctx context.Context, name string) (<-chan []byte, func(), error) {
	f.mu.Lock()
	ch, ok := f.sessions[name]
	f.mu.Unlock()
	if !ok {
		return nil, nil, apperr.NotFound("session %s", name)
	}
	return ch, func() {}, nil
}

func (f *fakeMux) Write(name string, data []byte) error { return nil }
func (f *fakeMux) Resize(name string, cols, rows uint16) error { return nil }

func (f *fakeMux) Kill(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.sessions[name]; ok {
		close(ch)
		delete(f.sessions, name)
	}
	return nil
}

func (f *fakeMux) List() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sessions))
	for n := range f.sessions {
		out = append(out, n)
	}
	return out, nil
}

func (f *fakeMux) Exists(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[name]
	return ok
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSupervisor_CreateRegistersSessionAndPublishesEvent(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe()
	defer unsub()

	sv := New(newFakeMux(), bus, nil, testLogger())
	entry, err := sv.Create(context.Background(), ptysession.Config{WorkDir: "/tmp"}, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if entry.Controller != nil {
		t.Fatalf("expected no controller when respawnCfg is nil")
	}

	select {
	case ev := <-ch:
		if ev.Type != eventbus.SessionCreated || ev.SessionID != entry.Session.ID {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected session_created event")
	}

	if _, ok := sv.Get(entry.Session.ID); !ok {
		t.Fatalf("expected session to be registered")
	}
}

func TestSupervisor_CreateRejectsOverCapacity(t *testing.T) {
	sv := New(newFakeMux(), eventbus.New(), nil, testLogger())
	sv.mu.Lock()
	for i := 0; i < defaultMaxSessions; i++ {
		sv.sessions[string(rune(i))] = &Entry{}
	}
	sv.mu.Unlock()

	_, err := sv.Create(context.Background(), ptysession.Config{WorkDir: "/tmp"}, nil)
	if code, ok := apperr.CodeOf(err); !ok || code != apperr.CodeBusy {
		t.Fatalf("expected CodeBusy, got %v (ok=%v)", err, ok)
	}
}

func TestSupervisor_ReattachWithoutTmuxBackendRegistersNothing(t *testing.T) {
	sv := New(newFakeMux(), eventbus.New(), nil, testLogger())
	// no tmux.Backend present (fakeMux isn't one), so Reattach should be a
	// no-op that doesn't panic even though none of the records have live
	// panes it can probe.
	sv.Reattach(context.Background(), []store.SessionRecord{
		{ID: "s1", Status: "running"},
		{ID: "s2", Status: "exited"},
	})
	if len(sv.List()) != 0 {
		t.Fatalf("expected no sessions reattached without a tmux backend")
	}
}

func TestSupervisor_ShutdownStopsAllSessions(t *testing.T) {
	sv := New(newFakeMux(), eventbus.New(), nil, testLogger())
	_, err := sv.Create(context.Background(), ptysession.Config{WorkDir: "/tmp"}, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := sv.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}
