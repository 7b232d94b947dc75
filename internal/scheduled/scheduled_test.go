package scheduled

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ralphloop/ralph/internal/apperr"
)

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

func (f *fakeMux) Write(name string, data []byte) error               { return nil }
func (f *fakeMux) Resize(name string, cols, rows uint16) error         { return nil }
func (f *fakeMux) Kill(name string) error                              { return nil }
func (f *fakeMux) List() ([]string, error)                             { return nil, nil }
func (f *fakeMux) Exists(name string) bool                             { return false }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDriver_DeadlineReachedMarksCompleted(t *testing.T) {
	d := New("run1", "do the thing", "/tmp", 50*time.Millisecond, newFakeMux(), testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go d.Start(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap := d.Snapshot()
		if snap.Status != StatusRunning {
			if snap.Status != StatusCompleted && snap.Status != StatusStopped {
				t.Fatalf("expected completed or stopped, got %s", snap.Status)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("run never left the running state within its deadline")
}

func TestDriver_StopTransitionsToStopped(t *testing.T) {
	d := New("run2", "do the thing", "/tmp", time.Hour, newFakeMux(), testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go d.Start(ctx)
	time.Sleep(10 * time.Millisecond)
	d.Stop()

	snap := d.Snapshot()
	if snap.Status != StatusStopped {
		t.Fatalf("expected stopped, got %s", snap.Status)
	}
}

func TestTicker_FiresMaintenanceFunc(t *testing.T) {
	fired := make(chan struct{}, 1)
	ticker, err := NewTicker("@every 50ms", func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("NewTicker failed: %v", err)
	}
	defer ticker.Stop()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected maintenance func to fire")
	}
}
