package ptysession

import (
	"context"
	"log/slog"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeMultiplexer is an in-memory mux.Multiplexer backing one pane's byte
// stream, used to drive Session's readLoop without a real tmux binary.
type fakeMultiplexer struct {
	mu      sync.Mutex
	streams map[string]chan []byte
	killed  map[string]bool
}

func newFakeMultiplexer() *fakeMultiplexer {
	return &fakeMultiplexer{streams: make(map[string]chan []byte), killed: make(map[string]bool)}
}

func (f *fakeMultiplexer) Probe(ctx context.Context) error { return nil }

func (f *fakeMultiplexer) CreateSession(ctx context.Context, name, workDir string, command []string, env []string, cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams[name] = make(chan []byte, 64)
	return nil
}

func (f *fakeMultiplexer) AttachReadStream(ctx context.Context, name string) (<-chan []byte, func(), error) {
	f.mu.Lock()
	ch := f.streams[name]
	f.mu.Unlock()
	return ch, func() {}, nil
}

func (f *fakeMultiplexer) Write(name string, data []byte) error { return nil }
func (f *fakeMultiplexer) Resize(name string, cols, rows uint16) error { return nil }

func (f *fakeMultiplexer) Kill(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed[name] = true
	if ch, ok := f.streams[name]; ok {
		close(ch)
		delete(f.streams, name)
	}
	return nil
}

func (f *fakeMultiplexer) List() ([]string, error) { return nil, nil }
func (f *fakeMultiplexer) Exists(name string) bool  { return false }

func (f *fakeMultiplexer) push(name string, data []byte) {
	f.mu.Lock()
	ch := f.streams[name]
	f.mu.Unlock()
	ch <- data
}

func (f *fakeMultiplexer) closeStream(name string) {
	f.mu.Lock()
	ch, ok := f.streams[name]
	delete(f.streams, name)
	f.mu.Unlock()
	if ok {
		close(ch)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func drainEvents(t *testing.T, sess *Session, want EventType, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-sess.Events():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event type %s", want)
		}
	}
}

func TestStartInteractive_EmitsTerminalAndExitEvents(t *testing.T) {
	m := newFakeMultiplexer()
	sess, err := StartInteractive(context.Background(), m, Config{WorkDir: "/tmp"}, testLogger())
	if err != nil {
		t.Fatalf("StartInteractive: %v", err)
	}

	m.push(sess.PaneName, []byte("hello world\n"))
	ev := drainEvents(t, sess, EventTerminal, 2*time.Second)
	if string(ev.Raw) != "hello world\n" {
		t.Fatalf("unexpected terminal payload: %q", ev.Raw)
	}

	m.closeStream(sess.PaneName)
	exitEv := drainEvents(t, sess, EventExit, 2*time.Second)
	if exitEv.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", exitEv.ExitCode)
	}
	if sess.Lifecycle() != LifecycleExited {
		t.Fatalf("expected lifecycle exited, got %s", sess.Lifecycle())
	}
	if code, ok := sess.ExitCode(); !ok || code != 0 {
		t.Fatalf("expected ExitCode (0, true), got (%d, %v)", code, ok)
	}
}

func TestSession_ObserveLine_ParsesResultMessage(t *testing.T) {
	m := newFakeMultiplexer()
	sess, err := StartOneShot(context.Background(), m, Config{WorkDir: "/tmp"}, "do the thing", "", testLogger())
	if err != nil {
		t.Fatalf("StartOneShot: %v", err)
	}

	resultLine := `{"type":"result","result":"done","total_cost_usd":0.25,"message":{"usage":{"input_tokens":100,"output_tokens":40}}}` + "\n"
	m.push(sess.PaneName, []byte(resultLine))

	ev := drainEvents(t, sess, EventCompletion, 2*time.Second)
	if ev.Text != "done" || ev.Cost != 0.25 {
		t.Fatalf("unexpected completion event: %+v", ev)
	}

	in, out, cost := sess.TokenUsage()
	if in != 100 || out != 40 || cost != 0.25 {
		t.Fatalf("unexpected token usage: in=%d out=%d cost=%v", in, out, cost)
	}
}

func TestSession_ObserveInteractiveTokenLine_SplitsAndAutoClear(t *testing.T) {
	m := newFakeMultiplexer()
	sess, err := StartInteractive(context.Background(), m, Config{WorkDir: "/tmp", AutoClearTokens: 100}, testLogger())
	if err != nil {
		t.Fatalf("StartInteractive: %v", err)
	}

	sess.ObserveInteractiveTokenLine(100)
	in, out, _ := sess.TokenUsage()
	if in != 60 || out != 40 {
		t.Fatalf("expected 60/40 split, got in=%d out=%d", in, out)
	}

	drainEvents(t, sess, EventAutoClear, 2*time.Second)
}

func TestBoundedBuffer_TrimsButPreservesMostRecentSuffix(t *testing.T) {
	b := newBoundedBuffer(10, 6)
	b.Write([]byte("abcdefghij")) // exactly cap, no trim yet
	if b.Len() != 10 {
		t.Fatalf("expected len 10 before overflow, got %d", b.Len())
	}

	b.Write([]byte("KLM")) // now 13 > cap(10): trim to last 6 bytes
	got := string(b.Bytes())
	want := "hijKLM"
	if got != want {
		t.Fatalf("trim: got %q, want %q", got, want)
	}
}

func TestBoundedMessages_TrimsToCap(t *testing.T) {
	m := newBoundedMessages(3, 2)
	for i := 0; i < 4; i++ {
		m.Append(ParsedMessage{Type: MessageTypeSystem})
	}
	snap := m.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected trimmed length 2, got %d", len(snap))
	}
}

func TestSession_ObserveLine_EmitsLineEventForTrackerFeed(t *testing.T) {
	m := newFakeMultiplexer()
	sess, err := StartInteractive(context.Background(), m, Config{WorkDir: "/tmp"}, testLogger())
	if err != nil {
		t.Fatalf("StartInteractive: %v", err)
	}

	m.push(sess.PaneName, []byte("- [ ] write the docs\n"))
	ev := drainEvents(t, sess, EventLine, 2*time.Second)
	if ev.Text != "- [ ] write the docs" {
		t.Fatalf("unexpected line event text: %q", ev.Text)
	}
}

func TestSession_IdleSignal_EmitsEventIdleOncePerTransition(t *testing.T) {
	m := newFakeMultiplexer()
	sess, err := StartInteractive(context.Background(), m, Config{WorkDir: "/tmp"}, testLogger())
	if err != nil {
		t.Fatalf("StartInteractive: %v", err)
	}

	m.push(sess.PaneName, []byte("waiting for input\n"))
	drainEvents(t, sess, EventIdle, 2*time.Second)
	if sess.Lifecycle() != LifecycleIdle {
		t.Fatalf("expected lifecycle idle, got %s", sess.Lifecycle())
	}

	m.push(sess.PaneName, []byte("⠋ thinking\n"))
	drainEvents(t, sess, EventWorking, 2*time.Second)
	if sess.Lifecycle() != LifecycleWorking {
		t.Fatalf("expected lifecycle working, got %s", sess.Lifecycle())
	}
}

func TestStripANSI_RemovesEscapeSequences(t *testing.T) {
	in := []byte("\x1b[31mred\x1b[0m text")
	out := stripANSI(in)
	if string(out) != "red text" {
		t.Fatalf("stripANSI = %q, want %q", out, "red text")
	}
}
