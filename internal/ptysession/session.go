// Package ptysession implements the PTY-wrapped assistant session: one
// subprocess hosted in a multiplexer pane, its three bounded buffers, token
// accounting, and lifecycle event stream. Generalizes the teacher's
// internal/session/{session,pty,ringbuffer}.go.
package ptysession

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ralphloop/ralph/internal/apperr"
	"github.com/ralphloop/ralph/internal/mux"
	"github.com/ralphloop/ralph/internal/parser"
)

// idleQuietWindow is how long the spinner glyph must be absent before the
// time-based idle signal (the fourth of the four in §4.3) fires.
const idleQuietWindow = 2 * time.Second

type Mode string

const (
	ModeOneShot     Mode = "one-shot"
	ModeInteractive Mode = "interactive"
	ModeShell       Mode = "shell"
)

type Lifecycle string

const (
	LifecycleCreating Lifecycle = "creating"
	LifecycleRunning  Lifecycle = "running"
	LifecycleIdle     Lifecycle = "idle"
	LifecycleWorking  Lifecycle = "working"
	LifecycleExited   Lifecycle = "exited"
)

const (
	terminalBufferCap    = 5 * 1024 * 1024
	terminalBufferTrim   = 4 * 1024 * 1024
	textBufferCap        = 2 * 1024 * 1024
	textBufferTrim       = 1536 * 1024
	messagesCap          = 1000
	messagesTrim         = 800
	defaultAutoClearAt   = 100_000
	interactiveInputPct  = 0.6
	interactiveOutputPct = 0.4
)

// Config is the immutable configuration a session is created with.
type Config struct {
	WorkDir         string
	Mode            Mode
	AssistantVariant string
	Model           string
	PermissionPolicy string
	CPUPriority     int
	Command         []string
	Env             []string
	AutoClearTokens int // 0 uses defaultAutoClearAt
}

// Session is one assistant subprocess wrapped in a multiplexer pane. It is
// the authoritative source of truth for that subprocess: buffers, token
// counters, and lifecycle state all live here.
type Session struct {
	ID          string
	Name        string
	ColorTag    string
	Config      Config
	CreatedAt   time.Time
	PaneName    string

	mux Multiplexer

	mu             sync.Mutex
	lifecycle      Lifecycle
	exitCode       *int
	inputTokens    int
	outputTokens   int
	cost           float64
	lastActivity   time.Time

	terminalBuf *boundedBuffer
	textBuf     *boundedBuffer
	messages    *boundedMessages

	idleDetector *parser.IdleSignalDetector
	working      bool // last idle/working transition emitted, to suppress repeats

	events    chan Event
	cancel    context.CancelFunc
	done      chan struct{}
	logger    *slog.Logger
}

// Multiplexer is the subset of mux.Multiplexer a Session needs; declared
// locally so tests can supply a fake without importing the tmux backend.
type Multiplexer = mux.Multiplexer

func generateID() string {
	return "sess_" + uuid.NewString()[:8]
}

func newSession(cfg Config, m Multiplexer, logger *slog.Logger) *Session {
	if cfg.AutoClearTokens == 0 {
		cfg.AutoClearTokens = defaultAutoClearAt
	}
	id := generateID()
	now := time.Now()
	return &Session{
		ID:           id,
		Config:       cfg,
		CreatedAt:    now,
		PaneName:     id,
		mux:          m,
		lifecycle:    LifecycleCreating,
		lastActivity: now,
		terminalBuf:  newBoundedBuffer(terminalBufferCap, terminalBufferTrim),
		textBuf:      newBoundedBuffer(textBufferCap, textBufferTrim),
		messages:     newBoundedMessages(messagesCap, messagesTrim),
		idleDetector: parser.NewIdleSignalDetector(),
		working:      true,
		events:       make(chan Event, 1024),
		done:         make(chan struct{}),
		logger:       logger,
	}
}

// StartOneShot starts a one-shot-mode session on cfg.Command, with cfg.Model
// set to model, and returns it without waiting for output. A structured
// "result" message arrives later as an EventCompletion on Events() carrying
// its text and cost. The prompt argument is not sent to the pane, no
// structured-output flag is added to cfg.Command, and the lifecycle is not
// set to exited when the result arrives.
func StartOneShot(ctx context.Context, m Multiplexer, cfg Config, prompt, model string, logger *slog.Logger) (*Session, error) {
	cfg.Mode = ModeOneShot
	cfg.Model = model
	s := newSession(cfg, m, logger)
	if err := s.start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// StartInteractive spawns a persistent subprocess and streams output
// indefinitely until Stop is called.
func StartInteractive(ctx context.Context, m Multiplexer, cfg Config, logger *slog.Logger) (*Session, error) {
	cfg.Mode = ModeInteractive
	s := newSession(cfg, m, logger)
	if err := s.start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// StartShell spawns a plain interactive shell with no assistant.
func StartShell(ctx context.Context, m Multiplexer, workDir string, logger *slog.Logger) (*Session, error) {
	cfg := Config{WorkDir: workDir, Mode: ModeShell, Command: []string{shellPath()}}
	s := newSession(cfg, m, logger)
	if err := s.start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func shellPath() string { return "/bin/bash" }

func (s *Session) start(ctx context.Context) error {
	cols, rows := uint16(120), uint16(36)
	if err := s.mux.CreateSession(ctx, s.PaneName, s.Config.WorkDir, s.Config.Command, s.Config.Env, cols, rows); err != nil {
		return apperr.Wrap(err, "create multiplexer session for %s", s.ID)
	}
	stream, teardown, err := s.mux.AttachReadStream(ctx, s.PaneName)
	if err != nil {
		return apperr.Wrap(err, "attach read stream for %s", s.ID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.mu.Lock()
	s.lifecycle = LifecycleRunning
	s.mu.Unlock()

	go s.readLoop(runCtx, stream, teardown)
	return nil
}

// readLoop consumes raw bytes from the multiplexer, appends to the terminal
// and text buffers, batches terminal events into ~16ms windows, splits into
// lines for message/line-oriented consumers, and emits events in arrival
// order.
func (s *Session) readLoop(ctx context.Context, stream <-chan []byte, teardown func()) {
	defer close(s.done)
	defer teardown()

	var pending bytes.Buffer
	ticker := time.NewTicker(16 * time.Millisecond)
	defer ticker.Stop()

	idleCheck := time.NewTicker(250 * time.Millisecond)
	defer idleCheck.Stop()

	var lineAcc []byte

	flushTerminal := func() {
		if pending.Len() == 0 {
			return
		}
		chunk := make([]byte, pending.Len())
		copy(chunk, pending.Bytes())
		pending.Reset()
		s.emit(Event{Type: EventTerminal, SessionID: s.ID, Raw: chunk})
	}

	for {
		select {
		case <-ctx.Done():
			flushTerminal()
			return
		case chunk, ok := <-stream:
			if !ok {
				flushTerminal()
				s.handleExit(0)
				return
			}
			s.mu.Lock()
			s.lastActivity = time.Now()
			s.mu.Unlock()

			s.terminalBuf.Write(chunk)
			pending.Write(chunk)

			clean := stripANSI(chunk)
			s.textBuf.Write(clean)

			s.emit(Event{Type: EventOutput, SessionID: s.ID, Raw: chunk})

			lineAcc = append(lineAcc, clean...)
			for {
				i := bytes.IndexByte(lineAcc, '\n')
				if i < 0 {
					break
				}
				line := lineAcc[:i]
				lineAcc = lineAcc[i+1:]
				s.observeLine(string(bytes.TrimRight(line, "\r")))
			}
		case <-ticker.C:
			flushTerminal()
		case <-idleCheck.C:
			s.checkSpinnerAbsent()
		}
	}
}

// observeLine runs the structured-message probe (finalizing a one-shot run's
// token accounting on a result message) and the idle-signal detector over
// every line, then emits it as EventLine so the supervisor can feed the same
// line into the session's progress tracker.
func (s *Session) observeLine(line string) {
	s.observeIdleSignals(line)

	trimmed := []byte(line)
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(trimmed, &probe); err == nil && probe.Type != "" {
		msg := ParsedMessage{Type: ParsedMessageType(probe.Type), Payload: json.RawMessage(trimmed)}
		s.messages.Append(msg)
		s.emit(Event{Type: EventMessage, SessionID: s.ID, Message: &msg})

		if msg.Type == MessageTypeResult {
			var res ResultPayload
			if err := json.Unmarshal(trimmed, &res); err == nil {
				s.mu.Lock()
				s.inputTokens += res.Message.Usage.InputTokens
				s.outputTokens += res.Message.Usage.OutputTokens
				s.cost += res.Cost
				s.mu.Unlock()
				s.emit(Event{Type: EventCompletion, SessionID: s.ID, Text: res.Text, Cost: res.Cost})
			}
		}
	}

	s.emit(Event{Type: EventLine, SessionID: s.ID, Text: line})
}

// observeIdleSignals feeds line through the session's idle-signal detector
// and emits EventIdle the first time any of the three line-oriented signals
// (prompt glyph, ready marker, "Worked for..." banner) fires after a working
// period; checkSpinnerAbsent handles the fourth, time-based signal.
func (s *Session) observeIdleSignals(line string) {
	evs := s.idleDetector.ObserveLine(line)
	if len(evs) > 0 {
		s.markIdle()
		return
	}
	if parser.ContainsSpinnerGlyph(line) {
		s.markWorking()
	}
}

// checkSpinnerAbsent is the time-based fourth idle signal: no spinner glyph
// for idleQuietWindow after having seen one at least once.
func (s *Session) checkSpinnerAbsent() {
	if s.idleDetector.SpinnerAbsentFor(idleQuietWindow) {
		s.markIdle()
	}
}

func (s *Session) markIdle() {
	s.mu.Lock()
	wasWorking := s.working
	s.working = false
	s.mu.Unlock()
	if wasWorking {
		s.SetLifecycle(LifecycleIdle)
		s.emit(Event{Type: EventIdle, SessionID: s.ID})
	}
}

// markWorking records that the subprocess is actively producing output
// again, emitting EventWorking on the idle-to-working transition.
func (s *Session) markWorking() {
	s.mu.Lock()
	wasWorking := s.working
	s.working = true
	s.mu.Unlock()
	if !wasWorking {
		s.SetLifecycle(LifecycleWorking)
		s.emit(Event{Type: EventWorking, SessionID: s.ID})
	}
}

// ObserveInteractiveTokenLine records a token count scraped from an
// interactive assistant's status-line display (e.g. "12.4k tokens"),
// splitting it 60/40 into input/output since only a total is shown.
func (s *Session) ObserveInteractiveTokenLine(total int) {
	s.mu.Lock()
	s.inputTokens += int(float64(total) * interactiveInputPct)
	s.outputTokens += int(float64(total) * interactiveOutputPct)
	shouldClear := s.inputTokens+s.outputTokens >= s.Config.AutoClearTokens
	s.mu.Unlock()
	if shouldClear {
		s.emit(Event{Type: EventAutoClear, SessionID: s.ID})
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		// Backpressure: drop the lowest-value events (terminal batches) at
		// once when a slow subscriber can't keep up; buffers still absorb the
		// bytes. Any other event waits up to 10ms and is then dropped too.
		if ev.Type == EventTerminal {
			return
		}
		select {
		case s.events <- ev:
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Events returns the session's event channel. There is one channel per
// session; callers that need fan-out should relay through the eventbus.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) handleExit(code int) {
	s.mu.Lock()
	s.lifecycle = LifecycleExited
	s.exitCode = &code
	s.mu.Unlock()
	s.emit(Event{Type: EventExit, SessionID: s.ID, ExitCode: code})
}

// Write forwards bytes to the multiplexer pane byte-for-byte.
func (s *Session) Write(ctx context.Context, data []byte) error {
	if err := s.mux.Write(s.PaneName, data); err != nil {
		return apperr.Wrap(err, "write to session %s", s.ID)
	}
	return nil
}

func (s *Session) Resize(cols, rows uint16) error {
	return s.mux.Resize(s.PaneName, cols, rows)
}

// Stop ends the session's read loop and detaches from the pane; its buffers
// stay readable. destroyPane controls whether the underlying multiplexer
// pane, and the subprocess in it, is also killed or left for a later
// reattach.
func (s *Session) Stop(destroyPane bool) error {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
	if destroyPane {
		if err := s.mux.Kill(s.PaneName); err != nil {
			return apperr.Wrap(err, "kill pane for %s", s.ID)
		}
	}
	return nil
}

func (s *Session) GetTerminalBuffer() []byte       { return s.terminalBuf.Bytes() }
func (s *Session) GetTextOutput() []byte           { return s.textBuf.Bytes() }
func (s *Session) GetMessages() []ParsedMessage     { return s.messages.Snapshot() }

// ExitCode reports the subprocess exit code once the session has exited.
func (s *Session) ExitCode() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitCode == nil {
		return 0, false
	}
	return *s.exitCode, true
}

func (s *Session) Lifecycle() Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

func (s *Session) SetLifecycle(l Lifecycle) {
	s.mu.Lock()
	s.lifecycle = l
	s.mu.Unlock()
}

func (s *Session) TokenUsage() (input, output int, cost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputTokens, s.outputTokens, s.cost
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Touch records fresh activity, used by the idle/working detector to reset
// its quiet-window clock without requiring a full terminal event round trip.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) String() string {
	return fmt.Sprintf("session(%s,%s,%s)", s.ID, s.Config.Mode, s.lifecycle)
}
