// Package supervisor owns the process-wide session table: creation,
// lookup, respawn-controller and progress-tracker wiring, startup
// reattachment to live tmux panes, and graceful shutdown. Generalizes the
// teacher's internal/session/manager.go Manager from a single-field
// tool-session table to one that also carries a respawn.Controller and a
// progress.Tracker per session, and fans every session's events out
// through an eventbus.Bus instead of a single OnSessionExit callback.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ralphloop/ralph/internal/apperr"
	"github.com/ralphloop/ralph/internal/config"
	"github.com/ralphloop/ralph/internal/eventbus"
	"github.com/ralphloop/ralph/internal/mux"
	"github.com/ralphloop/ralph/internal/mux/tmux"
	"github.com/ralphloop/ralph/internal/progress"
	"github.com/ralphloop/ralph/internal/ptysession"
	"github.com/ralphloop/ralph/internal/respawn"
	"github.com/ralphloop/ralph/internal/store"
)

// defaultMaxSessions bounds the supervisor's live session table unless
// WithMaxSessions is given a positive cap; Create returns apperr.Busy once
// the cap is reached, per the 50-session cap.
const defaultMaxSessions = 50

const shutdownGrace = 5 * time.Second

// Entry is one managed session: its runtime, its optional respawn
// controller, and its optional progress tracker. Shell sessions have
// neither controller nor tracker.
type Entry struct {
	Session    *ptysession.Session
	Controller *respawn.Controller
	Tracker    *progress.Tracker

	cancel context.CancelFunc
}

// Supervisor is the top-level session table. One per process.
type Supervisor struct {
	mu       sync.Mutex
	sessions map[string]*Entry

	mux        mux.Multiplexer
	bus        *eventbus.Bus
	store      *store.Store
	logger     *slog.Logger
	maxSessions int

	shuttingDown bool
}

func New(m mux.Multiplexer, bus *eventbus.Bus, st *store.Store, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		sessions:    make(map[string]*Entry),
		mux:         m,
		bus:         bus,
		store:       st,
		logger:      logger,
		maxSessions: defaultMaxSessions,
	}
}

// WithMaxSessions overrides the session-table cap (default
// defaultMaxSessions), used to wire cmd/ralphd's -session-cap flag.
func (sv *Supervisor) WithMaxSessions(n int) *Supervisor {
	if n > 0 {
		sv.maxSessions = n
	}
	return sv
}

// Reattach scans persisted session records at startup and, for each whose
// tmux pane is still alive, resumes monitoring instead of starting fresh
// (mirrors the teacher's loadPersistedSessions + cleanupOrphanedTmuxSessions
// pair). Panes that are no longer running are recorded as exited; tmux
// sessions with no matching record are killed as orphans.
func (sv *Supervisor) Reattach(ctx context.Context, records []store.SessionRecord) {
	tb, ok := sv.mux.(*tmux.Backend)
	known := make(map[string]bool, len(records))

	for _, rec := range records {
		known[rec.ID] = true
		if rec.Status != "running" {
			continue
		}
		if !ok || !tb.Exists(rec.ID) {
			sv.logger.Warn("persisted session has no live pane, marking exited", "id", rec.ID)
			continue
		}
		dead, exitCode, err := tb.PaneDead(rec.ID)
		if err != nil {
			sv.logger.Error("failed to probe persisted pane", "id", rec.ID, "err", err)
			continue
		}
		if dead {
			sv.logger.Info("persisted pane already exited", "id", rec.ID, "exitCode", exitCode)
			continue
		}
		if err := sv.reattachOne(ctx, rec); err != nil {
			sv.logger.Error("failed to reattach session", "id", rec.ID, "err", err)
		} else {
			sv.logger.Info("reattached to persisted session", "id", rec.ID)
		}
	}

	if ok {
		sv.cleanupOrphans(tb, known)
	}
}

func (sv *Supervisor) reattachOne(ctx context.Context, rec store.SessionRecord) error {
	cfg := ptysession.Config{WorkDir: rec.WorkDir, Mode: ptysession.Mode(rec.Mode)}
	sess, err := ptysession.StartInteractive(ctx, sv.mux, cfg, sv.logger)
	if err != nil {
		return err
	}
	sv.register(ctx, sess, nil)
	return nil
}

// cleanupOrphans kills any tmux session under our prefix that has no
// corresponding persisted record — crash-restart leftovers.
func (sv *Supervisor) cleanupOrphans(tb *tmux.Backend, known map[string]bool) {
	names, err := tb.List()
	if err != nil {
		sv.logger.Warn("failed to list tmux sessions for orphan cleanup", "err", err)
		return
	}
	for _, name := range names {
		if known[name] {
			continue
		}
		sv.logger.Info("killing orphaned tmux session", "name", name)
		if err := tb.Kill(name); err != nil {
			sv.logger.Warn("failed to kill orphaned tmux session", "name", name, "err", err)
		}
	}
}

// Create starts a new session and wires a respawn controller and progress
// tracker to it when cfg calls for autonomous cycling. Returns apperr.Busy
// if the session table is at capacity.
func (sv *Supervisor) Create(ctx context.Context, cfg ptysession.Config, respawnCfg *config.RespawnConfig) (*Entry, error) {
	sv.mu.Lock()
	if sv.shuttingDown {
		sv.mu.Unlock()
		return nil, apperr.Invalid("supervisor is shutting down")
	}
	if len(sv.sessions) >= sv.maxSessions {
		sv.mu.Unlock()
		return nil, apperr.Busy("session table full (%d/%d)", len(sv.sessions), sv.maxSessions)
	}
	sv.mu.Unlock()

	sessCtx, cancel := context.WithCancel(ctx)
	var sess *ptysession.Session
	var err error
	if cfg.Mode == ptysession.ModeShell {
		sess, err = ptysession.StartShell(sessCtx, sv.mux, cfg.WorkDir, sv.logger)
	} else {
		sess, err = ptysession.StartInteractive(sessCtx, sv.mux, cfg, sv.logger)
	}
	if err != nil {
		cancel()
		return nil, err
	}

	entry := sv.register(sessCtx, sess, cancel)

	if respawnCfg != nil {
		entry.Tracker = progress.NewTracker(cfg.WorkDir)
		entry.Controller = respawn.New(sess.ID, *respawnCfg, sess, sv.logger, func(reason string) {
			sv.bus.Publish(eventbus.Event{Type: eventbus.RespawnBlocked, SessionID: sess.ID, Payload: reason})
		})
		go entry.Controller.Run(sessCtx)
	}

	sv.bus.Publish(eventbus.Event{Type: eventbus.SessionCreated, SessionID: sess.ID})
	return entry, nil
}

func (sv *Supervisor) register(ctx context.Context, sess *ptysession.Session, cancel context.CancelFunc) *Entry {
	entry := &Entry{Session: sess, cancel: cancel}
	sv.mu.Lock()
	sv.sessions[sess.ID] = entry
	sv.mu.Unlock()

	go sv.pump(ctx, entry)
	return entry
}

// pump relays one session's event channel onto the shared bus and into its
// tracker/controller, recovering from any panic in a downstream consumer so
// one misbehaving parser or callback can never take down the whole
// process — the crash-isolation boundary named for every per-session
// goroutine.
func (sv *Supervisor) pump(ctx context.Context, entry *Entry) {
	sess := entry.Session
	for ev := range sess.Events() {
		sv.dispatch(entry, ev)
	}
	sv.mu.Lock()
	delete(sv.sessions, sess.ID)
	sv.mu.Unlock()
	sv.bus.Publish(eventbus.Event{Type: eventbus.SessionRemoved, SessionID: sess.ID})
}

func (sv *Supervisor) dispatch(entry *Entry, ev ptysession.Event) {
	defer func() {
		if r := recover(); r != nil {
			sv.logger.Error("recovered from panic dispatching session event", "session", entry.Session.ID, "panic", r)
		}
	}()

	sess := entry.Session
	switch ev.Type {
	case ptysession.EventTerminal:
		sv.bus.Publish(eventbus.Event{Type: eventbus.TerminalOutput, SessionID: sess.ID, Payload: ev.Raw})
		if entry.Controller != nil {
			entry.Controller.NotifyActivity()
		}
	case ptysession.EventMessage:
		sv.bus.Publish(eventbus.Event{Type: eventbus.Message, SessionID: sess.ID, Payload: ev.Message})
	case ptysession.EventCompletion:
		sv.bus.Publish(eventbus.Event{Type: eventbus.Completion, SessionID: sess.ID, Payload: ev.Cost})
	case ptysession.EventIdle:
		sv.bus.Publish(eventbus.Event{Type: eventbus.Idle, SessionID: sess.ID})
		if entry.Controller != nil {
			entry.Controller.NotifyIdleSignal()
		}
	case ptysession.EventWorking:
		sv.bus.Publish(eventbus.Event{Type: eventbus.Working, SessionID: sess.ID})
	case ptysession.EventAutoClear:
		sv.bus.Publish(eventbus.Event{Type: eventbus.AutoClear, SessionID: sess.ID})
	case ptysession.EventExit:
		sv.bus.Publish(eventbus.Event{Type: eventbus.Exit, SessionID: sess.ID, Payload: ev.ExitCode})
		if entry.Controller != nil {
			entry.Controller.Stop()
		}
	}

	// EventLine carries every observed output line; EventCompletion carries
	// a one-shot run's final result text. Both are fed to the tracker so its
	// todo/status-block/completion-phrase parsing runs on real session
	// output instead of only on a one-shot's terminal message.
	if entry.Tracker != nil && ev.Text != "" {
		if entry.Tracker.ObserveLine(ev.Text) {
			sv.bus.Publish(eventbus.Event{Type: eventbus.Completion, SessionID: sess.ID})
		}
		if entry.Tracker.Breaker.IsOpen() {
			sv.bus.Publish(eventbus.Event{Type: eventbus.BreakerTripped, SessionID: sess.ID, Payload: entry.Tracker.Breaker.ReasonCode})
		}
	}
}

func (sv *Supervisor) Get(id string) (*Entry, bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	e, ok := sv.sessions[id]
	return e, ok
}

func (sv *Supervisor) List() []*Entry {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	out := make([]*Entry, 0, len(sv.sessions))
	for _, e := range sv.sessions {
		out = append(out, e)
	}
	return out
}

// Stop stops one session, destroying its pane when destroyPane is true
// (used for explicit user-initiated termination vs. detach-only shutdown).
func (sv *Supervisor) Stop(id string, destroyPane bool) error {
	sv.mu.Lock()
	entry, ok := sv.sessions[id]
	sv.mu.Unlock()
	if !ok {
		return apperr.NotFound("session %s", id)
	}
	if entry.Controller != nil {
		entry.Controller.Stop()
	}
	if entry.cancel != nil {
		entry.cancel()
	}
	return entry.Session.Stop(destroyPane)
}

// Shutdown detaches every running session in parallel (keeping tmux panes
// alive for the next reattach) and waits up to shutdownGrace before giving
// up on stragglers, mirroring the teacher's StopAll detach-not-kill
// behavior for tmux-backed sessions.
func (sv *Supervisor) Shutdown(ctx context.Context) error {
	sv.mu.Lock()
	sv.shuttingDown = true
	entries := make([]*Entry, 0, len(sv.sessions))
	for _, e := range sv.sessions {
		entries = append(entries, e)
	}
	sv.mu.Unlock()

	grace, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()

	g, _ := errgroup.WithContext(grace)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			if e.Controller != nil {
				e.Controller.Stop()
			}
			return e.Session.Stop(false)
		})
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-grace.Done():
		return grace.Err()
	}
}

// Maintenance logs aggregate state (live sessions and bus subscribers);
// cmd/ralphd runs it on a periodic scheduled.Ticker. It does not flush the
// store or sweep tmux panes, and st is not read.
func (sv *Supervisor) Maintenance(st store.State) {
	sv.logger.Info("supervisor maintenance tick", "sessions", len(sv.List()), "subscribers", sv.bus.SubscriberCount())
}

// MultiplexerForScheduled exposes the underlying multiplexer so an
// internal/scheduled.Driver can start its own ephemeral one-shot sessions
// outside the supervisor's own session table.
func (sv *Supervisor) MultiplexerForScheduled() mux.Multiplexer {
	return sv.mux
}
