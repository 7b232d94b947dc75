// Package scheduled runs two kinds of unattended loops: a per-run Driver
// that repeatedly executes a prompt against a fresh one-shot session until
// a wall-clock deadline (§4.8), and a process-wide cron.Ticker that runs a
// maintenance function on a fixed schedule (cmd/ralphd runs the
// supervisor's Maintenance logging tick on it). The teacher's go.mod reserves
// github.com/robfig/cron/v3 but no file in the teacher ever imports it;
// this package is where it earns its place.
package scheduled

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ralphloop/ralph/internal/mux"
	"github.com/ralphloop/ralph/internal/ptysession"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// LogEntry is one timestamped event in a run's bounded history.
type LogEntry struct {
	At      time.Time
	Message string
}

const maxLogEntries = 200
const (
	iterationDelay    = 2 * time.Second
	errorIterationDelay = 5 * time.Second
)

// Run is one scheduled-run's accumulated state. The Driver mutates it under
// its own lock; callers read a snapshot via Driver.Snapshot.
type Run struct {
	ID               string
	Prompt           string
	WorkDir          string
	Duration         time.Duration
	StartedAt        time.Time
	EndAt            time.Time
	Status           Status
	CurrentSessionID string
	TaskCount        int
	Cost             float64
	Log              []LogEntry
}

// Driver runs one scheduled run's loop to completion or until stopped.
type Driver struct {
	mu  sync.Mutex
	run Run

	mux    mux.Multiplexer
	logger *slog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// New starts no goroutine by itself; call Start to launch the loop.
func New(id, prompt, workDir string, duration time.Duration, m mux.Multiplexer, logger *slog.Logger) *Driver {
	now := time.Now()
	return &Driver{
		run: Run{
			ID:        id,
			Prompt:    prompt,
			WorkDir:   workDir,
			Duration:  duration,
			StartedAt: now,
			EndAt:     now.Add(duration),
			Status:    StatusRunning,
		},
		mux:    m,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the loop in the caller's goroutine; callers invoke it via `go`.
// While wall-clock <= end-at and status is running, it creates an ephemeral
// one-shot session, runs the prompt with a remaining-time suffix, records
// completion and cost, then sleeps 2s (5s after an error) before the next
// iteration.
func (d *Driver) Start(ctx context.Context) {
	defer close(d.doneCh)
	for {
		d.mu.Lock()
		status := d.run.Status
		endAt := d.run.EndAt
		d.mu.Unlock()

		if status != StatusRunning || time.Now().After(endAt) {
			break
		}

		delay := d.runIteration(ctx)

		select {
		case <-ctx.Done():
			d.finish(StatusStopped, "context cancelled")
			return
		case <-d.stopCh:
			d.finish(StatusStopped, "stopped by request")
			return
		case <-time.After(delay):
		}
	}
	d.mu.Lock()
	if d.run.Status == StatusRunning {
		d.run.Status = StatusCompleted
		d.appendLog("deadline reached")
	}
	d.mu.Unlock()
}

func (d *Driver) runIteration(ctx context.Context) time.Duration {
	d.mu.Lock()
	remaining := time.Until(d.run.EndAt)
	prompt := fmt.Sprintf("%s (approximately %d minutes remaining)", d.run.Prompt, int(remaining.Minutes()))
	workDir := d.run.WorkDir
	d.mu.Unlock()

	cfg := ptysession.Config{WorkDir: workDir}
	sess, err := ptysession.StartOneShot(ctx, d.mux, cfg, prompt, "", d.logger)
	if err != nil {
		d.mu.Lock()
		d.appendLog("iteration failed to start: " + err.Error())
		d.mu.Unlock()
		return errorIterationDelay
	}

	d.mu.Lock()
	d.run.CurrentSessionID = sess.ID
	d.mu.Unlock()

	select {
	case <-ctx.Done():
		_ = sess.Stop(true)
		return 0
	case <-d.stopCh:
		_ = sess.Stop(true)
		return 0
	case <-time.After(remaining):
		_ = sess.Stop(true)
		return 0
	case ev, ok := <-sess.Events():
		if ok && ev.Type == ptysession.EventCompletion {
			_, _, cost := sess.TokenUsage()
			d.mu.Lock()
			d.run.TaskCount++
			d.run.Cost += cost
			d.appendLog(fmt.Sprintf("iteration completed, cost=%.4f", cost))
			d.mu.Unlock()
			_ = sess.Stop(true)
			return iterationDelay
		}
	}
	_ = sess.Stop(true)
	d.mu.Lock()
	d.appendLog("iteration ended without a completion event")
	d.mu.Unlock()
	return errorIterationDelay
}

// Stop tears down the current ephemeral session and transitions to stopped.
func (d *Driver) Stop() {
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
	<-d.doneCh
}

func (d *Driver) finish(status Status, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.run.Status = status
	d.appendLog(reason)
}

// appendLog bounds the run's log to maxLogEntries, trimming the oldest —
// caller must hold d.mu.
func (d *Driver) appendLog(msg string) {
	d.run.Log = append(d.run.Log, LogEntry{At: time.Now(), Message: msg})
	if len(d.run.Log) > maxLogEntries {
		d.run.Log = d.run.Log[len(d.run.Log)-maxLogEntries:]
	}
}

// Snapshot returns a copy of the run's current state.
func (d *Driver) Snapshot() Run {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := d.run
	cp.Log = append([]LogEntry(nil), d.run.Log...)
	return cp
}

// MaintenanceFunc is invoked on every tick of a Ticker.
type MaintenanceFunc func()

// Ticker wraps a robfig/cron/v3 scheduler running a single recurring
// maintenance job.
type Ticker struct {
	c       *cron.Cron
	entryID cron.EntryID
}

// NewTicker schedules fn on spec (a standard 5-field cron expression, e.g.
// "*/5 * * * *" for every five minutes) and starts it immediately.
func NewTicker(spec string, fn MaintenanceFunc) (*Ticker, error) {
	c := cron.New()
	id, err := c.AddFunc(spec, func() { fn() })
	if err != nil {
		return nil, err
	}
	c.Start()
	return &Ticker{c: c, entryID: id}, nil
}

// Stop halts the scheduler, waiting for any in-flight job to finish.
func (t *Ticker) Stop() {
	ctx := t.c.Stop()
	<-ctx.Done()
}
