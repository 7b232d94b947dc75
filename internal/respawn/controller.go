// Package respawn implements the per-session autonomous cycling state
// machine: it watches for idleness, sends a recap prompt, clears context,
// re-initializes, optionally auto-accepts approval prompts, and kickstarts
// the next cycle. One Controller per session, a single goroutine per
// instance reading a command channel and its confirm timer — the
// same per-session-goroutine model as the teacher's manager.go readLoop.
package respawn

import (
	"context"
	"log/slog"
	"time"

	"github.com/ralphloop/ralph/internal/config"
)

type State string

const (
	StateWatching           State = "watching"
	StateSendingUpdate       State = "sending-update"
	StateWaitingUpdate       State = "waiting-update"
	StateSendingClear        State = "sending-clear"
	StateWaitingClear        State = "waiting-clear"
	StateSendingInit         State = "sending-init"
	StateWaitingInit         State = "waiting-init"
	StateAutoAcceptConfirm   State = "auto-accept-confirm"
	StateKickstart           State = "kickstart"
)

// Writer forwards bytes to the session's multiplexer pane. ptysession.Session
// satisfies this with its Write method.
type Writer interface {
	Write(ctx context.Context, data []byte) error
}

type commandKind int

const (
	cmdReset commandKind = iota
	cmdStop
	cmdIdleSignal
	cmdActivity
	cmdApprovalPrompt
	cmdElicitation
)

type command struct {
	kind commandKind
}

// Controller drives one session through the respawn cycle. Create with New
// and start its goroutine with Run; send commands with the Notify* methods.
type Controller struct {
	sessionID string
	cfg       config.RespawnConfig
	writer    Writer
	logger    *slog.Logger
	timer     *adaptiveTimer

	state       State
	priorState  State // state to return to after auto-accept-confirm
	cmdCh       chan command
	stoppedCh   chan struct{}
	blockedFn   func(reason string)

	elicitationActive bool
	idleDetectedAt    time.Time
	cycleStartedAt    time.Time
}

func New(sessionID string, cfg config.RespawnConfig, writer Writer, logger *slog.Logger, onBlocked func(reason string)) *Controller {
	return &Controller{
		sessionID: sessionID,
		cfg:       cfg,
		writer:    writer,
		logger:    logger,
		timer:     newAdaptiveTimer(cfg.MinConfirmDelay, cfg.MaxConfirmDelay),
		state:     StateWatching,
		cmdCh:     make(chan command, 32),
		stoppedCh: make(chan struct{}),
		blockedFn: onBlocked,
	}
}

func (c *Controller) State() State { return c.state }

// NotifyIdleSignal reports that one of the four idle signals (§4.3) fired.
func (c *Controller) NotifyIdleSignal() { c.send(command{kind: cmdIdleSignal}) }

// NotifyActivity reports fresh output, resetting the confirm-window clock.
func (c *Controller) NotifyActivity() { c.send(command{kind: cmdActivity}) }

// NotifyApprovalPrompt reports an approval ("1. Yes") prompt in the pane.
func (c *Controller) NotifyApprovalPrompt() { c.send(command{kind: cmdApprovalPrompt}) }

// NotifyElicitation reports an in-band free-form question awaiting an
// answer; elicitation takes precedence over approval prompts.
func (c *Controller) NotifyElicitation(active bool) {
	if active {
		c.send(command{kind: cmdElicitation})
	}
}

// Reset aborts any in-flight write/confirm and returns to watching.
func (c *Controller) Reset() { c.send(command{kind: cmdReset}) }

// Stop detaches the controller from the session; it emits nothing further.
func (c *Controller) Stop() { c.send(command{kind: cmdStop}) }

func (c *Controller) send(cmd command) {
	select {
	case c.cmdCh <- cmd:
	case <-c.stoppedCh:
	}
}

// Run is the controller's single goroutine. It blocks until ctx is
// cancelled or Stop is called.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.stoppedCh)

	var confirmTimer *time.Timer
	var lastActivity time.Time

	armConfirm := func() {
		if confirmTimer != nil {
			confirmTimer.Stop()
		}
		confirmTimer = time.NewTimer(c.timer.Current())
	}

	confirmC := func() <-chan time.Time {
		if confirmTimer == nil {
			return nil
		}
		return confirmTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.cmdCh:
			switch cmd.kind {
			case cmdStop:
				return
			case cmdReset:
				c.state = StateWatching
				if confirmTimer != nil {
					confirmTimer.Stop()
					confirmTimer = nil
				}
			case cmdActivity:
				lastActivity = time.Now()
			case cmdElicitation:
				c.elicitationActive = true
			case cmdApprovalPrompt:
				if c.cfg.AutoAccept && !c.elicitationActive {
					c.priorState = c.state
					c.state = StateAutoAcceptConfirm
					armConfirm()
				}
			case cmdIdleSignal:
				c.idleDetectedAt = time.Now()
				if c.confirmIdle(lastActivity) {
					c.advance(ctx)
				} else {
					armConfirm()
				}
			}
		case <-confirmC():
			confirmTimer = nil
			if c.state == StateAutoAcceptConfirm {
				if c.writeRetrying(ctx, []byte("1\r")) {
					c.state = c.priorState
				}
				continue
			}
			if c.confirmIdle(lastActivity) {
				c.advance(ctx)
			}
		}
	}
}

// confirmIdle reports whether output has been quiet since idleDetectedAt
// for at least the adaptive confirm window.
func (c *Controller) confirmIdle(lastActivity time.Time) bool {
	quietSince := c.idleDetectedAt
	if lastActivity.After(quietSince) {
		return false
	}
	return time.Since(quietSince) >= c.timer.Current()
}

// advance runs one state transition of the main cycle, per §4.5.
func (c *Controller) advance(ctx context.Context) {
	switch c.state {
	case StateWatching:
		c.cycleStartedAt = time.Now()
		c.state = StateSendingUpdate
		if c.writeRetrying(ctx, []byte(c.cfg.UpdatePrompt+"\r")) {
			c.state = StateWaitingUpdate
		}
	case StateWaitingUpdate:
		c.recordLatency()
		if c.cfg.SendClear {
			c.state = StateSendingClear
			if c.writeRetrying(ctx, []byte("/clear\r")) {
				c.state = StateWaitingClear
			}
		} else if c.cfg.SendInit {
			c.state = StateSendingInit
			if c.writeRetrying(ctx, []byte("/init\r")) {
				c.state = StateWaitingInit
			}
		} else {
			c.kickstart(ctx)
		}
	case StateWaitingClear:
		c.recordLatency()
		if c.cfg.SendInit {
			c.state = StateSendingInit
			if c.writeRetrying(ctx, []byte("/init\r")) {
				c.state = StateWaitingInit
			}
		} else {
			c.kickstart(ctx)
		}
	case StateWaitingInit:
		c.recordLatency()
		c.kickstart(ctx)
	case StateKickstart:
		time.Sleep(c.cfg.InterStepDelay)
		c.state = StateWatching
	}
}

func (c *Controller) kickstart(ctx context.Context) {
	c.state = StateKickstart
	if !c.writeRetrying(ctx, []byte(c.cfg.KickstartPrompt+"\r")) {
		return
	}
	time.Sleep(c.cfg.InterStepDelay)
	c.state = StateWatching
}

func (c *Controller) recordLatency() {
	if !c.cycleStartedAt.IsZero() {
		c.timer.Observe(time.Since(c.cycleStartedAt))
	}
}

var retryBackoffs = []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, time.Second}

// writeRetrying retries a failed write up to three times with exponential
// backoff; on final failure it emits respawn:blocked and returns to
// watching without tearing the session down. It reports whether the write
// succeeded.
func (c *Controller) writeRetrying(ctx context.Context, data []byte) bool {
	var err error
	for attempt := 0; attempt <= len(retryBackoffs); attempt++ {
		if err = c.writer.Write(ctx, data); err == nil {
			return true
		}
		if attempt < len(retryBackoffs) {
			time.Sleep(retryBackoffs[attempt])
		}
	}
	c.logger.Warn("respawn write failed, blocking", "session", c.sessionID, "err", err)
	c.state = StateWatching
	if c.blockedFn != nil {
		c.blockedFn(err.Error())
	}
	return false
}
