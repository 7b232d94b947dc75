// Package eventbus fans out session- and supervisor-level events to
// subscribers (the SSE/WebSocket server handlers, the notify package). One
// Bus per process; sessions and the supervisor publish into it, the server
// subscribes a channel per connected client.
//
// Publish relays the single-session backpressure policy used in
// internal/ptysession.Session.emit up to the fan-out level: a slow
// subscriber loses terminal-output batches first, without any wait, while
// messages, completions and lifecycle events wait up to 10ms for room in
// its buffer and are dropped after that, grounded on the same teacher
// drop-the-lowest-value-event idiom.
package eventbus

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Type string

const (
	TerminalOutput Type = "terminal_output"
	Message        Type = "message"
	Completion     Type = "completion"
	Idle           Type = "idle"
	Working        Type = "working"
	AutoClear      Type = "auto_clear"
	Exit           Type = "exit"
	SessionCreated Type = "session_created"
	SessionRemoved Type = "session_removed"
	TodoUpdated    Type = "todo_updated"
	StatusUpdate   Type = "status_update"
	ToolsUpdate    Type = "tools_update"
	PlanUpdated    Type = "plan_updated"
	RespawnBlocked Type = "respawn_blocked"
	BreakerTripped Type = "breaker_tripped"
)

// Event is the envelope published on the bus. Payload is event-specific
// (left as any rather than split into N fields, since subscribers type-switch
// on Type before touching Payload).
type Event struct {
	Type      Type
	SessionID string
	Payload   any
	Time      time.Time
}

const (
	subscriberBuffer  = 256
	terminalRateLimit = 60 // per second, per subscriber
	terminalBurst     = 30
)

type subscriber struct {
	ch      chan Event
	limiter *rate.Limiter
}

// Bus is a process-wide fan-out point. Zero value is not usable; use New.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]*subscriber
}

func New() *Bus {
	return &Bus{subs: make(map[chan Event]*subscriber)}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe func. Callers must drain the channel until unsubscribing.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	sub := &subscriber{
		ch:      ch,
		limiter: rate.NewLimiter(rate.Limit(terminalRateLimit), terminalBurst),
	}
	b.mu.Lock()
	b.subs[ch] = sub
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// Publish fans ev out to every subscriber. Terminal-output events are
// additionally rate-limited per subscriber (a fast-typing interactive
// session can emit far more batches per second than any UI needs to
// render); all other event types bypass the limiter.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if ev.Type == TerminalOutput && !sub.limiter.Allow() {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			if ev.Type == TerminalOutput {
				continue
			}
			// Non-terminal events are worth a short wait rather than an
			// outright drop, mirroring the single-session emit() fallback.
			select {
			case sub.ch <- ev:
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
}

// SubscriberCount reports the number of currently attached subscribers,
// used by the supervisor's periodic maintenance log line.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
