package progress

import "time"

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerHalfOpen BreakerState = "half-open"
	BreakerOpen     BreakerState = "open"
)

// CircuitBreaker tracks three independent two-threshold counters (no
// progress, repeated same error, tests failing too long) per §4.4. Each
// counter reaching 2 trips half-open with a warning reason; reaching 3
// trips open and the tracker refuses to arm auto-cycling until an explicit
// Reset (or Tracker.Reset(true)).
type CircuitBreaker struct {
	State State

	NoProgressCount   int
	SameErrorCount    int
	TestsFailingCount int
	LastProgressCycle int

	Reason         string
	ReasonCode     string
	TransitionedAt time.Time
	LastError      string
}

type State struct {
	NoProgress   BreakerState
	SameError    BreakerState
	TestsFailing BreakerState
}

// overall reports the most severe of the three independent states: open
// beats half-open beats closed.
func (c *CircuitBreaker) overall() BreakerState {
	if c.State.NoProgress == BreakerOpen || c.State.SameError == BreakerOpen || c.State.TestsFailing == BreakerOpen {
		return BreakerOpen
	}
	if c.State.NoProgress == BreakerHalfOpen || c.State.SameError == BreakerHalfOpen || c.State.TestsFailing == BreakerHalfOpen {
		return BreakerHalfOpen
	}
	return BreakerClosed
}

// IsOpen reports whether auto-cycling is currently refused.
func (c *CircuitBreaker) IsOpen() bool { return c.overall() == BreakerOpen }

// ObserveStatus applies the progress/no-progress transition rule for one
// parsed status block at the given cycle index.
func (c *CircuitBreaker) ObserveStatus(cycle int, filesModified, tasksCompleted int, errMsg string, testsFailing bool) {
	for _, s := range []*BreakerState{&c.State.NoProgress, &c.State.SameError, &c.State.TestsFailing} {
		if *s == "" {
			*s = BreakerClosed
		}
	}
	progress := filesModified > 0 || tasksCompleted > 0
	if progress {
		c.NoProgressCount = 0
		c.LastProgressCycle = cycle
		if c.State.NoProgress == BreakerHalfOpen {
			c.State.NoProgress = BreakerClosed
			c.setReason("progress detected", "progress_detected")
		}
	} else {
		c.NoProgressCount++
		c.applyThreshold(&c.State.NoProgress, c.NoProgressCount, "no-progress")
	}

	if errMsg != "" && errMsg == c.LastError {
		c.SameErrorCount++
		c.applyThreshold(&c.State.SameError, c.SameErrorCount, "same-error")
	} else {
		c.SameErrorCount = 0
		if c.State.SameError == BreakerHalfOpen {
			c.State.SameError = BreakerClosed
		}
	}
	c.LastError = errMsg

	if testsFailing {
		c.TestsFailingCount++
		c.applyThreshold(&c.State.TestsFailing, c.TestsFailingCount, "tests-failing")
	} else {
		c.TestsFailingCount = 0
		if c.State.TestsFailing == BreakerHalfOpen {
			c.State.TestsFailing = BreakerClosed
		}
	}
}

func (c *CircuitBreaker) applyThreshold(state *BreakerState, count int, kind string) {
	switch {
	case count >= 3:
		if *state != BreakerOpen {
			*state = BreakerOpen
			c.setReason(kind+" open", kind+"_open")
		}
	case count >= 2:
		if *state == BreakerClosed {
			*state = BreakerHalfOpen
			c.setReason(kind+" warning", kind+"_warning")
		}
	}
}

func (c *CircuitBreaker) setReason(reason, code string) {
	c.Reason = reason
	c.ReasonCode = code
	c.TransitionedAt = time.Now()
}

// Reset clears every counter and returns the breaker to closed, per the
// explicit manual-reset capability named in §4.4.
func (c *CircuitBreaker) Reset() {
	*c = CircuitBreaker{}
	c.State = State{NoProgress: BreakerClosed, SameError: BreakerClosed, TestsFailing: BreakerClosed}
	c.setReason("manual reset", "manual_reset")
}
