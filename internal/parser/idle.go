package parser

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// IdleSignalKind names which of the four independent idle signals fired.
type IdleSignalKind string

const (
	SignalPromptGlyph  IdleSignalKind = "prompt-glyph"
	SignalReadyMarker  IdleSignalKind = "ready-marker"
	SignalWorkedBanner IdleSignalKind = "worked-banner"
	SignalSpinnerGone  IdleSignalKind = "spinner-absent"
)

var (
	promptGlyphRe  = regexp.MustCompile(`^[\s]*[>$›❯] `)
	readyMarkerRe  = regexp.MustCompile(`(?i)\b(ready|waiting for input|esc to interrupt)\b`)
	workedBannerRe = regexp.MustCompile(`✻\s*Worked for\s`)
	spinnerGlyphs  = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
)

// IdleSignalDetector watches the line stream for the three line-oriented
// idle signals (prompt glyph, ready marker, "Worked for..." banner) and
// tracks spinner-glyph presence for the fourth, time-based signal. The
// respawn controller's completion-confirm window (§4.5) decides when a
// candidate signal becomes an action; this type only reports candidates.
type IdleSignalDetector struct {
	mu              sync.Mutex
	lastSpinnerSeen time.Time
	everSawSpinner  bool
}

func NewIdleSignalDetector() *IdleSignalDetector {
	return &IdleSignalDetector{lastSpinnerSeen: time.Now()}
}

func (d *IdleSignalDetector) ObserveLine(line string) []Event {
	var evs []Event
	if promptGlyphRe.MatchString(line) {
		evs = append(evs, Event{Type: EventIdleSignal, Line: line, Signal: SignalPromptGlyph})
	}
	if readyMarkerRe.MatchString(line) {
		evs = append(evs, Event{Type: EventIdleSignal, Line: line, Signal: SignalReadyMarker})
	}
	if workedBannerRe.MatchString(line) {
		evs = append(evs, Event{Type: EventIdleSignal, Line: line, Signal: SignalWorkedBanner})
	}

	d.mu.Lock()
	for _, g := range spinnerGlyphs {
		if strings.Contains(line, g) {
			d.lastSpinnerSeen = time.Now()
			d.everSawSpinner = true
			break
		}
	}
	d.mu.Unlock()
	return evs
}

// ContainsSpinnerGlyph reports whether line contains one of the braille
// spinner glyphs, independent of any detector's accumulated state.
func ContainsSpinnerGlyph(line string) bool {
	for _, g := range spinnerGlyphs {
		if strings.Contains(line, g) {
			return true
		}
	}
	return false
}

// SpinnerAbsentFor reports whether no spinner glyph has been seen for at
// least quiet, and that a spinner has been observed at least once (a
// session that never showed a spinner hasn't "lost" one).
func (d *IdleSignalDetector) SpinnerAbsentFor(quiet time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.everSawSpinner {
		return false
	}
	return time.Since(d.lastSpinnerSeen) >= quiet
}
