package parser

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ToolStatus string

const (
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolExpired   ToolStatus = "expired"
)

// BackgroundTool is one detected command invocation and the file paths it
// touches, per the data model in §3.
type BackgroundTool struct {
	ID        string
	Command   string
	Paths     []string
	Timeout   time.Duration
	StartedAt time.Time
	Status    ToolStatus
}

const maxActiveTools = 20

var (
	toolStartRe = regexp.MustCompile(`●\s*Bash\(([^)]*)\)(?:\s*\(timeout:\s*(\d+)([ms]?)\))?`)
	toolEndRe   = regexp.MustCompile(`[✓✗]\s*Bash`)
)

// BackgroundToolDetector tracks ● Bash(CMD) / ✓|✗ Bash lines, extracting
// and deduplicating file paths from file-viewing commands, debouncing
// tools-update by 50ms, and enforcing the ≤20 active-tool cap.
type BackgroundToolDetector struct {
	workDir string
	dedup   *pathDedup

	mu           sync.Mutex
	active       []*BackgroundTool
	lastDebounce time.Time
}

func NewBackgroundToolDetector(workDir string, dedup *pathDedup) *BackgroundToolDetector {
	return &BackgroundToolDetector{workDir: workDir, dedup: dedup}
}

func (d *BackgroundToolDetector) ObserveLine(line string) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	var evs []Event

	if m := toolStartRe.FindStringSubmatch(line); m != nil {
		cmd := strings.TrimSpace(m[1])
		tool := &BackgroundTool{ID: "tool_" + uuid.NewString()[:8], Command: cmd, StartedAt: time.Now(), Status: ToolRunning}
		if isFileViewingCommand(cmd) {
			for _, raw := range extractPaths(cmd) {
				norm := normalizePath(raw, d.workDir)
				if !d.dedup.claim(shallowKey(norm)) {
					continue
				}
				tool.Paths = append(tool.Paths, norm)
			}
		}
		d.active = append(d.active, tool)
		if len(d.active) > maxActiveTools {
			evicted := d.active[0]
			evicted.Status = ToolExpired
			d.active = d.active[1:]
		}
		evs = append(evs, Event{Type: EventToolStart, Line: line, Tool: tool})
		evs = append(evs, d.debouncedUpdate()...)
		return evs
	}

	if toolEndRe.MatchString(line) {
		if n := len(d.active); n > 0 {
			tool := d.active[n-1]
			tool.Status = ToolCompleted
			d.active = d.active[:n-1]
			evs = append(evs, Event{Type: EventToolEnd, Line: line, Tool: tool})
			evs = append(evs, d.debouncedUpdate()...)
		}
	}
	return evs
}

// debouncedUpdate emits at most one tools-update event per 50ms window.
// Caller holds d.mu.
func (d *BackgroundToolDetector) debouncedUpdate() []Event {
	if time.Since(d.lastDebounce) < 50*time.Millisecond {
		return nil
	}
	d.lastDebounce = time.Now()
	return []Event{{Type: EventToolsUpdate}}
}
