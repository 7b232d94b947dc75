package parser

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	textCommandTTL = 30 * time.Second
	logPathTTL     = 60 * time.Second
)

// textCommandDescriptionRe recognizes lines that textually describe a shell
// command without invoking it ("run tail -f server.log", "I'll run grep
// ERROR app.log").
var textCommandDescriptionRe = regexp.MustCompile(`(?i)\b(?:run|running|I'll run|execute)\s+((?:tail|cat|head|less|grep|watch|multitail)\b[^\n]*)`)

var logPathRe = regexp.MustCompile(`(?:^|[\s'"])((?:/|~/)[^\s'"]*\.(?:log|txt|out)|(?:/|~/)[^\s'"]*/log/[^\s'"]*)`)

// TextCommandFallback produces short-lived tool records for commands only
// described in prose (30s TTL) and bare log-path mentions (60s TTL). It
// shares a pathDedup with BackgroundToolDetector so a path either parser
// already tracked is never re-added.
type TextCommandFallback struct {
	workDir string
	dedup   *pathDedup
}

func NewTextCommandFallback(workDir string, dedup *pathDedup) *TextCommandFallback {
	return &TextCommandFallback{workDir: workDir, dedup: dedup}
}

func (f *TextCommandFallback) ObserveLine(line string) []Event {
	var evs []Event

	if m := textCommandDescriptionRe.FindStringSubmatch(line); m != nil {
		cmd := strings.TrimSpace(m[1])
		tool := &BackgroundTool{ID: "tool_" + uuid.NewString()[:8], Command: cmd, StartedAt: time.Now(), Status: ToolRunning, Timeout: textCommandTTL}
		for _, raw := range extractPaths(cmd) {
			norm := normalizePath(raw, f.workDir)
			if f.dedup.claim(shallowKey(norm)) {
				tool.Paths = append(tool.Paths, norm)
			}
		}
		evs = append(evs, Event{Type: EventToolStart, Line: line, Tool: tool})
	}

	for _, m := range logPathRe.FindAllStringSubmatch(line, -1) {
		norm := normalizePath(m[1], f.workDir)
		if !f.dedup.claim(shallowKey(norm)) {
			continue
		}
		tool := &BackgroundTool{
			ID:        "tool_" + uuid.NewString()[:8],
			Command:   "",
			Paths:     []string{norm},
			StartedAt: time.Now(),
			Status:    ToolRunning,
			Timeout:   logPathTTL,
		}
		evs = append(evs, Event{Type: EventToolStart, Line: line, Tool: tool})
	}
	return evs
}
