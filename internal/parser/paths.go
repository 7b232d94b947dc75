package parser

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

var pathTokenRe = regexp.MustCompile(`(?:^|[\s'"])(/[^\s'"]+|~/[^\s'"]+)`)

// extractPaths pulls absolute-ish path tokens ("/..." or "~/...") out of a
// command string.
func extractPaths(command string) []string {
	matches := pathTokenRe.FindAllStringSubmatch(command, -1)
	paths := make([]string, 0, len(matches))
	for _, m := range matches {
		paths = append(paths, m[1])
	}
	return paths
}

// normalizePath expands "~" to the user's home directory, resolves a
// relative path against workDir, and collapses "." / ".." segments.
func normalizePath(raw, workDir string) string {
	p := raw
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(workDir, p)
	}
	return filepath.Clean(p)
}

// pathDedup is shared between the background-tool detector and the
// text-command/log-path fallback so a path already tracked by either parser
// is never re-added by the other ("cross-pattern deduplication").
type pathDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newPathDedup() *pathDedup { return &pathDedup{seen: make(map[string]bool)} }

// claim reports whether key was not yet seen, and marks it seen.
func (p *pathDedup) claim(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen[key] {
		return false
	}
	p.seen[key] = true
	return true
}

// shallowKey returns the comparison key used to deduplicate paths: a path
// already tracked under a different but filename-equivalent root is treated
// as the same path ("same-filename-in-working-dir-equivalent-to-shallow-
// root-path" heuristic) — e.g. "/app/server.log" and "server.log" resolved
// against the same working dir collapse to one key.
func shallowKey(normalized string) string {
	return filepath.Base(normalized)
}

// followFlagRe recognizes a command with a "follow" flag (tail -f / --follow,
// watch's inherent follow behavior is matched by command name instead).
var followFlagRe = regexp.MustCompile(`(^|\s)-(-follow|f)\b`)

var fileViewingCommands = map[string]bool{
	"tail": true, "cat": true, "head": true, "less": true,
	"grep": true, "watch": true, "multitail": true,
}

// isFileViewingCommand reports whether command invokes one of the named
// file-viewing tools, or any command with an explicit follow flag.
func isFileViewingCommand(command string) bool {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	name := filepath.Base(fields[0])
	if fileViewingCommands[name] {
		return true
	}
	return followFlagRe.MatchString(command)
}
