// Package planfile implements the canonical plan markdown codec: parsing a
// plan document into ordered todo items and rendering todos back into the
// same canonical form. Grounded on the teacher's atomic-write store idiom
// (internal/session/store.go) for the persistence side, the codec itself is
// new — the teacher has no markdown format of its own.
package planfile

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked"
)

type Priority string

const (
	PriorityP0   Priority = "P0"
	PriorityP1   Priority = "P1"
	PriorityP2   Priority = "P2"
	PriorityNone Priority = "none"
)

// Item is one todo line in a plan document.
type Item struct {
	ID       string
	Text     string
	Status   Status
	Priority Priority
}

var sectionOrder = []struct {
	Header   string
	Priority Priority
	Terminal bool // "Completed" section: status forced to completed, priority ignored on render
}{
	{"## Critical Path (P0)", PriorityP0, false},
	{"## Standard (P1)", PriorityP1, false},
	{"## Nice-to-Have (P2)", PriorityP2, false},
	{"## Completed", PriorityNone, true},
}

// Parse reads a canonical plan document into ordered items. Unrecognized
// sections and blank lines are ignored; malformed checkbox lines are
// skipped rather than erroring the whole document out.
func Parse(markdown string) []Item {
	var items []Item
	var currentPriority Priority
	var inCompleted bool
	inSection := false

	for _, rawLine := range strings.Split(markdown, "\n") {
		line := strings.TrimRight(rawLine, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "## ") {
			inSection = false
			inCompleted = false
			for _, s := range sectionOrder {
				if trimmed == s.Header {
					inSection = true
					currentPriority = s.Priority
					inCompleted = s.Terminal
					break
				}
			}
			continue
		}
		if !inSection {
			continue
		}
		item, ok := parseChecklistLine(trimmed)
		if !ok {
			continue
		}
		item.Priority = currentPriority
		if inCompleted {
			item.Status = StatusCompleted
		}
		items = append(items, item)
	}
	return items
}

func parseChecklistLine(line string) (Item, bool) {
	if !strings.HasPrefix(line, "- [") {
		return Item{}, false
	}
	rest := line[3:]
	closeIdx := strings.Index(rest, "]")
	if closeIdx < 0 {
		return Item{}, false
	}
	mark := rest[:closeIdx]
	text := strings.TrimSpace(rest[closeIdx+1:])
	if text == "" {
		return Item{}, false
	}
	status := StatusPending
	switch mark {
	case "x", "X":
		status = StatusCompleted
	case "-":
		status = StatusInProgress
	case " ":
		status = StatusPending
	default:
		return Item{}, false
	}
	return Item{ID: deriveID(text), Text: text, Status: status}, true
}

func deriveID(text string) string {
	norm := strings.ToLower(strings.TrimSpace(text))
	norm = strings.Map(func(r rune) rune {
		if r == ' ' {
			return '-'
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return -1
	}, norm)
	if len(norm) > 40 {
		norm = norm[:40]
	}
	return norm
}

// Render produces the canonical plan document for a set of items: one H2
// section per priority (Critical Path (P0), Standard (P1), Nice-to-Have
// (P2)) holding its non-completed items, followed by a Completed section
// holding every completed item regardless of original priority.
func Render(items []Item) string {
	var b strings.Builder
	byPriority := map[Priority][]Item{}
	var completed []Item
	for _, it := range items {
		if it.Status == StatusCompleted {
			completed = append(completed, it)
			continue
		}
		byPriority[it.Priority] = append(byPriority[it.Priority], it)
	}

	writeSection := func(header string, its []Item, checked bool) {
		fmt.Fprintf(&b, "%s\n\n", header)
		for _, it := range its {
			mark := checklistMark(it.Status)
			if checked {
				mark = "x"
			}
			fmt.Fprintf(&b, "- [%s] %s\n", mark, it.Text)
		}
		b.WriteString("\n")
	}

	writeSection("## Critical Path (P0)", byPriority[PriorityP0], false)
	writeSection("## Standard (P1)", byPriority[PriorityP1], false)
	writeSection("## Nice-to-Have (P2)", byPriority[PriorityP2], false)
	writeSection("## Completed", completed, true)

	return strings.TrimRight(b.String(), "\n") + "\n"
}

func checklistMark(s Status) string {
	switch s {
	case StatusCompleted:
		return "x"
	case StatusInProgress:
		return "-"
	default:
		return " "
	}
}
