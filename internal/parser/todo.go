package parser

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strings"
)

type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in-progress"
	TodoCompleted  TodoStatus = "completed"
	TodoFailed     TodoStatus = "failed"
	TodoBlocked    TodoStatus = "blocked"
)

type TodoPriority string

const (
	PriorityP0   TodoPriority = "P0"
	PriorityP1   TodoPriority = "P1"
	PriorityP2   TodoPriority = "P2"
	PriorityNone TodoPriority = "none"
)

// TodoUpsert is emitted whenever the todo-line detector recognizes a task
// line in any of its five supported formats.
type TodoUpsert struct {
	ID       string
	Text     string
	Status   TodoStatus
	Priority TodoPriority
}

var (
	checkboxRe     = regexp.MustCompile(`^\s*[-*]?\s*\[([ xX-])\]\s*(.+)$`)
	parenStatusRe  = regexp.MustCompile(`^\s*[-*]?\s*(.+?)\s*\((pending|done|in[- ]progress|failed|blocked)\)\s*$`)
	indicatorRe    = regexp.MustCompile(`^\s*(?:TODO|DOING|DONE|FAILED|BLOCKED):\s*(.+)$`)
	toolCallRe     = regexp.MustCompile(`^\s*(?:TodoWrite|Update Todos?)\s*[:\-]\s*(.+)$`)
	checkmarkRe    = regexp.MustCompile(`^\s*[✓✔]\s*(.+)$`)
	priorityTagRe  = regexp.MustCompile(`\[(P[012])\]`)
)

// TodoLineDetector recognizes task lines in five formats, priority order:
// bracketed checkbox, status-in-parentheses, explicit indicator line,
// native tool-call form, checkmark-prefixed completion.
type TodoLineDetector struct {
	lastLine string
}

func NewTodoLineDetector() *TodoLineDetector { return &TodoLineDetector{} }

func (d *TodoLineDetector) ObserveLine(line string) []Event {
	if line == d.lastLine {
		return nil
	}
	upsert := d.match(line)
	d.lastLine = line
	if upsert == nil {
		return nil
	}
	return []Event{{Type: EventTodoUpsert, Line: line, Todo: upsert}}
}

func (d *TodoLineDetector) match(line string) *TodoUpsert {
	if m := checkboxRe.FindStringSubmatch(line); m != nil {
		return newTodo(m[2], checkboxStatus(m[1]))
	}
	if m := parenStatusRe.FindStringSubmatch(line); m != nil {
		return newTodo(m[1], parenStatus(m[2]))
	}
	if m := indicatorRe.FindStringSubmatch(line); m != nil {
		return newTodo(m[1], indicatorStatus(line))
	}
	if m := toolCallRe.FindStringSubmatch(line); m != nil {
		return newTodo(m[1], TodoInProgress)
	}
	if m := checkmarkRe.FindStringSubmatch(line); m != nil {
		return newTodo(m[1], TodoCompleted)
	}
	return nil
}

func checkboxStatus(mark string) TodoStatus {
	switch mark {
	case "x", "X":
		return TodoCompleted
	case "-":
		return TodoInProgress
	default:
		return TodoPending
	}
}

func parenStatus(tag string) TodoStatus {
	switch strings.ToLower(strings.ReplaceAll(tag, " ", "-")) {
	case "done":
		return TodoCompleted
	case "in-progress":
		return TodoInProgress
	case "failed":
		return TodoFailed
	case "blocked":
		return TodoBlocked
	default:
		return TodoPending
	}
}

func indicatorStatus(line string) TodoStatus {
	switch {
	case strings.HasPrefix(strings.TrimSpace(line), "DONE"):
		return TodoCompleted
	case strings.HasPrefix(strings.TrimSpace(line), "DOING"):
		return TodoInProgress
	case strings.HasPrefix(strings.TrimSpace(line), "FAILED"):
		return TodoFailed
	case strings.HasPrefix(strings.TrimSpace(line), "BLOCKED"):
		return TodoBlocked
	default:
		return TodoPending
	}
}

func newTodo(text string, status TodoStatus) *TodoUpsert {
	text = strings.TrimSpace(text)
	priority := TodoPriority(PriorityNone)
	if m := priorityTagRe.FindStringSubmatch(text); m != nil {
		priority = TodoPriority(m[1])
		text = strings.TrimSpace(priorityTagRe.ReplaceAllString(text, ""))
	}
	return &TodoUpsert{ID: todoID(text), Text: text, Status: status, Priority: priority}
}

// todoID derives a stable id from normalized task text so repeated mentions
// of the same task across cycles upsert the same record.
func todoID(text string) string {
	norm := strings.ToLower(strings.TrimSpace(text))
	sum := sha1.Sum([]byte(norm))
	return "todo_" + hex.EncodeToString(sum[:])[:12]
}
