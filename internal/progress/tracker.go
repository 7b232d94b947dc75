// Package progress implements the per-session iteration-loop state: ordered
// todos, parsed status blocks, the circuit breaker, and plan version
// history with rollback. Plan markdown is delegated to internal/planfile;
// the bounded version-history ring is grounded on the teacher's
// ringbuffer.go idiom, generalized to snapshots instead of bytes.
package progress

import (
	"fmt"
	"regexp"
	"time"

	"github.com/ralphloop/ralph/internal/apperr"
	"github.com/ralphloop/ralph/internal/parser"
	"github.com/ralphloop/ralph/internal/planfile"
)

const minHistoryCapacity = 20

// Todo is the tracker's live record for one task, keyed by ID.
type Todo struct {
	ID           string
	Text         string
	Status       parser.TodoStatus
	Priority     parser.TodoPriority
	Attempts     int
	Verification string
	DependsOn    []string
	Version      int
}

// PlanSnapshot is one entry in the bounded plan-version history.
type PlanSnapshot struct {
	Version   int
	Timestamp time.Time
	Items     []planfile.Item
}

// CheckpointReview is the summary returned by GenerateCheckpointReview.
type CheckpointReview struct {
	CompletedCount  int
	TotalCount      int
	FailedTasks     []string
	Recommendations []string
}

// Tracker holds one session's iteration-loop state. It is not safe for
// concurrent use from multiple goroutines without external locking — the
// respawn controller and supervisor each own exactly one Tracker per
// session and serialize access through their own event loop, matching the
// teacher's single-goroutine-per-session model.
type Tracker struct {
	Enabled          bool
	autoEnableLocked bool // explicitly disabled; auto-enable heuristic won't override

	pipeline *parser.Pipeline

	todos    map[string]*Todo
	order    []string
	version  int
	history  []PlanSnapshot
	histCap  int

	LatestStatus *parser.StatusBlock
	Breaker      CircuitBreaker

	completionPhrase string
	phraseDetected   bool
	maxIterations    int
	iteration        int

	cycleIndex int
	recommendations []string

	// OnEnabled, if set, is invoked once when the auto-enable heuristic
	// flips Enabled from false to true.
	OnEnabled func()
}

func NewTracker(workDir string) *Tracker {
	return &Tracker{
		todos:   make(map[string]*Todo),
		histCap: minHistoryCapacity,
		pipeline: parser.NewPipeline(workDir, ""),
	}
}

var (
	planPatternRe   = regexp.MustCompile(`\[[ xX-]\]`)
	promiseTagRe    = regexp.MustCompile(`<promise>`)
)

// ObserveLine feeds a line through the parser pipeline, updates todos and
// the latest status block, evaluates the circuit breaker, applies the
// auto-enable heuristic, and checks the dual-condition exit gate.
func (t *Tracker) ObserveLine(line string) (completionFired bool) {
	if !t.Enabled && !t.autoEnableLocked {
		if looksLikePlan(line) {
			t.Enabled = true
			if t.OnEnabled != nil {
				t.OnEnabled()
			}
		}
	}

	events := t.pipeline.ObserveLine(line)
	for _, ev := range events {
		switch ev.Type {
		case parser.EventTodoUpsert:
			if t.Enabled {
				t.applyTodoUpsert(ev.Todo)
			}
		case parser.EventStatusBlock:
			t.applyStatusBlock(ev.Status)
		case parser.EventCompletionDetected:
			if ev.Phrase == "completion-detected" {
				t.phraseDetected = true
			}
		}
	}
	return t.checkExitGate()
}

func looksLikePlan(line string) bool {
	return planPatternRe.MatchString(line) ||
		line == "---RALPH_STATUS---" ||
		promiseTagRe.MatchString(line)
}

func (t *Tracker) applyTodoUpsert(u *parser.TodoUpsert) {
	existing, ok := t.todos[u.ID]
	if !ok {
		existing = &Todo{ID: u.ID}
		t.todos[u.ID] = existing
		t.order = append(t.order, u.ID)
	}
	existing.Text = u.Text
	existing.Status = u.Status
	existing.Priority = u.Priority
	if u.Status == parser.TodoFailed {
		existing.Attempts++
	}
	t.bumpVersion()
}

func (t *Tracker) applyStatusBlock(b *parser.StatusBlock) {
	t.LatestStatus = b
	t.cycleIndex++
	errMsg := ""
	if b.Status == parser.StatusBlocked {
		errMsg = b.Recommendation
	}
	t.Breaker.ObserveStatus(t.cycleIndex, b.FilesModified, b.TasksCompletedThisLoop, errMsg, b.TestsStatus == parser.TestsFailing)
	if b.Recommendation != "" {
		t.recommendations = append(t.recommendations, b.Recommendation)
	}
}

// checkExitGate implements the dual-condition rule: completion fires only
// when the phrase has been detected AND the latest status block is
// complete with exit-signal set. One condition alone is insufficient.
func (t *Tracker) checkExitGate() bool {
	if !t.phraseDetected {
		return false
	}
	if t.LatestStatus == nil {
		return false
	}
	if t.LatestStatus.Status != parser.StatusComplete || !t.LatestStatus.ExitSignal {
		return false
	}
	return true
}

// StartLoop arms the tracker for a given completion phrase.
func (t *Tracker) StartLoop(phrase string, maxIterations int) {
	t.completionPhrase = phrase
	t.pipeline.Completion = parser.NewCompletionPhraseDetector(phrase)
	t.maxIterations = maxIterations
	t.iteration = 0
	t.phraseDetected = false
}

// Reset clears per-cycle state. full also clears todos, history, and the
// circuit breaker.
func (t *Tracker) Reset(full bool) {
	t.phraseDetected = false
	t.LatestStatus = nil
	t.cycleIndex = 0
	if full {
		t.todos = make(map[string]*Todo)
		t.order = nil
		t.version = 0
		t.history = nil
		t.Breaker = CircuitBreaker{}
		t.recommendations = nil
	}
}

// UpdateTodo applies a partial update to an existing todo and bumps the
// plan version.
func (t *Tracker) UpdateTodo(id string, patch func(*Todo)) error {
	todo, ok := t.todos[id]
	if !ok {
		return apperr.NotFound("todo %s not found", id)
	}
	patch(todo)
	t.bumpVersion()
	return nil
}

// AddTodo inserts a new todo, optionally after an existing one; an empty
// insertAfter (or one that doesn't exist) appends to the end.
func (t *Tracker) AddTodo(id, text string, priority parser.TodoPriority, insertAfter string) {
	todo := &Todo{ID: id, Text: text, Status: parser.TodoPending, Priority: priority}
	t.todos[id] = todo
	if insertAfter == "" {
		t.order = append(t.order, id)
		t.bumpVersion()
		return
	}
	for i, existing := range t.order {
		if existing == insertAfter {
			t.order = append(t.order[:i+1], append([]string{id}, t.order[i+1:]...)...)
			t.bumpVersion()
			return
		}
	}
	t.order = append(t.order, id)
	t.bumpVersion()
}

// bumpVersion snapshots the current plan, incrementing the version and
// keeping at most the most recent histCap (>=20) entries.
func (t *Tracker) bumpVersion() {
	t.version++
	snap := PlanSnapshot{Version: t.version, Timestamp: time.Now(), Items: t.exportItems()}
	t.history = append(t.history, snap)
	if len(t.history) > t.histCap {
		t.history = t.history[len(t.history)-t.histCap:]
	}
}

// Rollback restores the plan snapshot at the given version; fails if the
// version is unknown (e.g. trimmed out of history).
func (t *Tracker) Rollback(version int) error {
	for _, snap := range t.history {
		if snap.Version == version {
			t.todos = make(map[string]*Todo)
			t.order = nil
			for _, item := range snap.Items {
				t.todos[item.ID] = &Todo{ID: item.ID, Text: item.Text, Status: statusFromPlan(item.Status), Priority: priorityFromPlan(item.Priority)}
				t.order = append(t.order, item.ID)
			}
			return nil
		}
	}
	return apperr.NotFound("plan version %d not in history", version)
}

// GetHistory returns version/timestamp/item-count metadata for every
// retained snapshot, most recent last.
func (t *Tracker) GetHistory() []PlanSnapshot {
	out := make([]PlanSnapshot, len(t.history))
	copy(out, t.history)
	return out
}

// GenerateCheckpointReview summarizes current todos.
func (t *Tracker) GenerateCheckpointReview() CheckpointReview {
	review := CheckpointReview{Recommendations: append([]string(nil), t.recommendations...)}
	for _, id := range t.order {
		todo := t.todos[id]
		review.TotalCount++
		switch todo.Status {
		case parser.TodoCompleted:
			review.CompletedCount++
		case parser.TodoFailed:
			review.FailedTasks = append(review.FailedTasks, todo.Text)
		}
	}
	return review
}

// ImportPlan parses a canonical plan document and replaces the current
// todo set.
func (t *Tracker) ImportPlan(markdown string) {
	items := planfile.Parse(markdown)
	t.todos = make(map[string]*Todo)
	t.order = nil
	for _, item := range items {
		t.todos[item.ID] = &Todo{ID: item.ID, Text: item.Text, Status: statusFromPlan(item.Status), Priority: priorityFromPlan(item.Priority)}
		t.order = append(t.order, item.ID)
	}
	t.bumpVersion()
}

// ExportPlan renders the current todo set as a canonical plan document.
func (t *Tracker) ExportPlan() string {
	return planfile.Render(t.exportItems())
}

func (t *Tracker) exportItems() []planfile.Item {
	items := make([]planfile.Item, 0, len(t.order))
	for _, id := range t.order {
		todo := t.todos[id]
		items = append(items, planfile.Item{ID: todo.ID, Text: todo.Text, Status: planStatus(todo.Status), Priority: planPriority(todo.Priority)})
	}
	return items
}

func planStatus(s parser.TodoStatus) planfile.Status {
	switch s {
	case parser.TodoCompleted:
		return planfile.StatusCompleted
	case parser.TodoInProgress:
		return planfile.StatusInProgress
	case parser.TodoFailed:
		return planfile.StatusFailed
	case parser.TodoBlocked:
		return planfile.StatusBlocked
	default:
		return planfile.StatusPending
	}
}

func statusFromPlan(s planfile.Status) parser.TodoStatus {
	switch s {
	case planfile.StatusCompleted:
		return parser.TodoCompleted
	case planfile.StatusInProgress:
		return parser.TodoInProgress
	case planfile.StatusFailed:
		return parser.TodoFailed
	case planfile.StatusBlocked:
		return parser.TodoBlocked
	default:
		return parser.TodoPending
	}
}

func planPriority(p parser.TodoPriority) planfile.Priority {
	switch p {
	case parser.PriorityP0:
		return planfile.PriorityP0
	case parser.PriorityP1:
		return planfile.PriorityP1
	case parser.PriorityP2:
		return planfile.PriorityP2
	default:
		return planfile.PriorityNone
	}
}

func priorityFromPlan(p planfile.Priority) parser.TodoPriority {
	switch p {
	case planfile.PriorityP0:
		return parser.PriorityP0
	case planfile.PriorityP1:
		return parser.PriorityP1
	case planfile.PriorityP2:
		return parser.PriorityP2
	default:
		return parser.PriorityNone
	}
}

// DisableAutoEnable locks the tracker out of the auto-enable heuristic;
// Enabled must then be set explicitly.
func (t *Tracker) DisableAutoEnable() { t.autoEnableLocked = true }

func (t *Tracker) String() string {
	return fmt.Sprintf("tracker(enabled=%v todos=%d version=%d)", t.Enabled, len(t.order), t.version)
}
