package progress

import (
	"testing"

	"github.com/ralphloop/ralph/internal/parser"
)

func statusBlockLines(status, tasksCompleted, filesModified string, exitSignal bool) []string {
	exit := "false"
	if exitSignal {
		exit = "true"
	}
	return []string{
		"---RALPH_STATUS---",
		"STATUS: " + status,
		"TASKS_COMPLETED_THIS_LOOP: " + tasksCompleted,
		"FILES_MODIFIED: " + filesModified,
		"EXIT_SIGNAL: " + exit,
		"---END_RALPH_STATUS---",
	}
}

func feed(tr *Tracker, lines []string) bool {
	fired := false
	for _, l := range lines {
		if tr.ObserveLine(l) {
			fired = true
		}
	}
	return fired
}

func TestTracker_ExitGateRequiresBothConditions(t *testing.T) {
	tr := NewTracker("/work")
	tr.StartLoop("ALL_DONE", 0)

	// status block complete+exit alone: not enough
	if feed(tr, statusBlockLines("complete", "1", "1", true)) {
		t.Fatalf("completion should not fire without phrase detection")
	}

	// phrase detected twice, but no complete+exit status yet
	tr2 := NewTracker("/work")
	tr2.StartLoop("ALL_DONE", 0)
	tr2.ObserveLine("<promise>ALL_DONE</promise>")
	if tr2.ObserveLine("<promise>ALL_DONE</promise>") {
		t.Fatalf("completion should not fire without a complete+exit status block")
	}

	// both conditions present
	tr2.ObserveLine("---RALPH_STATUS---")
	tr2.ObserveLine("STATUS: complete")
	tr2.ObserveLine("EXIT_SIGNAL: true")
	if !tr2.ObserveLine("---END_RALPH_STATUS---") {
		t.Fatalf("expected completion once both phrase and status-block conditions hold")
	}
}

func TestCircuitBreaker_TwoThresholdTransitions(t *testing.T) {
	tr := NewTracker("/work")
	tr.Enabled = true

	feed(tr, statusBlockLines("in-progress", "0", "0", false))
	if tr.Breaker.State.NoProgress != BreakerClosed {
		t.Fatalf("expected closed after one no-progress cycle, got %s", tr.Breaker.State.NoProgress)
	}
	feed(tr, statusBlockLines("in-progress", "0", "0", false))
	if tr.Breaker.State.NoProgress != BreakerHalfOpen {
		t.Fatalf("expected half-open after two no-progress cycles, got %s", tr.Breaker.State.NoProgress)
	}
	feed(tr, statusBlockLines("in-progress", "0", "0", false))
	if tr.Breaker.State.NoProgress != BreakerOpen {
		t.Fatalf("expected open after three no-progress cycles, got %s", tr.Breaker.State.NoProgress)
	}
	if !tr.Breaker.IsOpen() {
		t.Fatalf("expected overall breaker to report open")
	}

	// progress resets the no-progress counter; an open breaker stays open
	feed(tr, statusBlockLines("in-progress", "1", "0", false))
	if tr.Breaker.NoProgressCount != 0 {
		t.Fatalf("expected no-progress counter reset after progress, got %d", tr.Breaker.NoProgressCount)
	}
}

func TestTracker_RollbackRestoresSnapshot(t *testing.T) {
	tr := NewTracker("/work")
	tr.Enabled = true
	tr.ObserveLine("- [ ] task one")
	v1 := tr.version
	tr.ObserveLine("- [x] task one")
	tr.AddTodo("extra", "task two", parser.PriorityNone, "")

	if err := tr.Rollback(v1); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
	if len(tr.order) != 1 {
		t.Fatalf("expected rollback to restore single-item plan, got %d items", len(tr.order))
	}
}

func TestTracker_RollbackUnknownVersionFails(t *testing.T) {
	tr := NewTracker("/work")
	if err := tr.Rollback(9999); err == nil {
		t.Fatalf("expected error for unknown version")
	}
}

func TestTracker_AutoEnableOnPlanPattern(t *testing.T) {
	tr := NewTracker("/work")
	enabledCalls := 0
	tr.OnEnabled = func() { enabledCalls++ }
	if tr.Enabled {
		t.Fatalf("tracker should start disabled")
	}
	tr.ObserveLine("- [ ] looks like a plan item")
	if !tr.Enabled || enabledCalls != 1 {
		t.Fatalf("expected auto-enable to fire once, enabled=%v calls=%d", tr.Enabled, enabledCalls)
	}
}

func TestTracker_ImportExportPlanRoundTrip(t *testing.T) {
	tr := NewTracker("/work")
	doc := "## Critical Path (P0)\n\n- [ ] alpha\n\n## Standard (P1)\n\n- [x] beta\n\n## Nice-to-Have (P2)\n\n## Completed\n\n"
	tr.ImportPlan(doc)
	review := tr.GenerateCheckpointReview()
	if review.TotalCount != 2 || review.CompletedCount != 1 {
		t.Fatalf("unexpected review: %+v", review)
	}
	exported := tr.ExportPlan()
	if exported == "" {
		t.Fatalf("expected non-empty export")
	}
}
