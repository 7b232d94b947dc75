package parser

import "testing"

func TestCompletionPhraseDetector_SecondOccurrenceCompletes(t *testing.T) {
	d := NewCompletionPhraseDetector("DONE_XYZ")
	evs := d.ObserveLine("working on it")
	if len(evs) != 0 {
		t.Fatalf("expected no events, got %v", evs)
	}
	evs = d.ObserveLine("<promise>DONE_XYZ</promise>")
	if len(evs) != 1 || evs[0].Phrase != "stored-intent" {
		t.Fatalf("expected stored-intent, got %v", evs)
	}
	evs = d.ObserveLine("<promise>DONE_XYZ</promise>")
	if len(evs) != 1 || evs[0].Phrase != "completion-detected" {
		t.Fatalf("expected completion-detected, got %v", evs)
	}
}

func TestCompletionPhraseDetector_SplitAcrossChunks(t *testing.T) {
	d := NewCompletionPhraseDetector("DONE")
	d.ObserveChunk([]byte("<prom"))
	evs := d.ObserveChunk([]byte("ise>DONE</promise>"))
	if len(evs) != 1 || evs[0].Phrase != "stored-intent" {
		t.Fatalf("expected stored-intent across split chunks, got %v", evs)
	}
}

func TestStatusBlockParser_PartialBlockDefaultsOptionalFields(t *testing.T) {
	p := NewStatusBlockParser()
	p.ObserveLine("---RALPH_STATUS---")
	p.ObserveLine("STATUS: complete")
	p.ObserveLine("EXIT_SIGNAL: true")
	evs := p.ObserveLine("---END_RALPH_STATUS---")
	if len(evs) != 1 {
		t.Fatalf("expected one status-block event, got %d", len(evs))
	}
	b := evs[0].Status
	if b.Status != StatusComplete || !b.ExitSignal {
		t.Fatalf("unexpected block: %+v", b)
	}
	if b.TestsStatus != TestsNotRun {
		t.Fatalf("expected default tests-status not-run, got %s", b.TestsStatus)
	}
}

func TestStatusBlockParser_MissingRequiredFieldDiscardsBlock(t *testing.T) {
	p := NewStatusBlockParser()
	p.ObserveLine("---RALPH_STATUS---")
	p.ObserveLine("FILES_MODIFIED: 3")
	evs := p.ObserveLine("---END_RALPH_STATUS---")
	if len(evs) != 0 {
		t.Fatalf("expected block without STATUS to be discarded, got %v", evs)
	}
}

func TestTodoLineDetector_ChecksboxFormats(t *testing.T) {
	d := NewTodoLineDetector()
	evs := d.ObserveLine("- [ ] write the parser")
	if len(evs) != 1 || evs[0].Todo.Status != TodoPending {
		t.Fatalf("expected pending todo, got %v", evs)
	}
	evs = d.ObserveLine("- [x] write the parser")
	if len(evs) != 1 || evs[0].Todo.Status != TodoCompleted {
		t.Fatalf("expected completed todo, got %v", evs)
	}
	if evs[0].Todo.ID != todoID("write the parser") {
		t.Fatalf("expected stable id across status changes for same text")
	}
}

func TestTodoLineDetector_DedupesAdjacentIdenticalLines(t *testing.T) {
	d := NewTodoLineDetector()
	d.ObserveLine("- [ ] same task")
	evs := d.ObserveLine("- [ ] same task")
	if len(evs) != 0 {
		t.Fatalf("expected adjacent duplicate to be suppressed, got %v", evs)
	}
}

func TestBackgroundToolDetector_StartEndAndPathDedup(t *testing.T) {
	dedup := newPathDedup()
	det := NewBackgroundToolDetector("/work", dedup)
	evs := det.ObserveLine("● Bash(tail -f /work/server.log)")
	if len(evs) == 0 {
		t.Fatalf("expected tool-start event")
	}
	var started *BackgroundTool
	for _, e := range evs {
		if e.Type == EventToolStart {
			started = e.Tool
		}
	}
	if started == nil || len(started.Paths) != 1 {
		t.Fatalf("expected one extracted path, got %+v", started)
	}

	fallback := NewTextCommandFallback("/work", dedup)
	evs = fallback.ObserveLine("see /work/server.log for details")
	if len(evs) != 0 {
		t.Fatalf("expected cross-parser dedup to suppress already-tracked path, got %v", evs)
	}

	evs = det.ObserveLine("✓ Bash")
	found := false
	for _, e := range evs {
		if e.Type == EventToolEnd {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected tool-end event")
	}
}

func TestBackgroundToolDetector_EvictsOldestOnOverflow(t *testing.T) {
	det := NewBackgroundToolDetector("/work", newPathDedup())
	for i := 0; i < maxActiveTools+5; i++ {
		det.ObserveLine("● Bash(echo x)")
	}
	if len(det.active) != maxActiveTools {
		t.Fatalf("expected active tools capped at %d, got %d", maxActiveTools, len(det.active))
	}
}

func TestIdleSignalDetector_SpinnerAbsentRequiresPriorSighting(t *testing.T) {
	d := NewIdleSignalDetector()
	if d.SpinnerAbsentFor(0) {
		t.Fatalf("expected false when spinner was never observed")
	}
	d.ObserveLine("⠋ thinking")
	if !d.SpinnerAbsentFor(0) {
		t.Fatalf("expected true once a spinner has been seen and quiet is 0")
	}
}
