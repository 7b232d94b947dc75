package planfile

import (
	"strings"
	"testing"
)

func TestParse_SectionsAssignPriorityAndStatus(t *testing.T) {
	doc := `## Critical Path (P0)

- [ ] wire the multiplexer
- [x] stray already-done item

## Standard (P1)

- [-] write tests

## Completed

- [ ] migrate config
`
	items := Parse(doc)
	if len(items) != 4 {
		t.Fatalf("expected 4 items, got %d: %+v", len(items), items)
	}
	if items[0].Priority != PriorityP0 || items[0].Status != StatusPending {
		t.Fatalf("unexpected first item: %+v", items[0])
	}
	if items[2].Priority != PriorityP1 || items[2].Status != StatusInProgress {
		t.Fatalf("unexpected P1 item: %+v", items[2])
	}
	if items[3].Status != StatusCompleted {
		t.Fatalf("expected items in Completed section forced to completed status, got %+v", items[3])
	}
}

func TestRenderThenParse_RoundTripPreservesItems(t *testing.T) {
	items := []Item{
		{ID: "a", Text: "task a", Status: StatusPending, Priority: PriorityP0},
		{ID: "b", Text: "task b", Status: StatusInProgress, Priority: PriorityP1},
		{ID: "c", Text: "task c", Status: StatusCompleted, Priority: PriorityP2},
	}
	rendered := Render(items)
	parsed := Parse(rendered)
	if len(parsed) != len(items) {
		t.Fatalf("round trip lost items: got %d want %d\n%s", len(parsed), len(items), rendered)
	}
	byText := map[string]Item{}
	for _, it := range parsed {
		byText[it.Text] = it
	}
	for _, want := range items {
		got, ok := byText[want.Text]
		if !ok {
			t.Fatalf("missing %q after round trip", want.Text)
		}
		if got.Status != want.Status {
			t.Fatalf("status mismatch for %q: got %s want %s", want.Text, got.Status, want.Status)
		}
	}
}

func TestParse_MalformedChecklistLineSkipped(t *testing.T) {
	doc := "## Critical Path (P0)\n\n- [?] bad mark\n- [ ] good task\n"
	items := Parse(doc)
	if len(items) != 1 || items[0].Text != "good task" {
		t.Fatalf("expected only the well-formed line to survive, got %+v", items)
	}
}

func TestRender_ContainsCanonicalHeaders(t *testing.T) {
	rendered := Render(nil)
	for _, h := range []string{"## Critical Path (P0)", "## Standard (P1)", "## Nice-to-Have (P2)", "## Completed"} {
		if !strings.Contains(rendered, h) {
			t.Fatalf("expected rendered doc to contain %q", h)
		}
	}
}
