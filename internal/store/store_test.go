package store

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s := &Store{
		statePath: filepath.Join(dir, stateFileName),
		innerPath: filepath.Join(dir, innerFileName),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return s
}

func TestStore_FlushWritesAtomicallyAndLoadRoundTrips(t *testing.T) {
	s := newTestStore(t)
	state := State{
		Sessions:        []SessionRecord{{ID: "s1", WorkDir: "/tmp/x", Mode: "interactive", Status: "running", CreatedAt: time.Now()}},
		TotalTokensEver: 100,
	}
	s.Flush(state, InnerState{})

	loaded, err := s.LoadState()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded.Sessions) != 1 || loaded.Sessions[0].ID != "s1" {
		t.Fatalf("unexpected loaded state: %+v", loaded)
	}

	if _, err := os.Stat(s.statePath + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected tmp file to be renamed away, got err=%v", err)
	}
}

func TestStore_LoadStateMissingFileReturnsZeroValueNoError(t *testing.T) {
	s := newTestStore(t)
	state, err := s.LoadState()
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if len(state.Sessions) != 0 {
		t.Fatalf("expected zero-value state, got %+v", state)
	}
}

func TestStore_LoadStateParseErrorReturnsError(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(s.statePath, []byte("not json"), 0o644); err != nil {
		t.Fatalf("setup write failed: %v", err)
	}
	if _, err := s.LoadState(); err == nil {
		t.Fatalf("expected parse error to surface")
	}
}

func TestStore_DebouncedSaveCoalescesWrites(t *testing.T) {
	s := newTestStore(t)
	s.SaveState(State{TotalTokensEver: 1})
	s.SaveState(State{TotalTokensEver: 2})
	time.Sleep(debounceWindow + 100*time.Millisecond)

	data, err := os.ReadFile(s.statePath)
	if err != nil {
		t.Fatalf("expected state file to exist after debounce window: %v", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if state.TotalTokensEver != 2 {
		t.Fatalf("expected coalesced write to reflect the latest call, got %d", state.TotalTokensEver)
	}
}

func TestAppendDailyTokens_MergesSameDateAndTrimsToCap(t *testing.T) {
	var series []DailyTokens
	series = AppendDailyTokens(series, DailyTokens{Date: "2026-07-29", InputTokens: 10})
	series = AppendDailyTokens(series, DailyTokens{Date: "2026-07-29", InputTokens: 5})
	if len(series) != 1 || series[0].InputTokens != 15 {
		t.Fatalf("expected same-date entries to merge, got %+v", series)
	}
	for i := 0; i < maxDailySeries+10; i++ {
		series = AppendDailyTokens(series, DailyTokens{Date: time.Now().AddDate(0, 0, i).Format("2006-01-02")})
	}
	if len(series) != maxDailySeries {
		t.Fatalf("expected series capped at %d, got %d", maxDailySeries, len(series))
	}
}
