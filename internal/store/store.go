// Package store persists supervisor state to disk: per-session metadata,
// todo/respawn state, and aggregate counters. Generalizes the teacher's
// internal/session/store.go (atomic write-temp-rename, single
// sessions.json) to two files with a debounce and an fsnotify watch for
// externally-modified state, grounded on tail-claude's watcher.go debounce
// idiom.
package store

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	configDirName   = ".config/ralph"
	stateFileName   = "state.json"
	innerFileName   = "inner-state.json"
	debounceWindow  = 500 * time.Millisecond
	maxDailySeries  = 90
)

// SessionRecord is one session's persisted metadata, todo state, and
// respawn config — the aggregate store's per-session record (§3).
type SessionRecord struct {
	ID              string          `json:"id"`
	Name            string          `json:"name,omitempty"`
	WorkDir         string          `json:"workDir"`
	Mode            string          `json:"mode"`
	Status          string          `json:"status"`
	CreatedAt       time.Time       `json:"createdAt"`
	InputTokens     int             `json:"inputTokens"`
	OutputTokens    int             `json:"outputTokens"`
	Cost            float64         `json:"cost"`
	RespawnOverride json.RawMessage `json:"respawnOverride,omitempty"`
	PlanMarkdown    string          `json:"planMarkdown,omitempty"`
}

// DailyTokens is one day's aggregate token usage, bounded to maxDailySeries
// entries (§3 "daily token series bounded to N days").
type DailyTokens struct {
	Date         string `json:"date"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
}

// State is the outer, user-visible aggregate record (state.json).
type State struct {
	Sessions           []SessionRecord `json:"sessions"`
	TotalTokensEver    int64           `json:"totalTokensEver"`
	TotalCostEver      float64         `json:"totalCostEver"`
	SessionsEverCreated int            `json:"sessionsEverCreated"`
	DailySeries        []DailyTokens   `json:"dailySeries"`
}

// InnerState holds internal bookkeeping not meant for external consumers
// (scheduled-run table, circuit-breaker snapshots) — split from State so a
// UI client reading state.json never needs to understand internal shape.
type InnerState struct {
	ScheduledRuns json.RawMessage `json:"scheduledRuns,omitempty"`
	Breakers      json.RawMessage `json:"breakers,omitempty"`
}

// Store debounces writes of both files to disk with atomic rename, and
// watches their directory with fsnotify, calling OnExternal (when set) on
// every write or create of either file, the Store's own renames included.
// The Store reloads nothing itself.
type Store struct {
	mu          sync.Mutex
	statePath   string
	innerPath   string
	logger      *slog.Logger
	watcher     *fsnotify.Watcher
	stateTimer  *time.Timer
	innerTimer  *time.Timer
	OnExternal  func(path string) // invoked when fsnotify sees an external write
}

func New(logger *slog.Logger) (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(home, configDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &Store{
		statePath: filepath.Join(dir, stateFileName),
		innerPath: filepath.Join(dir, innerFileName),
		logger:    logger,
	}
	w, err := fsnotify.NewWatcher()
	if err == nil {
		_ = w.Add(dir)
		s.watcher = w
		go s.watchLoop()
	} else {
		logger.Warn("fsnotify unavailable, external edits won't trigger reload", "err", err)
	}
	return s, nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if ev.Name != s.statePath && ev.Name != s.innerPath {
				continue
			}
			if s.OnExternal != nil {
				s.OnExternal(ev.Name)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("fsnotify error", "err", err)
		}
	}
}

// SaveState schedules a debounced, atomic write of state. Multiple calls
// within debounceWindow coalesce into one write.
func (s *Store) SaveState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stateTimer != nil {
		s.stateTimer.Stop()
	}
	s.stateTimer = time.AfterFunc(debounceWindow, func() {
		s.writeAtomic(s.statePath, state)
	})
}

// SaveInner schedules a debounced, atomic write of the internal state file.
func (s *Store) SaveInner(inner InnerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.innerTimer != nil {
		s.innerTimer.Stop()
	}
	s.innerTimer = time.AfterFunc(debounceWindow, func() {
		s.writeAtomic(s.innerPath, inner)
	})
}

// Flush cancels any pending debounced writes and writes state and inner
// immediately.
func (s *Store) Flush(state State, inner InnerState) {
	s.mu.Lock()
	if s.stateTimer != nil {
		s.stateTimer.Stop()
		s.stateTimer = nil
	}
	if s.innerTimer != nil {
		s.innerTimer.Stop()
		s.innerTimer = nil
	}
	s.mu.Unlock()
	s.writeAtomic(s.statePath, state)
	s.writeAtomic(s.innerPath, inner)
}

func (s *Store) writeAtomic(path string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		s.logger.Warn("failed to marshal state", "path", path, "err", err)
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Warn("failed to write tmp state file", "path", path, "err", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		s.logger.Warn("failed to rename state file", "path", path, "err", err)
		os.Remove(tmp)
	}
}

// LoadState reads state.json. Returns (State{}, nil) if the file does not
// exist (first run); returns an error on read/parse failure so callers can
// distinguish "no prior state" from "failed to load".
func (s *Store) LoadState() (State, error) {
	var state State
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, nil
		}
		return State{}, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, err
	}
	return state, nil
}

// LoadInner reads inner-state.json, with the same not-exist/parse-error
// distinction as LoadState.
func (s *Store) LoadInner() (InnerState, error) {
	var inner InnerState
	data, err := os.ReadFile(s.innerPath)
	if err != nil {
		if os.IsNotExist(err) {
			return InnerState{}, nil
		}
		return InnerState{}, err
	}
	if err := json.Unmarshal(data, &inner); err != nil {
		return InnerState{}, err
	}
	return inner, nil
}

// Close stops the fsnotify watcher.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// AppendDailyTokens adds today's usage to the bounded daily series,
// trimming to the most recent maxDailySeries entries.
func AppendDailyTokens(series []DailyTokens, entry DailyTokens) []DailyTokens {
	for i, existing := range series {
		if existing.Date == entry.Date {
			series[i].InputTokens += entry.InputTokens
			series[i].OutputTokens += entry.OutputTokens
			return series
		}
	}
	series = append(series, entry)
	if len(series) > maxDailySeries {
		series = series[len(series)-maxDailySeries:]
	}
	return series
}
