// Package mux defines the multiplexer adapter contract: a persistent
// terminal session hosted by an external terminal-multiplexer process that
// survives the supervisor's own restarts. Concrete backends (tmux, in
// internal/mux/tmux) implement Multiplexer.
package mux

import "context"

// Multiplexer creates, attaches to, writes to, and kills persistent terminal
// sessions hosted by an external process. All operations are non-blocking
// with bounded time; on failure they return an error, never panic. A failed
// Write does not tear the underlying session down — the caller decides.
type Multiplexer interface {
	// Probe checks that the host multiplexer binary is available and
	// usable. Called once at supervisor startup; if it fails, session
	// creation must fail immediately with a user-facing reason.
	Probe(ctx context.Context) error

	// CreateSession starts command in a new multiplexer pane named name,
	// in workDir, with the given environment and initial window size. No
	// side file mapping name to the pane is written; the pane outlives
	// process restarts and is found again by name.
	CreateSession(ctx context.Context, name, workDir string, command []string, env []string, cols, rows uint16) error

	// AttachReadStream returns a channel of raw terminal bytes for the
	// named session, plus a teardown function. The channel is closed when
	// the pane exits or Kill is called.
	AttachReadStream(ctx context.Context, name string) (<-chan []byte, func(), error)

	// Write forwards bytes to the pane byte-for-byte with no shell
	// interpretation, including multi-line payloads.
	Write(name string, data []byte) error

	// Resize sets the pane's window size. Implementations should dedupe
	// no-op resizes against the last applied size.
	Resize(name string, cols, rows uint16) error

	// Kill terminates the pane and its process tree.
	Kill(name string) error

	// List returns the names of all sessions this adapter manages.
	List() ([]string, error)

	// Exists reports whether a named session is currently alive.
	Exists(name string) bool
}
