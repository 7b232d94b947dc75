// Package tmux implements mux.Multiplexer on top of the tmux binary,
// adapted from the teacher's internal/session/tmux.go: detached sessions
// with remain-on-exit, pipe-pane FIFO capture of raw pane output (bypassing
// tmux's screen-diff batching), and login-shell wrapping so PATH/SSH-agent
// match the user's normal terminal.
package tmux

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty/v2"
)

// Backend is a mux.Multiplexer backed by the tmux binary. Prefix namespaces
// the session names this backend creates and lists, generalizing the
// teacher's hardcoded "kojo_" prefix into a per-deployment configurable one.
type Backend struct {
	Prefix string

	mu       sync.Mutex
	attaches map[string]*attachment
}

type attachment struct {
	ptmx     *os.File
	cmd      *exec.Cmd
	rawPipe  *os.File
	pipePath string
	lastCols uint16
	lastRows uint16
	readers  map[chan []byte]struct{}
	readMu   sync.Mutex
}

// New returns a tmux-backed Multiplexer. prefix namespaces session names
// (e.g. "ralph_"); an empty prefix defaults to "ralph_".
func New(prefix string) *Backend {
	if prefix == "" {
		prefix = "ralph_"
	}
	return &Backend{Prefix: prefix, attaches: make(map[string]*attachment)}
}

func (b *Backend) Probe(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "tmux", "-V")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("tmux not available: %w", err)
	}
	return nil
}

func (b *Backend) sessionName(name string) string {
	if strings.HasPrefix(name, b.Prefix) {
		return name
	}
	return b.Prefix + name
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func buildShellCommand(command []string) string {
	parts := make([]string, 0, len(command))
	for _, a := range command {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func loginShellPath() string {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}
	return shell
}

// ensureServerConfig disables alternate-screen mode so scrollback behaves
// sanely for attached readers; idempotent and safe before every attach.
func ensureServerConfig() {
	out, err := exec.Command("tmux", "show-options", "-s", "terminal-overrides").Output()
	if err != nil {
		return
	}
	if strings.Contains(string(out), "smcup@:rmcup@") {
		return
	}
	_ = exec.Command("tmux", "set-option", "-s", "-a", "terminal-overrides", ",xterm-256color:smcup@:rmcup@").Run()
}

func (b *Backend) CreateSession(ctx context.Context, name, workDir string, command []string, env []string, cols, rows uint16) error {
	tname := b.sessionName(name)
	shell := loginShellPath()
	inner := buildShellCommand(command)
	wrapped := "unset PATH; " + shellQuote(shell) + " -lc " + shellQuote(inner)

	if cols == 0 {
		cols = 120
	}
	if rows == 0 {
		rows = 36
	}

	args := []string{
		"new-session", "-d",
		"-s", tname,
		"-c", workDir,
		"-x", strconv.Itoa(int(cols)), "-y", strconv.Itoa(int(rows)),
		wrapped,
	}
	cmd := exec.CommandContext(ctx, "tmux", args...)
	cmd.Env = env
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("tmux new-session: %w", err)
	}
	_ = exec.Command("tmux", "set-option", "-t", tname, "remain-on-exit", "on").Run()
	_ = exec.Command("tmux", "set-option", "-t", tname, "default-terminal", "xterm-256color").Run()
	_ = exec.Command("tmux", "set-option", "-t", tname, "prefix", "None").Run()
	_ = exec.Command("tmux", "set-option", "-t", tname, "status", "off").Run()
	_ = exec.Command("tmux", "set-option", "-t", tname, "mouse", "off").Run()
	ensureServerConfig()
	return nil
}

func (b *Backend) AttachReadStream(ctx context.Context, name string) (<-chan []byte, func(), error) {
	tname := b.sessionName(name)

	rawPipe, pipePath, err := startPipePane(tname)
	if err != nil {
		return nil, nil, err
	}

	ptmx, err := pty.StartWithSize(exec.Command("tmux", "attach-session", "-t", tname), &pty.Winsize{Cols: 120, Rows: 36})
	if err != nil {
		cleanupPipePane(tname, rawPipe, pipePath)
		return nil, nil, fmt.Errorf("tmux attach-session: %w", err)
	}

	at := &attachment{ptmx: ptmx, rawPipe: rawPipe, pipePath: pipePath, readers: make(map[chan []byte]struct{})}
	b.mu.Lock()
	b.attaches[tname] = at
	b.mu.Unlock()

	out := make(chan []byte, 256)
	at.readMu.Lock()
	at.readers[out] = struct{}{}
	at.readMu.Unlock()

	go at.pumpPipe()

	teardown := func() {
		at.readMu.Lock()
		delete(at.readers, out)
		at.readMu.Unlock()
		close(out)
	}
	return out, teardown, nil
}

// pumpPipe reads raw bytes from the pipe-pane FIFO (bypassing tmux's
// screen-diff batching) and fans them out to every subscribed reader.
func (at *attachment) pumpPipe() {
	buf := make([]byte, 32*1024)
	for {
		n, err := at.rawPipe.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			at.readMu.Lock()
			for ch := range at.readers {
				select {
				case ch <- chunk:
				default:
				}
			}
			at.readMu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (b *Backend) Write(name string, data []byte) error {
	tname := b.sessionName(name)
	b.mu.Lock()
	at, ok := b.attaches[tname]
	b.mu.Unlock()
	if !ok || at.ptmx == nil {
		return fmt.Errorf("no attached pane for %s", name)
	}
	_, err := at.ptmx.Write(data)
	return err
}

func (b *Backend) Resize(name string, cols, rows uint16) error {
	tname := b.sessionName(name)
	b.mu.Lock()
	at, ok := b.attaches[tname]
	b.mu.Unlock()
	if ok && at.lastCols == cols && at.lastRows == rows {
		return nil
	}
	if err := exec.Command("tmux", "resize-window", "-t", tname, "-x", strconv.Itoa(int(cols)), "-y", strconv.Itoa(int(rows))).Run(); err != nil {
		return err
	}
	if ok {
		b.mu.Lock()
		at.lastCols, at.lastRows = cols, rows
		b.mu.Unlock()
	}
	return nil
}

func (b *Backend) Kill(name string) error {
	tname := b.sessionName(name)
	b.mu.Lock()
	at, ok := b.attaches[tname]
	delete(b.attaches, tname)
	b.mu.Unlock()
	if ok {
		cleanupPipePane(tname, at.rawPipe, at.pipePath)
		if at.ptmx != nil {
			at.ptmx.Close()
		}
	}
	return exec.Command("tmux", "kill-session", "-t", tname).Run()
}

func (b *Backend) List() ([]string, error) {
	out, err := exec.Command("tmux", "list-sessions", "-F", "#{session_name}").Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, b.Prefix) {
			names = append(names, line)
		}
	}
	return names, nil
}

func (b *Backend) Exists(name string) bool {
	tname := b.sessionName(name)
	return exec.Command("tmux", "has-session", "-t", tname).Run() == nil
}

// PaneDead reports whether the pane backing name has exited, and its exit
// code if so — used by the supervisor's startup reattach logic to decide
// whether a persisted session can be resumed.
func (b *Backend) PaneDead(name string) (dead bool, exitCode int, err error) {
	tname := b.sessionName(name)
	out, err := exec.Command("tmux", "display-message", "-t", tname, "-p", "#{pane_dead}:#{pane_dead_status}").Output()
	if err != nil {
		return false, 0, fmt.Errorf("tmux display-message: %w", err)
	}
	parts := strings.SplitN(strings.TrimSpace(string(out)), ":", 2)
	if len(parts) != 2 {
		return false, 0, fmt.Errorf("unexpected tmux output: %s", out)
	}
	if parts[0] != "1" {
		return false, 0, nil
	}
	code, convErr := strconv.Atoi(parts[1])
	if convErr != nil {
		return true, 1, nil
	}
	return true, code, nil
}

// CapturePaneContent captures the currently visible pane content (with ANSI
// escapes) for an initial screen redraw on reattach.
func (b *Backend) CapturePaneContent(name string) []byte {
	tname := b.sessionName(name)
	out, err := exec.Command("tmux", "capture-pane", "-t", tname, "-p", "-e").Output()
	if err != nil {
		return nil
	}
	return out
}

func startPipePane(sessionName string) (*os.File, string, error) {
	fifoDir := filepath.Join(os.TempDir(), "ralph")
	if err := os.MkdirAll(fifoDir, 0700); err != nil {
		return nil, "", fmt.Errorf("mkdir: %w", err)
	}
	fifoPath := filepath.Join(fifoDir, sessionName+".pipe")
	os.Remove(fifoPath)
	if err := syscall.Mkfifo(fifoPath, 0600); err != nil {
		return nil, "", fmt.Errorf("mkfifo: %w", err)
	}
	fd, err := syscall.Open(fifoPath, syscall.O_RDWR|syscall.O_NONBLOCK, 0)
	if err != nil {
		os.Remove(fifoPath)
		return nil, "", fmt.Errorf("open fifo: %w", err)
	}
	if err := syscall.SetNonblock(fd, false); err != nil {
		syscall.Close(fd)
		os.Remove(fifoPath)
		return nil, "", fmt.Errorf("set blocking: %w", err)
	}
	f := os.NewFile(uintptr(fd), fifoPath)

	if err := exec.Command("tmux", "pipe-pane", "-t", sessionName, "-o",
		fmt.Sprintf("exec cat > %s", shellQuote(fifoPath))).Run(); err != nil {
		f.Close()
		os.Remove(fifoPath)
		return nil, "", fmt.Errorf("pipe-pane: %w", err)
	}
	return f, fifoPath, nil
}

func cleanupPipePane(sessionName string, f *os.File, fifoPath string) {
	if exec.Command("tmux", "has-session", "-t", sessionName).Run() == nil {
		_ = exec.Command("tmux", "pipe-pane", "-t", sessionName).Run()
	}
	if f != nil {
		f.Close()
	}
	if fifoPath != "" {
		os.Remove(fifoPath)
	}
}
