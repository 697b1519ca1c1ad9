package transport

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// runner executes tmux commands. Tests substitute a fake to exercise the
// transport without a tmux server.
type runner interface {
	run(ctx context.Context, args ...string) error
	output(ctx context.Context, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) run(ctx context.Context, args ...string) error {
	return exec.CommandContext(ctx, "tmux", args...).Run()
}

func (execRunner) output(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "tmux", args...).Output()
	return string(out), err
}

// TmuxConfig describes a multiplexed session.
type TmuxConfig struct {
	// SessionName is the tmux session to own. Required.
	SessionName string
	// HistoryLines is how far back Snapshot captures (default 100).
	HistoryLines int
	// SideLogDir is where the raw stderr side log is written
	// (default /tmp). The log is diagnostic; failure to arrange it is
	// logged, not fatal.
	SideLogDir string
	// WorkDir is the initial working directory of the session shell.
	WorkDir string
}

// TmuxTransport attaches to a tmux session it creates and owns. Output is
// captured by snapshotting the pane rather than streaming bytes.
type TmuxTransport struct {
	cfg    TmuxConfig
	runner runner
	logger *slog.Logger

	mu     sync.Mutex
	opened bool
	closed bool
}

// NewTmux creates a multiplexed transport for the named session.
func NewTmux(cfg TmuxConfig, logger *slog.Logger) *TmuxTransport {
	if cfg.HistoryLines <= 0 {
		cfg.HistoryLines = 100
	}
	if cfg.SideLogDir == "" {
		cfg.SideLogDir = "/tmp"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TmuxTransport{
		cfg:    cfg,
		runner: execRunner{},
		logger: logger.With("transport", "multiplexed", "session", cfg.SessionName),
	}
}

func (t *TmuxTransport) Kind() Kind { return KindMultiplexed }

// SideLogPath returns the session-scoped stderr log file path.
func (t *TmuxTransport) SideLogPath() string {
	return filepath.Join(t.cfg.SideLogDir, t.cfg.SessionName+"_stderr.log")
}

// Open terminates any stale session of the same name, then creates a fresh
// detached session and pipes its stderr to the side log. The kill-then-create
// pair makes Open idempotent with respect to leftover sessions.
func (t *TmuxTransport) Open(ctx context.Context) error {
	if t.cfg.SessionName == "" {
		return fmt.Errorf("tmux transport: session name is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.opened && !t.closed {
		return nil
	}

	// Stale session of the same name: terminate first.
	if err := t.runner.run(ctx, "has-session", "-t", t.cfg.SessionName); err == nil {
		if err := t.runner.run(ctx, "kill-session", "-t", t.cfg.SessionName); err != nil {
			return fmt.Errorf("tmux transport: kill stale session: %w", err)
		}
	} else if isBinaryMissing(err) {
		return fmt.Errorf("tmux transport: tmux binary not found: %w", err)
	}

	args := []string{"new-session", "-d", "-s", t.cfg.SessionName}
	if t.cfg.WorkDir != "" {
		args = append(args, "-c", t.cfg.WorkDir)
	}
	if err := t.runner.run(ctx, args...); err != nil {
		return fmt.Errorf("tmux transport: create session: %w", err)
	}

	// Side-channel stderr log. A failure here must not fail session
	// startup: the log is a diagnostic artifact, not the event path.
	pipeCmd := fmt.Sprintf("2> %s", t.SideLogPath())
	if err := t.runner.run(ctx, "pipe-pane", "-t", t.cfg.SessionName, pipeCmd); err != nil {
		t.logger.Warn("failed to arrange stderr side log", "error", err)
	}

	t.opened = true
	t.closed = false
	return nil
}

// Snapshot captures the pane content including scrollback history.
func (t *TmuxTransport) Snapshot(ctx context.Context) (string, error) {
	t.mu.Lock()
	closed := t.closed || !t.opened
	t.mu.Unlock()
	if closed {
		return "", ErrSessionClosed
	}
	out, err := t.runner.output(ctx, "capture-pane", "-p",
		"-S", "-"+strconv.Itoa(t.cfg.HistoryLines),
		"-t", t.cfg.SessionName)
	if err != nil {
		return "", fmt.Errorf("tmux transport: capture pane: %w", err)
	}
	return out, nil
}

// Write forwards input to the session. Newlines become Enter key presses;
// everything else is sent literally so tmux does not interpret key names.
func (t *TmuxTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	closed := t.closed || !t.opened
	t.mu.Unlock()
	if closed {
		return 0, ErrSessionClosed
	}

	ctx := context.Background()
	text := string(p)
	for len(text) > 0 {
		nl := strings.IndexByte(text, '\n')
		chunk := text
		if nl >= 0 {
			chunk = text[:nl]
		}
		if chunk != "" {
			if err := t.runner.run(ctx, "send-keys", "-t", t.cfg.SessionName, "-l", "--", chunk); err != nil {
				return 0, fmt.Errorf("tmux transport: send keys: %w", err)
			}
		}
		if nl < 0 {
			break
		}
		if err := t.runner.run(ctx, "send-keys", "-t", t.cfg.SessionName, "C-m"); err != nil {
			return 0, fmt.Errorf("tmux transport: send enter: %w", err)
		}
		text = text[nl+1:]
	}
	return len(p), nil
}

// Resize changes the session window dimensions.
func (t *TmuxTransport) Resize(cols, rows int) error {
	t.mu.Lock()
	closed := t.closed || !t.opened
	t.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("tmux transport: invalid size %dx%d", cols, rows)
	}
	err := t.runner.run(context.Background(), "resize-window",
		"-t", t.cfg.SessionName,
		"-x", strconv.Itoa(cols),
		"-y", strconv.Itoa(rows))
	if err != nil {
		return fmt.Errorf("tmux transport: resize: %w", err)
	}
	return nil
}

// Alive reports whether the tmux session still exists.
func (t *TmuxTransport) Alive() bool {
	t.mu.Lock()
	closed := t.closed || !t.opened
	t.mu.Unlock()
	if closed {
		return false
	}
	return t.runner.run(context.Background(), "has-session", "-t", t.cfg.SessionName) == nil
}

// Terminate kills the session. Safe to call repeatedly and safe when the
// session is already gone.
func (t *TmuxTransport) Terminate() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	// kill-session failing because the session is already gone is fine.
	if err := t.runner.run(context.Background(), "kill-session", "-t", t.cfg.SessionName); err != nil {
		t.logger.Debug("kill-session on terminate", "error", err)
	}
	return nil
}

func isBinaryMissing(err error) bool {
	execErr, ok := err.(*exec.Error)
	return ok && execErr.Err == exec.ErrNotFound
}
