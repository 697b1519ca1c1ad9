package transport

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	creackpty "github.com/creack/pty"
	"github.com/kballard/go-shellquote"
)

// PTYConfig describes a direct pseudo-terminal session.
type PTYConfig struct {
	// Command is the shell command to run. Empty means the user's shell
	// (or /bin/sh).
	Command string
	// WorkDir is the child's working directory.
	WorkDir string
	// Cols and Rows are the initial terminal size (default 80x24).
	Cols int
	Rows int
	// Env overrides the inherited environment when non-empty.
	Env []string
}

// PTYTransport forks a child process attached to a pseudo-terminal owned by
// this transport. Output is read as a live byte stream from the master side.
type PTYTransport struct {
	cfg PTYConfig

	mu     sync.Mutex
	cmd    *exec.Cmd
	ptmx   *os.File
	opened bool
	closed bool

	exited    chan struct{}
	closeOnce sync.Once
}

// NewPTY creates a PTY transport; the child starts on Open.
func NewPTY(cfg PTYConfig) *PTYTransport {
	if cfg.Cols <= 0 {
		cfg.Cols = 80
	}
	if cfg.Rows <= 0 {
		cfg.Rows = 24
	}
	return &PTYTransport{cfg: cfg, exited: make(chan struct{})}
}

func (t *PTYTransport) Kind() Kind { return KindPTY }

// Open forks the child onto a new pseudo-terminal sized per the config,
// with terminal type, locale and color capability set in its environment.
func (t *PTYTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.opened && !t.closed {
		return nil
	}
	if t.closed {
		return ErrSessionClosed
	}

	argv, err := splitCommand(t.cfg.Command)
	if err != nil {
		return fmt.Errorf("pty transport: parse command: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = t.cfg.WorkDir
	env := t.cfg.Env
	if len(env) == 0 {
		env = os.Environ()
	}
	cmd.Env = withTerminalEnv(env)

	ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{
		Cols: uint16(t.cfg.Cols),
		Rows: uint16(t.cfg.Rows),
	})
	if err != nil {
		return fmt.Errorf("pty transport: allocate pty: %w", err)
	}

	t.cmd = cmd
	t.ptmx = ptmx
	t.opened = true

	go t.waitExit(cmd)
	return nil
}

// waitExit reaps the child and marks the transport closed so the next read
// surfaces a terminated-session condition instead of blocking forever.
func (t *PTYTransport) waitExit(cmd *exec.Cmd) {
	_ = cmd.Wait()
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	close(t.exited)
}

// Exited returns a channel closed when the child process exits.
func (t *PTYTransport) Exited() <-chan struct{} { return t.exited }

// Read performs one bounded-blocking read from the pseudo-terminal. A read
// against an exited child returns ErrSessionClosed.
func (t *PTYTransport) Read(p []byte) (int, error) {
	t.mu.Lock()
	ptmx := t.ptmx
	closed := t.closed || !t.opened
	t.mu.Unlock()
	if ptmx == nil {
		return 0, ErrSessionClosed
	}
	n, err := ptmx.Read(p)
	if err != nil && closed {
		return n, ErrSessionClosed
	}
	return n, err
}

// Write forwards input bytes to the child. Short writes are retried in
// order until the whole buffer is delivered.
func (t *PTYTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.ptmx == nil {
		return 0, ErrSessionClosed
	}
	total := 0
	for total < len(p) {
		n, err := t.ptmx.Write(p[total:])
		total += n
		if err != nil {
			return total, fmt.Errorf("pty transport: write: %w", err)
		}
	}
	return total, nil
}

// Resize propagates new dimensions to the pseudo-terminal device.
func (t *PTYTransport) Resize(cols, rows int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.ptmx == nil {
		return ErrSessionClosed
	}
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("pty transport: invalid size %dx%d", cols, rows)
	}
	if err := creackpty.Setsize(t.ptmx, &creackpty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	}); err != nil {
		return fmt.Errorf("pty transport: resize: %w", err)
	}
	t.cfg.Cols = cols
	t.cfg.Rows = rows
	return nil
}

// Alive reports whether the child process is still running.
func (t *PTYTransport) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened && !t.closed
}

// Terminate signals the child with SIGTERM and closes the master fd. Safe
// to call multiple times and safe if the child already exited.
func (t *PTYTransport) Terminate() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		cmd := t.cmd
		ptmx := t.ptmx
		t.mu.Unlock()

		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}
		if ptmx != nil {
			err = ptmx.Close()
		}
	})
	return err
}

// splitCommand turns a command string into argv. Shell metacharacters cause
// the command to be wrapped with "sh -c"; otherwise it is tokenized with
// shell quoting rules.
func splitCommand(command string) ([]string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		if shell := os.Getenv("SHELL"); shell != "" {
			return []string{shell}, nil
		}
		return []string{"/bin/sh"}, nil
	}
	if strings.ContainsAny(command, "|&;$`<>()") {
		return []string{"sh", "-c", command}, nil
	}
	argv, err := shellquote.Split(command)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return argv, nil
}

// withTerminalEnv ensures the child sees a sane interactive terminal
// environment without clobbering explicit settings.
func withTerminalEnv(env []string) []string {
	out := make([]string, 0, len(env)+3)
	seen := map[string]bool{}
	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			seen[kv[:i]] = true
		}
		out = append(out, kv)
	}
	if !seen["TERM"] {
		out = append(out, "TERM=xterm-256color")
	}
	if !seen["COLORTERM"] {
		out = append(out, "COLORTERM=truecolor")
	}
	if !seen["LANG"] {
		out = append(out, "LANG=en_US.UTF-8")
	}
	return out
}
