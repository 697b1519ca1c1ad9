// Package transport abstracts the OS-level terminal session resource. Two
// interchangeable variants exist: a multiplexed transport that attaches to a
// tmux session and reads by periodic snapshot, and a PTY transport that
// forks a child process onto a pseudo-terminal and reads a live byte stream.
package transport

import (
	"context"
	"errors"
	"io"
)

// Kind selects the transport variant.
type Kind string

const (
	KindMultiplexed Kind = "multiplexed"
	KindPTY         Kind = "pty"
)

// ErrSessionClosed is returned by operations on a terminated transport.
var ErrSessionClosed = errors.New("transport: session is closed")

// Transport owns one live terminal session resource.
type Transport interface {
	// Kind reports which variant this transport is.
	Kind() Kind
	// Open allocates the OS resource. Resource-creation failure is
	// reported synchronously and never retried internally.
	Open(ctx context.Context) error
	// Write forwards input bytes to the session. Partial writes are
	// completed in order before returning.
	Write(p []byte) (int, error)
	// Resize propagates new dimensions to the session.
	Resize(cols, rows int) error
	// Alive reports whether the underlying session still exists.
	Alive() bool
	// Terminate ends the session and releases the resource. It is
	// idempotent and safe if the process already exited.
	Terminate() error
}

// SnapshotTransport is a Transport read by point-in-time text captures.
type SnapshotTransport interface {
	Transport
	// Snapshot returns the current pane content including recent history.
	Snapshot(ctx context.Context) (string, error)
}

// StreamTransport is a Transport read as a continuous byte stream.
type StreamTransport interface {
	Transport
	io.Reader
	// Exited returns a channel closed when the child process exits.
	Exited() <-chan struct{}
}
