// Package listener consumes bus events for a session, keeps bounded
// per-stream history, and hands deduplicated error blocks to a sink.
package listener

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/user/termscope/internal/bus"
)

// DefaultHistorySize bounds each per-stream history stack.
const DefaultHistorySize = 500

// Entry is one retained output record.
type Entry struct {
	Payload string
	Time    time.Time
}

// HistoryStack is a bounded FIFO of output entries. When full, pushing
// evicts the oldest entry.
type HistoryStack struct {
	mu      sync.RWMutex
	entries []Entry
	size    int
}

// NewHistoryStack builds a stack holding at most size entries.
func NewHistoryStack(size int) *HistoryStack {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &HistoryStack{size: size}
}

func (h *HistoryStack) Push(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	if len(h.entries) > h.size {
		h.entries = h.entries[len(h.entries)-h.size:]
	}
}

func (h *HistoryStack) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Last returns up to n most recent entries, oldest first.
func (h *HistoryStack) Last(n int) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n <= 0 || len(h.entries) == 0 {
		return nil
	}
	if n > len(h.entries) {
		n = len(h.entries)
	}
	out := make([]Entry, n)
	copy(out, h.entries[len(h.entries)-n:])
	return out
}

// Sink receives the listener's distilled stream: every output event, each
// distinct error block once, and a single end-of-session notification.
type Sink interface {
	OnOutput(evt bus.Event)
	OnError(evt bus.Event)
	OnSessionEnded(sessionID string)
}

// LogSink writes events to a structured logger. The zero value logs through
// slog.Default.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *LogSink) OnOutput(evt bus.Event) {
	s.logger().Debug("output", "session", evt.SessionID, "stream", string(evt.Stream), "bytes", len(evt.Payload))
}

func (s *LogSink) OnError(evt bus.Event) {
	s.logger().Warn("error detected", "session", evt.SessionID, "stream", string(evt.Stream), "rule", evt.Rule, "block", evt.Payload)
}

func (s *LogSink) OnSessionEnded(sessionID string) {
	s.logger().Info("session ended", "session", sessionID)
}

// Config configures a Listener.
type Config struct {
	Bus         *bus.Bus
	SessionID   string
	HistorySize int
	Sink        Sink
	Logger      *slog.Logger
}

// Listener subscribes to the bus and reacts to one session's events.
type Listener struct {
	sessionID string
	sub       *bus.Subscription
	sink      Sink
	logger    *slog.Logger

	stdout *HistoryStack
	stderr *HistoryStack

	mu      sync.Mutex
	lastKey map[streamKey]string
	ended   map[string]bool
}

// New subscribes to the session's events. Run must be called to start
// consuming; Stop cancels the subscription.
func New(cfg Config) *Listener {
	sink := cfg.Sink
	if sink == nil {
		sink = &LogSink{Logger: cfg.Logger}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		sessionID: cfg.SessionID,
		sub:       cfg.Bus.Subscribe(cfg.SessionID),
		sink:      sink,
		logger:    logger.With("component", "listener", "session", cfg.SessionID),
		stdout:    NewHistoryStack(cfg.HistorySize),
		stderr:    NewHistoryStack(cfg.HistorySize),
		lastKey:   make(map[streamKey]string),
		ended:     make(map[string]bool),
	}
}

// Run consumes events until the subscription closes or the context is
// cancelled.
func (l *Listener) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-l.sub.Events():
			if !ok {
				return
			}
			l.handle(evt)
		}
	}
}

// Stop cancels the underlying subscription, which ends Run.
func (l *Listener) Stop() { l.sub.Cancel() }

// History returns up to n recent entries for the stream, oldest first.
func (l *Listener) History(stream bus.Stream, n int) []Entry {
	return l.stack(stream).Last(n)
}

// HistoryLen reports how many entries the stream currently retains.
func (l *Listener) HistoryLen(stream bus.Stream) int {
	return l.stack(stream).Len()
}

func (l *Listener) stack(stream bus.Stream) *HistoryStack {
	if stream == bus.StreamStderr {
		return l.stderr
	}
	return l.stdout
}

func (l *Listener) handle(evt bus.Event) {
	switch evt.Type {
	case bus.EventOutput:
		l.stack(evt.Stream).Push(Entry{Payload: evt.Payload, Time: evt.Time})
		l.sink.OnOutput(evt)
	case bus.EventError:
		if l.suppress(evt) {
			return
		}
		l.stack(evt.Stream).Push(Entry{Payload: evt.Payload, Time: evt.Time})
		l.sink.OnError(evt)
	case bus.EventSessionEnded:
		l.mu.Lock()
		seen := l.ended[evt.SessionID]
		l.ended[evt.SessionID] = true
		l.mu.Unlock()
		if !seen {
			l.sink.OnSessionEnded(evt.SessionID)
		}
	}
}

// streamKey scopes error dedup to one session's stream, so a wildcard
// listener does not suppress across sessions.
type streamKey struct {
	sessionID string
	stream    bus.Stream
}

// suppress reports whether the error block was already delivered for the
// session's stream, and records the key otherwise.
func (l *Listener) suppress(evt bus.Event) bool {
	k := streamKey{sessionID: evt.SessionID, stream: evt.Stream}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastKey[k] == evt.Key && evt.Key != "" {
		return true
	}
	l.lastKey[k] = evt.Key
	return false
}
