// Package monitor watches session output and publishes it on the event bus.
// Multiplexed sessions are polled with periodic snapshots; PTY sessions are
// pumped continuously from the master fd into a screen model.
package monitor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/user/termscope/internal/bus"
	"github.com/user/termscope/internal/classify"
	"github.com/user/termscope/internal/transport"
)

const (
	// DefaultPollInterval is how often a multiplexed session is snapshotted.
	DefaultPollInterval = 1 * time.Second
)

// PollConfig configures a snapshot poll monitor.
type PollConfig struct {
	SessionID    string
	Transport    transport.SnapshotTransport
	SideLogPath  string
	Bus          *bus.Bus
	Rules        []classify.Rule
	PollInterval time.Duration
	Logger       *slog.Logger
}

// PollMonitor polls a snapshot transport, publishing cleaned output deltas
// and classified error blocks for the session.
type PollMonitor struct {
	sessionID string
	tr        transport.SnapshotTransport
	sideLog   string
	bus       *bus.Bus
	interval  time.Duration
	logger    *slog.Logger

	stdoutClassifier *classify.Classifier
	stderrClassifier *classify.Classifier

	lastStdout   string
	stderrOffset int64
	lastStderr   string
}

// NewPoll builds a poll monitor. Rules default to the built-in set when nil.
func NewPoll(cfg PollConfig) *PollMonitor {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	rules := cfg.Rules
	if rules == nil {
		rules = classify.DefaultRules()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PollMonitor{
		sessionID:        cfg.SessionID,
		tr:               cfg.Transport,
		sideLog:          cfg.SideLogPath,
		bus:              cfg.Bus,
		interval:         interval,
		logger:           logger.With("component", "monitor", "session", cfg.SessionID),
		stdoutClassifier: classify.NewClassifier(rules),
		stderrClassifier: classify.NewClassifier(rules),
	}
}

// Run polls until the context is cancelled or the session dies. A dead
// session publishes a single SessionEnded event before returning. Snapshot
// failures are logged and the loop keeps going.
func (m *PollMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.tr.Alive() {
				m.publishEnded()
				return
			}
			m.tick(ctx)
		}
	}
}

func (m *PollMonitor) tick(ctx context.Context) {
	snapshot, err := m.tr.Snapshot(ctx)
	if err != nil {
		m.logger.Warn("snapshot failed", "error", err)
		return
	}
	m.scanStdout(snapshot)
	m.scanStderr()
}

func (m *PollMonitor) scanStdout(snapshot string) {
	cleaned := classify.Clean(snapshot)
	now := time.Now().UTC()
	if cleaned != m.lastStdout {
		m.lastStdout = cleaned
		m.bus.Publish(bus.Event{
			Type:      bus.EventOutput,
			SessionID: m.sessionID,
			Stream:    bus.StreamStdout,
			Payload:   cleaned,
			Time:      now,
		})
	}
	if evt := m.stdoutClassifier.Scan(cleaned, now); evt != nil {
		m.publishError(bus.StreamStdout, evt)
	}
}

// scanStderr tails the pipe-pane side log. The file may not exist yet, and
// a truncated file restarts the tail from the beginning.
func (m *PollMonitor) scanStderr() {
	if m.sideLog == "" {
		return
	}
	chunk, err := m.readSideLog()
	if err != nil {
		m.logger.Debug("side log read failed", "error", err)
		return
	}
	if chunk == "" {
		return
	}
	cleaned := classify.Clean(chunk)
	now := time.Now().UTC()
	if cleaned != "" && cleaned != m.lastStderr {
		m.lastStderr = cleaned
		m.bus.Publish(bus.Event{
			Type:      bus.EventOutput,
			SessionID: m.sessionID,
			Stream:    bus.StreamStderr,
			Payload:   cleaned,
			Time:      now,
		})
	}
	if evt := m.stderrClassifier.Scan(cleaned, now); evt != nil {
		m.publishError(bus.StreamStderr, evt)
	}
}

func (m *PollMonitor) readSideLog() (string, error) {
	f, err := os.Open(m.sideLog)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.Size() < m.stderrOffset {
		m.stderrOffset = 0
	}
	if info.Size() == m.stderrOffset {
		return "", nil
	}
	if _, err := f.Seek(m.stderrOffset, io.SeekStart); err != nil {
		return "", err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	m.stderrOffset += int64(len(data))
	return string(data), nil
}

func (m *PollMonitor) publishError(stream bus.Stream, evt *classify.ErrorEvent) {
	m.bus.Publish(bus.Event{
		Type:      bus.EventError,
		SessionID: m.sessionID,
		Stream:    stream,
		Payload:   evt.Block,
		Key:       evt.Key,
		Rule:      evt.Rule,
		Time:      evt.Timestamp,
	})
}

func (m *PollMonitor) publishEnded() {
	m.logger.Info("session ended")
	m.bus.Publish(bus.Event{
		Type:      bus.EventSessionEnded,
		SessionID: m.sessionID,
		Time:      time.Now().UTC(),
	})
}
