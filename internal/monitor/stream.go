package monitor

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/user/termscope/internal/bus"
	"github.com/user/termscope/internal/classify"
	"github.com/user/termscope/internal/screen"
	"github.com/user/termscope/internal/transport"
)

const (
	readChunkSize = 4096
	// classifyWindowLines bounds how much recent output is rescanned for
	// error blocks after each chunk.
	classifyWindowLines = 200
)

// StreamConfig configures a PTY stream monitor.
type StreamConfig struct {
	SessionID string
	Transport transport.StreamTransport
	Screen    *screen.Model
	Bus       *bus.Bus
	Rules     []classify.Rule
	Logger    *slog.Logger
}

// StreamMonitor pumps raw bytes from a PTY transport into a screen model and
// publishes output chunks and classified error blocks. The screen model is
// mutated only by the Run goroutine; readers go through the accessor methods.
type StreamMonitor struct {
	sessionID  string
	tr         transport.StreamTransport
	bus        *bus.Bus
	logger     *slog.Logger
	classifier *classify.Classifier

	mu     sync.Mutex
	model  *screen.Model
	window []string
}

// NewStream builds a stream monitor around an existing screen model.
func NewStream(cfg StreamConfig) *StreamMonitor {
	rules := cfg.Rules
	if rules == nil {
		rules = classify.DefaultRules()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamMonitor{
		sessionID:  cfg.SessionID,
		tr:         cfg.Transport,
		bus:        cfg.Bus,
		logger:     logger.With("component", "monitor", "session", cfg.SessionID),
		classifier: classify.NewClassifier(rules),
		model:      cfg.Screen,
	}
}

// Run reads from the transport until it closes or the context is cancelled.
// A reader goroutine hands chunks to this goroutine, which owns all screen
// mutation, so a blocked Read never holds up a cancel.
func (m *StreamMonitor) Run(ctx context.Context) {
	chunks := make(chan []byte, 16)
	done := make(chan struct{})
	defer close(done)
	go m.pump(chunks, done)

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-chunks:
			if !ok {
				// Child exit closes the master fd, which ends the pump.
				m.publishEnded()
				return
			}
			m.ingest(chunk)
		}
	}
}

// pump stops on a read error or once Run has returned; a full hand-off
// channel must never strand it after cancellation.
func (m *StreamMonitor) pump(chunks chan<- []byte, done <-chan struct{}) {
	defer close(chunks)
	buf := make([]byte, readChunkSize)
	for {
		n, err := m.tr.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case chunks <- chunk:
			case <-done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (m *StreamMonitor) ingest(chunk []byte) {
	m.mu.Lock()
	m.model.Write(chunk)
	m.mu.Unlock()

	now := time.Now().UTC()
	m.bus.Publish(bus.Event{
		Type:      bus.EventOutput,
		SessionID: m.sessionID,
		Stream:    bus.StreamStdout,
		Payload:   string(chunk),
		Time:      now,
	})

	cleaned := classify.Clean(string(chunk))
	if strings.TrimSpace(cleaned) == "" {
		return
	}
	m.appendWindow(cleaned)
	if evt := m.classifier.Scan(m.windowText(), now); evt != nil {
		m.bus.Publish(bus.Event{
			Type:      bus.EventError,
			SessionID: m.sessionID,
			Stream:    bus.StreamStdout,
			Payload:   evt.Block,
			Key:       evt.Key,
			Rule:      evt.Rule,
			Time:      evt.Timestamp,
		})
	}
}

func (m *StreamMonitor) appendWindow(cleaned string) {
	m.window = append(m.window, strings.Split(cleaned, "\n")...)
	if len(m.window) > classifyWindowLines {
		m.window = m.window[len(m.window)-classifyWindowLines:]
	}
}

func (m *StreamMonitor) windowText() string {
	return strings.Join(m.window, "\n")
}

func (m *StreamMonitor) publishEnded() {
	m.logger.Info("session ended")
	m.bus.Publish(bus.Event{
		Type:      bus.EventSessionEnded,
		SessionID: m.sessionID,
		Time:      time.Now().UTC(),
	})
}

// RenderRows returns a copy of the current screen contents.
func (m *StreamMonitor) RenderRows() [][]screen.Cell {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.model.RenderRows()
}

// CursorPosition returns the current cursor location.
func (m *StreamMonitor) CursorPosition() (x, y int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.model.CursorPosition()
}

// Resize forwards new dimensions to the screen model. The transport is
// resized separately by the caller.
func (m *StreamMonitor) Resize(cols, rows int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.model.Resize(cols, rows)
}

// SelectedText extracts the current selection from the screen.
func (m *StreamMonitor) SelectedText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.model.SelectedText()
}

// SetSelection marks a rectangular region for extraction.
func (m *StreamMonitor) SetSelection(start, end screen.Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.model.SetSelection(start, end)
}

// ClearSelection drops any active selection.
func (m *StreamMonitor) ClearSelection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.model.ClearSelection()
}
