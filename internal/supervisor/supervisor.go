// Package supervisor owns the set of live terminal sessions: it opens
// transports, runs their monitors, routes input, and tears everything down
// in order.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/termscope/internal/bus"
	"github.com/user/termscope/internal/classify"
	"github.com/user/termscope/internal/monitor"
	"github.com/user/termscope/internal/screen"
	"github.com/user/termscope/internal/store"
	"github.com/user/termscope/internal/transport"
)

var (
	// ErrUnknownSession is returned for ids the supervisor does not track.
	ErrUnknownSession = errors.New("unknown session")
	// ErrScreenUnavailable is returned when a screen query targets a
	// multiplexed session, which has no local screen model.
	ErrScreenUnavailable = errors.New("session has no screen model")
)

// DefaultCommandHistory bounds the per-session input history ring.
const DefaultCommandHistory = 1000

// multiplexedTransport is what the supervisor needs from a tmux-backed
// transport beyond snapshots.
type multiplexedTransport interface {
	transport.SnapshotTransport
	SideLogPath() string
}

// Transport constructors, swappable in tests.
var (
	newMultiplexed = func(cfg transport.TmuxConfig, logger *slog.Logger) multiplexedTransport {
		return transport.NewTmux(cfg, logger)
	}
	newPTY = func(cfg transport.PTYConfig) transport.StreamTransport {
		return transport.NewPTY(cfg)
	}
)

// OpenRequest describes a session to create.
type OpenRequest struct {
	Kind    transport.Kind
	Name    string // multiplexed session name; generated when empty
	Command string // child command for PTY sessions
	Cols    int
	Rows    int
	WorkDir string
}

// Config wires the supervisor's collaborators.
type Config struct {
	Bus             *bus.Bus
	Store           *store.Store // optional; nil disables persistence
	Rules           []classify.Rule
	PollInterval    time.Duration
	HistoryLines    int    // multiplexed snapshot depth
	SideLogDir      string // multiplexed stderr side logs
	ScrollbackLines int    // PTY screen scrollback
	CommandHistory  int
	Logger          *slog.Logger
}

// Supervisor tracks live sessions by id.
type Supervisor struct {
	cfg    Config
	bus    *bus.Bus
	logger *slog.Logger

	sessionRepo *store.SessionRepo
	errorRepo   *store.ErrorRepo

	mu       sync.RWMutex
	sessions map[string]*Session

	recorder     *bus.Subscription
	recorderDone chan struct{}

	closeOnce sync.Once
}

// Session is one live terminal session.
type Session struct {
	ID   string
	Kind transport.Kind
	Name string

	tr     transport.Transport
	stream *monitor.StreamMonitor // PTY only

	cancel      context.CancelFunc
	monitorDone chan struct{}

	mu      sync.Mutex
	cols    int
	rows    int
	closed  bool
	history []string
	histCap int
}

// New builds a supervisor. When a store is configured, a recorder goroutine
// persists error blocks and session terminations as they cross the bus.
func New(cfg Config) *Supervisor {
	if cfg.CommandHistory <= 0 {
		cfg.CommandHistory = DefaultCommandHistory
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		cfg:      cfg,
		bus:      cfg.Bus,
		logger:   logger.With("component", "supervisor"),
		sessions: make(map[string]*Session),
	}
	if cfg.Store != nil {
		s.sessionRepo = store.NewSessionRepo(cfg.Store.SQL())
		s.errorRepo = store.NewErrorRepo(cfg.Store.SQL())
		s.recorder = cfg.Bus.Subscribe("")
		s.recorderDone = make(chan struct{})
		go s.record()
	}
	return s
}

// OpenSession creates the transport, starts its monitor, and registers the
// session. The transport is terminated if anything later in the sequence
// fails.
func (s *Supervisor) OpenSession(ctx context.Context, req OpenRequest) (*Session, error) {
	id := uuid.NewString()
	if req.Cols <= 0 {
		req.Cols = 80
	}
	if req.Rows <= 0 {
		req.Rows = 24
	}
	name := req.Name
	if name == "" {
		name = "termscope-" + id[:8]
	}

	sess := &Session{
		ID:      id,
		Kind:    req.Kind,
		Name:    name,
		cols:    req.Cols,
		rows:    req.Rows,
		histCap: s.cfg.CommandHistory,
	}

	switch req.Kind {
	case transport.KindMultiplexed:
		tr := newMultiplexed(transport.TmuxConfig{
			SessionName:  name,
			HistoryLines: s.cfg.HistoryLines,
			SideLogDir:   s.cfg.SideLogDir,
			WorkDir:      req.WorkDir,
		}, s.logger)
		if err := tr.Open(ctx); err != nil {
			return nil, fmt.Errorf("open multiplexed session: %w", err)
		}
		sess.tr = tr

		m := monitor.NewPoll(monitor.PollConfig{
			SessionID:    id,
			Transport:    tr,
			SideLogPath:  tr.SideLogPath(),
			Bus:          s.bus,
			Rules:        s.cfg.Rules,
			PollInterval: s.cfg.PollInterval,
			Logger:       s.logger,
		})
		sess.startMonitor(m.Run)

	case transport.KindPTY:
		tr := newPTY(transport.PTYConfig{
			Command: req.Command,
			WorkDir: req.WorkDir,
			Cols:    req.Cols,
			Rows:    req.Rows,
		})
		if err := tr.Open(ctx); err != nil {
			return nil, fmt.Errorf("open pty session: %w", err)
		}
		sess.tr = tr

		model := screen.NewModel(req.Cols, req.Rows, s.cfg.ScrollbackLines)
		sm := monitor.NewStream(monitor.StreamConfig{
			SessionID: id,
			Transport: tr,
			Screen:    model,
			Bus:       s.bus,
			Rules:     s.cfg.Rules,
			Logger:    s.logger,
		})
		sess.stream = sm
		sess.startMonitor(sm.Run)

	default:
		return nil, fmt.Errorf("unknown transport kind %q", req.Kind)
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	s.persistCreate(ctx, sess, req)
	s.logger.Info("session opened", "session", id, "kind", string(req.Kind), "name", name)
	return sess, nil
}

func (sess *Session) startMonitor(run func(context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel
	sess.monitorDone = make(chan struct{})
	go func() {
		defer close(sess.monitorDone)
		run(ctx)
	}()
}

// SendInput writes text to the session and appends it to the input history.
func (s *Supervisor) SendInput(id, text string) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	if _, err := sess.tr.Write([]byte(text)); err != nil {
		return err
	}
	sess.recordInput(text)
	return nil
}

// Subscribe returns a bus subscription scoped to the session's events.
func (s *Supervisor) Subscribe(id string) (*bus.Subscription, error) {
	if _, err := s.get(id); err != nil {
		return nil, err
	}
	return s.bus.Subscribe(id), nil
}

// Resize propagates new dimensions to the transport and, for PTY sessions,
// the screen model.
func (s *Supervisor) Resize(ctx context.Context, id string, cols, rows int) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	if err := sess.tr.Resize(cols, rows); err != nil {
		return err
	}
	if sess.stream != nil {
		sess.stream.Resize(cols, rows)
	}
	sess.mu.Lock()
	sess.cols, sess.rows = cols, rows
	sess.mu.Unlock()

	if s.sessionRepo != nil {
		if err := s.sessionRepo.UpdateSize(ctx, id, cols, rows); err != nil {
			s.logger.Warn("failed to persist session size", "session", id, "error", err)
		}
	}
	return nil
}

// CloseSession stops the monitor, terminates the transport, and drops the
// session's bus subscriptions, in that order. Closing twice is harmless.
func (s *Supervisor) CloseSession(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	return s.teardown(sess)
}

func (s *Supervisor) teardown(sess *Session) error {
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return nil
	}
	sess.closed = true
	sess.mu.Unlock()

	sess.cancel()
	select {
	case <-sess.monitorDone:
	case <-time.After(5 * time.Second):
		s.logger.Warn("monitor did not stop in time", "session", sess.ID)
	}

	err := sess.tr.Terminate()

	s.bus.DropSession(sess.ID)

	if s.sessionRepo != nil {
		if merr := s.sessionRepo.MarkEnded(context.Background(), sess.ID); merr != nil {
			s.logger.Debug("failed to mark session ended", "session", sess.ID, "error", merr)
		}
	}
	s.logger.Info("session closed", "session", sess.ID)
	return err
}

// RenderRows returns the PTY session's current screen contents.
func (s *Supervisor) RenderRows(id string) ([][]screen.Cell, error) {
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if sess.stream == nil {
		return nil, ErrScreenUnavailable
	}
	return sess.stream.RenderRows(), nil
}

// CursorPosition returns the PTY session's cursor location.
func (s *Supervisor) CursorPosition(id string) (x, y int, err error) {
	sess, err := s.get(id)
	if err != nil {
		return 0, 0, err
	}
	if sess.stream == nil {
		return 0, 0, ErrScreenUnavailable
	}
	x, y = sess.stream.CursorPosition()
	return x, y, nil
}

// SetSelection marks a region of the PTY session's screen for extraction.
func (s *Supervisor) SetSelection(id string, start, end screen.Point) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	if sess.stream == nil {
		return ErrScreenUnavailable
	}
	sess.stream.SetSelection(start, end)
	return nil
}

// SelectedText extracts the PTY session's current selection.
func (s *Supervisor) SelectedText(id string) (string, error) {
	sess, err := s.get(id)
	if err != nil {
		return "", err
	}
	if sess.stream == nil {
		return "", ErrScreenUnavailable
	}
	return sess.stream.SelectedText(), nil
}

// CommandHistory returns up to n most recent inputs, oldest first.
func (s *Supervisor) CommandHistory(id string, n int) ([]string, error) {
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return sess.commandHistory(n), nil
}

// Alive reports whether the session's transport is still up.
func (s *Supervisor) Alive(id string) (bool, error) {
	sess, err := s.get(id)
	if err != nil {
		return false, err
	}
	return sess.tr.Alive(), nil
}

// Get returns the tracked session, or ErrUnknownSession.
func (s *Supervisor) Get(id string) (*Session, error) {
	return s.get(id)
}

// Sessions returns the currently tracked sessions.
func (s *Supervisor) Sessions() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Size returns the session's current terminal dimensions.
func (sess *Session) Size() (cols, rows int) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.cols, sess.rows
}

// Close tears down every session and stops the recorder.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		sessions := make([]*Session, 0, len(s.sessions))
		for id, sess := range s.sessions {
			sessions = append(sessions, sess)
			delete(s.sessions, id)
		}
		s.mu.Unlock()

		for _, sess := range sessions {
			if err := s.teardown(sess); err != nil {
				s.logger.Warn("session teardown failed", "session", sess.ID, "error", err)
			}
		}
		if s.recorder != nil {
			s.recorder.Cancel()
			<-s.recorderDone
		}
	})
}

func (s *Supervisor) get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return sess, nil
}

func (sess *Session) recordInput(text string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.history = append(sess.history, text)
	if len(sess.history) > sess.histCap {
		sess.history = sess.history[len(sess.history)-sess.histCap:]
	}
}

func (sess *Session) commandHistory(n int) []string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if n <= 0 || n > len(sess.history) {
		n = len(sess.history)
	}
	out := make([]string, n)
	copy(out, sess.history[len(sess.history)-n:])
	return out
}

func (s *Supervisor) persistCreate(ctx context.Context, sess *Session, req OpenRequest) {
	if s.sessionRepo == nil {
		return
	}
	rec := &store.SessionRecord{
		ID:      sess.ID,
		Kind:    string(req.Kind),
		Name:    sess.Name,
		Command: req.Command,
		Cols:    req.Cols,
		Rows:    req.Rows,
		WorkDir: req.WorkDir,
	}
	if err := s.sessionRepo.Create(ctx, rec); err != nil {
		s.logger.Warn("failed to persist session", "session", sess.ID, "error", err)
	}
}

// record drains the wildcard subscription, persisting error blocks and
// session terminations.
func (s *Supervisor) record() {
	defer close(s.recorderDone)
	for evt := range s.recorder.Events() {
		switch evt.Type {
		case bus.EventError:
			rec := &store.ErrorRecord{
				SessionID:  evt.SessionID,
				Stream:     string(evt.Stream),
				Rule:       evt.Rule,
				DedupKey:   evt.Key,
				Block:      evt.Payload,
				DetectedAt: evt.Time,
			}
			if err := s.errorRepo.Record(context.Background(), rec); err != nil {
				s.logger.Warn("failed to persist error event", "session", evt.SessionID, "error", err)
			}
		case bus.EventSessionEnded:
			if err := s.sessionRepo.MarkEnded(context.Background(), evt.SessionID); err != nil {
				s.logger.Debug("failed to mark session ended", "session", evt.SessionID, "error", err)
			}
		}
	}
}
