package monitor

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/termscope/internal/bus"
	"github.com/user/termscope/internal/screen"
	"github.com/user/termscope/internal/transport"
)

type fakeSnapshotTransport struct {
	mu        sync.Mutex
	snapshots []string
	snapErr   error
	alive     bool
}

func newFakeSnapshot(snapshots ...string) *fakeSnapshotTransport {
	return &fakeSnapshotTransport{snapshots: snapshots, alive: true}
}

func (f *fakeSnapshotTransport) Kind() transport.Kind { return transport.KindMultiplexed }
func (f *fakeSnapshotTransport) Open(ctx context.Context) error { return nil }
func (f *fakeSnapshotTransport) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeSnapshotTransport) Resize(cols, rows int) error { return nil }
func (f *fakeSnapshotTransport) Terminate() error { return nil }

func (f *fakeSnapshotTransport) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeSnapshotTransport) kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = false
}

func (f *fakeSnapshotTransport) setError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapErr = err
}

// Snapshot returns the scripted snapshots in order, repeating the last one.
func (f *fakeSnapshotTransport) Snapshot(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapErr != nil {
		return "", f.snapErr
	}
	if len(f.snapshots) == 0 {
		return "", nil
	}
	out := f.snapshots[0]
	if len(f.snapshots) > 1 {
		f.snapshots = f.snapshots[1:]
	}
	return out, nil
}

func waitForEvent(t *testing.T, sub *bus.Subscription, want bus.EventType) bus.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed while waiting for %s", want)
			}
			if evt.Type == want {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func expectNoEvent(t *testing.T, sub *bus.Subscription, unwanted bus.EventType, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if evt.Type == unwanted {
				t.Fatalf("unexpected %s event: %+v", unwanted, evt)
			}
		case <-deadline:
			return
		}
	}
}

func startPoll(t *testing.T, cfg PollConfig) (*bus.Subscription, func()) {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	b := cfg.Bus
	sub := b.Subscribe(cfg.SessionID)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m := NewPoll(cfg)
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	return sub, func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("monitor did not stop")
		}
		b.Close()
	}
}

func TestPollPublishesChangedOutput(t *testing.T) {
	b := bus.New(bus.DefaultQueueSize)
	tr := newFakeSnapshot("$ ls\nfile.txt", "$ ls\nfile.txt\n$ pwd\n/home")
	sub, stop := startPoll(t, PollConfig{SessionID: "s1", Transport: tr, Bus: b})
	defer stop()

	first := waitForEvent(t, sub, bus.EventOutput)
	if first.Stream != bus.StreamStdout {
		t.Fatalf("stream = %s, want stdout", first.Stream)
	}
	if !strings.Contains(first.Payload, "file.txt") {
		t.Fatalf("payload = %q", first.Payload)
	}
	second := waitForEvent(t, sub, bus.EventOutput)
	if !strings.Contains(second.Payload, "/home") {
		t.Fatalf("payload = %q", second.Payload)
	}
}

func TestPollSuppressesUnchangedOutput(t *testing.T) {
	b := bus.New(bus.DefaultQueueSize)
	tr := newFakeSnapshot("$ echo steady\nsteady")
	sub, stop := startPoll(t, PollConfig{SessionID: "s1", Transport: tr, Bus: b})
	defer stop()

	waitForEvent(t, sub, bus.EventOutput)
	expectNoEvent(t, sub, bus.EventOutput, 100*time.Millisecond)
}

func TestPollClassifiesAndDeduplicatesErrors(t *testing.T) {
	traceback := strings.Join([]string{
		"$ python app.py",
		"Traceback (most recent call last):",
		`  File "app.py", line 3, in <module>`,
		"ValueError: bad input",
		"$ ",
	}, "\n")

	b := bus.New(bus.DefaultQueueSize)
	tr := newFakeSnapshot(traceback)
	sub, stop := startPoll(t, PollConfig{SessionID: "s1", Transport: tr, Bus: b})
	defer stop()

	evt := waitForEvent(t, sub, bus.EventError)
	if evt.Key == "" {
		t.Fatal("error event missing dedup key")
	}
	if !strings.Contains(evt.Payload, "ValueError: bad input") {
		t.Fatalf("payload = %q", evt.Payload)
	}
	// Same snapshot keeps coming back; the block must not be re-emitted.
	expectNoEvent(t, sub, bus.EventError, 100*time.Millisecond)
}

func TestPollSessionEnded(t *testing.T) {
	b := bus.New(bus.DefaultQueueSize)
	tr := newFakeSnapshot("$ ")
	sub, stop := startPoll(t, PollConfig{SessionID: "s1", Transport: tr, Bus: b})
	defer stop()

	waitForEvent(t, sub, bus.EventOutput)
	tr.kill()
	waitForEvent(t, sub, bus.EventSessionEnded)
}

func TestPollSurvivesSnapshotFailure(t *testing.T) {
	b := bus.New(bus.DefaultQueueSize)
	tr := newFakeSnapshot("$ before")
	sub, stop := startPoll(t, PollConfig{SessionID: "s1", Transport: tr, Bus: b})
	defer stop()

	waitForEvent(t, sub, bus.EventOutput)

	tr.setError(io.ErrUnexpectedEOF)
	time.Sleep(50 * time.Millisecond)
	tr.setError(nil)
	tr.mu.Lock()
	tr.snapshots = []string{"$ after"}
	tr.mu.Unlock()

	evt := waitForEvent(t, sub, bus.EventOutput)
	if !strings.Contains(evt.Payload, "after") {
		t.Fatalf("payload = %q", evt.Payload)
	}
}

func TestPollTailsSideLog(t *testing.T) {
	dir := t.TempDir()
	sideLog := filepath.Join(dir, "s1_stderr.log")

	b := bus.New(bus.DefaultQueueSize)
	tr := newFakeSnapshot("$ ")
	sub, stop := startPoll(t, PollConfig{
		SessionID:   "s1",
		Transport:   tr,
		SideLogPath: sideLog,
		Bus:         b,
	})
	defer stop()

	waitForEvent(t, sub, bus.EventOutput)

	if err := os.WriteFile(sideLog, []byte("warning: first\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	evt := waitForEvent(t, sub, bus.EventOutput)
	for evt.Stream != bus.StreamStderr {
		evt = waitForEvent(t, sub, bus.EventOutput)
	}
	if !strings.Contains(evt.Payload, "warning: first") {
		t.Fatalf("payload = %q", evt.Payload)
	}

	f, err := os.OpenFile(sideLog, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("warning: second\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	evt = waitForEvent(t, sub, bus.EventOutput)
	for evt.Stream != bus.StreamStderr {
		evt = waitForEvent(t, sub, bus.EventOutput)
	}
	if !strings.Contains(evt.Payload, "warning: second") {
		t.Fatalf("payload = %q", evt.Payload)
	}
	if strings.Contains(evt.Payload, "warning: first") {
		t.Fatalf("tail re-read old content: %q", evt.Payload)
	}
}

type fakeStreamTransport struct {
	mu     sync.Mutex
	data   chan []byte
	exited chan struct{}
	closed bool
}

func newFakeStream() *fakeStreamTransport {
	return &fakeStreamTransport{
		data:   make(chan []byte, 16),
		exited: make(chan struct{}),
	}
}

func (f *fakeStreamTransport) Kind() transport.Kind { return transport.KindPTY }
func (f *fakeStreamTransport) Open(ctx context.Context) error { return nil }
func (f *fakeStreamTransport) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeStreamTransport) Resize(cols, rows int) error { return nil }
func (f *fakeStreamTransport) Exited() <-chan struct{} { return f.exited }

func (f *fakeStreamTransport) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeStreamTransport) Read(p []byte) (int, error) {
	chunk, ok := <-f.data
	if !ok {
		return 0, io.EOF
	}
	n := copy(p, chunk)
	return n, nil
}

func (f *fakeStreamTransport) Terminate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.data)
		close(f.exited)
	}
	return nil
}

func (f *fakeStreamTransport) feed(s string) { f.data <- []byte(s) }

func TestStreamMonitorUpdatesScreenAndPublishes(t *testing.T) {
	b := bus.New(bus.DefaultQueueSize)
	defer b.Close()
	tr := newFakeStream()
	model := screen.NewModel(80, 24, 100)
	m := NewStream(StreamConfig{SessionID: "s2", Transport: tr, Screen: model, Bus: b})

	sub := b.Subscribe("s2")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	tr.feed("hello pty\r\n")
	evt := waitForEvent(t, sub, bus.EventOutput)
	if !strings.Contains(evt.Payload, "hello pty") {
		t.Fatalf("payload = %q", evt.Payload)
	}

	// The screen model must have consumed the same bytes.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rows := m.RenderRows()
		if cellRowString(rows[0]) == "hello pty" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("screen row = %q, want %q", cellRowString(rows[0]), "hello pty")
		}
		time.Sleep(5 * time.Millisecond)
	}

	tr.Terminate()
	waitForEvent(t, sub, bus.EventSessionEnded)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop after transport close")
	}
}

func TestStreamMonitorClassifiesAcrossChunks(t *testing.T) {
	b := bus.New(bus.DefaultQueueSize)
	defer b.Close()
	tr := newFakeStream()
	model := screen.NewModel(80, 24, 100)
	m := NewStream(StreamConfig{SessionID: "s2", Transport: tr, Screen: model, Bus: b})

	sub := b.Subscribe("s2")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	// The marker and the closing prompt arrive in separate reads.
	tr.feed("Traceback (most recent call last):\r\n")
	tr.feed("  File \"x.py\", line 1\r\n")
	tr.feed("TypeError: boom\r\n$ \r\n")

	// The block grows as lines arrive; wait for the one carrying the final line.
	deadline := time.Now().Add(3 * time.Second)
	for {
		evt := waitForEvent(t, sub, bus.EventError)
		if strings.Contains(evt.Payload, "TypeError: boom") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("never saw the complete block, last payload %q", evt.Payload)
		}
	}
	tr.Terminate()
}

func TestStreamMonitorPumpExitsAfterCancel(t *testing.T) {
	b := bus.New(bus.DefaultQueueSize)
	defer b.Close()
	tr := newFakeStream()
	model := screen.NewModel(80, 24, 0)
	m := NewStream(StreamConfig{SessionID: "s3", Transport: tr, Screen: model, Bus: b})

	before := runtime.NumGoroutine()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	cancel()
	<-done

	// Keep output arriving after Run has returned; the reader must not
	// wedge on the full hand-off channel.
	for i := 0; i < 40; i++ {
		select {
		case tr.data <- []byte("spam\n"):
		default:
		}
	}
	tr.Terminate()

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before {
		if time.Now().After(deadline) {
			t.Fatalf("goroutines=%d, want back to %d", runtime.NumGoroutine(), before)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func cellRowString(row []screen.Cell) string {
	var sb strings.Builder
	for _, c := range row {
		sb.WriteRune(c.Rune)
	}
	return strings.TrimRight(sb.String(), " ")
}
