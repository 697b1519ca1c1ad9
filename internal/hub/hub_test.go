package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/termscope/internal/bus"
)

func waitForClientCount(t *testing.T, h *Hub, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if h.ClientCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client count did not reach %d (got %d)", want, h.ClientCount())
}

func TestProtocolMarshalOutputMessage(t *testing.T) {
	msg := OutputMessage{
		Type:      "output",
		SessionID: "s-1",
		Stream:    "stdout",
		Payload:   "hello world",
		Ts:        1234567890,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var decoded OutputMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	if decoded.Type != "output" {
		t.Errorf("type mismatch: got %q", decoded.Type)
	}
	if decoded.SessionID != "s-1" {
		t.Errorf("session mismatch: got %q", decoded.SessionID)
	}
	if decoded.Stream != "stdout" {
		t.Errorf("stream mismatch: got %q", decoded.Stream)
	}
	if decoded.Payload != "hello world" {
		t.Errorf("payload mismatch: got %q", decoded.Payload)
	}
}

func TestInputRoutesToHandler(t *testing.T) {
	calls := 0
	h := New("token", func(sessionID, text string) {
		calls++
		if sessionID != "s-1" || text != "pwd\n" {
			t.Fatalf("unexpected callback payload: session=%q text=%q", sessionID, text)
		}
	}, nil)

	h.handleInput("s-1", "pwd\n")
	if calls != 1 {
		t.Fatalf("expected callback to be called once, got %d", calls)
	}
}

func TestResizeRoutesToHandler(t *testing.T) {
	calls := 0
	h := New("token", nil, func(sessionID string, cols, rows int) {
		calls++
		if sessionID != "s-1" || cols != 120 || rows != 40 {
			t.Fatalf("unexpected callback payload: session=%q size=%dx%d", sessionID, cols, rows)
		}
	})

	h.handleResize("s-1", 120, 40)
	if calls != 1 {
		t.Fatalf("expected callback to be called once, got %d", calls)
	}
}

func TestBroadcastToClientsRespectsSessionSubscription(t *testing.T) {
	h := New("token", nil, nil)

	clientA := &Client{
		id:            "a",
		send:          make(chan []byte, 1),
		subscribeAll:  false,
		subscriptions: map[string]struct{}{"s-1": {}},
	}
	clientB := &Client{
		id:            "b",
		send:          make(chan []byte, 1),
		subscribeAll:  false,
		subscriptions: map[string]struct{}{"s-2": {}},
	}
	clientAll := &Client{
		id:            "all",
		send:          make(chan []byte, 1),
		subscribeAll:  true,
		subscriptions: map[string]struct{}{},
	}

	h.clients = map[string]*Client{
		clientA.id:   clientA,
		clientB.id:   clientB,
		clientAll.id: clientAll,
	}

	h.broadcastToClients(hubBroadcast{data: []byte(`{"type":"output"}`), sessionID: "s-1"})

	select {
	case <-clientA.send:
	default:
		t.Fatal("expected clientA to receive message for s-1")
	}
	select {
	case <-clientAll.send:
	default:
		t.Fatal("expected subscribe-all client to receive message")
	}
	select {
	case <-clientB.send:
		t.Fatal("did not expect clientB to receive message for s-1")
	default:
	}
}

func TestTokenAuthentication(t *testing.T) {
	validToken := "secret-token-123"

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"valid token", validToken, http.StatusSwitchingProtocols},
		{"invalid token", "wrong-token", http.StatusUnauthorized},
		{"missing token", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(validToken, nil, nil)

			ctx, cancel := context.WithCancel(context.Background())
			go h.Run(ctx)
			defer cancel()

			server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
			defer server.Close()

			url := fmt.Sprintf("ws://%s/ws", server.URL[7:])
			if tt.token != "" {
				url = fmt.Sprintf("%s?token=%s", url, tt.token)
			}

			dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
			conn, resp, err := websocket.Dial(dialCtx, url, nil)
			dialCancel()

			if resp != nil && resp.StatusCode != tt.wantStatus {
				t.Errorf("status code mismatch: got %d, want %d", resp.StatusCode, tt.wantStatus)
			}

			if tt.wantStatus == http.StatusSwitchingProtocols {
				if err != nil {
					t.Fatalf("expected successful connection, got error: %v", err)
				}
				conn.Close(websocket.StatusNormalClosure, "")
			} else if conn != nil {
				conn.Close(websocket.StatusNormalClosure, "")
			}
		})
	}
}

func TestClientLifecycle(t *testing.T) {
	token := "test-token"
	var inputReceived []string
	var inputMu sync.Mutex

	h := New(token, func(sessionID, text string) {
		inputMu.Lock()
		inputReceived = append(inputReceived, fmt.Sprintf("%s:%s", sessionID, text))
		inputMu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer server.Close()

	if h.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", h.ClientCount())
	}

	url := fmt.Sprintf("ws://%s/ws?token=%s", server.URL[7:], token)
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	dialCancel()
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	waitForClientCount(t, h, 1, time.Second)

	inputMsg := ClientMessage{Type: "input", SessionID: "s-1", Text: "test\n"}
	data, _ := json.Marshal(inputMsg)
	writeCtx, writeCancel := context.WithTimeout(context.Background(), time.Second)
	err = conn.Write(writeCtx, websocket.MessageText, data)
	writeCancel()
	if err != nil {
		t.Fatalf("failed to send message: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	inputMu.Lock()
	if len(inputReceived) != 1 || inputReceived[0] != "s-1:test\n" {
		t.Errorf("input not received correctly: %v", inputReceived)
	}
	inputMu.Unlock()

	conn.Close(websocket.StatusNormalClosure, "")

	waitForClientCount(t, h, 0, time.Second)
}

func readUntilType(t *testing.T, conn *websocket.Conn, wantType string) []byte {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, data, err := conn.Read(readCtx)
		readCancel()
		if err != nil {
			t.Fatalf("read error while waiting for %q: %v", wantType, err)
		}
		var base struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &base); err != nil {
			t.Fatalf("invalid frame: %v", err)
		}
		if base.Type == wantType {
			return data
		}
	}
	t.Fatalf("never received %q frame", wantType)
	return nil
}

func TestBroadcastFanOut(t *testing.T) {
	token := "test-token"
	h := New(token, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer server.Close()

	url := fmt.Sprintf("ws://%s/ws?token=%s", server.URL[7:], token)

	var clients []*websocket.Conn
	for i := 0; i < 2; i++ {
		dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
		conn, _, err := websocket.Dial(dialCtx, url, nil)
		dialCancel()
		if err != nil {
			t.Fatalf("failed to connect client %d: %v", i, err)
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		clients = append(clients, conn)
	}

	waitForClientCount(t, h, 2, time.Second)

	h.BroadcastOutput("s-1", "stdout", "broadcast test", time.Now())

	for i, conn := range clients {
		data := readUntilType(t, conn, "output")
		var msg OutputMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("client %d invalid output frame: %v", i, err)
		}
		if msg.SessionID != "s-1" || msg.Payload != "broadcast test" {
			t.Fatalf("client %d frame mismatch: %+v", i, msg)
		}
	}
}

func TestInitialSessionsPushedOnConnect(t *testing.T) {
	token := "test-token"
	h := New(token, nil, nil)
	h.BroadcastSessions([]SessionInfo{
		{ID: "s-1", Kind: "pty", Name: "shell", Cols: 80, Rows: 24},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer server.Close()

	url := fmt.Sprintf("ws://%s/ws?token=%s", server.URL[7:], token)
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	dialCancel()
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	data := readUntilType(t, conn, "sessions")
	var msg SessionsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("invalid sessions frame: %v", err)
	}
	if len(msg.List) != 1 || msg.List[0].ID != "s-1" || msg.List[0].Kind != "pty" {
		t.Fatalf("sessions frame mismatch: %+v", msg)
	}
}

func TestCoalescerBatchesPerSessionAndStream(t *testing.T) {
	var mu sync.Mutex
	var flushed []OutputMessage
	c := NewCoalescer(20*time.Millisecond, func(msg OutputMessage) {
		mu.Lock()
		flushed = append(flushed, msg)
		mu.Unlock()
	})

	c.Add(OutputMessage{SessionID: "s-1", Stream: "stdout", Payload: "a", Ts: 1})
	c.Add(OutputMessage{SessionID: "s-1", Stream: "stdout", Payload: "b", Ts: 2})
	c.Add(OutputMessage{SessionID: "s-1", Stream: "stderr", Payload: "x", Ts: 3})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(flushed)
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("flushed %d messages, want 2", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	byStream := map[string]OutputMessage{}
	for _, msg := range flushed {
		byStream[msg.Stream] = msg
	}
	if byStream["stdout"].Payload != "ab" || byStream["stdout"].Ts != 2 {
		t.Fatalf("stdout flush = %+v", byStream["stdout"])
	}
	if byStream["stderr"].Payload != "x" {
		t.Fatalf("stderr flush = %+v", byStream["stderr"])
	}
}

func TestCoalescerFlushSession(t *testing.T) {
	var mu sync.Mutex
	var flushed []OutputMessage
	c := NewCoalescer(time.Hour, func(msg OutputMessage) {
		mu.Lock()
		flushed = append(flushed, msg)
		mu.Unlock()
	})

	c.Add(OutputMessage{SessionID: "s-1", Stream: "stdout", Payload: "pending"})
	c.Add(OutputMessage{SessionID: "s-2", Stream: "stdout", Payload: "other"})

	c.FlushSession("s-1")

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 || flushed[0].SessionID != "s-1" || flushed[0].Payload != "pending" {
		t.Fatalf("flushed = %+v", flushed)
	}
}

func TestForwarderBridgesBusEvents(t *testing.T) {
	b := bus.New(bus.DefaultQueueSize)
	defer b.Close()
	h := New("token", nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer server.Close()

	url := fmt.Sprintf("ws://%s/ws?token=%s", server.URL[7:], "token")
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	dialCancel()
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	waitForClientCount(t, h, 1, time.Second)

	f := NewForwarder(b, h, 10*time.Millisecond)
	go f.Run(ctx)
	defer f.Stop()

	now := time.Now().UTC()
	b.Publish(bus.Event{Type: bus.EventOutput, SessionID: "s-1", Stream: bus.StreamStdout, Payload: "chunk", Time: now})

	data := readUntilType(t, conn, "output")
	var out OutputMessage
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("invalid output frame: %v", err)
	}
	if out.SessionID != "s-1" || out.Payload != "chunk" || out.Stream != "stdout" {
		t.Fatalf("output frame = %+v", out)
	}

	b.Publish(bus.Event{
		Type: bus.EventError, SessionID: "s-1", Stream: bus.StreamStdout,
		Payload: "Traceback ...", Key: "k1", Rule: "python-traceback", Time: now,
	})
	data = readUntilType(t, conn, "error_event")
	var errMsg ErrorEventMessage
	if err := json.Unmarshal(data, &errMsg); err != nil {
		t.Fatalf("invalid error frame: %v", err)
	}
	if errMsg.Key != "k1" || errMsg.Rule != "python-traceback" {
		t.Fatalf("error frame = %+v", errMsg)
	}

	b.Publish(bus.Event{Type: bus.EventSessionEnded, SessionID: "s-1", Time: now})
	data = readUntilType(t, conn, "session_ended")
	var ended SessionEndedMessage
	if err := json.Unmarshal(data, &ended); err != nil {
		t.Fatalf("invalid session_ended frame: %v", err)
	}
	if ended.SessionID != "s-1" {
		t.Fatalf("session_ended frame = %+v", ended)
	}
}
