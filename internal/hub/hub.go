// Package hub fans session events out to websocket clients.
package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// InputHandler receives terminal input typed by a client.
type InputHandler func(sessionID, text string)

// ResizeHandler receives a terminal resize requested by a client.
type ResizeHandler func(sessionID string, cols, rows int)

type Hub struct {
	clients    map[string]*Client
	register   chan *clientRegistration
	unregister chan *Client
	broadcast  chan hubBroadcast
	onInput    InputHandler
	onResize   ResizeHandler
	token      string
	mu         sync.RWMutex
	sessions   []SessionInfo
	sessionsMu sync.RWMutex
	ctxWrap    *ctxWrapper
	running    atomic.Bool
}

type ctxWrapper struct {
	ctx context.Context
}

type clientRegistration struct {
	client          *Client
	initialSessions []byte
}

func New(token string, onInput InputHandler, onResize ResizeHandler) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *clientRegistration, 16),
		unregister: make(chan *Client, 16),
		broadcast:  make(chan hubBroadcast, 256),
		onInput:    onInput,
		onResize:   onResize,
		token:      token,
		ctxWrap:    &ctxWrapper{ctx: context.Background()},
	}
}

func (h *Hub) getContext() context.Context {
	if h.ctxWrap != nil {
		return h.ctxWrap.ctx
	}
	return context.Background()
}

func (h *Hub) Run(ctx context.Context) {
	h.ctxWrap = &ctxWrapper{ctx: ctx}
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[string]*Client)
			h.mu.Unlock()
			return

		case reg := <-h.register:
			h.mu.Lock()
			h.clients[reg.client.id] = reg.client
			h.mu.Unlock()
			if reg.initialSessions != nil {
				select {
				case reg.client.send <- reg.initialSessions:
				default:
				}
			}
			go reg.client.writePump(h.getContext())
			go reg.client.readPump(h.getContext())
			log.Printf("client connected: %s (total: %d)", reg.client.id, h.ClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()
			log.Printf("client disconnected: %s (total: %d)", client.id, h.ClientCount())

		case b := <-h.broadcast:
			h.broadcastToClients(b)
		}
	}
}

func (h *Hub) broadcastToClients(b hubBroadcast) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.wantsSession(b.sessionID) {
			continue
		}
		select {
		case c.send <- b.data:
		default:
			log.Printf("client %s send buffer full, dropping message", c.id)
		}
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" || token != h.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("websocket accept error: %v", err)
		return
	}

	client := newClient(conn, h)

	h.sessionsMu.RLock()
	sessions := h.sessions
	h.sessionsMu.RUnlock()

	msg := SessionsMessage{Type: "sessions", List: sessions}
	initialSessions, _ := json.Marshal(msg)

	select {
	case h.register <- &clientRegistration{client: client, initialSessions: initialSessions}:
	default:
		log.Printf("hub not accepting connections")
		conn.Close(websocket.StatusTryAgainLater, "server busy")
		return
	}
}

// BroadcastOutput fans one output chunk out to subscribed clients.
func (h *Hub) BroadcastOutput(sessionID, stream, payload string, ts time.Time) {
	msg := OutputMessage{
		Type:      "output",
		SessionID: sessionID,
		Stream:    stream,
		Payload:   payload,
		Ts:        ts.UnixMilli(),
	}
	h.sendBroadcast(sessionID, msg)
}

// BroadcastErrorEvent fans a detected error block out to subscribed clients.
func (h *Hub) BroadcastErrorEvent(sessionID, stream, rule, key, payload string, ts time.Time) {
	msg := ErrorEventMessage{
		Type:      "error_event",
		SessionID: sessionID,
		Stream:    stream,
		Rule:      rule,
		Key:       key,
		Payload:   payload,
		Ts:        ts.UnixMilli(),
	}
	h.sendBroadcast(sessionID, msg)
}

// BroadcastSessionEnded tells subscribed clients the session terminated.
func (h *Hub) BroadcastSessionEnded(sessionID string, ts time.Time) {
	msg := SessionEndedMessage{
		Type:      "session_ended",
		SessionID: sessionID,
		Ts:        ts.UnixMilli(),
	}
	h.sendBroadcast(sessionID, msg)
}

// BroadcastSessions replaces the cached session listing and pushes it to
// every client.
func (h *Hub) BroadcastSessions(sessions []SessionInfo) {
	h.sessionsMu.Lock()
	h.sessions = sessions
	h.sessionsMu.Unlock()

	msg := SessionsMessage{Type: "sessions", List: sessions}
	h.sendBroadcast("", msg)
}

func (h *Hub) sendBroadcast(sessionID string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("error marshaling %T: %v", msg, err)
		return
	}
	select {
	case h.broadcast <- hubBroadcast{data: data, sessionID: sessionID}:
	default:
		log.Printf("broadcast channel full, dropping message")
	}
}

func (h *Hub) SendError(client *Client, message string) {
	msg := ErrorMessage{Type: "error", Message: message}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("error marshaling error message: %v", err)
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) handleInput(sessionID, text string) {
	if h.onInput != nil {
		h.onInput(sessionID, text)
	}
}

func (h *Hub) handleResize(sessionID string, cols, rows int) {
	if h.onResize != nil {
		h.onResize(sessionID, cols, rows)
	}
}

func (h *Hub) isRunning() bool {
	return h.running.Load()
}

func (h *Hub) unregisterClient(c *Client) {
	if !h.isRunning() {
		c.conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	select {
	case h.unregister <- c:
	default:
		log.Printf("unregister channel full for client %s, forcing close", c.id)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}
}
