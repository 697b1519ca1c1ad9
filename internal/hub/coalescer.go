package hub

import (
	"strings"
	"sync"
	"time"
)

// Coalescer batches output chunks per session and stream so a chatty PTY
// does not turn into one websocket frame per read.
type Coalescer struct {
	mu       sync.Mutex
	pending  map[pendingKey]*pendingOutput
	interval time.Duration
	onFlush  func(msg OutputMessage)
}

type pendingKey struct {
	sessionID string
	stream    string
}

type pendingOutput struct {
	payloads []string
	ts       int64
	timer    *time.Timer
}

func NewCoalescer(interval time.Duration, onFlush func(OutputMessage)) *Coalescer {
	return &Coalescer{
		pending:  make(map[pendingKey]*pendingOutput),
		interval: interval,
		onFlush:  onFlush,
	}
}

func (c *Coalescer) Add(msg OutputMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := pendingKey{sessionID: msg.SessionID, stream: msg.Stream}
	p, exists := c.pending[key]
	if !exists {
		p = &pendingOutput{}
		c.pending[key] = p
	}

	p.payloads = append(p.payloads, msg.Payload)
	if msg.Ts > p.ts {
		p.ts = msg.Ts
	}

	if p.timer == nil {
		p.timer = time.AfterFunc(c.interval, func() {
			c.flush(key)
		})
	}
}

func (c *Coalescer) flush(key pendingKey) {
	c.mu.Lock()
	p, exists := c.pending[key]
	if !exists {
		c.mu.Unlock()
		return
	}
	delete(c.pending, key)
	c.mu.Unlock()

	if c.onFlush != nil && len(p.payloads) > 0 {
		c.onFlush(OutputMessage{
			Type:      "output",
			SessionID: key.sessionID,
			Stream:    key.stream,
			Payload:   strings.Join(p.payloads, ""),
			Ts:        p.ts,
		})
	}
}

// FlushSession immediately emits anything pending for the session, on both
// streams.
func (c *Coalescer) FlushSession(sessionID string) {
	c.mu.Lock()
	keys := make([]pendingKey, 0, len(c.pending))
	for k := range c.pending {
		if k.sessionID == sessionID {
			keys = append(keys, k)
		}
	}
	c.mu.Unlock()

	for _, k := range keys {
		c.flush(k)
	}
}

func (c *Coalescer) FlushAll() {
	c.mu.Lock()
	keys := make([]pendingKey, 0, len(c.pending))
	for k := range c.pending {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	for _, k := range keys {
		c.flush(k)
	}
}
