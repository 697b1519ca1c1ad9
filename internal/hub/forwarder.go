package hub

import (
	"context"
	"time"

	"github.com/user/termscope/internal/bus"
)

// DefaultCoalesceInterval is how long output chunks are batched before
// hitting the wire.
const DefaultCoalesceInterval = 100 * time.Millisecond

// Forwarder bridges the in-process event bus onto the websocket hub.
type Forwarder struct {
	sub       *bus.Subscription
	hub       *Hub
	coalescer *Coalescer
}

// NewForwarder subscribes to every session's events. interval <= 0 uses the
// default coalescing window.
func NewForwarder(b *bus.Bus, h *Hub, interval time.Duration) *Forwarder {
	if interval <= 0 {
		interval = DefaultCoalesceInterval
	}
	f := &Forwarder{
		sub: b.Subscribe(""),
		hub: h,
	}
	f.coalescer = NewCoalescer(interval, func(msg OutputMessage) {
		h.BroadcastOutput(msg.SessionID, msg.Stream, msg.Payload, time.UnixMilli(msg.Ts))
	})
	return f
}

// Run forwards events until the context is cancelled or the subscription
// closes. Error blocks flush pending output for their session first so
// clients never see the block before the output that produced it.
func (f *Forwarder) Run(ctx context.Context) {
	defer f.coalescer.FlushAll()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-f.sub.Events():
			if !ok {
				return
			}
			f.handle(evt)
		}
	}
}

// Stop cancels the underlying subscription.
func (f *Forwarder) Stop() { f.sub.Cancel() }

func (f *Forwarder) handle(evt bus.Event) {
	switch evt.Type {
	case bus.EventOutput:
		f.coalescer.Add(OutputMessage{
			Type:      "output",
			SessionID: evt.SessionID,
			Stream:    string(evt.Stream),
			Payload:   evt.Payload,
			Ts:        evt.Time.UnixMilli(),
		})
	case bus.EventError:
		f.coalescer.FlushSession(evt.SessionID)
		f.hub.BroadcastErrorEvent(evt.SessionID, string(evt.Stream), evt.Rule, evt.Key, evt.Payload, evt.Time)
	case bus.EventSessionEnded:
		f.coalescer.FlushSession(evt.SessionID)
		f.hub.BroadcastSessionEnded(evt.SessionID, evt.Time)
	}
}
