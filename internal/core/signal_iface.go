package core

import (
	"context"
	"encoding/json"
)

// Frame is one encoded signaling envelope.
type Frame []byte

// SignalConnection abstracts a live messaging transport session.
// Owned by the adapter that dialed it; the Connection Manager must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	// Done is closed once the session is gone, for whatever reason.
	Done() <-chan struct{}
	// Err reports why Done was closed; nil after a local Close.
	Err() error
	// Close flushes queued frames and severs the session.
	Close()
}

type TransportMode string

const (
	TransportDuplex   TransportMode = "websocket"
	TransportFallback TransportMode = "polling"
)

// SignalTransport dials sessions of one transport mode.
// onFrame is invoked sequentially from a single goroutine per session.
type SignalTransport interface {
	Mode() TransportMode
	Dial(ctx context.Context, token string, onFrame func(Frame)) (SignalConnection, error)
}

// EventHandler receives the raw "data" object of an inbound event.
type EventHandler func(payload json.RawMessage)

// Subscription identifies one registered handler.
type Subscription struct {
	Event string
	ID    string
}

// EventBus is the surface upper components need from the Connection Manager.
type EventBus interface {
	Emit(event string, payload any)
	On(event string, h EventHandler) Subscription
	Off(event string, subs ...Subscription)
}
