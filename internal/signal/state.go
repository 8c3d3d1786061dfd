package signal

import (
	"github.com/dkeye/voicelink/internal/core"
)

// ConnectionState represents the current state of the signaling session.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateFailed means the reconnect budget is spent; only Initialize leaves it.
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StateEvent represents a state change.
type StateEvent struct {
	Old  ConnectionState
	New  ConnectionState
	Mode core.TransportMode
	Err  error
}

// Status is a point-in-time view of the manager.
type Status struct {
	State      ConnectionState    `json:"-"`
	StateName  string             `json:"state"`
	Mode       core.TransportMode `json:"mode"`
	Downgraded bool               `json:"downgraded"`
	Attempts   int                `json:"attempts"`
	HasToken   bool               `json:"hasToken"`
}
