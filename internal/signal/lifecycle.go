package signal

import (
	"context"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/rs/zerolog/log"
)

// Initialize stores the credential and connects. Calling it again with the
// same token while a session is live or being dialed is a no-op; a different
// token tears the old session down first. It also revives a failed manager.
func (m *Manager) Initialize(ctx context.Context, token string) error {
	if token == "" {
		return ErrNoToken
	}
	m.mu.Lock()
	if m.token == token && (m.state == StateConnected || m.dialing || m.state == StateReconnecting) {
		m.mu.Unlock()
		return nil
	}
	var (
		old    core.SignalConnection
		events []StateEvent
	)
	if m.token != "" && m.token != token {
		log.Info().Str("module", "signal").Msg("re-initializing with a new token")
		old, events = m.resetLocked()
	} else if m.state == StateFailed {
		events = m.setStateLocked(StateDisconnected, nil)
	}
	m.token = token
	m.attempts = 0
	m.duplexFails = 0
	m.logoutRequested = false
	m.bo.Reset()
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	m.publish(events...)
	return m.Connect(ctx)
}

// resetLocked invalidates the current session and every pending callback tied to it.
func (m *Manager) resetLocked() (core.SignalConnection, []StateEvent) {
	m.gen++
	m.dialing = false
	m.stopRetryLocked()
	m.stopHeartbeatLocked()
	old := m.conn
	m.conn = nil
	return old, m.setStateLocked(StateDisconnected, nil)
}

// Disconnect severs the session but keeps the token for a later Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	old, events := m.resetLocked()
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}
	m.publish(events...)
}

// Foreground reconnects on return to foreground when a token is held.
func (m *Manager) Foreground(ctx context.Context) error {
	m.mu.Lock()
	skip := m.token == "" || m.state == StateConnected || m.state == StateFailed || m.dialing
	if !skip {
		m.stopRetryLocked()
	}
	m.mu.Unlock()
	if skip {
		return nil
	}
	log.Info().Str("module", "signal").Msg("foreground, reconnecting")
	return m.Connect(ctx)
}

// RequestLogout marks the next Teardown as a logout.
func (m *Manager) RequestLogout() {
	m.mu.Lock()
	m.logoutRequested = true
	m.mu.Unlock()
}

// Teardown runs at process exit. The logout signal is only sent when one was
// requested; otherwise the server-side session is left to expire on its own.
func (m *Manager) Teardown() {
	m.mu.Lock()
	requested := m.logoutRequested
	m.mu.Unlock()
	if requested {
		m.Logout()
		return
	}
	log.Info().Str("module", "signal").Msg("teardown without logout request")
	m.Disconnect()
}

// Logout emits userLogout, waits for it to be flushed by Close, then clears the token.
func (m *Manager) Logout() {
	m.mu.Lock()
	conn, connected := m.conn, m.state == StateConnected
	m.mu.Unlock()
	if connected && conn != nil {
		m.send(conn, core.EvUserLogout, struct{}{})
	}

	m.mu.Lock()
	old, events := m.resetLocked()
	m.token = ""
	m.logoutRequested = false
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}
	log.Info().Str("module", "signal").Msg("logged out")
	m.publish(events...)
}
