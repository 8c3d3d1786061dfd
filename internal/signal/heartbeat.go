package signal

import (
	"sync"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/rs/zerolog/log"
)

type heartbeat struct {
	stop chan struct{}
	once sync.Once
}

func (h *heartbeat) halt() {
	h.once.Do(func() { close(h.stop) })
}

// StartHeartbeat (re)starts the liveness ping for the current session.
func (m *Manager) StartHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.conn == nil {
		return
	}
	m.startHeartbeatLocked(m.conn, m.gen)
}

func (m *Manager) StopHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopHeartbeatLocked()
}

func (m *Manager) startHeartbeatLocked(conn core.SignalConnection, gen uint64) {
	m.stopHeartbeatLocked()
	if m.opts.PingPeriod <= 0 {
		return
	}
	hb := &heartbeat{stop: make(chan struct{})}
	m.hb = hb
	go m.runHeartbeat(hb, conn, gen)
}

func (m *Manager) stopHeartbeatLocked() {
	if m.hb != nil {
		m.hb.halt()
		m.hb = nil
	}
}

func (m *Manager) runHeartbeat(hb *heartbeat, conn core.SignalConnection, gen uint64) {
	ticker := time.NewTicker(m.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-hb.stop:
			return
		case <-conn.Done():
			return
		case <-ticker.C:
			if m.opts.PongTimeout > 0 {
				silent := time.Since(time.Unix(0, m.lastSeen.Load()))
				if silent > m.opts.PongTimeout {
					log.Warn().Str("module", "signal").Dur("silent", silent).Msg("liveness lost, dropping session")
					conn.Close()
					return
				}
			}
			m.send(conn, core.EvPing, struct{}{})
		}
	}
}
