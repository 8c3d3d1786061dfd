// Package signal owns the single signaling session to the server: connect,
// reconnect with backoff, transport downgrade, heartbeat, and the handler
// registry that outlives individual transport sessions.
package signal

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dkeye/voicelink/internal/config"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoToken            = errors.New("signal: no auth token")
	ErrNoTransport        = errors.New("signal: no transport for mode")
	ErrReconnectExhausted = errors.New("signal: reconnect attempts exhausted")
	ErrSuperseded         = errors.New("signal: session superseded")
)

type Options struct {
	PingPeriod     time.Duration
	PongTimeout    time.Duration
	DialTimeout    time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	Randomization  float64
	MaxAttempts    int
	DowngradeAfter int
}

func OptionsFrom(cfg *config.Config) Options {
	return Options{
		PingPeriod:     cfg.Signal.PingPeriod,
		PongTimeout:    cfg.Signal.PongTimeout,
		DialTimeout:    cfg.Signal.DialTimeout,
		BaseDelay:      cfg.Reconnect.BaseDelay,
		MaxDelay:       cfg.Reconnect.MaxDelay,
		Multiplier:     cfg.Reconnect.Multiplier,
		Randomization:  cfg.Reconnect.Randomization,
		MaxAttempts:    cfg.Reconnect.MaxAttempts,
		DowngradeAfter: cfg.Reconnect.DowngradeAfter,
	}
}

// Manager is the Connection Manager. Construct one per process and share it.
type Manager struct {
	opts       Options
	transports map[core.TransportMode]core.SignalTransport
	registry   *Registry

	mu              sync.Mutex
	state           ConnectionState
	mode            core.TransportMode
	downgraded      bool
	token           string
	attempts        int
	duplexFails     int
	dialing         bool
	conn            core.SignalConnection
	gen             uint64
	bo              *backoff.ExponentialBackOff
	retry           *time.Timer
	hb              *heartbeat
	logoutRequested bool

	lastSeen atomic.Int64

	obsMu     sync.RWMutex
	observers []func(StateEvent)
}

func NewManager(opts Options, transports ...core.SignalTransport) *Manager {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.DowngradeAfter <= 0 {
		opts.DowngradeAfter = 3
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.BaseDelay
	bo.MaxInterval = opts.MaxDelay
	if opts.Multiplier > 0 {
		bo.Multiplier = opts.Multiplier
	}
	bo.RandomizationFactor = opts.Randomization
	bo.Reset()

	m := &Manager{
		opts:       opts,
		transports: make(map[core.TransportMode]core.SignalTransport),
		registry:   NewRegistry(),
		bo:         bo,
		mode:       core.TransportFallback,
	}
	for _, t := range transports {
		m.transports[t.Mode()] = t
	}
	if _, ok := m.transports[core.TransportDuplex]; ok {
		m.mode = core.TransportDuplex
	}
	return m
}

// OnStateChange registers an observer. Observers run outside the manager lock.
func (m *Manager) OnStateChange(fn func(StateEvent)) {
	m.obsMu.Lock()
	m.observers = append(m.observers, fn)
	m.obsMu.Unlock()
}

func (m *Manager) publish(events ...StateEvent) {
	if len(events) == 0 {
		return
	}
	m.obsMu.RLock()
	obs := slices.Clone(m.observers)
	m.obsMu.RUnlock()
	for _, ev := range events {
		for _, fn := range obs {
			fn(ev)
		}
	}
}

func (m *Manager) setStateLocked(to ConnectionState, err error) []StateEvent {
	if m.state == to {
		return nil
	}
	ev := StateEvent{Old: m.state, New: to, Mode: m.mode, Err: err}
	m.state = to
	l := log.Info()
	if err != nil {
		l = log.Warn().Err(err)
	}
	l.Str("module", "signal").
		Str("from", ev.Old.String()).
		Str("to", to.String()).
		Str("mode", string(m.mode)).
		Msg("state changed")
	return []StateEvent{ev}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:      m.state,
		StateName:  m.state.String(),
		Mode:       m.mode,
		Downgraded: m.downgraded,
		Attempts:   m.attempts,
		HasToken:   m.token != "",
	}
}

func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect opens a session with the current transport preference.
// On failure the reconnect policy is armed and the dial error is returned.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.token == "" {
		m.mu.Unlock()
		return ErrNoToken
	}
	if m.state == StateFailed {
		m.mu.Unlock()
		return ErrReconnectExhausted
	}
	if m.state == StateConnected || m.dialing {
		m.mu.Unlock()
		return nil
	}
	m.stopRetryLocked()
	m.dialing = true
	var events []StateEvent
	if m.attempts > 0 {
		events = m.setStateLocked(StateReconnecting, nil)
	} else {
		events = m.setStateLocked(StateConnecting, nil)
	}
	token, mode, gen := m.token, m.mode, m.gen
	tr, ok := m.transports[mode]
	m.mu.Unlock()
	m.publish(events...)

	var (
		conn core.SignalConnection
		err  error
	)
	if !ok {
		err = ErrNoTransport
	} else {
		dctx := ctx
		if m.opts.DialTimeout > 0 {
			var cancel context.CancelFunc
			dctx, cancel = context.WithTimeout(ctx, m.opts.DialTimeout)
			defer cancel()
		}
		conn, err = tr.Dial(dctx, token, func(f core.Frame) { m.onFrame(gen, f) })
	}

	m.mu.Lock()
	m.dialing = false
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrSuperseded
	}
	if err != nil {
		events = m.onDialFailureLocked(mode, err)
		m.mu.Unlock()
		m.publish(events...)
		return err
	}

	m.conn = conn
	m.attempts = 0
	m.duplexFails = 0
	m.bo.Reset()
	m.lastSeen.Store(time.Now().UnixNano())
	events = m.setStateLocked(StateConnected, nil)
	m.startHeartbeatLocked(conn, gen)
	m.mu.Unlock()

	log.Info().Str("module", "signal").Str("mode", string(mode)).Msg("connected")
	go m.watch(conn, gen)
	m.publish(events...)
	return nil
}

func (m *Manager) onDialFailureLocked(mode core.TransportMode, err error) []StateEvent {
	m.attempts++
	log.Warn().Err(err).
		Str("module", "signal").
		Str("mode", string(mode)).
		Int("attempt", m.attempts).
		Msg("connect failed")

	if mode == core.TransportDuplex && !m.downgraded {
		m.duplexFails++
		if _, ok := m.transports[core.TransportFallback]; ok && m.duplexFails >= m.opts.DowngradeAfter {
			m.mode = core.TransportFallback
			m.downgraded = true
			log.Warn().Str("module", "signal").Int("failures", m.duplexFails).Msg("downgrading to fallback transport")
			if m.attempts < m.opts.MaxAttempts {
				events := m.setStateLocked(StateReconnecting, err)
				m.scheduleRetryLocked(0)
				return events
			}
		}
	}

	if m.attempts >= m.opts.MaxAttempts {
		log.Error().Str("module", "signal").Int("attempts", m.attempts).Msg("giving up, initialize again to reconnect")
		return m.setStateLocked(StateFailed, ErrReconnectExhausted)
	}
	events := m.setStateLocked(StateReconnecting, err)
	m.scheduleRetryLocked(m.nextDelayLocked())
	return events
}

// nextDelayLocked draws the next jittered backoff and keeps it within
// [BaseDelay, MaxDelay]; the backoff applies jitter after its own cap.
func (m *Manager) nextDelayLocked() time.Duration {
	d := m.bo.NextBackOff()
	if m.opts.MaxDelay > 0 && d > m.opts.MaxDelay {
		d = m.opts.MaxDelay
	}
	if d < m.opts.BaseDelay {
		d = m.opts.BaseDelay
	}
	return d
}

func (m *Manager) scheduleRetryLocked(delay time.Duration) {
	m.stopRetryLocked()
	gen := m.gen
	log.Debug().Str("module", "signal").Dur("delay", delay).Msg("reconnect scheduled")
	m.retry = time.AfterFunc(delay, func() {
		m.mu.Lock()
		stale := gen != m.gen
		m.mu.Unlock()
		if stale {
			return
		}
		_ = m.Connect(context.Background())
	})
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

// watch waits for a session to end and, unless it was closed on purpose, reconnects.
func (m *Manager) watch(conn core.SignalConnection, gen uint64) {
	<-conn.Done()

	m.mu.Lock()
	if gen != m.gen || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.stopHeartbeatLocked()
	err := conn.Err()
	log.Warn().Err(err).Str("module", "signal").Str("mode", string(m.mode)).Msg("session dropped")
	events := m.setStateLocked(StateReconnecting, err)
	m.scheduleRetryLocked(m.nextDelayLocked())
	m.mu.Unlock()
	m.publish(events...)
}

func (m *Manager) onFrame(gen uint64, f core.Frame) {
	m.lastSeen.Store(time.Now().UnixNano())
	event, payload, err := Decode(f)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad frame")
		return
	}
	m.mu.Lock()
	stale := gen != m.gen
	m.mu.Unlock()
	if stale {
		return
	}
	if n := m.registry.Dispatch(event, payload); n == 0 && event != core.EvPong {
		log.Debug().Str("module", "signal").Str("event", event).Msg("no handlers")
	}
}

// On registers a handler that survives reconnects.
func (m *Manager) On(event string, h core.EventHandler) core.Subscription {
	return m.registry.Add(event, h)
}

// Off removes the given subscriptions, or every handler for event when none are given.
func (m *Manager) Off(event string, subs ...core.Subscription) {
	if len(subs) == 0 {
		m.registry.RemoveAll(event)
		return
	}
	for _, s := range subs {
		if s.Event == "" {
			s.Event = event
		}
		m.registry.Remove(s)
	}
}

func (m *Manager) Handlers(event string) int {
	return m.registry.Count(event)
}

// Emit sends an event while connected. Otherwise the event is dropped with a warning.
func (m *Manager) Emit(event string, payload any) {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()
	if state != StateConnected || conn == nil {
		log.Warn().Str("module", "signal").Str("event", event).Str("state", state.String()).Msg("emit while not connected, dropped")
		return
	}
	m.send(conn, event, payload)
}

func (m *Manager) send(conn core.SignalConnection, event string, payload any) bool {
	frame, err := Encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("emit encode")
		return false
	}
	if err := conn.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("event", event).Msg("emit failed")
		return false
	}
	return true
}
