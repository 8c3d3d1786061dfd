// Package playout forwards RTP from remote tracks to local sinks, such as an
// external player listening on UDP.
package playout

import (
	"context"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type sinkEntry struct {
	kind webrtc.RTPCodecType
	sink Sink
}

// RelayInfo describes one running relay.
type RelayInfo struct {
	Key     string `json:"key"`
	Kind    string `json:"kind"`
	Sinks   int    `json:"sinks"`
	Packets uint64 `json:"packets"`
	Reports uint64 `json:"reports"`
}

type Manager struct {
	mu     sync.RWMutex
	relays map[string]*Relay
	sinks  map[string]sinkEntry
	muted  map[string]bool
}

func NewManager() *Manager {
	return &Manager{
		relays: make(map[string]*Relay),
		sinks:  make(map[string]sinkEntry),
		muted:  make(map[string]bool),
	}
}

// AddSink registers a named sink for tracks of kind and attaches it to running relays.
func (m *Manager) AddSink(name string, kind webrtc.RTPCodecType, s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks[name] = sinkEntry{kind: kind, sink: s}
	for _, r := range m.relays {
		if r.Kind == kind {
			r.AddOutTrack(name, NewOutTrack(s, m.muted[name]))
		}
	}
}

// HandleTrack starts a relay for a remote track and drains the receiver's RTCP.
// Its signature matches the peer factory's track callback.
func (m *Manager) HandleTrack(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	relay := m.StartRelay(ctx, track.StreamID()+"/"+track.ID(), track.Kind(), track)
	if receiver != nil {
		logger := log.With().Str("module", "playout").Str("relay", relay.Key).Logger()
		go relay.drainControl(receiver, &logger)
	}
}

// StartRelay creates a Relay for key, attaches every sink of the same kind and starts its loop.
func (m *Manager) StartRelay(ctx context.Context, key string, kind webrtc.RTPCodecType, src Source) *Relay {
	logger := log.With().
		Str("module", "playout").
		Str("relay", key).
		Str("kind", kind.String()).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(key, kind, src, cancel)

	m.mu.Lock()
	if old, ok := m.relays[key]; ok {
		logger.Info().Msg("replacing existing relay")
		old.markAllDelete()
		old.cancel()
	}
	for name, e := range m.sinks {
		if e.kind == kind {
			relay.AddOutTrack(name, NewOutTrack(e.sink, m.muted[name]))
		}
	}
	m.relays[key] = relay
	m.mu.Unlock()

	logger.Info().Int("sinks", relay.sinks()).Msg("starting relay loop")
	go func() {
		relay.loop(relayCtx, &logger)
		m.mu.Lock()
		if m.relays[key] == relay {
			delete(m.relays, key)
		}
		m.mu.Unlock()
	}()
	return relay
}

// SetMuted mutes or unmutes a sink on every relay. An empty name applies to all sinks.
func (m *Manager) SetMuted(name string, muted bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := []string{name}
	if name == "" {
		names = names[:0]
		for n := range m.sinks {
			names = append(names, n)
		}
	}
	n := 0
	for _, sink := range names {
		if _, ok := m.sinks[sink]; !ok {
			continue
		}
		m.muted[sink] = muted
		n++
		for _, r := range m.relays {
			ot, ok := r.outTrack(sink)
			if !ok {
				continue
			}
			if muted {
				ot.MarkMuted()
			} else {
				ot.MarkOk()
			}
		}
	}
	if n > 0 {
		log.Info().Str("module", "playout").Str("sink", name).Bool("muted", muted).Msg("mute changed")
	}
	return n
}

func (m *Manager) Muted(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.muted[name]
}

// StopRelay stops a relay and removes it from the manager.
func (m *Manager) StopRelay(key string) {
	m.mu.Lock()
	relay, ok := m.relays[key]
	if ok {
		delete(m.relays, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.markAllDelete()
	relay.cancel()
}

// Relays lists running relays ordered by key.
func (m *Manager) Relays() []RelayInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RelayInfo, 0, len(m.relays))
	for _, r := range m.relays {
		reports, _ := r.Reports()
		out = append(out, RelayInfo{Key: r.Key, Kind: r.Kind.String(), Sinks: r.sinks(), Packets: r.packets.Load(), Reports: reports})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Close stops every relay.
func (m *Manager) Close() {
	m.mu.Lock()
	relays := m.relays
	m.relays = make(map[string]*Relay)
	m.mu.Unlock()
	for _, r := range relays {
		r.markAllDelete()
		r.cancel()
	}
}
