package apptest

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Stream is a LocalStream with no real devices behind it.
type Stream struct {
	mu      sync.Mutex
	stopped bool
}

func (s *Stream) Tracks() []webrtc.TrackLocal { return nil }

func (s *Stream) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *Stream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped
}

// Media hands out Streams, or fails with Err.
type Media struct {
	mu      sync.Mutex
	Err     error
	streams []*Stream
}

func (m *Media) Acquire(ctx context.Context, kind domain.CallType) (core.LocalStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	s := &Stream{}
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *Media) Acquired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Live counts streams that were acquired and not stopped.
func (m *Media) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.streams {
		if s.Active() {
			n++
		}
	}
	return n
}

// Peer records negotiation calls and lets tests fire its callbacks.
type Peer struct {
	Label string

	mu         sync.Mutex
	closed     bool
	offers     int
	answers    []webrtc.SessionDescription
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	onICE      func(webrtc.ICECandidateInit)
	onClosed   func()
	FailOffer  error
}

var _ core.MediaConnection = (*Peer)(nil)

func (p *Peer) Start(ctx context.Context) error { return nil }

func (p *Peer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *Peer) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("closed")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *Peer) AddLocalStream(core.LocalStream) error { return nil }

func (p *Peer) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailOffer != nil {
		return nil, p.FailOffer
	}
	p.offers++
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer " + p.Label}, nil
}

func (p *Peer) ApplyAnswer(sd webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers = append(p.answers, sd)
	return nil
}

func (p *Peer) ApplyOfferAndCreateAnswer(sd webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = append(p.remote, sd)
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer " + p.Label}, nil
}

func (p *Peer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *Peer) OnTrack(func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (p *Peer) OnClosed(fn func()) {
	p.mu.Lock()
	p.onClosed = fn
	p.mu.Unlock()
}

// Gather emits a local candidate as the ICE agent would.
func (p *Peer) Gather(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	fn := p.onICE
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// Drop reports a terminal connectivity state.
func (p *Peer) Drop() {
	p.mu.Lock()
	fn := p.onClosed
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (p *Peer) Offers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers
}

func (p *Peer) Answers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.answers)
}

func (p *Peer) RemoteOffers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.remote)
}

func (p *Peer) Candidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.candidates)
}

// Peers is a PeerFactory that keeps every peer it built.
type Peers struct {
	mu    sync.Mutex
	Err   error
	built []*Peer
}

var _ core.PeerFactory = (*Peers)(nil)

func (f *Peers) NewPeer(ctx context.Context, label string) (core.MediaConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	p := &Peer{Label: label}
	f.built = append(f.built, p)
	return p, nil
}

func (f *Peers) Built() []*Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Peer(nil), f.built...)
}

// Open counts peers that were never closed.
func (f *Peers) Open() int {
	n := 0
	for _, p := range f.Built() {
		if !p.IsClosed() {
			n++
		}
	}
	return n
}

// Last returns the most recent peer, or nil.
func (f *Peers) Last() *Peer {
	b := f.Built()
	if len(b) == 0 {
		return nil
	}
	return b[len(b)-1]
}
