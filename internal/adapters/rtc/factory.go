package rtc

import (
	"context"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// CodecRegistrar fills a media engine with the codecs local capture produces.
type CodecRegistrar func(*webrtc.MediaEngine) error

func DefaultCodecs(me *webrtc.MediaEngine) error { return me.RegisterDefaultCodecs() }

// Factory builds peer connections sharing one pion API.
type Factory struct {
	api     *webrtc.API
	cfg     webrtc.Configuration
	onTrack TrackHandler
}

var _ core.PeerFactory = (*Factory)(nil)

func NewFactory(iceServers []string, codecs CodecRegistrar) (*Factory, error) {
	if codecs == nil {
		codecs = DefaultCodecs
	}
	me := &webrtc.MediaEngine{}
	if err := codecs(me); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, err
	}
	// Ride out short relay outages instead of dropping the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(15*time.Second, 60*time.Second, 2*time.Second)

	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		cfg: cfg,
	}, nil
}

// OnTrack installs the remote track sink used by every peer built afterwards.
func (f *Factory) OnTrack(fn TrackHandler) { f.onTrack = fn }

func (f *Factory) NewPeer(ctx context.Context, label string) (core.MediaConnection, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	c := NewWebRTCConnection(pc, label)
	if f.onTrack != nil {
		c.OnTrack(f.onTrack)
	}
	if err := c.Start(ctx); err != nil {
		c.Close()
		return nil, err
	}
	log.Debug().Str("module", "webrtc").Str("peer", label).Msg("peer created")
	return c, nil
}
