package orch

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// OnTrack is called when a new remote media track appears on any peer connection.
func (o *Orchestrator) OnTrack(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if o.Relays == nil {
		return
	}
	log.Info().
		Str("module", "orch").
		Str("track", track.ID()).
		Str("kind", track.Kind().String()).
		Str("codec", track.Codec().MimeType).
		Msg("remote track")
	o.Relays.HandleTrack(ctx, track, receiver)
}

// Mute silences a playout sink, or all of them when name is empty.
func (o *Orchestrator) Mute(name string, muted bool) int {
	if o.Relays == nil {
		return 0
	}
	return o.Relays.SetMuted(name, muted)
}
