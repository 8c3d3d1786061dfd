//go:build !linux

package media

import (
	"context"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Capturer has no capture drivers on this platform; calls run receive-only.
type Capturer struct{}

var _ core.MediaDevices = (*Capturer)(nil)

func NewCapturer() (*Capturer, error) { return &Capturer{}, nil }

func (c *Capturer) RegisterCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (c *Capturer) Acquire(ctx context.Context, kind domain.CallType) (core.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "media").Str("call_type", string(kind)).Msg("no capture drivers, receive-only")
	return newLocalStream(nil, nil), nil
}
