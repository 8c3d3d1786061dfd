//go:build linux

package media

import (
	"context"
	"errors"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Capturer grabs microphone and camera through V4L2 and malgo.
type Capturer struct {
	selector *mediadevices.CodecSelector
}

var _ core.MediaDevices = (*Capturer)(nil)

func NewCapturer() (*Capturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	return &Capturer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// RegisterCodecs fills a media engine with the encoders capture uses.
func (c *Capturer) RegisterCodecs(me *webrtc.MediaEngine) error {
	c.selector.Populate(me)
	return nil
}

func (c *Capturer) Acquire(ctx context.Context, kind domain.CallType) (core.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, core.ErrDeviceNotFound
	}
	for _, d := range devices {
		log.Debug().Str("module", "media").Interface("kind", d.Kind).Str("label", d.Label).Msg("device")
	}

	type attempt struct {
		video bool
		label string
	}
	attempts := []attempt{{false, "audio"}}
	if kind == domain.CallVideo {
		// A broken camera should not cost the caller their voice.
		attempts = []attempt{{true, "video+audio"}, {false, "audio"}}
	}

	var errs []error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{
			Codec: c.selector,
			Audio: func(*mediadevices.MediaTrackConstraints) {},
		}
		if a.video {
			constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
				mc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				mc.Width = prop.IntRanged{Max: 640}
				mc.Height = prop.IntRanged{Max: 480}
			}
		}
		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warn().Err(err).Str("module", "media").Str("attempt", a.label).Msg("capture failed")
			errs = append(errs, err)
			continue
		}
		captured := stream.GetTracks()
		tracks := make([]webrtc.TrackLocal, 0, len(captured))
		for _, t := range captured {
			t.OnEnded(func(err error) {
				if err != nil {
					log.Warn().Err(err).Str("module", "media").Msg("local track ended")
				}
			})
			tracks = append(tracks, t)
		}
		log.Info().Str("module", "media").Str("attempt", a.label).Int("tracks", len(tracks)).Msg("local media captured")
		return newLocalStream(tracks, func() {
			for _, t := range captured {
				_ = t.Close()
			}
		}), nil
	}
	return nil, Classify(errors.Join(errs...))
}
