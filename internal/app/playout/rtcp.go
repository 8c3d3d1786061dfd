package playout

import (
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/rs/zerolog"
)

// ControlSource yields RTCP for a relayed track; *webrtc.RTPReceiver satisfies it.
type ControlSource interface {
	ReadRTCP() ([]rtcp.Packet, interceptor.Attributes, error)
}

// drainControl reads RTCP until src fails. Interceptors only see reports that are read.
func (r *Relay) drainControl(src ControlSource, logger *zerolog.Logger) {
	for {
		pkts, _, err := src.ReadRTCP()
		if err != nil {
			logger.Debug().Err(err).Msg("rtcp ended")
			return
		}
		for _, p := range pkts {
			switch p := p.(type) {
			case *rtcp.SenderReport:
				r.reports.Add(1)
				r.lastSR.Store(p.NTPTime)
			case *rtcp.Goodbye:
				logger.Info().Int("sources", len(p.Sources)).Msg("remote sent BYE")
			}
		}
	}
}

// Reports returns the number of sender reports seen and the NTP time of the latest.
func (r *Relay) Reports() (uint64, uint64) {
	return r.reports.Load(), r.lastSR.Load()
}
