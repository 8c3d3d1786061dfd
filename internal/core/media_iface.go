package core

import (
	"context"
	"errors"

	"github.com/dkeye/voicelink/internal/domain"
	"github.com/pion/webrtc/v4"
)

var (
	ErrPermissionDenied = errors.New("media permission denied")
	ErrDeviceNotFound   = errors.New("media device not found")
	ErrDeviceBusy       = errors.New("media device busy")
)

// LocalStream is a set of acquired capture tracks.
type LocalStream interface {
	Tracks() []webrtc.TrackLocal
	// Stop releases the underlying devices. Safe to call more than once.
	Stop()
	Active() bool
}

// MediaDevices acquires local capture devices.
// Errors wrap ErrPermissionDenied, ErrDeviceNotFound or ErrDeviceBusy when they can be classified.
type MediaDevices interface {
	Acquire(ctx context.Context, kind domain.CallType) (LocalStream, error)
}

type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close should stop all underlying media resources.
	Close()
	IsClosed() bool
	// AddICECandidate applies a remote ICE candidate, buffering it until a remote description exists.
	AddICECandidate(webrtc.ICECandidateInit) error
	AddLocalStream(LocalStream) error
	CreateAndSetOffer() (*webrtc.SessionDescription, error)
	ApplyAnswer(webrtc.SessionDescription) error
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	// OnClosed sets a callback for a terminal connectivity state observed on the connection.
	OnClosed(func())
}

// PeerFactory creates peer connections configured for this client.
type PeerFactory interface {
	NewPeer(ctx context.Context, label string) (MediaConnection, error)
}
