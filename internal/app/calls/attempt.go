package calls

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dkeye/voicelink/internal/app"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/pion/webrtc/v4"
)

// attempt is one call from dialing or ringing to its end. Fields are guarded by Controller.mu.
type attempt struct {
	target     domain.UserID
	name       string
	dir        domain.Direction
	sid        domain.CallSessionID
	callType   domain.CallType
	roomID     domain.RoomID
	callRoomID string

	state    domain.CallState
	reason   domain.FailReason
	done     bool
	prompted bool

	offer           *webrtc.SessionDescription
	waitingForOffer bool
	pendingICE      []webrtc.ICECandidateInit

	stream    core.LocalStream
	peer      core.MediaConnection
	race      *app.Race
	offerWait *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
}

func newAttempt(target domain.UserID, dir domain.Direction, sid domain.CallSessionID, kind domain.CallType) *attempt {
	ctx, cancel := context.WithCancel(context.Background())
	return &attempt{
		target:   target,
		dir:      dir,
		sid:      sid,
		callType: kind,
		state:    domain.CallDialing,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// matches reports whether an inbound event addresses this attempt. A session id
// wins when both sides have one; otherwise the peer's user id decides.
func (a *attempt) matches(sid domain.CallSessionID, from domain.UserID) bool {
	if sid != "" && a.sid != "" {
		return sid == a.sid
	}
	return from == "" || a.target == "" || from == a.target
}

func (a *attempt) matchDelivery(raw json.RawMessage) bool {
	var p core.DeliveryPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return false
	}
	if p.CallSessionID != "" {
		return p.CallSessionID == a.sid
	}
	return p.To == a.target
}

func (a *attempt) snapshotLocked() domain.CallSnapshot {
	return domain.CallSnapshot{
		Target:    a.target,
		Name:      a.name,
		Direction: a.dir,
		State:     a.state,
		Reason:    a.reason,
		SessionID: a.sid,
		CallType:  a.callType,
		RoomID:    a.roomID,
	}
}

func (a *attempt) snapshot(mu *sync.Mutex) domain.CallSnapshot {
	mu.Lock()
	defer mu.Unlock()
	return a.snapshotLocked()
}

func (a *attempt) invitationLocked() domain.Invitation {
	return domain.Invitation{
		From:       a.target,
		FromName:   a.name,
		CallType:   a.callType,
		SessionID:  a.sid,
		CallRoomID: a.callRoomID,
		RoomID:     a.roomID,
	}
}
