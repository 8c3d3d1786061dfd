package domain

import "fmt"

type (
	CallSessionID string
	CallType      string
)

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// Valid reports whether t names a supported media mode.
func (t CallType) Valid() bool {
	return t == CallAudio || t == CallVideo
}

type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

type CallState string

const (
	CallDialing             CallState = "dialing"
	CallAwaitingDeliveryAck CallState = "awaiting_delivery_ack"
	CallRinging             CallState = "ringing"
	CallAnswering           CallState = "answering"
	CallActive              CallState = "active"
	CallEnded               CallState = "ended"
	CallFailed              CallState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s CallState) Terminal() bool {
	return s == CallEnded || s == CallFailed
}

type FailReason string

const (
	FailNone             FailReason = ""
	FailUnavailable      FailReason = "unavailable"
	FailTimeout          FailReason = "timeout"
	FailPermissionDenied FailReason = "permission_denied"
	FailDeviceNotFound   FailReason = "device_not_found"
	FailDeviceBusy       FailReason = "device_busy"
	FailMedia            FailReason = "media"
	FailNegotiation      FailReason = "negotiation"
	FailRejected         FailReason = "rejected"
)

// CallSnapshot is a read-only view of a one-to-one call attempt.
type CallSnapshot struct {
	Target    UserID        `json:"target"`
	Name      string        `json:"name,omitempty"`
	Direction Direction     `json:"direction"`
	State     CallState     `json:"state"`
	Reason    FailReason    `json:"reason,omitempty"`
	SessionID CallSessionID `json:"callSessionId,omitempty"`
	CallType  CallType      `json:"callType"`
	RoomID    RoomID        `json:"roomId,omitempty"`
}

func (s CallSnapshot) String() string {
	if s.State == CallFailed {
		return fmt.Sprintf("%s call %s %s: failed(%s)", s.Direction, s.Target, s.SessionID, s.Reason)
	}
	return fmt.Sprintf("%s call %s %s: %s", s.Direction, s.Target, s.SessionID, s.State)
}

// CallDescriptor is what the call-management collaborator returns for a group session.
type CallDescriptor struct {
	ID           CallSessionID `json:"id"`
	CallRoomID   string        `json:"callRoomId"`
	RoomID       RoomID        `json:"roomId"`
	RoomName     RoomName      `json:"roomName,omitempty"`
	CallType     CallType      `json:"callType"`
	Initiator    UserID        `json:"initiator,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
}

// GroupCallSession is the local record of one multi-party call.
type GroupCallSession struct {
	CallID       CallSessionID `json:"callId"`
	CallRoomID   string        `json:"callRoomId"`
	RoomID       RoomID        `json:"roomId"`
	CallType     CallType      `json:"callType"`
	Initiator    UserID        `json:"initiator"`
	Participants []Participant `json:"participants"`
}

// Participant returns the roster entry for uid, if any.
func (s *GroupCallSession) Participant(uid UserID) (*Participant, bool) {
	for i := range s.Participants {
		if s.Participants[i].UserID == uid {
			return &s.Participants[i], true
		}
	}
	return nil, false
}

// Upsert inserts or updates a roster entry, keeping join order stable.
func (s *GroupCallSession) Upsert(p Participant) {
	if cur, ok := s.Participant(p.UserID); ok {
		if p.DisplayName != "" {
			cur.DisplayName = p.DisplayName
		}
		cur.Status = p.Status
		return
	}
	s.Participants = append(s.Participants, p)
}

// Clone returns a deep copy safe to hand out of a lock.
func (s *GroupCallSession) Clone() *GroupCallSession {
	if s == nil {
		return nil
	}
	out := *s
	out.Participants = append([]Participant(nil), s.Participants...)
	return &out
}

// Invitation is an incoming call prompt waiting for the user's decision.
type Invitation struct {
	From       UserID        `json:"from"`
	FromName   string        `json:"fromName,omitempty"`
	CallType   CallType      `json:"callType"`
	SessionID  CallSessionID `json:"callSessionId,omitempty"`
	CallRoomID string        `json:"callRoomId,omitempty"`
	RoomID     RoomID        `json:"roomId,omitempty"`
	RoomName   RoomName      `json:"roomName,omitempty"`
	Group      bool          `json:"group"`
}

// Key identifies the prompt for later dismissal.
func (i Invitation) Key() string {
	if i.SessionID != "" {
		return string(i.SessionID)
	}
	return "direct:" + string(i.From)
}
