package core

import (
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Call signaling payloads. Group-scoped variants carry RoomID instead of To.

type CallUserPayload struct {
	Offer         webrtc.SessionDescription `json:"offer"`
	CallType      domain.CallType           `json:"callType"`
	To            domain.UserID             `json:"to,omitempty"`
	RoomID        domain.RoomID             `json:"roomId,omitempty"`
	CallSessionID domain.CallSessionID      `json:"callSessionId,omitempty"`
}

type AnswerCallPayload struct {
	To            domain.UserID             `json:"to"`
	Answer        webrtc.SessionDescription `json:"answer"`
	CallSessionID domain.CallSessionID      `json:"callSessionId,omitempty"`
}

type IceCandidatePayload struct {
	To            domain.UserID           `json:"to,omitempty"`
	From          domain.UserID           `json:"from,omitempty"`
	Candidate     webrtc.ICECandidateInit `json:"candidate"`
	CallSessionID domain.CallSessionID    `json:"callSessionId,omitempty"`
}

type EndCallPayload struct {
	To            domain.UserID        `json:"to,omitempty"`
	RoomID        domain.RoomID        `json:"roomId,omitempty"`
	CallSessionID domain.CallSessionID `json:"callSessionId,omitempty"`
}

type CallSessionPayload struct {
	CallSessionID domain.CallSessionID `json:"callSessionId"`
}

type IncomingCallAckPayload struct {
	From          domain.UserID        `json:"from"`
	To            domain.UserID        `json:"to"`
	CallSessionID domain.CallSessionID `json:"callSessionId,omitempty"`
}

type IncomingCallPayload struct {
	From          domain.UserID              `json:"from"`
	FromName      string                     `json:"fromName,omitempty"`
	Offer         *webrtc.SessionDescription `json:"offer,omitempty"`
	CallType      domain.CallType            `json:"callType"`
	CallSessionID domain.CallSessionID       `json:"callSessionId,omitempty"`
	CallRoomID    string                     `json:"callRoomId,omitempty"`
	RoomID        domain.RoomID              `json:"roomId,omitempty"`
}

// DeliveryPayload is shared by incomingCallDelivered and userUnavailable.
type DeliveryPayload struct {
	To            domain.UserID        `json:"to"`
	CallSessionID domain.CallSessionID `json:"callSessionId,omitempty"`
}

type CallAnsweredPayload struct {
	From          domain.UserID             `json:"from"`
	Answer        webrtc.SessionDescription `json:"answer"`
	CallSessionID domain.CallSessionID      `json:"callSessionId,omitempty"`
	CallRoomID    string                    `json:"callRoomId,omitempty"`
}

type CallEndedPayload struct {
	From          domain.UserID        `json:"from,omitempty"`
	CallSessionID domain.CallSessionID `json:"callSessionId,omitempty"`
}

// Group call payloads.

type GroupCallIncomingPayload struct {
	CallID       domain.CallSessionID `json:"callId"`
	CallRoomID   string               `json:"callRoomId"`
	RoomID       domain.RoomID        `json:"roomId"`
	RoomName     domain.RoomName      `json:"roomName"`
	CallType     domain.CallType      `json:"callType"`
	Initiator    domain.UserID        `json:"initiator"`
	Participants []domain.Participant `json:"participants"`
}

type ParticipantPayload struct {
	CallSessionID domain.CallSessionID `json:"callSessionId,omitempty"`
	UserID        domain.UserID        `json:"userId"`
	Username      string               `json:"username"`
	Reason        string               `json:"reason,omitempty"`
}

type GroupCallEndedPayload struct {
	CallSessionID domain.CallSessionID `json:"callSessionId,omitempty"`
}

type ParticipantJoinedAckPayload struct {
	CallSessionID domain.CallSessionID `json:"callSessionId"`
	RoomID        domain.RoomID        `json:"roomId,omitempty"`
	CallType      domain.CallType      `json:"callType,omitempty"`
	CallRoomID    string               `json:"callRoomId,omitempty"`
}

// Messaging and room payloads.

type MessageDeliveredPayload struct {
	MessageID    string `json:"messageId"`
	ClientTempID string `json:"clientTempId,omitempty"`
}

type MessageSeenPayload struct {
	MessageIDs []string `json:"messageIds"`
}

type MessageStatusPayload struct {
	MessageID    string               `json:"messageId,omitempty"`
	ClientTempID string               `json:"clientTempId,omitempty"`
	Status       domain.MessageStatus `json:"status"`
}

type RoomPayload struct {
	RoomID domain.RoomID `json:"roomId"`
}

type LanguagePayload struct {
	Language string `json:"language"`
}

type UserStatusPayload struct {
	UserID   domain.UserID         `json:"userId"`
	Username string                `json:"username,omitempty"`
	Status   domain.PresenceStatus `json:"status"`
}
