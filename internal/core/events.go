package core

// Outbound event names.
const (
	EvJoinRoom         = "joinRoom"
	EvLeaveRoom        = "leaveRoom"
	EvCallUser         = "callUser"
	EvAnswerCall       = "answerCall"
	EvIceCandidate     = "iceCandidate"
	EvEndCall          = "endCall"
	EvJoinCallSession  = "joinCallSession"
	EvLeaveCallSession = "leaveCallSession"
	EvIncomingCallAck  = "incomingCallAck"
	EvMessageDelivered = "messageDelivered"
	EvMessageSeen      = "messageSeen"
	EvLanguagePref     = "updateLanguagePreference"
	EvUserLogout       = "userLogout"
	EvPing             = "ping"
)

// Inbound event names.
const (
	EvIncomingCall          = "incomingCall"
	EvIncomingCallDelivered = "incomingCallDelivered"
	EvUserUnavailable       = "userUnavailable"
	EvCallAnswered          = "callAnswered"
	EvCallEnded             = "callEnded"
	EvGroupCallIncoming     = "groupCallIncoming"
	EvParticipantJoined     = "participant_joined"
	EvParticipantLeft       = "participant_disconnected"
	EvGroupCallEnded        = "group_call_ended"
	EvParticipantJoinedAck  = "participantJoinedAck"
	EvReceiveMessage        = "receiveMessage"
	EvMessageStatusUpdate   = "messageStatusUpdate"
	EvUserStatusChange      = "userStatusChange"
	EvRoomUpdated           = "roomUpdated"
	EvRoomCreated           = "roomCreated"
	EvPong                  = "pong"
)
