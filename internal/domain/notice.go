package domain

type NoticeKind string

const (
	NoticeConnection  NoticeKind = "connection"
	NoticeCallState   NoticeKind = "call_state"
	NoticeCallFailed  NoticeKind = "call_failed"
	NoticeMediaError  NoticeKind = "media_error"
	NoticeGroupRoster NoticeKind = "group_roster"
	NoticeGroupState  NoticeKind = "group_state"
	NoticeMessage     NoticeKind = "message"
	NoticePresence    NoticeKind = "presence"
	NoticeRooms       NoticeKind = "rooms"
)

// Notice is a user-facing message handed to the UI shell.
type Notice struct {
	Kind NoticeKind `json:"kind"`
	Text string     `json:"text"`
	Ref  string     `json:"ref,omitempty"`
	Data any        `json:"data,omitempty"`
}
