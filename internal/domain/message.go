package domain

import "time"

type MessageStatus string

const (
	MessageQueued    MessageStatus = "queued"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageSeen      MessageStatus = "seen"
	MessageFailed    MessageStatus = "failed"
)

var statusRank = map[MessageStatus]int{
	MessageFailed:    0,
	MessageQueued:    1,
	MessageSent:      2,
	MessageDelivered: 3,
	MessageSeen:      4,
}

// Known reports whether s is a recognised status.
func (s MessageStatus) Known() bool {
	_, ok := statusRank[s]
	return ok
}

// Before reports whether s precedes next in the delivery lifecycle.
func (s MessageStatus) Before(next MessageStatus) bool {
	return statusRank[s] < statusRank[next]
}

// Message is a chat message as tracked by the client.
// ID holds the client token until the server assigns the authoritative id.
type Message struct {
	ID           string        `json:"id"`
	ClientTempID string        `json:"clientTempId,omitempty"`
	RoomID       RoomID        `json:"roomId"`
	SenderID     UserID        `json:"senderId"`
	Content      string        `json:"content"`
	Status       MessageStatus `json:"status"`
	CreatedAt    time.Time     `json:"createdAt"`
	Confirmed    bool          `json:"confirmed"`
}

// OutgoingMessage is the body of a send request.
type OutgoingMessage struct {
	RoomID       RoomID `json:"roomId"`
	Content      string `json:"content"`
	ClientTempID string `json:"clientTempId"`
}
