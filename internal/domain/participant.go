package domain

type ParticipantStatus string

const (
	ParticipantInvited ParticipantStatus = "invited"
	ParticipantJoined  ParticipantStatus = "joined"
	ParticipantLeft    ParticipantStatus = "left"
)

// Participant represents one user's place in a group call roster.
type Participant struct {
	UserID      UserID            `json:"userId"`
	DisplayName string            `json:"displayName"`
	Status      ParticipantStatus `json:"status"`
}
