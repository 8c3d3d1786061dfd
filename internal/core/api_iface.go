package core

import (
	"context"
	"errors"

	"github.com/dkeye/voicelink/internal/domain"
)

// ErrCallAlreadyActive is returned by CallAPI.Initiate when the room already has a session.
var ErrCallAlreadyActive = errors.New("call already active")

// ConflictError carries the descriptor of the session that is already running.
type ConflictError struct {
	Active domain.CallDescriptor
}

func (e *ConflictError) Error() string {
	return "call already active: " + string(e.Active.ID)
}

func (e *ConflictError) Unwrap() error { return ErrCallAlreadyActive }

// CallAPI is the call-management collaborator.
type CallAPI interface {
	Initiate(ctx context.Context, roomID domain.RoomID, kind domain.CallType) (domain.CallDescriptor, error)
	Join(ctx context.Context, id domain.CallSessionID) (domain.CallDescriptor, error)
	Decline(ctx context.Context, id domain.CallSessionID) error
	Leave(ctx context.Context, id domain.CallSessionID) error
	Pending(ctx context.Context) ([]domain.CallDescriptor, error)
}

// MessageAPI is the message-send collaborator.
type MessageAPI interface {
	SendMessage(ctx context.Context, msg domain.OutgoingMessage) (domain.Message, error)
}
