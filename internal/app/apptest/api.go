package apptest

import (
	"context"
	"strconv"
	"sync"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

// CallAPI answers from canned descriptors and records every request.
type CallAPI struct {
	mu       sync.Mutex
	Active   map[domain.RoomID]domain.CallDescriptor
	Created  domain.CallDescriptor
	Roster   []domain.Participant
	Queue    []domain.CallDescriptor
	Err      error
	Requests []string
}

var _ core.CallAPI = (*CallAPI)(nil)

func (a *CallAPI) record(req string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Requests = append(a.Requests, req)
	return a.Err
}

func (a *CallAPI) Initiate(ctx context.Context, roomID domain.RoomID, kind domain.CallType) (domain.CallDescriptor, error) {
	if err := a.record("initiate " + string(roomID)); err != nil {
		return domain.CallDescriptor{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if d, ok := a.Active[roomID]; ok {
		return domain.CallDescriptor{}, &core.ConflictError{Active: d}
	}
	d := a.Created
	d.RoomID, d.CallType = roomID, kind
	return d, nil
}

func (a *CallAPI) Join(ctx context.Context, id domain.CallSessionID) (domain.CallDescriptor, error) {
	if err := a.record("join " + string(id)); err != nil {
		return domain.CallDescriptor{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return domain.CallDescriptor{ID: id, Participants: append([]domain.Participant(nil), a.Roster...)}, nil
}

func (a *CallAPI) Decline(ctx context.Context, id domain.CallSessionID) error {
	return a.record("decline " + string(id))
}

func (a *CallAPI) Leave(ctx context.Context, id domain.CallSessionID) error {
	return a.record("leave " + string(id))
}

func (a *CallAPI) Pending(ctx context.Context) ([]domain.CallDescriptor, error) {
	if err := a.record("pending"); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.CallDescriptor(nil), a.Queue...), nil
}

func (a *CallAPI) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.Requests...)
}

// MessageAPI persists messages by handing out sequential ids.
type MessageAPI struct {
	mu    sync.Mutex
	Err   error
	Block chan struct{}
	sent  []domain.OutgoingMessage
	next  int
}

var _ core.MessageAPI = (*MessageAPI)(nil)

func (m *MessageAPI) SendMessage(ctx context.Context, msg domain.OutgoingMessage) (domain.Message, error) {
	if m.Block != nil {
		select {
		case <-m.Block:
		case <-ctx.Done():
			return domain.Message{}, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	if m.Err != nil {
		return domain.Message{}, m.Err
	}
	m.next++
	return domain.Message{
		ID:           "srv-" + strconv.Itoa(m.next),
		ClientTempID: msg.ClientTempID,
		RoomID:       msg.RoomID,
		Content:      msg.Content,
		Status:       domain.MessageSent,
	}, nil
}

func (m *MessageAPI) Sent() []domain.OutgoingMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.OutgoingMessage(nil), m.sent...)
}
