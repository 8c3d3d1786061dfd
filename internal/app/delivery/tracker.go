// Package delivery reconciles optimistic local message records with the
// records the server confirms, and follows them through delivery and read.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrEmptyMessage = errors.New("delivery: empty message")
	ErrNoRoom       = errors.New("delivery: room is required")
)

type Tracker struct {
	self domain.UserID
	bus  core.EventBus
	api  core.MessageAPI
	ui   core.Notifier
	now  func() time.Time

	mu      sync.Mutex
	order   []*domain.Message
	byID    map[string]*domain.Message
	byToken map[string]*domain.Message
	subs    []core.Subscription
}

func New(self domain.UserID, bus core.EventBus, api core.MessageAPI, ui core.Notifier) *Tracker {
	t := &Tracker{
		self:    self,
		bus:     bus,
		api:     api,
		ui:      ui,
		now:     time.Now,
		byID:    make(map[string]*domain.Message),
		byToken: make(map[string]*domain.Message),
	}
	t.subs = []core.Subscription{
		bus.On(core.EvReceiveMessage, t.onReceiveMessage),
		bus.On(core.EvMessageStatusUpdate, t.onStatusUpdate),
	}
	return t
}

func (t *Tracker) Close() {
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()
	for _, s := range subs {
		t.bus.Off(s.Event, s)
	}
}

// Send records the message as queued and persists it through the message API.
// The returned record reflects whichever confirmation reached it first.
func (t *Tracker) Send(ctx context.Context, roomID domain.RoomID, content string) (domain.Message, error) {
	if roomID == "" {
		return domain.Message{}, ErrNoRoom
	}
	if strings.TrimSpace(content) == "" {
		return domain.Message{}, ErrEmptyMessage
	}
	token := uuid.NewString()
	rec := &domain.Message{
		ID:           token,
		ClientTempID: token,
		RoomID:       roomID,
		SenderID:     t.self,
		Content:      content,
		Status:       domain.MessageQueued,
		CreatedAt:    t.now(),
	}
	t.mu.Lock()
	t.order = append(t.order, rec)
	t.byID[token] = rec
	t.byToken[token] = rec
	t.mu.Unlock()
	log.Debug().Str("module", "delivery").Str("client_temp_id", token).Str("room", string(roomID)).Msg("message queued")

	saved, err := t.api.SendMessage(ctx, domain.OutgoingMessage{RoomID: roomID, Content: content, ClientTempID: token})
	if err != nil {
		t.mu.Lock()
		failed := !rec.Confirmed
		if failed {
			rec.Status = domain.MessageFailed
		}
		out := *rec
		t.mu.Unlock()
		log.Error().Err(err).Str("module", "delivery").Str("client_temp_id", token).Msg("send failed")
		if failed {
			t.notify(out, "Message could not be sent")
			return out, err
		}
		return out, nil
	}
	if saved.ClientTempID == "" {
		saved.ClientTempID = token
	}
	out, _ := t.reconcile(saved, "response")
	return out, nil
}

// reconcile merges a confirmed record into the optimistic one carrying the same token.
// It reports false when another path already did so.
func (t *Tracker) reconcile(saved domain.Message, via string) (domain.Message, bool) {
	t.mu.Lock()
	rec, ok := t.byToken[saved.ClientTempID]
	if !ok {
		t.mu.Unlock()
		return saved, false
	}
	if rec.Confirmed {
		out := *rec
		t.mu.Unlock()
		log.Debug().Str("module", "delivery").Str("client_temp_id", saved.ClientTempID).Str("via", via).Msg("already reconciled")
		return out, false
	}
	if saved.ID != "" && saved.ID != rec.ID {
		delete(t.byID, rec.ID)
		rec.ID = saved.ID
		t.byID[rec.ID] = rec
	}
	status := saved.Status
	if !status.Known() || status == domain.MessageQueued || status == domain.MessageFailed {
		status = domain.MessageSent
	}
	if rec.Status == domain.MessageFailed || rec.Status.Before(status) {
		rec.Status = status
	}
	if !saved.CreatedAt.IsZero() {
		rec.CreatedAt = saved.CreatedAt
	}
	rec.Confirmed = true
	out := *rec
	t.mu.Unlock()

	log.Info().Str("module", "delivery").Str("client_temp_id", out.ClientTempID).Str("message", out.ID).Str("via", via).Msg("message confirmed")
	t.notify(out, "Message sent")
	return out, true
}

func (t *Tracker) onReceiveMessage(raw json.RawMessage) {
	var m domain.Message
	if err := json.Unmarshal(raw, &m); err != nil || m.ID == "" {
		log.Warn().Err(err).Str("module", "delivery").Msg("bad receiveMessage")
		return
	}
	if m.ClientTempID != "" {
		t.mu.Lock()
		_, ours := t.byToken[m.ClientTempID]
		t.mu.Unlock()
		if ours {
			t.reconcile(m, "push")
			return
		}
	}

	t.mu.Lock()
	if _, dup := t.byID[m.ID]; dup {
		t.mu.Unlock()
		return
	}
	if !m.Status.Known() || m.Status == domain.MessageQueued {
		m.Status = domain.MessageSent
	}
	m.Confirmed = true
	rec := &m
	t.order = append(t.order, rec)
	t.byID[rec.ID] = rec
	if rec.ClientTempID != "" {
		t.byToken[rec.ClientTempID] = rec
	}
	out := *rec
	t.mu.Unlock()

	if out.SenderID == t.self {
		return
	}
	t.bus.Emit(core.EvMessageDelivered, core.MessageDeliveredPayload{MessageID: out.ID, ClientTempID: out.ClientTempID})
	t.notify(out, "New message")
}

func (t *Tracker) onStatusUpdate(raw json.RawMessage) {
	var p core.MessageStatusPayload
	if err := json.Unmarshal(raw, &p); err != nil || !p.Status.Known() {
		log.Warn().Err(err).Str("module", "delivery").Msg("bad messageStatusUpdate")
		return
	}
	out, ok := t.advance(p.MessageID, p.ClientTempID, p.Status)
	if !ok {
		return
	}
	log.Debug().Str("module", "delivery").Str("message", out.ID).Str("status", string(out.Status)).Msg("status updated")
	t.notify(out, "Message "+string(out.Status))
}

// advance moves the matching record forward to status. Matching prefers the
// authoritative id over the correlation token.
func (t *Tracker) advance(id, token string, status domain.MessageStatus) (domain.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var (
		rec *domain.Message
		ok  bool
	)
	if id != "" {
		rec, ok = t.byID[id]
	}
	if !ok && token != "" {
		rec, ok = t.byToken[token]
	}
	if !ok {
		return domain.Message{}, false
	}
	if !rec.Status.Before(status) {
		return domain.Message{}, false
	}
	rec.Status = status
	return *rec, true
}

// MarkSeen tells the server the user has read ids and records it locally.
func (t *Tracker) MarkSeen(ids []string) int {
	var seen []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		seen = append(seen, id)
		t.advance(id, "", domain.MessageSeen)
	}
	if len(seen) == 0 {
		return 0
	}
	t.bus.Emit(core.EvMessageSeen, core.MessageSeenPayload{MessageIDs: seen})
	return len(seen)
}

// Messages returns the records for roomID in arrival order; an empty roomID returns all.
func (t *Tracker) Messages(roomID domain.RoomID) []domain.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.Message, 0, len(t.order))
	for _, m := range t.order {
		if roomID == "" || m.RoomID == roomID {
			out = append(out, *m)
		}
	}
	return out
}

// Lookup finds a record by authoritative id or correlation token.
func (t *Tracker) Lookup(key string) (domain.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.byID[key]; ok {
		return *m, true
	}
	if m, ok := t.byToken[key]; ok {
		return *m, true
	}
	return domain.Message{}, false
}

func (t *Tracker) notify(m domain.Message, text string) {
	t.ui.Notify(domain.Notice{Kind: domain.NoticeMessage, Text: text, Ref: m.ID, Data: m})
}
