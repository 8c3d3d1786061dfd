package orch

import (
	"encoding/json"
	"errors"
	"sort"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoRoom     = errors.New("orch: room id is required")
	ErrNoLanguage = errors.New("orch: language is required")
)

// JoinRoom subscribes to a room's traffic. Membership is replayed after every reconnect.
func (o *Orchestrator) JoinRoom(id domain.RoomID) error {
	if id == "" {
		return ErrNoRoom
	}
	o.mu.Lock()
	if o.rooms == nil {
		o.rooms = make(map[domain.RoomID]struct{})
	}
	o.rooms[id] = struct{}{}
	o.mu.Unlock()

	o.Signal.Emit(core.EvJoinRoom, core.RoomPayload{RoomID: id})
	log.Info().Str("module", "orch").Str("room", string(id)).Msg("joined room")
	return nil
}

func (o *Orchestrator) LeaveRoom(id domain.RoomID) error {
	if id == "" {
		return ErrNoRoom
	}
	o.mu.Lock()
	delete(o.rooms, id)
	o.mu.Unlock()

	o.Signal.Emit(core.EvLeaveRoom, core.RoomPayload{RoomID: id})
	log.Info().Str("module", "orch").Str("room", string(id)).Msg("left room")
	return nil
}

func (o *Orchestrator) Rooms() []domain.RoomID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.roomListLocked()
}

func (o *Orchestrator) roomListLocked() []domain.RoomID {
	out := make([]domain.RoomID, 0, len(o.rooms))
	for id := range o.rooms {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SetLanguage sends the preference now and again after each reconnect.
func (o *Orchestrator) SetLanguage(lang string) error {
	if lang == "" {
		return ErrNoLanguage
	}
	o.mu.Lock()
	o.language = lang
	o.mu.Unlock()
	o.Signal.Emit(core.EvLanguagePref, core.LanguagePayload{Language: lang})
	return nil
}

func (o *Orchestrator) Language() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.language
}

func (o *Orchestrator) onUserStatusChange(raw json.RawMessage) {
	var p core.UserStatusPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.UserID == "" || p.Status == "" {
		log.Warn().Err(err).Str("module", "orch").Msg("bad userStatusChange")
		return
	}
	if p.Username != "" {
		o.Registry.RememberUser(p.UserID, p.Username)
	}
	if !o.Registry.SetPresence(p.UserID, p.Status) {
		return
	}
	name := o.Registry.Username(p.UserID)
	if name == "" {
		name = string(p.UserID)
	}
	pres, _ := o.Registry.Presence(p.UserID)
	o.UI.Notify(domain.Notice{Kind: domain.NoticePresence, Text: name + " is " + string(p.Status), Ref: string(p.UserID), Data: pres})
}

// roomNotice forwards room list changes to the UI with the raw payload attached.
func (o *Orchestrator) roomNotice(text string) core.EventHandler {
	return func(raw json.RawMessage) {
		var room domain.Room
		if err := json.Unmarshal(raw, &room); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("notice", text).Msg("bad room payload")
			return
		}
		msg := text
		if room.Name != "" {
			msg += ": " + string(room.Name)
		}
		o.UI.Notify(domain.Notice{Kind: domain.NoticeRooms, Text: msg, Ref: string(room.ID), Data: raw})
	}
}
