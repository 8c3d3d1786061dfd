// Package orch wires the session-layer components together and owns the
// state that has to be replayed after every reconnect.
package orch

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/voicelink/internal/app"
	"github.com/dkeye/voicelink/internal/app/calls"
	"github.com/dkeye/voicelink/internal/app/group"
	"github.com/dkeye/voicelink/internal/app/playout"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/dkeye/voicelink/internal/signal"
	"github.com/rs/zerolog/log"
)

// Session is the Connection Manager as seen by the orchestrator.
type Session interface {
	core.EventBus
	OnStateChange(fn func(signal.StateEvent))
}

type Orchestrator struct {
	Signal   Session
	Registry *app.Registry
	Calls    *calls.Controller
	Group    *group.Coordinator
	UI       core.Notifier
	Relays   *playout.Manager

	mu       sync.Mutex
	ctx      context.Context
	rooms    map[domain.RoomID]struct{}
	language string
	subs     []core.Subscription
	restores sync.WaitGroup
}

// Start registers handlers and hooks. ctx bounds background work such as restoring invitations.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	o.ctx = ctx
	if o.rooms == nil {
		o.rooms = make(map[domain.RoomID]struct{})
	}
	o.subs = []core.Subscription{
		o.Signal.On(core.EvUserStatusChange, o.onUserStatusChange),
		o.Signal.On(core.EvRoomUpdated, o.roomNotice("Room updated")),
		o.Signal.On(core.EvRoomCreated, o.roomNotice("Room created")),
	}
	o.mu.Unlock()

	if o.Group != nil && o.Calls != nil {
		o.Group.OnJoined(o.onGroupJoined)
		o.Group.OnEnded(o.Calls.EndSession)
	}
	o.Signal.OnStateChange(o.onState)
	log.Info().Str("module", "orch").Msg("orchestrator started")
}

func (o *Orchestrator) onState(ev signal.StateEvent) {
	switch ev.New {
	case signal.StateConnected:
		o.UI.Notify(domain.Notice{Kind: domain.NoticeConnection, Text: "Connected", Data: ev.Mode})
		o.replay()
		o.restorePending()
	case signal.StateReconnecting:
		if ev.Old == signal.StateConnected {
			o.UI.Notify(domain.Notice{Kind: domain.NoticeConnection, Text: "Connection lost, reconnecting"})
		}
	case signal.StateFailed:
		o.UI.Notify(domain.Notice{Kind: domain.NoticeConnection, Text: "Could not reach the server, sign in again"})
	case signal.StateDisconnected:
		o.UI.Notify(domain.Notice{Kind: domain.NoticeConnection, Text: "Disconnected"})
	}
}

// replay re-sends room membership and the language preference on a fresh session.
func (o *Orchestrator) replay() {
	o.mu.Lock()
	rooms := o.roomListLocked()
	lang := o.language
	o.mu.Unlock()

	for _, id := range rooms {
		o.Signal.Emit(core.EvJoinRoom, core.RoomPayload{RoomID: id})
	}
	if lang != "" {
		o.Signal.Emit(core.EvLanguagePref, core.LanguagePayload{Language: lang})
	}
	if len(rooms) > 0 {
		log.Info().Str("module", "orch").Int("rooms", len(rooms)).Msg("rooms re-joined")
	}
}

func (o *Orchestrator) restorePending() {
	if o.Group == nil {
		return
	}
	o.mu.Lock()
	ctx := o.ctx
	o.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	o.restores.Add(1)
	go func() {
		defer o.restores.Done()
		if _, err := o.Group.RestorePending(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Str("module", "orch").Msg("restore pending invitations")
		}
	}()
}

func (o *Orchestrator) onGroupJoined(d domain.CallDescriptor) {
	if err := o.Calls.AwaitOffer(d); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("call_session", string(d.ID)).Msg("cannot wait for group offer")
	}
}

// Shutdown hangs up any call and leaves the group session, then removes handlers.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	if o.Calls != nil {
		if err := o.Calls.Hangup(); err != nil && !errors.Is(err, calls.ErrNoCall) {
			log.Warn().Err(err).Str("module", "orch").Msg("hangup on shutdown")
		}
	}
	if o.Group != nil {
		if err := o.Group.Leave(ctx); err != nil && !errors.Is(err, group.ErrNoSession) {
			log.Warn().Err(err).Str("module", "orch").Msg("leave group on shutdown")
		}
	}
	if o.Relays != nil {
		o.Relays.Close()
	}

	o.mu.Lock()
	subs := o.subs
	o.subs = nil
	o.mu.Unlock()
	for _, s := range subs {
		o.Signal.Off(s.Event, s)
	}
	o.restores.Wait()
	log.Info().Str("module", "orch").Msg("orchestrator stopped")
}
