package orch_test

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/voicelink/internal/app"
	"github.com/dkeye/voicelink/internal/app/apptest"
	"github.com/dkeye/voicelink/internal/app/calls"
	"github.com/dkeye/voicelink/internal/app/group"
	"github.com/dkeye/voicelink/internal/app/orch"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/dkeye/voicelink/internal/signal"
)

type session struct {
	*apptest.Bus
	mu  sync.Mutex
	obs []func(signal.StateEvent)
}

func (s *session) OnStateChange(fn func(signal.StateEvent)) {
	s.mu.Lock()
	s.obs = append(s.obs, fn)
	s.mu.Unlock()
}

func (s *session) fire(from, to signal.ConnectionState) {
	s.mu.Lock()
	obs := slices.Clone(s.obs)
	s.mu.Unlock()
	for _, fn := range obs {
		fn(signal.StateEvent{Old: from, New: to, Mode: core.TransportDuplex})
	}
}

type rig struct {
	sess  *session
	api   *apptest.CallAPI
	ui    *apptest.Notifier
	calls *calls.Controller
	group *group.Coordinator
	o     *orch.Orchestrator
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		sess: &session{Bus: apptest.NewBus()},
		api:  &apptest.CallAPI{},
		ui:   apptest.NewNotifier(),
	}
	media, peers := &apptest.Media{}, &apptest.Peers{}
	r.calls = calls.New(r.sess, media, peers, r.ui, calls.Options{Self: "x", OfferWaitTimeout: time.Minute})
	r.group = group.New("x", r.sess, r.api, media, peers, r.ui, app.NewOfferLedger(time.Hour))
	r.o = &orch.Orchestrator{
		Signal:   r.sess,
		Registry: app.NewRegistry(),
		Calls:    r.calls,
		Group:    r.group,
		UI:       r.ui,
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.o.Start(ctx)
	t.Cleanup(func() {
		cancel()
		r.o.Shutdown(context.Background())
		r.group.Close()
		r.calls.Close()
	})
	return r
}

func TestRoomsAndLanguageReplayedAfterReconnect(t *testing.T) {
	r := newRig(t)
	for _, id := range []domain.RoomID{"b", "a", "c"} {
		if err := r.o.JoinRoom(id); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}
	if err := r.o.LeaveRoom("c"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := r.o.SetLanguage("de"); err != nil {
		t.Fatalf("language: %v", err)
	}
	if err := r.o.JoinRoom(""); err == nil {
		t.Fatal("joined an empty room id")
	}

	r.sess.fire(signal.StateReconnecting, signal.StateConnected)

	joins := r.sess.Sent(core.EvJoinRoom)
	if len(joins) != 5 {
		t.Fatalf("%d joinRoom frames", len(joins))
	}
	if got := r.o.Rooms(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("rooms %v", got)
	}
	if r.sess.Count(core.EvLanguagePref) != 2 {
		t.Fatalf("language sent %d times", r.sess.Count(core.EvLanguagePref))
	}
	var lang core.LanguagePayload
	r.sess.Last(t, core.EvLanguagePref, &lang)
	if lang.Language != "de" {
		t.Fatalf("language %q", lang.Language)
	}
}

func TestPresenceUpdatesRegistry(t *testing.T) {
	r := newRig(t)
	push := core.UserStatusPayload{UserID: "y", Username: "Yvonne", Status: domain.PresenceAway}
	r.sess.Deliver(core.EvUserStatusChange, push)
	r.sess.Deliver(core.EvUserStatusChange, push)

	p, ok := r.o.Registry.Presence("y")
	if !ok || p.Status != domain.PresenceAway {
		t.Fatalf("presence %+v", p)
	}
	if r.o.Registry.Username("y") != "Yvonne" {
		t.Fatal("username not remembered")
	}
	if n := r.ui.Kinds(domain.NoticePresence); n != 1 {
		t.Fatalf("%d presence notices", n)
	}
	r.sess.Deliver(core.EvUserStatusChange, core.UserStatusPayload{Status: domain.PresenceOnline})
	if len(r.o.Registry.Presences()) != 1 {
		t.Fatal("status without a user id was stored")
	}
}

func TestRoomEventsReachNotifier(t *testing.T) {
	r := newRig(t)
	r.sess.Deliver(core.EvRoomCreated, domain.Room{ID: "r1", Name: "General"})
	r.sess.Deliver(core.EvRoomUpdated, map[string]string{"id": "r1"})
	if n := r.ui.Kinds(domain.NoticeRooms); n != 2 {
		t.Fatalf("%d room notices", n)
	}
	if got := r.ui.Notices[len(r.ui.Notices)-2]; got.Text != "Room created: General" || got.Ref != "r1" {
		t.Fatalf("notice %+v", got)
	}
}

func TestMalformedRoomEventIsDropped(t *testing.T) {
	r := newRig(t)
	r.sess.Deliver(core.EvRoomUpdated, json.RawMessage(`"r1"`))
	if n := r.ui.Kinds(domain.NoticeRooms); n != 0 {
		t.Fatalf("%d notices for a malformed room event", n)
	}
}

func TestGroupJoinArmsOfferWaitAndEndReleasesIt(t *testing.T) {
	r := newRig(t)
	r.sess.Deliver(core.EvGroupCallIncoming, core.GroupCallIncomingPayload{CallID: "g1", RoomID: "room", Initiator: "y", CallType: domain.CallAudio})
	inv, ok := r.group.Invitation("g1")
	if !ok {
		t.Fatal("invitation missing")
	}
	if _, err := r.group.Join(context.Background(), inv); err != nil {
		t.Fatalf("join: %v", err)
	}

	snap, ok := r.calls.Snapshot()
	if !ok || snap.SessionID != "g1" || snap.State != domain.CallAnswering {
		t.Fatalf("call controller not waiting for the group offer: %+v", snap)
	}

	if err := r.group.Leave(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}
	snap, _ = r.calls.Snapshot()
	if snap.State != domain.CallEnded {
		t.Fatalf("state after leave = %s", snap.State)
	}
}

func TestConnectedRestoresPendingInvitations(t *testing.T) {
	r := newRig(t)
	r.api.Queue = []domain.CallDescriptor{{ID: "g7", Initiator: "y"}}

	r.sess.fire(signal.StateConnecting, signal.StateConnected)
	apptest.WaitFor(t, time.Second, "restored invitation", func() bool { return len(r.group.Invitations()) == 1 })
	if n := r.ui.Kinds(domain.NoticeConnection); n != 1 {
		t.Fatalf("%d connection notices", n)
	}
}
