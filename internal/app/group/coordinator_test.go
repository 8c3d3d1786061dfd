package group_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/voicelink/internal/app"
	"github.com/dkeye/voicelink/internal/app/apptest"
	"github.com/dkeye/voicelink/internal/app/group"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/pion/webrtc/v4"
)

type rig struct {
	bus    *apptest.Bus
	api    *apptest.CallAPI
	media  *apptest.Media
	peers  *apptest.Peers
	ui     *apptest.Notifier
	ledger *app.OfferLedger
	c      *group.Coordinator
}

func newRig(t *testing.T) *rig { return newRigTTL(t, time.Hour) }

func newRigTTL(t *testing.T, ttl time.Duration) *rig {
	t.Helper()
	r := &rig{
		bus:    apptest.NewBus(),
		api:    &apptest.CallAPI{Created: domain.CallDescriptor{ID: "g1", CallRoomID: "cr1"}},
		media:  &apptest.Media{},
		peers:  &apptest.Peers{},
		ui:     apptest.NewNotifier(),
		ledger: app.NewOfferLedger(ttl),
	}
	r.c = group.New("x", r.bus, r.api, r.media, r.peers, r.ui, r.ledger)
	t.Cleanup(r.c.Close)
	return r
}

func (r *rig) initiate(t *testing.T) *domain.GroupCallSession {
	t.Helper()
	s, err := r.c.Initiate(context.Background(), "room", domain.CallAudio)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	return s
}

func TestSingleOfferForDuplicateAcks(t *testing.T) {
	r := newRig(t)
	s := r.initiate(t)
	if s.Initiator != "x" {
		t.Fatalf("initiator = %q", s.Initiator)
	}

	ack := core.ParticipantJoinedAckPayload{CallSessionID: "g1", RoomID: "room"}
	for i := 0; i < 5; i++ {
		r.bus.Deliver(core.EvParticipantJoinedAck, ack)
	}
	apptest.WaitFor(t, time.Second, "offer", func() bool { return r.bus.Count(core.EvCallUser) == 1 })
	time.Sleep(30 * time.Millisecond)

	if n := r.bus.Count(core.EvCallUser); n != 1 {
		t.Fatalf("%d offers sent", n)
	}
	var sent core.CallUserPayload
	r.bus.Last(t, core.EvCallUser, &sent)
	if sent.RoomID != "room" || sent.CallSessionID != "g1" || sent.To != "" {
		t.Fatalf("unexpected callUser %+v", sent)
	}
	if r.media.Acquired() != 1 {
		t.Fatalf("media acquired %d times", r.media.Acquired())
	}
}

func TestQuickSuccessiveJoinersShareOneOffer(t *testing.T) {
	r := newRig(t)
	r.initiate(t)

	done := make(chan struct{})
	go func() {
		r.bus.Deliver(core.EvParticipantJoined, core.ParticipantPayload{UserID: "y", Username: "Y"})
		r.bus.Deliver(core.EvParticipantJoinedAck, core.ParticipantJoinedAckPayload{CallSessionID: "g1"})
		close(done)
	}()
	r.bus.Deliver(core.EvParticipantJoined, core.ParticipantPayload{UserID: "z", Username: "Z"})
	r.bus.Deliver(core.EvParticipantJoinedAck, core.ParticipantJoinedAckPayload{CallSessionID: "g1"})
	<-done

	apptest.WaitFor(t, time.Second, "offer", func() bool { return r.bus.Count(core.EvCallUser) >= 1 })
	time.Sleep(30 * time.Millisecond)
	if n := r.bus.Count(core.EvCallUser); n != 1 {
		t.Fatalf("%d offers sent", n)
	}
	s, _ := r.c.Session()
	if len(s.Participants) != 3 {
		t.Fatalf("roster %+v", s.Participants)
	}
}

func TestAckForForeignSessionIsIgnored(t *testing.T) {
	r := newRig(t)
	r.bus.Deliver(core.EvParticipantJoinedAck, core.ParticipantJoinedAckPayload{CallSessionID: "g1"})
	r.initiate(t)
	r.bus.Deliver(core.EvParticipantJoinedAck, core.ParticipantJoinedAckPayload{CallSessionID: "other"})
	time.Sleep(20 * time.Millisecond)
	if r.bus.Count(core.EvCallUser) != 0 || r.ledger.Len() != 0 {
		t.Fatal("offered for a session this client does not own")
	}
}

func TestFailedOfferCanBeRetried(t *testing.T) {
	r := newRig(t)
	r.initiate(t)
	r.media.Err = core.ErrDeviceBusy

	r.bus.Deliver(core.EvParticipantJoinedAck, core.ParticipantJoinedAckPayload{CallSessionID: "g1"})
	apptest.WaitFor(t, time.Second, "ledger release", func() bool { return r.ledger.Len() == 0 && r.ui.Kinds(domain.NoticeMediaError) == 1 })

	r.media.Err = nil
	r.bus.Deliver(core.EvParticipantJoinedAck, core.ParticipantJoinedAckPayload{CallSessionID: "g1"})
	apptest.WaitFor(t, time.Second, "retry offer", func() bool { return r.bus.Count(core.EvCallUser) == 1 })
}

func TestInitiateConflictJoinsInstead(t *testing.T) {
	r := newRig(t)
	r.api.Active = map[domain.RoomID]domain.CallDescriptor{
		"room": {ID: "g9", RoomID: "room", Initiator: "y", CallType: domain.CallVideo},
	}
	r.api.Roster = []domain.Participant{{UserID: "y", DisplayName: "Y", Status: domain.ParticipantJoined}}
	var joined atomic.Value
	r.c.OnJoined(func(d domain.CallDescriptor) { joined.Store(d.ID) })

	s := r.initiate(t)
	if s.CallID != "g9" || s.Initiator != "y" {
		t.Fatalf("unexpected session %+v", s)
	}
	calls := r.api.Calls()
	if len(calls) != 2 || calls[1] != "join g9" {
		t.Fatalf("requests %v", calls)
	}
	var join core.CallSessionPayload
	r.bus.Last(t, core.EvJoinCallSession, &join)
	if join.CallSessionID != "g9" {
		t.Fatalf("joined %q", join.CallSessionID)
	}
	if joined.Load() != domain.CallSessionID("g9") {
		t.Fatal("join hook not called")
	}
	if _, ok := s.Participant("x"); !ok {
		t.Fatal("self missing from roster")
	}
}

func TestInvitationJoinAndRosterUpdates(t *testing.T) {
	r := newRig(t)
	r.bus.Deliver(core.EvGroupCallIncoming, core.GroupCallIncomingPayload{
		CallID: "g2", RoomID: "room", RoomName: "Room", CallType: domain.CallAudio, Initiator: "y",
		Participants: []domain.Participant{{UserID: "y", DisplayName: "Y", Status: domain.ParticipantJoined}},
	})
	if r.ui.PromptCount() != 1 || r.ui.Looping() != "ringtone" {
		t.Fatalf("prompt=%d loop=%q", r.ui.PromptCount(), r.ui.Looping())
	}
	inv, ok := r.c.Invitation("g2")
	if !ok {
		t.Fatal("invitation not stored")
	}
	if _, err := r.c.Join(context.Background(), inv); err != nil {
		t.Fatalf("join: %v", err)
	}
	if r.ui.PromptCount() != 0 || r.ui.Looping() != "" {
		t.Fatal("prompt or ringtone survived the join")
	}

	r.bus.Deliver(core.EvParticipantJoined, core.ParticipantPayload{UserID: "z", Username: "Z"})
	r.bus.Deliver(core.EvParticipantLeft, core.ParticipantPayload{UserID: "y", Username: "Y", Reason: "network"})
	s, _ := r.c.Session()
	y, _ := s.Participant("y")
	z, _ := s.Participant("z")
	if y.Status != domain.ParticipantLeft || z.Status != domain.ParticipantJoined {
		t.Fatalf("roster %+v", s.Participants)
	}
	if len(s.Participants) != 3 || s.Participants[0].UserID != "y" {
		t.Fatalf("roster order %+v", s.Participants)
	}
}

func TestOwnInvitationIsIgnored(t *testing.T) {
	r := newRig(t)
	r.bus.Deliver(core.EvGroupCallIncoming, core.GroupCallIncomingPayload{CallID: "g3", Initiator: "x"})
	if r.ui.PromptCount() != 0 || len(r.c.Invitations()) != 0 {
		t.Fatal("prompted for own call")
	}
}

func TestDeclineClearsLocalStateEvenOnError(t *testing.T) {
	r := newRig(t)
	r.bus.Deliver(core.EvGroupCallIncoming, core.GroupCallIncomingPayload{CallID: "g4", Initiator: "y"})
	r.api.Err = errors.New("offline")

	if err := r.c.Decline(context.Background(), "g4"); err == nil {
		t.Fatal("collaborator error swallowed")
	}
	if len(r.c.Invitations()) != 0 || r.ui.PromptCount() != 0 {
		t.Fatal("invitation left behind")
	}
	if err := r.c.Decline(context.Background(), "g4"); !errors.Is(err, group.ErrNoInvitation) {
		t.Fatalf("second decline: %v", err)
	}
}

func TestLeaveAlwaysCleansUp(t *testing.T) {
	r := newRig(t)
	r.initiate(t)
	r.bus.Deliver(core.EvParticipantJoinedAck, core.ParticipantJoinedAckPayload{CallSessionID: "g1"})
	apptest.WaitFor(t, time.Second, "offer", func() bool { return r.bus.Count(core.EvCallUser) == 1 })

	var ended atomic.Value
	r.c.OnEnded(func(sid domain.CallSessionID) { ended.Store(sid) })
	r.api.Err = errors.New("offline")

	if err := r.c.End(context.Background()); err == nil {
		t.Fatal("collaborator error swallowed")
	}
	if _, ok := r.c.Session(); ok {
		t.Fatal("session survived End")
	}
	if r.ui.CueCount("disconnect") != 1 {
		t.Fatal("no disconnect cue")
	}
	if r.media.Live() != 0 || r.peers.Open() != 0 {
		t.Fatal("media left running")
	}
	if r.ledger.Len() != 0 {
		t.Fatal("ledger entry not evicted")
	}
	if r.bus.Count(core.EvLeaveCallSession) != 1 || r.bus.Count(core.EvEndCall) != 1 {
		t.Fatalf("emits %v", r.bus.Events())
	}
	if ended.Load() != domain.CallSessionID("g1") {
		t.Fatal("end hook not called")
	}
	if err := r.c.Leave(context.Background()); !errors.Is(err, group.ErrNoSession) {
		t.Fatalf("leave after end: %v", err)
	}
}

func TestRemoteEndMatchesLocalEnd(t *testing.T) {
	r := newRig(t)
	r.initiate(t)
	r.bus.Deliver(core.EvGroupCallIncoming, core.GroupCallIncomingPayload{CallID: "g5", Initiator: "y"})

	r.bus.Deliver(core.EvGroupCallEnded, core.GroupCallEndedPayload{CallSessionID: "g5"})
	if len(r.c.Invitations()) != 0 || r.ui.PromptCount() != 0 {
		t.Fatal("ended invitation still prompting")
	}
	if _, ok := r.c.Session(); !ok {
		t.Fatal("unrelated end cleared the current session")
	}

	r.bus.Deliver(core.EvGroupCallEnded, core.GroupCallEndedPayload{CallSessionID: "g1"})
	r.bus.Deliver(core.EvGroupCallEnded, core.GroupCallEndedPayload{CallSessionID: "g1"})
	if _, ok := r.c.Session(); ok {
		t.Fatal("session survived remote end")
	}
	if r.ui.CueCount("disconnect") != 1 {
		t.Fatalf("disconnect cue played %d times", r.ui.CueCount("disconnect"))
	}
}

func TestAnswerAndCandidatesReachGroupPeer(t *testing.T) {
	r := newRig(t)
	r.initiate(t)
	r.bus.Deliver(core.EvParticipantJoinedAck, core.ParticipantJoinedAckPayload{CallSessionID: "g1"})
	apptest.WaitFor(t, time.Second, "offer", func() bool { return r.bus.Count(core.EvCallUser) == 1 })

	r.bus.Deliver(core.EvCallAnswered, core.CallAnsweredPayload{From: "y", Answer: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"}, CallSessionID: "g1"})
	r.bus.Deliver(core.EvIceCandidate, core.IceCandidatePayload{Candidate: webrtc.ICECandidateInit{Candidate: "c"}, CallSessionID: "g1"})
	r.bus.Deliver(core.EvIceCandidate, core.IceCandidatePayload{Candidate: webrtc.ICECandidateInit{Candidate: "c"}, CallSessionID: "other"})

	p := r.peers.Last()
	if p.Answers() != 1 || p.Candidates() != 1 {
		t.Fatalf("answers=%d candidates=%d", p.Answers(), p.Candidates())
	}
}

func TestRestorePending(t *testing.T) {
	r := newRig(t)
	r.api.Queue = []domain.CallDescriptor{
		{ID: "g6", Initiator: "y"},
		{ID: "g7", Initiator: "x"},
		{ID: "g8", Initiator: "z"},
	}
	n, err := r.c.RestorePending(context.Background())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != 2 || len(r.c.Invitations()) != 2 || r.ui.CueCount("ringtone") != 1 {
		t.Fatalf("restored %d, prompts %d", n, r.ui.PromptCount())
	}
	if n, _ := r.c.RestorePending(context.Background()); n != 0 {
		t.Fatal("restored the same invitations twice")
	}
}

func TestLateAckAfterLedgerTTLSendsNoSecondOffer(t *testing.T) {
	r := newRigTTL(t, 20*time.Millisecond)
	r.initiate(t)
	r.bus.Deliver(core.EvParticipantJoinedAck, core.ParticipantJoinedAckPayload{CallSessionID: "g1"})
	apptest.WaitFor(t, time.Second, "offer", func() bool { return r.bus.Count(core.EvCallUser) == 1 })

	time.Sleep(50 * time.Millisecond)
	if n := r.ledger.Sweep(); n != 0 {
		t.Fatalf("swept %d entries of a live session", n)
	}
	r.bus.Deliver(core.EvParticipantJoinedAck, core.ParticipantJoinedAckPayload{CallSessionID: "g1"})
	time.Sleep(30 * time.Millisecond)

	if n := r.bus.Count(core.EvCallUser); n != 1 {
		t.Fatalf("%d offers for one live session", n)
	}
	if r.peers.Open() != 1 || r.media.Live() != 1 {
		t.Fatalf("peers open=%d media live=%d", r.peers.Open(), r.media.Live())
	}

	if err := r.c.Leave(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if r.peers.Open() != 0 || r.media.Live() != 0 || r.ledger.Len() != 0 {
		t.Fatal("session resources survived leave")
	}
}

func TestJoinArmsHookBeforeAnnouncing(t *testing.T) {
	r := newRig(t)
	r.bus.Deliver(core.EvGroupCallIncoming, core.GroupCallIncomingPayload{CallID: "g2", Initiator: "y"})
	announced := -1
	r.c.OnJoined(func(domain.CallDescriptor) { announced = r.bus.Count(core.EvJoinCallSession) })

	inv, _ := r.c.Invitation("g2")
	if _, err := r.c.Join(context.Background(), inv); err != nil {
		t.Fatalf("join: %v", err)
	}
	if announced != 0 {
		t.Fatalf("joinCallSession sent before the join hook ran (%d)", announced)
	}
	if r.bus.Count(core.EvJoinCallSession) != 1 {
		t.Fatal("joinCallSession not sent")
	}
}

func TestMalformedGroupEndIsIgnored(t *testing.T) {
	r := newRig(t)
	r.initiate(t)
	r.bus.Deliver(core.EvGroupCallEnded, json.RawMessage(`"g1"`))
	if _, ok := r.c.Session(); !ok {
		t.Fatal("malformed end cleared the session")
	}
}
