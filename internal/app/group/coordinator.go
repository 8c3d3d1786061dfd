// Package group coordinates multi-party call sessions: invitations, roster,
// and the single late-join offer an initiator sends per session.
package group

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/dkeye/voicelink/internal/app"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoSession    = errors.New("group: no active session")
	ErrInSession    = errors.New("group: already in a session")
	ErrNoInvitation = errors.New("group: no such invitation")
)

// outbound is the initiator's peer connection for one session.
type outbound struct {
	sid    domain.CallSessionID
	peer   core.MediaConnection
	stream core.LocalStream
	cancel context.CancelFunc
}

func (o *outbound) close() {
	if o.stream != nil {
		o.stream.Stop()
	}
	if o.peer != nil {
		o.peer.Close()
	}
	o.cancel()
}

type Coordinator struct {
	self   domain.UserID
	bus    core.EventBus
	api    core.CallAPI
	media  core.MediaDevices
	peers  core.PeerFactory
	ui     core.Notifier
	ledger *app.OfferLedger

	mu       sync.Mutex
	session  *domain.GroupCallSession
	invites  map[domain.CallSessionID]domain.CallDescriptor
	offers   map[domain.CallSessionID]*outbound
	subs     []core.Subscription
	onJoined func(domain.CallDescriptor)
	onEnded  func(domain.CallSessionID)
}

func New(
	self domain.UserID,
	bus core.EventBus,
	api core.CallAPI,
	media core.MediaDevices,
	peers core.PeerFactory,
	ui core.Notifier,
	ledger *app.OfferLedger,
) *Coordinator {
	c := &Coordinator{
		self:    self,
		bus:     bus,
		api:     api,
		media:   media,
		peers:   peers,
		ui:      ui,
		ledger:  ledger,
		invites: make(map[domain.CallSessionID]domain.CallDescriptor),
		offers:  make(map[domain.CallSessionID]*outbound),
	}
	c.subs = []core.Subscription{
		bus.On(core.EvGroupCallIncoming, c.onGroupCallIncoming),
		bus.On(core.EvParticipantJoined, c.onParticipantJoined),
		bus.On(core.EvParticipantLeft, c.onParticipantLeft),
		bus.On(core.EvGroupCallEnded, c.onGroupCallEnded),
		bus.On(core.EvParticipantJoinedAck, c.onParticipantJoinedAck),
		bus.On(core.EvCallAnswered, c.onCallAnswered),
		bus.On(core.EvIceCandidate, c.onIceCandidate),
	}
	return c
}

// OnJoined is called after this client joins someone else's session.
func (c *Coordinator) OnJoined(fn func(domain.CallDescriptor)) {
	c.mu.Lock()
	c.onJoined = fn
	c.mu.Unlock()
}

// OnEnded is called once per session after local state is cleared.
func (c *Coordinator) OnEnded(fn func(domain.CallSessionID)) {
	c.mu.Lock()
	c.onEnded = fn
	c.mu.Unlock()
}

func (c *Coordinator) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, s := range subs {
		c.bus.Off(s.Event, s)
	}
}

func (c *Coordinator) Session() (*domain.GroupCallSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Clone(), c.session != nil
}

// Invitations returns pending invitations ordered by session id.
func (c *Coordinator) Invitations() []domain.CallDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.CallDescriptor, 0, len(c.invites))
	for _, d := range c.invites {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Coordinator) Invitation(id domain.CallSessionID) (domain.CallDescriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.invites[id]
	return d, ok
}

func sessionFrom(d domain.CallDescriptor) *domain.GroupCallSession {
	s := &domain.GroupCallSession{
		CallID:     d.ID,
		CallRoomID: d.CallRoomID,
		RoomID:     d.RoomID,
		CallType:   d.CallType,
		Initiator:  d.Initiator,
	}
	for _, p := range d.Participants {
		s.Upsert(p)
	}
	return s
}

func (c *Coordinator) notifyState(text string, s *domain.GroupCallSession) {
	ref := ""
	if s != nil {
		ref = string(s.CallID)
	}
	c.ui.Notify(domain.Notice{Kind: domain.NoticeGroupState, Text: text, Ref: ref, Data: s})
}

// Initiate starts a session in roomID. If one is already running there, it is joined instead.
func (c *Coordinator) Initiate(ctx context.Context, roomID domain.RoomID, kind domain.CallType) (*domain.GroupCallSession, error) {
	if !kind.Valid() {
		kind = domain.CallAudio
	}
	c.mu.Lock()
	busy := c.session != nil
	c.mu.Unlock()
	if busy {
		return nil, ErrInSession
	}

	desc, err := c.api.Initiate(ctx, roomID, kind)
	var conflict *core.ConflictError
	if errors.As(err, &conflict) {
		log.Info().Str("module", "group").Str("room", string(roomID)).Str("call_session", string(conflict.Active.ID)).Msg("call already active, joining")
		return c.Join(ctx, conflict.Active)
	}
	if err != nil {
		log.Error().Err(err).Str("module", "group").Str("room", string(roomID)).Msg("initiate failed")
		c.notifyState("Could not start the group call", nil)
		return nil, err
	}
	if desc.Initiator == "" {
		desc.Initiator = c.self
	}
	if desc.RoomID == "" {
		desc.RoomID = roomID
	}
	if desc.CallType == "" {
		desc.CallType = kind
	}

	s := sessionFrom(desc)
	s.Upsert(domain.Participant{UserID: c.self, Status: domain.ParticipantJoined})
	c.mu.Lock()
	c.session = s
	out := s.Clone()
	c.mu.Unlock()

	log.Info().Str("module", "group").Str("room", string(roomID)).Str("call_session", string(s.CallID)).Msg("group call initiated")
	c.ui.StartRingback()
	c.notifyState("Group call started", out)
	return out, nil
}

// Join enters an existing session and merges the roster the collaborator returns.
func (c *Coordinator) Join(ctx context.Context, desc domain.CallDescriptor) (*domain.GroupCallSession, error) {
	if desc.ID == "" {
		return nil, ErrNoInvitation
	}
	c.mu.Lock()
	if c.session != nil && c.session.CallID != desc.ID {
		c.mu.Unlock()
		return nil, ErrInSession
	}
	if inv, ok := c.invites[desc.ID]; ok {
		desc = mergeDescriptor(inv, desc)
	}
	c.mu.Unlock()

	joined, err := c.api.Join(ctx, desc.ID)
	if err != nil {
		log.Error().Err(err).Str("module", "group").Str("call_session", string(desc.ID)).Msg("join failed")
		c.notifyState("Could not join the group call", nil)
		return nil, err
	}
	desc = mergeDescriptor(desc, joined)

	s := sessionFrom(desc)
	s.Upsert(domain.Participant{UserID: c.self, Status: domain.ParticipantJoined})
	c.mu.Lock()
	c.session = s
	delete(c.invites, desc.ID)
	out := s.Clone()
	onJoined := c.onJoined
	c.mu.Unlock()

	c.ui.DismissIncoming(string(desc.ID))
	c.ui.StopLoop()
	// The offer wait must be armed before the server learns we joined.
	if onJoined != nil && desc.Initiator != c.self {
		onJoined(desc)
	}
	c.bus.Emit(core.EvJoinCallSession, core.CallSessionPayload{CallSessionID: desc.ID})
	log.Info().Str("module", "group").Str("call_session", string(desc.ID)).Int("participants", len(s.Participants)).Msg("joined group call")
	c.notifyState("Joined the group call", out)
	return out, nil
}

// mergeDescriptor overlays the non-empty fields of next onto base.
func mergeDescriptor(base, next domain.CallDescriptor) domain.CallDescriptor {
	if next.ID != "" {
		base.ID = next.ID
	}
	if next.CallRoomID != "" {
		base.CallRoomID = next.CallRoomID
	}
	if next.RoomID != "" {
		base.RoomID = next.RoomID
	}
	if next.RoomName != "" {
		base.RoomName = next.RoomName
	}
	if next.CallType != "" {
		base.CallType = next.CallType
	}
	if next.Initiator != "" {
		base.Initiator = next.Initiator
	}
	if len(next.Participants) > 0 {
		s := sessionFrom(base)
		for _, p := range next.Participants {
			s.Upsert(p)
		}
		base.Participants = s.Participants
	}
	return base
}

// Decline refuses an invitation. Local state is cleared even if the collaborator fails.
func (c *Coordinator) Decline(ctx context.Context, id domain.CallSessionID) error {
	c.mu.Lock()
	_, ok := c.invites[id]
	delete(c.invites, id)
	c.mu.Unlock()
	if !ok {
		return ErrNoInvitation
	}
	c.ui.DismissIncoming(string(id))
	c.ui.StopLoop()

	err := c.api.Decline(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("module", "group").Str("call_session", string(id)).Msg("decline not delivered")
	}
	return err
}

// Leave quits the current session.
func (c *Coordinator) Leave(ctx context.Context) error { return c.leave(ctx, false) }

// End quits the current session and asks the room to end it.
func (c *Coordinator) End(ctx context.Context) error { return c.leave(ctx, true) }

func (c *Coordinator) leave(ctx context.Context, end bool) error {
	c.mu.Lock()
	s := c.session.Clone()
	c.mu.Unlock()
	if s == nil {
		return ErrNoSession
	}

	err := c.api.Leave(ctx, s.CallID)
	if err != nil {
		log.Warn().Err(err).Str("module", "group").Str("call_session", string(s.CallID)).Msg("leave not delivered")
	}
	c.bus.Emit(core.EvLeaveCallSession, core.CallSessionPayload{CallSessionID: s.CallID})
	if end {
		c.bus.Emit(core.EvEndCall, core.EndCallPayload{RoomID: s.RoomID, CallSessionID: s.CallID})
	}
	c.cleanup(s.CallID, "Left the group call")
	return err
}

// cleanup clears everything held for sid. Safe to repeat.
func (c *Coordinator) cleanup(sid domain.CallSessionID, text string) {
	c.mu.Lock()
	current := c.session != nil && c.session.CallID == sid
	var ended *domain.GroupCallSession
	if current {
		ended = c.session
		c.session = nil
	}
	o := c.offers[sid]
	delete(c.offers, sid)
	_, invited := c.invites[sid]
	delete(c.invites, sid)
	onEnded := c.onEnded
	c.mu.Unlock()

	c.ledger.Evict(sid)
	if o != nil {
		o.close()
	}
	if invited {
		c.ui.DismissIncoming(string(sid))
	}
	if !current {
		if invited {
			c.ui.StopLoop()
		}
		return
	}
	c.ui.StopLoop()
	c.ui.PlayDisconnect()
	log.Info().Str("module", "group").Str("call_session", string(sid)).Msg("group call cleared")
	c.notifyState(text, ended)
	if onEnded != nil {
		onEnded(sid)
	}
}

// RestorePending loads invitations the server still holds for this user.
func (c *Coordinator) RestorePending(ctx context.Context) (int, error) {
	pending, err := c.api.Pending(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range pending {
		if c.addInvitation(d, false) {
			n++
		}
	}
	if n > 0 {
		c.ui.StartRingtone()
		log.Info().Str("module", "group").Int("invitations", n).Msg("restored pending invitations")
	}
	return n, nil
}

func (c *Coordinator) addInvitation(d domain.CallDescriptor, ring bool) bool {
	if d.ID == "" || d.Initiator == c.self {
		return false
	}
	c.mu.Lock()
	if c.session != nil && c.session.CallID == d.ID {
		c.mu.Unlock()
		return false
	}
	_, known := c.invites[d.ID]
	c.invites[d.ID] = d
	c.mu.Unlock()
	if known {
		return false
	}
	c.ui.PromptIncoming(domain.Invitation{
		From:       d.Initiator,
		CallType:   d.CallType,
		SessionID:  d.ID,
		CallRoomID: d.CallRoomID,
		RoomID:     d.RoomID,
		RoomName:   d.RoomName,
		Group:      true,
	})
	if ring {
		c.ui.StartRingtone()
	}
	return true
}

func (c *Coordinator) onGroupCallIncoming(raw json.RawMessage) {
	var p core.GroupCallIncomingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Warn().Err(err).Str("module", "group").Msg("bad groupCallIncoming")
		return
	}
	d := domain.CallDescriptor{
		ID:           p.CallID,
		CallRoomID:   p.CallRoomID,
		RoomID:       p.RoomID,
		RoomName:     p.RoomName,
		CallType:     p.CallType,
		Initiator:    p.Initiator,
		Participants: p.Participants,
	}
	if c.addInvitation(d, true) {
		log.Info().Str("module", "group").Str("from", string(p.Initiator)).Str("call_session", string(p.CallID)).Msg("group call invitation")
	}
}

// roster applies fn to the current session when sid addresses it.
func (c *Coordinator) roster(sid domain.CallSessionID, fn func(*domain.GroupCallSession)) *domain.GroupCallSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || (sid != "" && sid != c.session.CallID) {
		return nil
	}
	fn(c.session)
	return c.session.Clone()
}

func (c *Coordinator) onParticipantJoined(raw json.RawMessage) {
	var p core.ParticipantPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.UserID == "" {
		log.Warn().Err(err).Str("module", "group").Msg("bad participant_joined")
		return
	}
	s := c.roster(p.CallSessionID, func(s *domain.GroupCallSession) {
		s.Upsert(domain.Participant{UserID: p.UserID, DisplayName: p.Username, Status: domain.ParticipantJoined})
	})
	if s == nil {
		return
	}
	if s.Initiator == c.self {
		c.ui.StopLoop()
	}
	c.ui.Notify(domain.Notice{Kind: domain.NoticeGroupRoster, Text: p.Username + " joined", Ref: string(s.CallID), Data: s})
}

func (c *Coordinator) onParticipantLeft(raw json.RawMessage) {
	var p core.ParticipantPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.UserID == "" {
		log.Warn().Err(err).Str("module", "group").Msg("bad participant_disconnected")
		return
	}
	s := c.roster(p.CallSessionID, func(s *domain.GroupCallSession) {
		s.Upsert(domain.Participant{UserID: p.UserID, DisplayName: p.Username, Status: domain.ParticipantLeft})
	})
	if s == nil {
		return
	}
	log.Info().Str("module", "group").Str("user", string(p.UserID)).Str("reason", p.Reason).Msg("participant left")
	c.ui.Notify(domain.Notice{Kind: domain.NoticeGroupRoster, Text: p.Username + " left", Ref: string(s.CallID), Data: s})
}

func (c *Coordinator) onGroupCallEnded(raw json.RawMessage) {
	var p core.GroupCallEndedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Warn().Err(err).Str("module", "group").Msg("bad group_call_ended")
		return
	}
	if p.CallSessionID != "" {
		c.cleanup(p.CallSessionID, "The group call ended")
		return
	}
	// No id: end whatever is current and drop every pending prompt.
	c.mu.Lock()
	ids := make([]domain.CallSessionID, 0, len(c.invites)+1)
	if c.session != nil {
		ids = append(ids, c.session.CallID)
	}
	for id := range c.invites {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.cleanup(id, "The group call ended")
	}
}

func (c *Coordinator) onParticipantJoinedAck(raw json.RawMessage) {
	var p core.ParticipantJoinedAckPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.CallSessionID == "" {
		log.Warn().Err(err).Str("module", "group").Msg("bad participantJoinedAck")
		return
	}
	c.mu.Lock()
	s := c.session.Clone()
	c.mu.Unlock()
	if s == nil || s.CallID != p.CallSessionID || s.Initiator != c.self {
		return
	}
	c.mu.Lock()
	_, offered := c.offers[p.CallSessionID]
	c.mu.Unlock()
	if offered || !c.ledger.Reserve(p.CallSessionID) {
		log.Debug().Str("module", "group").Str("call_session", string(p.CallSessionID)).Msg("offer already sent")
		return
	}
	kind := s.CallType
	if p.CallType.Valid() {
		kind = p.CallType
	}
	roomID := s.RoomID
	if p.RoomID != "" {
		roomID = p.RoomID
	}
	go c.sendOffer(s.CallID, roomID, kind)
}

// sendOffer negotiates the initiator's side of a session. The ledger entry is
// dropped again on any failure so a later ack can retry.
func (c *Coordinator) sendOffer(sid domain.CallSessionID, roomID domain.RoomID, kind domain.CallType) {
	ctx, cancel := context.WithCancel(context.Background())
	o := &outbound{sid: sid, cancel: cancel}
	fail := func(err error, what string) {
		log.Error().Err(err).Str("module", "group").Str("call_session", string(sid)).Msg(what)
		o.close()
		c.ledger.Evict(sid)
	}

	stream, err := c.media.Acquire(ctx, kind)
	if err != nil {
		c.ui.Notify(domain.Notice{Kind: domain.NoticeMediaError, Text: "Could not start local media for the group call", Ref: string(sid)})
		fail(err, "acquire media")
		return
	}
	o.stream = stream
	peer, err := c.peers.NewPeer(ctx, "group:"+string(sid))
	if err != nil {
		fail(err, "new peer")
		return
	}
	o.peer = peer
	peer.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		c.bus.Emit(core.EvIceCandidate, core.IceCandidatePayload{Candidate: ci, CallSessionID: sid})
	})
	peer.OnClosed(func() {
		c.mu.Lock()
		cur := c.offers[sid] == o
		if cur {
			delete(c.offers, sid)
		}
		c.mu.Unlock()
		if cur {
			log.Warn().Str("module", "group").Str("call_session", string(sid)).Msg("group peer lost")
			o.close()
			c.ledger.Evict(sid)
		}
	})
	if err := peer.AddLocalStream(stream); err != nil {
		fail(err, "add local stream")
		return
	}
	offer, err := peer.CreateAndSetOffer()
	if err != nil {
		fail(err, "create offer")
		return
	}

	c.mu.Lock()
	live := c.session != nil && c.session.CallID == sid
	_, dup := c.offers[sid]
	if live && !dup {
		c.offers[sid] = o
	}
	c.mu.Unlock()
	if !live || dup {
		if dup {
			log.Warn().Str("module", "group").Str("call_session", string(sid)).Msg("offer already out, dropping second negotiation")
		}
		o.close()
		return
	}
	c.ledger.Hold(sid)
	log.Info().Str("module", "group").Str("call_session", string(sid)).Str("room", string(roomID)).Msg("sending group offer")
	c.bus.Emit(core.EvCallUser, core.CallUserPayload{
		Offer:         *offer,
		CallType:      kind,
		RoomID:        roomID,
		CallSessionID: sid,
	})
}

func (c *Coordinator) offerFor(sid domain.CallSessionID) *outbound {
	if sid == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers[sid]
}

func (c *Coordinator) onCallAnswered(raw json.RawMessage) {
	var p core.CallAnsweredPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	o := c.offerFor(p.CallSessionID)
	if o == nil {
		return
	}
	if err := o.peer.ApplyAnswer(p.Answer); err != nil {
		log.Error().Err(err).Str("module", "group").Str("call_session", string(o.sid)).Msg("apply answer")
		return
	}
	log.Info().Str("module", "group").Str("call_session", string(o.sid)).Str("from", string(p.From)).Msg("group answer applied")
}

func (c *Coordinator) onIceCandidate(raw json.RawMessage) {
	var p core.IceCandidatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	o := c.offerFor(p.CallSessionID)
	if o == nil {
		return
	}
	if err := o.peer.AddICECandidate(p.Candidate); err != nil {
		log.Warn().Err(err).Str("module", "group").Str("call_session", string(o.sid)).Msg("add candidate")
	}
}
