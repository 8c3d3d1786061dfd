// Package calls runs one-to-one call attempts over the signaling bus.
package calls

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/voicelink/internal/app"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrBusy          = errors.New("calls: another call is in progress")
	ErrInvalidTarget = errors.New("calls: invalid target")
	ErrInvalidType   = errors.New("calls: invalid call type")
	ErrNoIncoming    = errors.New("calls: no incoming call to answer")
	ErrNoCall        = errors.New("calls: no active call")
	ErrCallEnded     = errors.New("calls: call ended during setup")
)

type Options struct {
	Self               domain.UserID
	DeliveryAckTimeout time.Duration
	OfferWaitTimeout   time.Duration
}

// Controller owns at most one live call attempt at a time.
type Controller struct {
	bus   core.EventBus
	media core.MediaDevices
	peers core.PeerFactory
	ui    core.Notifier
	opts  Options

	mu   sync.Mutex
	cur  *attempt
	subs []core.Subscription
}

func New(bus core.EventBus, media core.MediaDevices, peers core.PeerFactory, ui core.Notifier, opts Options) *Controller {
	if opts.DeliveryAckTimeout <= 0 {
		opts.DeliveryAckTimeout = 5 * time.Second
	}
	if opts.OfferWaitTimeout <= 0 {
		opts.OfferWaitTimeout = 8 * time.Second
	}
	c := &Controller{bus: bus, media: media, peers: peers, ui: ui, opts: opts}
	c.subs = []core.Subscription{
		bus.On(core.EvIncomingCall, c.onIncomingCall),
		bus.On(core.EvCallAnswered, c.onCallAnswered),
		bus.On(core.EvIceCandidate, c.onIceCandidate),
		bus.On(core.EvCallEnded, c.onCallEnded),
		bus.On(core.EvGroupCallEnded, c.onGroupCallEnded),
	}
	return c
}

// Close removes the controller's handlers and ends any live call.
func (c *Controller) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, s := range subs {
		c.bus.Off(s.Event, s)
	}
	_ = c.Hangup()
}

// Snapshot reports the current or most recently finished attempt.
func (c *Controller) Snapshot() (domain.CallSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return domain.CallSnapshot{}, false
	}
	return c.cur.snapshotLocked(), true
}

// busyLocked reports whether a non-terminal attempt exists.
func (c *Controller) busyLocked() bool {
	return c.cur != nil && !c.cur.state.Terminal()
}

// liveLocked reports whether a is still the controller's unfinished attempt.
func (c *Controller) liveLocked(a *attempt) bool {
	return c.cur == a && !a.done
}

func (c *Controller) setState(a *attempt, to domain.CallState) bool {
	c.mu.Lock()
	if !c.liveLocked(a) {
		c.mu.Unlock()
		return false
	}
	a.state = to
	snap := a.snapshotLocked()
	c.mu.Unlock()
	log.Info().Str("module", "calls").Str("call_session", string(snap.SessionID)).Str("state", string(to)).Msg("call state")
	c.ui.Notify(domain.Notice{Kind: domain.NoticeCallState, Text: snap.String(), Ref: string(snap.SessionID), Data: snap})
	return true
}

// Call dials target with a fresh offer and waits for the server to confirm delivery.
func (c *Controller) Call(ctx context.Context, target domain.UserID, kind domain.CallType) (domain.CallSnapshot, error) {
	if target == "" || target == c.opts.Self {
		return domain.CallSnapshot{}, ErrInvalidTarget
	}
	if !kind.Valid() {
		return domain.CallSnapshot{}, ErrInvalidType
	}

	c.mu.Lock()
	if c.busyLocked() {
		c.mu.Unlock()
		return domain.CallSnapshot{}, ErrBusy
	}
	a := newAttempt(target, domain.Outgoing, domain.CallSessionID(uuid.NewString()), kind)
	c.cur = a
	c.mu.Unlock()
	log.Info().Str("module", "calls").Str("to", string(target)).Str("call_session", string(a.sid)).Msg("dialing")

	peer, err := c.prepare(ctx, a)
	if err != nil {
		return a.snapshot(&c.mu), err
	}
	offer, err := peer.CreateAndSetOffer()
	if err != nil {
		log.Error().Err(err).Str("module", "calls").Str("call_session", string(a.sid)).Msg("create offer")
		c.finish(a, domain.CallFailed, domain.FailNegotiation, false)
		return a.snapshot(&c.mu), err
	}

	c.mu.Lock()
	if !c.liveLocked(a) {
		c.mu.Unlock()
		return a.snapshot(&c.mu), ErrCallEnded
	}
	a.state = domain.CallAwaitingDeliveryAck
	// Armed before the offer leaves so a fast ack cannot slip past.
	a.race = app.FirstOf(c.bus, c.opts.DeliveryAckTimeout, []app.Signal{
		{Event: core.EvIncomingCallDelivered, Match: a.matchDelivery},
		{Event: core.EvUserUnavailable, Match: a.matchDelivery},
	}, func(o app.Outcome) { c.onDeliveryOutcome(a, o) })
	c.mu.Unlock()

	c.bus.Emit(core.EvCallUser, core.CallUserPayload{
		Offer:         *offer,
		CallType:      kind,
		To:            target,
		CallSessionID: a.sid,
	})
	c.ui.StartRingback()
	return a.snapshot(&c.mu), nil
}

// prepare acquires media and a peer connection for a. Failures finish the attempt.
func (c *Controller) prepare(ctx context.Context, a *attempt) (core.MediaConnection, error) {
	stream, err := c.media.Acquire(ctx, a.callType)
	if err != nil {
		reason, text := mediaFailure(err)
		log.Warn().Err(err).Str("module", "calls").Str("call_session", string(a.sid)).Str("reason", string(reason)).Msg("media unavailable")
		c.ui.Notify(domain.Notice{Kind: domain.NoticeMediaError, Text: text, Ref: string(a.sid)})
		c.finish(a, domain.CallFailed, reason, a.dir == domain.Incoming)
		return nil, err
	}

	peer, err := c.peers.NewPeer(a.ctx, "call:"+string(a.sid))
	if err != nil {
		stream.Stop()
		log.Error().Err(err).Str("module", "calls").Str("call_session", string(a.sid)).Msg("new peer")
		c.finish(a, domain.CallFailed, domain.FailNegotiation, a.dir == domain.Incoming)
		return nil, err
	}
	peer.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		c.bus.Emit(core.EvIceCandidate, core.IceCandidatePayload{To: a.target, Candidate: ci, CallSessionID: a.sid})
	})
	peer.OnClosed(func() {
		log.Warn().Str("module", "calls").Str("call_session", string(a.sid)).Msg("peer connection lost")
		c.finish(a, domain.CallEnded, domain.FailNone, true)
	})
	if err := peer.AddLocalStream(stream); err != nil {
		stream.Stop()
		peer.Close()
		log.Error().Err(err).Str("module", "calls").Str("call_session", string(a.sid)).Msg("add local stream")
		c.finish(a, domain.CallFailed, domain.FailNegotiation, a.dir == domain.Incoming)
		return nil, err
	}

	c.mu.Lock()
	if !c.liveLocked(a) {
		c.mu.Unlock()
		stream.Stop()
		peer.Close()
		return nil, ErrCallEnded
	}
	a.stream, a.peer = stream, peer
	pending := a.pendingICE
	a.pendingICE = nil
	c.mu.Unlock()

	for _, ci := range pending {
		if err := peer.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "calls").Msg("early candidate rejected")
		}
	}
	return peer, nil
}

func (c *Controller) onDeliveryOutcome(a *attempt, o app.Outcome) {
	c.mu.Lock()
	pending := c.liveLocked(a) && a.state == domain.CallAwaitingDeliveryAck
	c.mu.Unlock()
	if !pending {
		return
	}
	switch o.Winner {
	case core.EvIncomingCallDelivered, core.EvCallAnswered:
		c.setState(a, domain.CallRinging)
	case core.EvUserUnavailable:
		log.Info().Str("module", "calls").Str("to", string(a.target)).Msg("callee unavailable")
		c.finish(a, domain.CallFailed, domain.FailUnavailable, false)
	default:
		log.Info().Str("module", "calls").Str("to", string(a.target)).Msg("no delivery acknowledgement")
		c.finish(a, domain.CallFailed, domain.FailTimeout, true)
	}
}

func (c *Controller) onCallAnswered(raw json.RawMessage) {
	var p core.CallAnsweredPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Warn().Err(err).Str("module", "calls").Msg("bad callAnswered")
		return
	}
	c.mu.Lock()
	a := c.cur
	ok := a != nil && c.liveLocked(a) && a.dir == domain.Outgoing && a.matches(p.CallSessionID, p.From) &&
		(a.state == domain.CallAwaitingDeliveryAck || a.state == domain.CallRinging)
	var (
		race *app.Race
		peer core.MediaConnection
	)
	if ok {
		race, peer = a.race, a.peer
	}
	c.mu.Unlock()
	if !ok || peer == nil {
		return
	}
	if race != nil {
		race.Resolve(core.EvCallAnswered, raw)
	}
	if err := peer.ApplyAnswer(p.Answer); err != nil {
		log.Error().Err(err).Str("module", "calls").Str("call_session", string(a.sid)).Msg("apply answer")
		c.finish(a, domain.CallFailed, domain.FailNegotiation, true)
		return
	}
	c.ui.StopLoop()
	c.setState(a, domain.CallActive)
}

func (c *Controller) onIncomingCall(raw json.RawMessage) {
	var p core.IncomingCallPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Warn().Err(err).Str("module", "calls").Msg("bad incomingCall")
		return
	}
	if p.From == "" {
		log.Warn().Str("module", "calls").Msg("incomingCall without caller, ignored")
		return
	}
	c.bus.Emit(core.EvIncomingCallAck, core.IncomingCallAckPayload{From: p.From, To: c.opts.Self, CallSessionID: p.CallSessionID})

	c.mu.Lock()
	if a := c.cur; a != nil && c.liveLocked(a) && a.waitingForOffer && p.Offer != nil && a.matches(p.CallSessionID, p.From) {
		a.waitingForOffer = false
		a.offer = p.Offer
		a.target = p.From
		if a.offerWait != nil {
			a.offerWait.Stop()
		}
		c.mu.Unlock()
		log.Info().Str("module", "calls").Str("from", string(p.From)).Str("call_session", string(a.sid)).Msg("offer arrived, answering")
		go c.answer(a.ctx, a)
		return
	}
	if a := c.cur; a != nil && c.liveLocked(a) && a.dir == domain.Incoming && a.matches(p.CallSessionID, p.From) {
		if a.offer == nil && p.Offer != nil {
			a.offer = p.Offer
			c.mu.Unlock()
			log.Debug().Str("module", "calls").Str("from", string(p.From)).Msg("repeated incomingCall carried the offer")
			return
		}
		c.mu.Unlock()
		log.Debug().Str("module", "calls").Str("from", string(p.From)).Msg("duplicate incomingCall")
		return
	}
	if c.busyLocked() {
		c.mu.Unlock()
		log.Info().Str("module", "calls").Str("from", string(p.From)).Msg("busy, declining incoming call")
		c.bus.Emit(core.EvEndCall, core.EndCallPayload{To: p.From, CallSessionID: p.CallSessionID})
		return
	}
	kind := p.CallType
	if !kind.Valid() {
		kind = domain.CallAudio
	}
	a := newAttempt(p.From, domain.Incoming, p.CallSessionID, kind)
	a.name = p.FromName
	a.offer = p.Offer
	a.roomID = p.RoomID
	a.callRoomID = p.CallRoomID
	a.state = domain.CallRinging
	a.prompted = true
	c.cur = a
	inv := a.invitationLocked()
	snap := a.snapshotLocked()
	c.mu.Unlock()

	log.Info().Str("module", "calls").Str("from", string(p.From)).Str("call_session", string(p.CallSessionID)).Bool("has_offer", p.Offer != nil).Msg("incoming call")
	c.ui.PromptIncoming(inv)
	c.ui.StartRingtone()
	c.ui.Notify(domain.Notice{Kind: domain.NoticeCallState, Text: snap.String(), Ref: inv.Key(), Data: snap})
}

// Accept answers the ringing incoming call. Without an offer in hand it joins
// the session and waits for one.
func (c *Controller) Accept(ctx context.Context) error {
	c.mu.Lock()
	a := c.cur
	if a == nil || !c.liveLocked(a) || a.dir != domain.Incoming || a.state != domain.CallRinging {
		c.mu.Unlock()
		return ErrNoIncoming
	}
	a.state = domain.CallAnswering
	key := a.invitationLocked().Key()
	hasOffer := a.offer != nil
	if !hasOffer {
		c.armOfferWaitLocked(a)
	}
	c.mu.Unlock()

	c.ui.DismissIncoming(key)
	c.ui.StopLoop()
	if !hasOffer {
		c.bus.Emit(core.EvJoinCallSession, core.CallSessionPayload{CallSessionID: a.sid})
		return nil
	}
	return c.answer(ctx, a)
}

// AwaitOffer arms the invitation-only answer path for a group session this
// client has already joined.
func (c *Controller) AwaitOffer(desc domain.CallDescriptor) error {
	if desc.ID == "" {
		return ErrInvalidTarget
	}
	kind := desc.CallType
	if !kind.Valid() {
		kind = domain.CallAudio
	}
	c.mu.Lock()
	if c.busyLocked() {
		c.mu.Unlock()
		return ErrBusy
	}
	a := newAttempt(desc.Initiator, domain.Incoming, desc.ID, kind)
	a.roomID = desc.RoomID
	a.callRoomID = desc.CallRoomID
	a.state = domain.CallAnswering
	c.cur = a
	c.armOfferWaitLocked(a)
	c.mu.Unlock()
	log.Info().Str("module", "calls").Str("call_session", string(desc.ID)).Dur("wait", c.opts.OfferWaitTimeout).Msg("waiting for offer")
	return nil
}

func (c *Controller) armOfferWaitLocked(a *attempt) {
	a.waitingForOffer = true
	a.offerWait = time.AfterFunc(c.opts.OfferWaitTimeout, func() { c.onOfferWaitExpired(a) })
}

func (c *Controller) onOfferWaitExpired(a *attempt) {
	c.mu.Lock()
	expired := c.liveLocked(a) && a.waitingForOffer
	c.mu.Unlock()
	if !expired {
		return
	}
	log.Warn().Str("module", "calls").Str("call_session", string(a.sid)).Msg("no offer arrived, leaving session")
	c.bus.Emit(core.EvLeaveCallSession, core.CallSessionPayload{CallSessionID: a.sid})
	c.finish(a, domain.CallFailed, domain.FailTimeout, true)
}

func (c *Controller) answer(ctx context.Context, a *attempt) error {
	peer, err := c.prepare(ctx, a)
	if err != nil {
		return err
	}
	c.mu.Lock()
	offer := a.offer
	c.mu.Unlock()
	if offer == nil {
		return ErrNoIncoming
	}
	answer, err := peer.ApplyOfferAndCreateAnswer(*offer)
	if err != nil {
		log.Error().Err(err).Str("module", "calls").Str("call_session", string(a.sid)).Msg("answer offer")
		c.finish(a, domain.CallFailed, domain.FailNegotiation, true)
		return err
	}
	if !c.setState(a, domain.CallActive) {
		return ErrCallEnded
	}
	c.bus.Emit(core.EvAnswerCall, core.AnswerCallPayload{To: a.target, Answer: *answer, CallSessionID: a.sid})
	return nil
}

// Reject declines the ringing incoming call.
func (c *Controller) Reject() error {
	c.mu.Lock()
	a := c.cur
	ok := a != nil && c.liveLocked(a) && a.dir == domain.Incoming && a.state == domain.CallRinging
	c.mu.Unlock()
	if !ok {
		return ErrNoIncoming
	}
	c.finish(a, domain.CallEnded, domain.FailRejected, true)
	return nil
}

// Hangup ends the current attempt, whatever its state.
func (c *Controller) Hangup() error {
	c.mu.Lock()
	a := c.cur
	ok := a != nil && c.liveLocked(a)
	c.mu.Unlock()
	if !ok {
		return ErrNoCall
	}
	c.finish(a, domain.CallEnded, domain.FailNone, true)
	return nil
}

// EndSession ends the attempt bound to a group session, if any, without telling the remote.
func (c *Controller) EndSession(sid domain.CallSessionID) {
	c.mu.Lock()
	a := c.cur
	ok := a != nil && c.liveLocked(a) && a.sid == sid && sid != ""
	c.mu.Unlock()
	if ok {
		c.finish(a, domain.CallEnded, domain.FailNone, false)
	}
}

func (c *Controller) onIceCandidate(raw json.RawMessage) {
	var p core.IceCandidatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Warn().Err(err).Str("module", "calls").Msg("bad iceCandidate")
		return
	}
	c.mu.Lock()
	a := c.cur
	if a == nil || !c.liveLocked(a) || !a.matches(p.CallSessionID, p.From) {
		c.mu.Unlock()
		return
	}
	peer := a.peer
	if peer == nil {
		a.pendingICE = append(a.pendingICE, p.Candidate)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if err := peer.AddICECandidate(p.Candidate); err != nil {
		log.Warn().Err(err).Str("module", "calls").Str("call_session", string(a.sid)).Msg("add candidate")
	}
}

func (c *Controller) onCallEnded(raw json.RawMessage) {
	var p core.CallEndedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Warn().Err(err).Str("module", "calls").Msg("bad callEnded")
		return
	}
	c.mu.Lock()
	a := c.cur
	ok := a != nil && c.liveLocked(a) && a.matches(p.CallSessionID, p.From)
	c.mu.Unlock()
	if !ok {
		return
	}
	log.Info().Str("module", "calls").Str("from", string(p.From)).Str("call_session", string(a.sid)).Msg("remote ended call")
	c.finish(a, domain.CallEnded, domain.FailNone, false)
}

func (c *Controller) onGroupCallEnded(raw json.RawMessage) {
	var p core.GroupCallEndedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Warn().Err(err).Str("module", "calls").Msg("bad group_call_ended")
		return
	}
	c.mu.Lock()
	a := c.cur
	ok := a != nil && c.liveLocked(a) && a.roomID != "" && (p.CallSessionID == "" || p.CallSessionID == a.sid)
	c.mu.Unlock()
	if ok {
		c.finish(a, domain.CallEnded, domain.FailNone, false)
	}
}

// finish is the single teardown path. It runs once per attempt: cues stop,
// media is released, the peer is closed and the remote is told at most once.
func (c *Controller) finish(a *attempt, state domain.CallState, reason domain.FailReason, notifyRemote bool) {
	c.mu.Lock()
	if a.done {
		c.mu.Unlock()
		return
	}
	a.done = true
	a.state = state
	a.reason = reason
	a.waitingForOffer = false
	race, timer, peer, stream := a.race, a.offerWait, a.peer, a.stream
	a.race, a.offerWait, a.peer, a.stream = nil, nil, nil, nil
	a.pendingICE = nil
	prompted := a.prompted
	key := a.invitationLocked().Key()
	snap := a.snapshotLocked()
	c.mu.Unlock()

	if race != nil {
		race.Cancel()
	}
	if timer != nil {
		timer.Stop()
	}
	c.ui.StopLoop()
	if stream != nil {
		stream.Stop()
	}
	if peer != nil {
		peer.Close()
	}
	a.cancel()
	if prompted {
		c.ui.DismissIncoming(key)
	}
	if notifyRemote {
		end := core.EndCallPayload{CallSessionID: a.sid, RoomID: a.roomID}
		if a.roomID == "" {
			end.To = a.target
		}
		c.bus.Emit(core.EvEndCall, end)
	}

	l := log.Info()
	kind := domain.NoticeCallState
	if state == domain.CallFailed {
		l = log.Warn()
		kind = domain.NoticeCallFailed
	}
	l.Str("module", "calls").
		Str("call_session", string(a.sid)).
		Str("state", string(state)).
		Str("reason", string(reason)).
		Bool("notified", notifyRemote).
		Msg("call finished")
	c.ui.Notify(domain.Notice{Kind: kind, Text: snap.String(), Ref: string(a.sid), Data: snap})
}

func mediaFailure(err error) (domain.FailReason, string) {
	switch {
	case errors.Is(err, core.ErrPermissionDenied):
		return domain.FailPermissionDenied, "Microphone or camera access was denied"
	case errors.Is(err, core.ErrDeviceNotFound):
		return domain.FailDeviceNotFound, "No microphone or camera was found"
	case errors.Is(err, core.ErrDeviceBusy):
		return domain.FailDeviceBusy, "Microphone or camera is in use by another application"
	default:
		return domain.FailMedia, "Could not start local media"
	}
}
