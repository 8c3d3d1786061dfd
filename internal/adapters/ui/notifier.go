// Package ui is the session layer's view of the UI shell. It logs what the
// shell should show, keeps a bounded backlog and fans events out to streams.
package ui

import (
	"sort"
	"sync"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventNotice  EventType = "notice"
	EventPrompt  EventType = "prompt"
	EventDismiss EventType = "dismiss"
	EventCue     EventType = "cue"
)

const (
	CueRingback   = "ringback"
	CueRingtone   = "ringtone"
	CueStop       = "stop"
	CueDisconnect = "disconnect"
)

type Event struct {
	Seq        uint64             `json:"seq"`
	Type       EventType          `json:"type"`
	At         time.Time          `json:"at"`
	Notice     *domain.Notice     `json:"notice,omitempty"`
	Invitation *domain.Invitation `json:"invitation,omitempty"`
	Key        string             `json:"key,omitempty"`
	Cue        string             `json:"cue,omitempty"`
}

type Notifier struct {
	mu      sync.Mutex
	limit   int
	seq     uint64
	backlog []Event
	subs    map[chan Event]struct{}
	loop    string
	prompts map[string]domain.Invitation
}

var _ core.Notifier = (*Notifier)(nil)

func NewNotifier(backlog int) *Notifier {
	if backlog <= 0 {
		backlog = 256
	}
	return &Notifier{
		limit:   backlog,
		subs:    make(map[chan Event]struct{}),
		prompts: make(map[string]domain.Invitation),
	}
}

func (n *Notifier) publishLocked(ev Event) {
	n.seq++
	ev.Seq = n.seq
	ev.At = time.Now()
	n.backlog = append(n.backlog, ev)
	if over := len(n.backlog) - n.limit; over > 0 {
		n.backlog = append(n.backlog[:0:0], n.backlog[over:]...)
	}
	for ch := range n.subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("module", "ui").Uint64("seq", ev.Seq).Msg("subscriber lagging, event dropped")
		}
	}
}

func (n *Notifier) Notify(notice domain.Notice) {
	log.Info().Str("module", "ui").Str("kind", string(notice.Kind)).Str("ref", notice.Ref).Msg(notice.Text)
	n.mu.Lock()
	n.publishLocked(Event{Type: EventNotice, Notice: &notice})
	n.mu.Unlock()
}

func (n *Notifier) PromptIncoming(inv domain.Invitation) {
	log.Info().Str("module", "ui").Str("from", string(inv.From)).Str("key", inv.Key()).Bool("group", inv.Group).Msg("incoming call prompt")
	n.mu.Lock()
	n.prompts[inv.Key()] = inv
	n.publishLocked(Event{Type: EventPrompt, Invitation: &inv, Key: inv.Key()})
	n.mu.Unlock()
}

func (n *Notifier) DismissIncoming(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.prompts[key]; !ok {
		return
	}
	delete(n.prompts, key)
	log.Debug().Str("module", "ui").Str("key", key).Msg("prompt dismissed")
	n.publishLocked(Event{Type: EventDismiss, Key: key})
}

func (n *Notifier) cue(name string, loop bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if loop {
		if n.loop == name {
			return
		}
		n.loop = name
	}
	log.Debug().Str("module", "ui").Str("cue", name).Msg("cue")
	n.publishLocked(Event{Type: EventCue, Cue: name})
}

func (n *Notifier) StartRingback() { n.cue(CueRingback, true) }
func (n *Notifier) StartRingtone() { n.cue(CueRingtone, true) }
func (n *Notifier) PlayDisconnect() { n.cue(CueDisconnect, false) }

func (n *Notifier) StopLoop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.loop == "" {
		return
	}
	n.loop = ""
	n.publishLocked(Event{Type: EventCue, Cue: CueStop})
}

// Loop returns the looping cue currently playing, or "".
func (n *Notifier) Loop() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.loop
}

// Prompts returns open incoming prompts ordered by key.
func (n *Notifier) Prompts() []domain.Invitation {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.Invitation, 0, len(n.prompts))
	for _, inv := range n.prompts {
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Since returns backlog events with a sequence number above seq.
func (n *Notifier) Since(seq uint64) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Event
	for _, ev := range n.backlog {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribe streams future events. Slow readers lose events rather than block callers.
func (n *Notifier) Subscribe(buf int) (<-chan Event, func()) {
	ch := make(chan Event, buf)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, ch)
			n.mu.Unlock()
			close(ch)
		})
	}
}
