package apptest

import (
	"sync"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

// Notifier records everything the session layer shows the user.
type Notifier struct {
	mu        sync.Mutex
	Loop      string
	Cues      []string
	Notices   []domain.Notice
	Prompts   map[string]domain.Invitation
	Dismissed []string
}

var _ core.Notifier = (*Notifier)(nil)

func NewNotifier() *Notifier {
	return &Notifier{Prompts: make(map[string]domain.Invitation)}
}

func (n *Notifier) StartRingback() { n.cue("ringback", true) }
func (n *Notifier) StartRingtone() { n.cue("ringtone", true) }
func (n *Notifier) StopLoop() { n.cue("stop", false) }
func (n *Notifier) PlayDisconnect() { n.cue("disconnect", false) }

func (n *Notifier) cue(name string, loop bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Cues = append(n.Cues, name)
	if loop {
		n.Loop = name
	} else if name == "stop" {
		n.Loop = ""
	}
}

func (n *Notifier) Notify(x domain.Notice) {
	n.mu.Lock()
	n.Notices = append(n.Notices, x)
	n.mu.Unlock()
}

func (n *Notifier) PromptIncoming(inv domain.Invitation) {
	n.mu.Lock()
	n.Prompts[inv.Key()] = inv
	n.mu.Unlock()
}

func (n *Notifier) DismissIncoming(key string) {
	n.mu.Lock()
	delete(n.Prompts, key)
	n.Dismissed = append(n.Dismissed, key)
	n.mu.Unlock()
}

func (n *Notifier) Looping() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.Loop
}

func (n *Notifier) PromptCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.Prompts)
}

// Kinds counts notices of kind k.
func (n *Notifier) Kinds(k domain.NoticeKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, x := range n.Notices {
		if x.Kind == k {
			c++
		}
	}
	return c
}

func (n *Notifier) CueCount(name string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, x := range n.Cues {
		if x == name {
			c++
		}
	}
	return c
}
