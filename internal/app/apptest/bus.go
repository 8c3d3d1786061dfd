// Package apptest holds in-memory stand-ins for the session layer's collaborators.
package apptest

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/signal"
)

type Emitted struct {
	Event   string
	Payload json.RawMessage
}

// Bus dispatches through the real handler registry and records emits.
type Bus struct {
	reg *signal.Registry

	mu      sync.Mutex
	emitted []Emitted
}

var _ core.EventBus = (*Bus)(nil)

func NewBus() *Bus { return &Bus{reg: signal.NewRegistry()} }

func (b *Bus) Emit(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	b.mu.Lock()
	b.emitted = append(b.emitted, Emitted{Event: event, Payload: raw})
	b.mu.Unlock()
}

func (b *Bus) On(event string, h core.EventHandler) core.Subscription {
	return b.reg.Add(event, h)
}

func (b *Bus) Off(event string, subs ...core.Subscription) {
	if len(subs) == 0 {
		b.reg.RemoveAll(event)
		return
	}
	for _, s := range subs {
		b.reg.Remove(s)
	}
}

// Deliver plays an inbound event through the registered handlers.
func (b *Bus) Deliver(event string, payload any) int {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return b.reg.Dispatch(event, raw)
}

func (b *Bus) Handlers(event string) int { return b.reg.Count(event) }

func (b *Bus) Sent(event string) []json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []json.RawMessage
	for _, e := range b.emitted {
		if e.Event == event {
			out = append(out, e.Payload)
		}
	}
	return out
}

func (b *Bus) Count(event string) int { return len(b.Sent(event)) }

// Events lists emitted event names in order.
func (b *Bus) Events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.emitted))
	for _, e := range b.emitted {
		out = append(out, e.Event)
	}
	return out
}

// Last decodes the most recent payload sent for event into v.
func (b *Bus) Last(t *testing.T, event string, v any) {
	t.Helper()
	sent := b.Sent(event)
	if len(sent) == 0 {
		t.Fatalf("nothing emitted for %s", event)
	}
	if err := json.Unmarshal(sent[len(sent)-1], v); err != nil {
		t.Fatalf("decode %s: %v", event, err)
	}
}

// WaitFor polls cond until it holds or the deadline passes.
func WaitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
