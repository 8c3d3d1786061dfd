package app

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/dkeye/voicelink/internal/core"
)

// Signal is one contender in a FirstOf race.
type Signal struct {
	Event string
	// Match filters payloads; nil accepts any.
	Match func(json.RawMessage) bool
}

// Outcome names the winning event, or is empty when the timer won.
type Outcome struct {
	Winner  string
	Payload json.RawMessage
}

func (o Outcome) TimedOut() bool { return o.Winner == "" }

// Race resolves exactly once: its listeners and timer are torn down before done runs.
type Race struct {
	bus  core.EventBus
	done func(Outcome)
	once sync.Once

	mu    sync.Mutex
	subs  []core.Subscription
	timer *time.Timer
}

// FirstOf arms a timer and one temporary listener per signal. The first to
// fire wins; done is called with the outcome from the winner's goroutine.
func FirstOf(bus core.EventBus, timeout time.Duration, signals []Signal, done func(Outcome)) *Race {
	r := &Race{bus: bus, done: done}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range signals {
		s := s
		r.subs = append(r.subs, bus.On(s.Event, func(raw json.RawMessage) {
			if s.Match != nil && !s.Match(raw) {
				return
			}
			r.finish(Outcome{Winner: s.Event, Payload: raw}, true)
		}))
	}
	r.timer = time.AfterFunc(timeout, func() { r.finish(Outcome{}, true) })
	return r
}

// Resolve lets a caller settle the race from outside. It reports whether it won.
func (r *Race) Resolve(winner string, payload json.RawMessage) bool {
	return r.finish(Outcome{Winner: winner, Payload: payload}, true)
}

// Cancel settles the race without calling done.
func (r *Race) Cancel() bool {
	return r.finish(Outcome{}, false)
}

func (r *Race) finish(o Outcome, notify bool) bool {
	won := false
	r.once.Do(func() { won = true })
	if !won {
		return false
	}
	r.mu.Lock()
	subs, timer := r.subs, r.timer
	r.subs, r.timer = nil, nil
	r.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	for _, s := range subs {
		r.bus.Off(s.Event, s)
	}
	if notify && r.done != nil {
		r.done(o)
	}
	return true
}
