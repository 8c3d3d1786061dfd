package app_test

import (
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/voicelink/internal/app"
	"github.com/dkeye/voicelink/internal/app/apptest"
)

func TestFirstOfSignalWinsAndCleansUp(t *testing.T) {
	bus := apptest.NewBus()
	var calls atomic.Int32
	var winner atomic.Value

	app.FirstOf(bus, 50*time.Millisecond, []app.Signal{
		{Event: "a"},
		{Event: "b"},
	}, func(o app.Outcome) {
		calls.Add(1)
		winner.Store(o.Winner)
	})

	bus.Deliver("b", map[string]string{})
	bus.Deliver("a", map[string]string{})
	time.Sleep(100 * time.Millisecond)

	if calls.Load() != 1 || winner.Load() != "b" {
		t.Fatalf("calls=%d winner=%v", calls.Load(), winner.Load())
	}
	if bus.Handlers("a") != 0 || bus.Handlers("b") != 0 {
		t.Fatal("listeners left behind")
	}
}

func TestFirstOfTimeout(t *testing.T) {
	bus := apptest.NewBus()
	done := make(chan app.Outcome, 2)
	app.FirstOf(bus, 10*time.Millisecond, []app.Signal{{Event: "a"}}, func(o app.Outcome) { done <- o })

	select {
	case o := <-done:
		if !o.TimedOut() {
			t.Fatalf("expected timeout, got %q", o.Winner)
		}
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	if bus.Handlers("a") != 0 {
		t.Fatal("listener survived the timeout")
	}
	bus.Deliver("a", nil)
	if len(done) != 0 {
		t.Fatal("late signal resolved twice")
	}
}

func TestFirstOfMatchFiltersPayloads(t *testing.T) {
	bus := apptest.NewBus()
	done := make(chan app.Outcome, 1)
	r := app.FirstOf(bus, time.Second, []app.Signal{{
		Event: "ack",
		Match: func(raw json.RawMessage) bool {
			var p struct{ ID string }
			_ = json.Unmarshal(raw, &p)
			return p.ID == "mine"
		},
	}}, func(o app.Outcome) { done <- o })

	bus.Deliver("ack", map[string]string{"ID": "other"})
	if len(done) != 0 {
		t.Fatal("foreign payload resolved the race")
	}
	bus.Deliver("ack", map[string]string{"ID": "mine"})
	if o := <-done; o.Winner != "ack" {
		t.Fatalf("winner %q", o.Winner)
	}
	if r.Resolve("ack", nil) || r.Cancel() {
		t.Fatal("settled race resolved again")
	}
}

func TestCancelSkipsCallback(t *testing.T) {
	bus := apptest.NewBus()
	var calls atomic.Int32
	r := app.FirstOf(bus, 10*time.Millisecond, []app.Signal{{Event: "a"}}, func(app.Outcome) { calls.Add(1) })
	if !r.Cancel() {
		t.Fatal("cancel lost")
	}
	time.Sleep(30 * time.Millisecond)
	if calls.Load() != 0 || bus.Handlers("a") != 0 {
		t.Fatalf("calls=%d handlers=%d", calls.Load(), bus.Handlers("a"))
	}
}
