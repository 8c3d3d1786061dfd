package signal

import (
	"testing"
	"time"
)

func TestReconnectDelayStaysWithinBounds(t *testing.T) {
	opts := Options{BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second, Multiplier: 2, Randomization: 0.5}
	for run := 0; run < 200; run++ {
		m := NewManager(opts)
		for i := 0; i < 10; i++ {
			d := m.nextDelayLocked()
			if d < opts.BaseDelay || d > opts.MaxDelay {
				t.Fatalf("run %d attempt %d: delay %s outside [%s, %s]", run, i, d, opts.BaseDelay, opts.MaxDelay)
			}
		}
	}
}

func TestReconnectDelayReachesCap(t *testing.T) {
	m := NewManager(Options{BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second, Multiplier: 2})
	var last time.Duration
	for i := 0; i < 10; i++ {
		last = m.nextDelayLocked()
	}
	if last != 10*time.Second {
		t.Fatalf("delay after 10 attempts = %s", last)
	}
}
