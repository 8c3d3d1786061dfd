package app

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestReserveOncePerSession(t *testing.T) {
	l := NewOfferLedger(time.Hour)
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Reserve("s1") {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if won != 1 {
		t.Fatalf("%d reservations won", won)
	}
	l.Evict("s1")
	if !l.Reserve("s1") {
		t.Fatal("evicted session could not be reserved again")
	}
}

func TestExpiredEntriesAreSwept(t *testing.T) {
	l := NewOfferLedger(time.Minute)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	l.Reserve("old")
	now = now.Add(30 * time.Second)
	l.Reserve("new")
	now = now.Add(45 * time.Second)

	if l.Has("old") {
		t.Fatal("expired entry still reported")
	}
	if !l.Has("new") {
		t.Fatal("live entry lost")
	}
	if n := l.Sweep(); n != 1 || l.Len() != 1 {
		t.Fatalf("swept %d, left %d", n, l.Len())
	}
}

func TestRunStopsWithContext(t *testing.T) {
	l := NewOfferLedger(time.Millisecond)
	l.Reserve("s")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx, 2*time.Millisecond)
		close(done)
	}()
	deadline := time.Now().Add(time.Second)
	for l.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	<-done
	if l.Len() != 0 {
		t.Fatal("sweeper never ran")
	}
}

func TestHeldEntriesOutliveTTL(t *testing.T) {
	l := NewOfferLedger(time.Minute)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	l.Reserve("live")
	if !l.Hold("live") {
		t.Fatal("hold on a fresh reservation failed")
	}
	if l.Hold("missing") {
		t.Fatal("hold created an entry")
	}
	now = now.Add(time.Hour)

	if n := l.Sweep(); n != 0 {
		t.Fatalf("swept %d held entries", n)
	}
	if l.Reserve("live") {
		t.Fatal("held session reserved twice")
	}
	l.Evict("live")
	if !l.Reserve("live") {
		t.Fatal("evicted session could not be reserved again")
	}
}
