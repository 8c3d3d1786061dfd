package app

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/voicelink/internal/domain"
	"github.com/rs/zerolog/log"
)

type ledgerEntry struct {
	at   time.Time
	held bool
}

// OfferLedger remembers the group sessions this client already sent an offer for.
// Reservations expire after ttl unless held; held entries stay until Evict.
type OfferLedger struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[domain.CallSessionID]ledgerEntry
}

func NewOfferLedger(ttl time.Duration) *OfferLedger {
	return &OfferLedger{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[domain.CallSessionID]ledgerEntry),
	}
}

// Reserve records id and reports true only for the first caller.
func (l *OfferLedger) Reserve(id domain.CallSessionID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[id]; ok && !l.expiredLocked(e) {
		return false
	}
	l.entries[id] = ledgerEntry{at: l.now()}
	return true
}

// Hold pins a live reservation so it no longer expires. It reports false when
// id is not reserved, for instance because it was evicted meanwhile.
func (l *OfferLedger) Hold(id domain.CallSessionID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok || l.expiredLocked(e) {
		return false
	}
	e.held = true
	l.entries[id] = e
	return true
}

func (l *OfferLedger) Has(id domain.CallSessionID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	return ok && !l.expiredLocked(e)
}

// Evict forgets id, on session end or when the offer could not be sent.
func (l *OfferLedger) Evict(id domain.CallSessionID) {
	l.mu.Lock()
	delete(l.entries, id)
	l.mu.Unlock()
}

func (l *OfferLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *OfferLedger) expiredLocked(e ledgerEntry) bool {
	return !e.held && l.ttl > 0 && l.now().Sub(e.at) > l.ttl
}

// Sweep drops expired entries and returns how many went.
func (l *OfferLedger) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, e := range l.entries {
		if l.expiredLocked(e) {
			delete(l.entries, id)
			n++
		}
	}
	return n
}

// Run sweeps periodically until ctx is done.
func (l *OfferLedger) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := l.Sweep(); n > 0 {
				log.Debug().Str("module", "app.ledger").Int("evicted", n).Msg("swept offer ledger")
			}
		}
	}
}
