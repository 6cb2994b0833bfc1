package alert

import (
	"context"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const sweepInterval = time.Minute

// ledger remembers which transactions already have an alert. The first
// dispatch for a transaction owns the entry; later callers wait for it.
type ledger struct {
	mu        sync.Mutex
	entries   map[string]*ledgerEntry
	ttl       time.Duration
	now       func() time.Time
	lastSweep time.Time
}

type ledgerEntry struct {
	done      chan struct{}
	alert     *domain.Alert
	expiresAt time.Time
}

func newLedger(ttl time.Duration, now func() time.Time) *ledger {
	return &ledger{
		entries: make(map[string]*ledgerEntry),
		ttl:     ttl,
		now:     now,
	}
}

// reserve returns the entry for txID and whether the caller owns it.
func (l *ledger) reserve(txID string) (*ledgerEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	if e, ok := l.entries[txID]; ok {
		if !l.expired(e, now) {
			return e, false
		}
		delete(l.entries, txID)
	}

	e := &ledgerEntry{done: make(chan struct{})}
	l.entries[txID] = e
	return e, true
}

// complete publishes the owner's alert to waiters and starts the TTL.
func (l *ledger) complete(e *ledgerEntry, a *domain.Alert) {
	l.mu.Lock()
	e.alert = a
	e.expiresAt = l.now().Add(l.ttl)
	l.mu.Unlock()
	close(e.done)
}

// wait blocks until the owner completes or ctx ends.
func (l *ledger) wait(ctx context.Context, e *ledgerEntry) *domain.Alert {
	select {
	case <-e.done:
	case <-ctx.Done():
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return e.alert
}

func (l *ledger) expired(e *ledgerEntry, now time.Time) bool {
	select {
	case <-e.done:
	default:
		return false
	}
	return l.ttl > 0 && !now.Before(e.expiresAt)
}

func (l *ledger) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < sweepInterval {
		return
	}
	l.lastSweep = now
	for k, e := range l.entries {
		if l.expired(e, now) {
			delete(l.entries, k)
		}
	}
}

func (l *ledger) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
