package executor

import (
	"sync"
	"time"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

type ledgerEntry struct {
	order  domain.Order
	seenAt time.Time
}

// Ledger remembers orders accepted by the exchange, keyed by client order id,
// so a caller repeating a request with the same id gets the original order
// back instead of a second execution. It is safe for concurrent use.
type Ledger struct {
	entries map[string]ledgerEntry
	ttl     time.Duration
	mu      sync.Mutex
}

// NewLedger creates a Ledger whose entries live for ttl.
func NewLedger(ttl time.Duration) *Ledger {
	return &Ledger{
		entries: make(map[string]ledgerEntry),
		ttl:     ttl,
	}
}

// Lookup returns the order recorded under clientOrderID, if still live.
func (l *Ledger) Lookup(clientOrderID string) (domain.Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[clientOrderID]
	if !ok || time.Since(e.seenAt) >= l.ttl {
		return domain.Order{}, false
	}
	return e.order, true
}

// Record stores the latest view of an order.
func (l *Ledger) Record(o domain.Order) {
	if o.ClientOrderID == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[o.ClientOrderID] = ledgerEntry{order: o, seenAt: time.Now()}
}

// Len returns the number of entries, live or expired.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Cleanup removes expired entries.
func (l *Ledger) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for id, e := range l.entries {
		if now.Sub(e.seenAt) >= l.ttl {
			delete(l.entries, id)
		}
	}
}
