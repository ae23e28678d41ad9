// Package market maintains live order-book state streamed over
// WebSocket. The mirror is a read-through cache in front of REST depth
// polling: workers take whatever snapshot is fresh and fall back to
// REST when the feed is behind.
package market

import (
	"sync"
	"time"

	"tradingview-executor/pkg/types"
)

// maxStaleness is how old a streamed snapshot may be before readers
// must fall back to REST.
const maxStaleness = 2 * time.Second

// Mirror holds the most recent depth snapshot per symbol. Safe for
// concurrent use by the feed writer and many worker readers.
type Mirror struct {
	mu    sync.RWMutex
	books map[string]types.OrderBookSnapshot
}

func NewMirror() *Mirror {
	return &Mirror{books: make(map[string]types.OrderBookSnapshot)}
}

// Update replaces the stored snapshot for snap.Symbol.
func (m *Mirror) Update(snap types.OrderBookSnapshot) {
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}
	m.mu.Lock()
	m.books[snap.Symbol] = snap
	m.mu.Unlock()
}

// Snapshot returns the current book for symbol. ok is false when the
// symbol has never been streamed or the data is stale.
func (m *Mirror) Snapshot(symbol string) (types.OrderBookSnapshot, bool) {
	m.mu.RLock()
	snap, ok := m.books[symbol]
	m.mu.RUnlock()
	if !ok || time.Since(snap.Timestamp) > maxStaleness {
		return types.OrderBookSnapshot{}, false
	}
	return snap, true
}

// BestBid returns the top bid price, or zero when the book is empty or
// stale.
func (m *Mirror) BestBid(symbol string) float64 {
	snap, ok := m.Snapshot(symbol)
	if !ok || len(snap.Bids) == 0 {
		return 0
	}
	return snap.Bids[0].Price
}

// BestAsk returns the top ask price, or zero when the book is empty or
// stale.
func (m *Mirror) BestAsk(symbol string) float64 {
	snap, ok := m.Snapshot(symbol)
	if !ok || len(snap.Asks) == 0 {
		return 0
	}
	return snap.Asks[0].Price
}

// Drop forgets a symbol, forcing readers back to REST until the feed
// repopulates it.
func (m *Mirror) Drop(symbol string) {
	m.mu.Lock()
	delete(m.books, symbol)
	m.mu.Unlock()
}
