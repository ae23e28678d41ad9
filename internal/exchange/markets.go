// markets.go holds the per-adapter market metadata table and the small
// wire-parsing helpers every adapter shares.
package exchange

import (
	"fmt"
	"strconv"
	"sync"

	"tradingview-executor/pkg/types"
)

// marketTable caches the metadata loaded by LoadMarkets, keyed by
// canonical symbol. Adapters embed one; the zero value is empty.
type marketTable struct {
	mu       sync.RWMutex
	bySymbol map[string]types.Market
	byNative map[string]string // native symbol -> canonical
}

func (t *marketTable) set(markets map[string]types.Market) {
	byNative := make(map[string]string, len(markets))
	for symbol, m := range markets {
		byNative[m.NativeSymbol] = symbol
	}
	t.mu.Lock()
	t.bySymbol = markets
	t.byNative = byNative
	t.mu.Unlock()
}

func (t *marketTable) get(symbol string) (types.Market, error) {
	t.mu.RLock()
	m, ok := t.bySymbol[symbol]
	t.mu.RUnlock()
	if !ok {
		return types.Market{}, fmt.Errorf("market %s not loaded", symbol)
	}
	return m, nil
}

// canonical maps an exchange-native symbol back to BASE/QUOTE form.
// Unknown symbols pass through unchanged.
func (t *marketTable) canonical(native string) string {
	t.mu.RLock()
	symbol, ok := t.byNative[native]
	t.mu.RUnlock()
	if !ok {
		return native
	}
	return symbol
}

// parseFloat tolerates the string-encoded numbers exchange APIs emit.
// Empty or malformed values parse as zero.
func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// parseLevels converts [["price","qty"], ...] depth arrays.
func parseLevels(raw [][]string) []types.BookLevel {
	levels := make([]types.BookLevel, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			continue
		}
		levels = append(levels, types.BookLevel{
			Price: parseFloat(entry[0]),
			Qty:   parseFloat(entry[1]),
		})
	}
	return levels
}

// stepToPrecision converts an exchange step size ("0.01000000") into
// the Market precision convention: sub-1 steps are stored as the step
// itself, whole-number steps as zero decimal places.
func stepToPrecision(step float64) float64 {
	if step > 0 && step < 1 {
		return step
	}
	return 0
}
