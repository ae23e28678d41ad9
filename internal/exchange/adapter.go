// Package exchange normalizes heterogeneous spot-exchange REST APIs
// behind a single Adapter interface. Each adapter owns its HMAC
// signing, symbol mapping (canonical BASE/QUOTE vs. the exchange wire
// form), precision normalization, rate limiting, and error-code
// translation into the common taxonomy in errors.go.
//
// Adapters are safe for concurrent use: the portfolio, the HTTP
// balance handler, and every execution worker share one instance per
// exchange.
package exchange

import (
	"context"

	"tradingview-executor/pkg/types"
)

// Capabilities flags what an exchange API can do. The engine falls
// back to market orders on exchanges that cannot track order
// lifecycle (no FetchOrder).
type Capabilities struct {
	FetchOrder      bool
	FetchOpenOrders bool
	FetchTickers    bool
}

// Adapter is the per-exchange capability interface. All symbols are
// canonical BASE/QUOTE; all returned values use engine types.
type Adapter interface {
	// Name returns the upper-case exchange identifier, e.g. "BINANCE".
	Name() string

	// Has reports the adapter's capability flags.
	Has() Capabilities

	// LoadMarkets fetches symbol metadata (precisions, minimums) for
	// every market. Must be called before any order is placed.
	LoadMarkets(ctx context.Context) (map[string]types.Market, error)

	// FetchBalance returns normalized per-asset balances.
	FetchBalance(ctx context.Context) (types.Balances, error)

	// FetchTicker returns the last traded price for one symbol.
	FetchTicker(ctx context.Context, symbol string) (float64, error)

	// FetchTickers returns last prices for several symbols in one batch.
	FetchTickers(ctx context.Context, symbols []string) (map[string]float64, error)

	// FetchOrderBook returns up to limit levels per side.
	FetchOrderBook(ctx context.Context, symbol string, limit int) (types.OrderBookSnapshot, error)

	// CreateOrder submits an order. Amount and price are normalized to
	// the market's precision inside the adapter. The returned Order has
	// its ID populated.
	CreateOrder(ctx context.Context, symbol string, side types.Side, typ types.OrderType, amount, price float64) (types.Order, error)

	// CancelOrder cancels by id. Returns ErrOrderNotFound if the
	// exchange no longer knows the order.
	CancelOrder(ctx context.Context, id, symbol string) error

	// FetchOrder returns the current state of one order.
	FetchOrder(ctx context.Context, id, symbol string) (types.Order, error)

	// FetchOpenOrders lists open orders, optionally filtered by symbol
	// (empty string = all symbols where the API allows it).
	FetchOpenOrders(ctx context.Context, symbol string) ([]types.Order, error)
}
