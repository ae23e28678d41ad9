// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the executor — order and
// balance types, market metadata, order book snapshots, and the inbound
// webhook signal. It has no dependencies on internal packages, so it can
// be imported by any layer.
package types

import (
	"math"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: buy or sell.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus is the normalized lifecycle state of an order.
// Adapters translate exchange-native states into one of these.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderClosed    OrderStatus = "closed"
	OrderCancelled OrderStatus = "cancelled"
)

// LimitOrderStrategy selects how the execution engine prices its
// resting limit order from the live order book.
type LimitOrderStrategy string

const (
	// BestBidOrAsk joins the queue at the top of book.
	BestBidOrAsk LimitOrderStrategy = "best_bid_or_ask"
	// BetterThanBestPrice jumps the queue by one tick inside the spread.
	BetterThanBestPrice LimitOrderStrategy = "better_than_best_price"
	// WeightedAverage weights the top book levels so a thin top is not
	// blindly trusted, then snaps to a profitable tick.
	WeightedAverage LimitOrderStrategy = "weighted_average"
)

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// Market holds per-symbol metadata required before any order can be
// placed: precisions, minimums, and the exchange-native symbol form.
// Populated once by Adapter.LoadMarkets.
type Market struct {
	Symbol       string // canonical form BASE/QUOTE, e.g. "BTC/USDT"
	NativeSymbol string // exchange wire form, e.g. "BTCUSDT" or "btc_thb"
	Base         string // traded asset
	Quote        string // pricing asset

	PricePrecision  float64 // decimal places if >=1, or a sub-1 tick (e.g. 0.001)
	AmountPrecision float64 // decimal places if >=1, or a sub-1 step
	MinAmount       float64 // minimum order quantity in base units of the pair
	MinCost         float64 // minimum order value in quote units
}

// TickSize derives the minimum price increment for the market:
// the precision itself when it is already a sub-1 tick, otherwise
// 10^(-precision).
func (m Market) TickSize() float64 {
	if m.PricePrecision < 1 {
		return m.PricePrecision
	}
	return math.Pow(10, -m.PricePrecision)
}

// AmountStep derives the minimum quantity increment, mirroring TickSize.
func (m Market) AmountStep() float64 {
	if m.AmountPrecision < 1 {
		return m.AmountPrecision
	}
	return math.Pow(10, -m.AmountPrecision)
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// BookLevel is a single bid or ask level: price and resting quantity.
type BookLevel struct {
	Price float64
	Qty   float64
}

// OrderBookSnapshot is a point-in-time view of one market's order book.
// Bids are sorted descending by price, asks ascending.
type OrderBookSnapshot struct {
	Symbol    string
	Bids      []BookLevel
	Asks      []BookLevel
	Timestamp time.Time // server timestamp when available, receive time otherwise
}

// ————————————————————————————————————————————————————————————————————————
// Balances
// ————————————————————————————————————————————————————————————————————————

// Balance is the normalized per-asset balance. Free is spendable,
// Used is locked in open orders, Total = Free + Used.
type Balance struct {
	Free  float64
	Used  float64
	Total float64
}

// Balances maps asset symbol to its balance. Assets absent from the
// exchange response are simply missing; callers treat them as zero.
type Balances map[string]Balance

// Free returns the spendable balance for an asset, zero if absent.
func (b Balances) Free(asset string) float64 {
	return b[asset].Free
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// Order is the engine's normalized view of an exchange order.
// Raw preserves the exchange-native payload for debugging; it never
// drives engine decisions.
type Order struct {
	ID        string
	Symbol    string // canonical BASE/QUOTE
	Side      Side
	Type      OrderType
	Price     float64
	Amount    float64
	Filled    float64
	Remaining float64
	Status    OrderStatus
	Raw       map[string]any
}

// ————————————————————————————————————————————————————————————————————————
// Webhook signal
// ————————————————————————————————————————————————————————————————————————

// OrderSignal is the JSON payload posted to /webhook by the signal
// source. Symbol arrives in concatenated form (e.g. "BTCUSDT"); the
// portfolio strips its base asset to recover the traded asset.
type OrderSignal struct {
	Exchange  string `json:"exchange"`
	Symbol    string `json:"symbol"`
	Side      Side   `json:"side"`
	SendOrder bool   `json:"send_order"`
	LineToken string `json:"line_token,omitempty"`
	Secret    string `json:"secret,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Portfolio balance report
// ————————————————————————————————————————————————————————————————————————

// AssetHolding is one universe asset's line in the balance report.
type AssetHolding struct {
	Amount float64 `json:"amount"`
	Price  float64 `json:"price"`
	Value  float64 `json:"value"`
	Weight float64 `json:"weight,omitempty"`
}

// PortfolioBalance is the per-exchange balance report returned by
// Portfolio.GetPortfolioBalance and aggregated by the registry.
type PortfolioBalance struct {
	BaseAsset   string                  `json:"base_asset"`
	BaseBalance float64                 `json:"base_balance"`
	Assets      map[string]AssetHolding `json:"assets"`
	Total       float64                 `json:"total"`
}
