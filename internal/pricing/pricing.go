// Package pricing computes target limit prices from order book
// snapshots. All functions are pure and deterministic: the execution
// engine calls them on every loop iteration with a fresh book and the
// in-flight order, and places/replaces based on the result.
//
// Three strategies form a progression from passive to adaptive:
//
//	BestBidOrAsk        — join the queue at the top of book
//	BetterThanBestPrice — one tick inside the spread
//	WeightedAverage     — weight the top levels, then snap to a
//	                      profitable tick
//
// Final prices are snapped to the market tick using exact decimal
// arithmetic; float accumulation is confined to the weighted sums.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tradingview-executor/pkg/types"
)

// ownQtyShare is the fraction of our remaining quantity used as the
// depth threshold: a level thinner than this is ignored both when
// removing our own resting order from the book and when judging whether
// a level is worth undercutting.
const ownQtyShare = 0.01

// RoundMode selects the tick-snapping direction.
type RoundMode int

const (
	RoundNearest RoundMode = iota
	RoundDown
	RoundUp
)

// Inputs carries everything a price calculation needs beyond the book
// side itself. Current is the engine's in-flight order (nil on initial
// placement); its resting quantity is subtracted from the book so it
// cannot bias its own replacement price.
type Inputs struct {
	Book      types.OrderBookSnapshot
	Strategy  types.LimitOrderStrategy
	Tick      float64
	Weights   []float64 // orderbook weights: w0 (best) + depth levels
	Current   *types.Order
	Remaining float64 // our remaining quantity, basis for depth thresholds
}

// LimitBuyPrice computes the target buy limit price from the bid side.
func LimitBuyPrice(in Inputs) (float64, error) {
	return limitPrice(in, types.Buy)
}

// LimitSellPrice computes the target sell limit price from the ask side.
func LimitSellPrice(in Inputs) (float64, error) {
	return limitPrice(in, types.Sell)
}

func limitPrice(in Inputs, side types.Side) (float64, error) {
	levels := in.Book.Bids
	if side == types.Sell {
		levels = in.Book.Asks
	}
	if len(levels) == 0 {
		return 0, fmt.Errorf("pricing: empty %s side for %s", side, in.Book.Symbol)
	}

	switch in.Strategy {
	case types.BestBidOrAsk:
		return levels[0].Price, nil

	case types.BetterThanBestPrice:
		top := levels[0].Price
		// Holding the top already: no redundant replacement.
		if in.Current != nil && in.Current.Price == top {
			return top, nil
		}
		if side == types.Buy {
			return QuantizeToTick(top+in.Tick, in.Tick, RoundNearest), nil
		}
		return QuantizeToTick(top-in.Tick, in.Tick, RoundNearest), nil

	case types.WeightedAverage:
		p, err := weightedAveragePrice(levels, in, side)
		if err != nil {
			return 0, err
		}
		return AdjustForProfit(p, side, levels, in.Tick, ownQtyShare*in.Remaining, in.Current), nil

	default:
		return 0, fmt.Errorf("pricing: unknown strategy %q", in.Strategy)
	}
}

// weightedAveragePrice averages the top levels of one book side using
// the configured weights. Our own resting order is subtracted from its
// level first; a level that is mostly our own order is skipped
// entirely. A synthetic best level one tick inside the book carries the
// heaviest weight, pulling the result toward the spread. The final
// value is rounded away from the market: up to the next tick for a buy,
// down for a sell.
func weightedAveragePrice(levels []types.BookLevel, in Inputs, side types.Side) (float64, error) {
	if len(in.Weights) < 2 {
		return 0, fmt.Errorf("pricing: need at least 2 orderbook weights, got %d", len(in.Weights))
	}
	depthWeights := in.Weights[1:]
	maxLevels := len(depthWeights)
	threshold := ownQtyShare * in.Remaining

	var (
		priceSum  float64 // Σ p·q·w over non-skipped levels
		qtySum    float64 // Σ q·w over non-skipped levels
		firstUsed = -1.0
		used      int
	)
	for i := 0; i < maxLevels && i < len(levels); i++ {
		qty := levels[i].Qty
		if in.Current != nil && levels[i].Price == in.Current.Price {
			qty -= in.Current.Remaining
			if qty < threshold {
				continue
			}
		}
		if firstUsed < 0 {
			firstUsed = levels[i].Price
		}
		w := depthWeights[used]
		priceSum += levels[i].Price * qty * w
		qtySum += qty * w
		used++
	}
	if firstUsed < 0 {
		return 0, fmt.Errorf("pricing: every %s level was our own order", side)
	}

	var depthWeightSum float64
	for _, w := range depthWeights {
		depthWeightSum += w
	}
	if depthWeightSum == 0 || qtySum == 0 {
		return firstUsed, nil
	}

	// Synthetic best: one tick inside the first usable level, weighted
	// by w0 and carrying the average quantity of the depth levels.
	bestPrice := firstUsed + in.Tick
	if side == types.Sell {
		bestPrice = firstUsed - in.Tick
	}
	bestQty := qtySum / depthWeightSum
	priceSum += bestPrice * bestQty * in.Weights[0]
	qtySum += bestQty * in.Weights[0]

	avg := priceSum / qtySum
	if side == types.Buy {
		return QuantizeToTick(avg, in.Tick, RoundUp), nil
	}
	return QuantizeToTick(avg, in.Tick, RoundDown), nil
}

// AdjustForProfit pulls a candidate price one tick inside the first
// book level that is strictly better than the candidate and deep enough
// to matter (qty >= qtyThreshold after removing our own order). This
// guarantees we never replace our own order with a price worse than a
// level already resting inside our position. When no level qualifies
// the candidate is returned tick-quantized.
func AdjustForProfit(price float64, side types.Side, levels []types.BookLevel, tick, qtyThreshold float64, current *types.Order) float64 {
	for _, l := range levels {
		qty := l.Qty
		if current != nil && l.Price == current.Price {
			qty -= current.Remaining
		}
		if qty < qtyThreshold {
			continue
		}
		if side == types.Buy && l.Price < price {
			return QuantizeToTick(l.Price+tick, tick, RoundNearest)
		}
		if side == types.Sell && l.Price > price {
			return QuantizeToTick(l.Price-tick, tick, RoundNearest)
		}
	}
	if side == types.Buy {
		return QuantizeToTick(price, tick, RoundUp)
	}
	return QuantizeToTick(price, tick, RoundDown)
}

// QuantizeToTick snaps a price to the tick grid using exact decimal
// arithmetic, avoiding binary-float drift. The tick is converted via
// its shortest decimal representation so 0.01 means exactly 0.01.
func QuantizeToTick(price, tick float64, mode RoundMode) float64 {
	if tick <= 0 {
		return price
	}
	t := decimal.NewFromFloat(tick)
	steps := decimal.NewFromFloat(price).Div(t)
	switch mode {
	case RoundDown:
		steps = steps.Floor()
	case RoundUp:
		steps = steps.Ceil()
	default:
		steps = steps.Round(0)
	}
	return steps.Mul(t).InexactFloat64()
}

// CalculateInitialBuyPrice prices a fresh buy order funded with
// baseAmount of the quote currency. The strategy price is converted to
// an asset amount, then re-adjusted for profitability using that amount
// as the depth-threshold basis, since a fresh order has no in-flight
// remaining to measure against.
func CalculateInitialBuyPrice(book types.OrderBookSnapshot, baseAmount, tick float64, weights []float64, strategy types.LimitOrderStrategy) (price, amount float64, err error) {
	p, err := LimitBuyPrice(Inputs{Book: book, Strategy: strategy, Tick: tick, Weights: weights})
	if err != nil {
		return 0, 0, err
	}
	amount = baseAmount / p
	price = AdjustForProfit(p, types.Buy, book.Bids, tick, ownQtyShare*amount, nil)
	amount = baseAmount / price
	return price, amount, nil
}

// CalculateInitialSellPrice prices a fresh sell of the given asset
// quantity, thresholding depth at 1% of that quantity.
func CalculateInitialSellPrice(book types.OrderBookSnapshot, assetAmount, tick float64, weights []float64, strategy types.LimitOrderStrategy) (float64, error) {
	p, err := LimitSellPrice(Inputs{Book: book, Strategy: strategy, Tick: tick, Weights: weights, Remaining: assetAmount})
	if err != nil {
		return 0, err
	}
	return AdjustForProfit(p, types.Sell, book.Asks, tick, ownQtyShare*assetAmount, nil), nil
}

// CalculateTargetPrice recomputes the resting order's target price
// mid-flight. remaining is the engine's current unfilled quantity.
func CalculateTargetPrice(book types.OrderBookSnapshot, remaining float64, current *types.Order, tick float64, weights []float64, strategy types.LimitOrderStrategy, side types.Side) (float64, error) {
	in := Inputs{Book: book, Strategy: strategy, Tick: tick, Weights: weights, Current: current, Remaining: remaining}
	if side == types.Buy {
		return LimitBuyPrice(in)
	}
	return LimitSellPrice(in)
}
