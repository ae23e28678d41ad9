// precision.go normalizes amounts and prices to a market's precision
// before they go on the wire, using exact decimal arithmetic so a
// float like 100.0099999999 is emitted as "100.01" and compared as
// such. Amounts always round down (never commit more than intended);
// prices round toward the passive side of the book: down for a buy,
// up for a sell.
package exchange

import (
	"github.com/shopspring/decimal"

	"tradingview-executor/pkg/types"
)

// FormatAmount renders an order quantity snapped down to the market's
// amount step.
func FormatAmount(m types.Market, amount float64) string {
	return snap(amount, m.AmountStep(), false).String()
}

// FormatPrice renders an order price snapped to the market's tick.
// Buy prices floor, sell prices ceil, so normalization never makes an
// order more aggressive than the engine intended.
func FormatPrice(m types.Market, price float64, side types.Side) string {
	return snap(price, m.TickSize(), side == types.Sell).String()
}

func snap(v, step float64, up bool) decimal.Decimal {
	s := decimal.NewFromFloat(step)
	if s.IsZero() {
		return decimal.NewFromFloat(v)
	}
	steps := decimal.NewFromFloat(v).Div(s)
	if up {
		steps = steps.Ceil()
	} else {
		steps = steps.Floor()
	}
	return steps.Mul(s)
}
