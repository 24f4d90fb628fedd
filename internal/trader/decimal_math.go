package trader

import (
	"math"

	"github.com/shopspring/decimal"
)

// All price comparisons and PnL math run through shopspring/decimal so that
// float noise near a stop level cannot flip a decision. Profile percentages
// arrive as percent values (1.5 means 1.5%).

var (
	decOne     = decimal.NewFromInt(1)
	decHundred = decimal.NewFromInt(100)
)

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

func decimalCompare(a, b float64) int {
	return decFromFloat(a).Cmp(decFromFloat(b))
}

func decimalLTE(a, b float64) bool { return decimalCompare(a, b) <= 0 }
func decimalGTE(a, b float64) bool { return decimalCompare(a, b) >= 0 }
func decimalLT(a, b float64) bool  { return decimalCompare(a, b) < 0 }
func decimalGT(a, b float64) bool  { return decimalCompare(a, b) > 0 }

// pctFraction converts a percent value to its multiplier fraction.
func pctFraction(pct float64) decimal.Decimal {
	return decFromFloat(pct).Div(decHundred)
}

// stopPrice places the initial hard stop pct percent against the entry:
// entry*(1-pct/100) for longs, entry*(1+pct/100) for shorts.
func stopPrice(dir Direction, entry, pct float64) float64 {
	if entry <= 0 || pct <= 0 {
		return 0
	}
	base := decFromFloat(entry)
	if dir == DirectionShort {
		return decToFloat(base.Mul(decOne.Add(pctFraction(pct))))
	}
	return decToFloat(base.Mul(decOne.Sub(pctFraction(pct))))
}

// stopBreached reports whether price has touched or crossed the stop.
func stopBreached(dir Direction, price, stop float64) bool {
	if price <= 0 || stop <= 0 {
		return false
	}
	if dir == DirectionShort {
		return decimalGTE(price, stop)
	}
	return decimalLTE(price, stop)
}

// trailingStopFrom offsets the recorded extreme back toward the entry by
// pct percent.
func trailingStopFrom(dir Direction, extreme, pct float64) float64 {
	if extreme <= 0 || pct <= 0 {
		return 0
	}
	base := decFromFloat(extreme)
	if dir == DirectionShort {
		return decToFloat(base.Mul(decOne.Add(pctFraction(pct))))
	}
	return decToFloat(base.Mul(decOne.Sub(pctFraction(pct))))
}

// betterExtreme reports whether price strictly improves on the recorded
// extreme in the position's favor.
func betterExtreme(dir Direction, price, extreme float64) bool {
	if price <= 0 || extreme <= 0 {
		return false
	}
	if dir == DirectionShort {
		return decimalLT(price, extreme)
	}
	return decimalGT(price, extreme)
}

// unrealizedPnLPercent is the move from entry in percent, positive when the
// position is in profit.
func unrealizedPnLPercent(dir Direction, entry, price float64) float64 {
	if entry <= 0 || price <= 0 {
		return 0
	}
	move := decFromFloat(price).Sub(decFromFloat(entry)).Div(decFromFloat(entry)).Mul(decHundred)
	if dir == DirectionShort {
		move = move.Neg()
	}
	return decToFloat(move)
}

// positionPnL returns the absolute and percentage PnL at the exit price.
func positionPnL(dir Direction, entry, exit, qty float64) (pnl, pnlPct float64) {
	if entry <= 0 || exit <= 0 || qty <= 0 {
		return 0, 0
	}
	diff := decFromFloat(exit).Sub(decFromFloat(entry))
	if dir == DirectionShort {
		diff = diff.Neg()
	}
	return decToFloat(diff.Mul(decFromFloat(qty))), decToFloat(diff.Div(decFromFloat(entry)).Mul(decHundred))
}

// orderQuantity sizes a position in base units from the quote-denominated
// order size.
func orderQuantity(sizeUSD, price float64) float64 {
	if sizeUSD <= 0 || price <= 0 {
		return 0
	}
	return decToFloat(decFromFloat(sizeUSD).Div(decFromFloat(price)))
}

// withinBandAbove reports base <= price <= base*(1+tolPct/100).
func withinBandAbove(price, base, tolPct float64) bool {
	if price <= 0 || base <= 0 {
		return false
	}
	upper := decFromFloat(base).Mul(decOne.Add(pctFraction(tolPct)))
	return decimalGTE(price, base) && decFromFloat(price).Cmp(upper) <= 0
}

// withinBandBelow reports base*(1-tolPct/100) <= price <= base.
func withinBandBelow(price, base, tolPct float64) bool {
	if price <= 0 || base <= 0 {
		return false
	}
	lower := decFromFloat(base).Mul(decOne.Sub(pctFraction(tolPct)))
	return decimalLTE(price, base) && decFromFloat(price).Cmp(lower) >= 0
}
