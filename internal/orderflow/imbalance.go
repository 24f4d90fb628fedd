package orderflow

import "deltaflow/internal/market"

const (
	SignalBearishImbalanceReversal = "BEARISH_IMBALANCE_REVERSAL"
	SignalBullishImbalanceReversal = "BULLISH_IMBALANCE_REVERSAL"
)

// ImbalanceReversals inspects the second-to-last bar of the window for
// stacked diagonal imbalances at its extremes, confirmed by the close
// direction of the most recent bar. Buy imbalances stacked from the high
// with a down-close confirm trapped buyers (bearish); sell imbalances
// stacked from the low with an up-close confirm trapped sellers (bullish).
func ImbalanceReversals(bars []market.FootprintBar, ratio float64, stack int) []string {
	if ratio <= 1 {
		ratio = 3.0
	}
	if stack <= 0 {
		stack = 2
	}
	if len(bars) < 2 {
		return nil
	}
	signal := bars[len(bars)-2]
	confirm := bars[len(bars)-1]
	levels := signal.LevelsDescending()
	if len(levels) < 2 {
		return nil
	}

	var out []string

	topRun := 0
	for topRun < len(levels)-1 && buyImbalance(levels[topRun], levels[topRun+1], ratio) {
		topRun++
	}
	if topRun >= stack && confirm.Close < confirm.Open {
		out = append(out, SignalBearishImbalanceReversal)
	}

	bottomRun := 0
	for k := len(levels) - 1; k >= 1 && sellImbalance(levels[k], levels[k-1], ratio); k-- {
		bottomRun++
	}
	if bottomRun >= stack && confirm.Close > confirm.Open {
		out = append(out, SignalBullishImbalanceReversal)
	}
	return out
}

// buyImbalance compares taker buys at a level against taker sells one level
// below (diagonal read).
func buyImbalance(upper, lower market.PriceLevel, ratio float64) bool {
	if lower.Sell == 0 {
		return upper.Buy > 0
	}
	return upper.Buy >= lower.Sell*ratio
}

func sellImbalance(lower, upper market.PriceLevel, ratio float64) bool {
	if upper.Buy == 0 {
		return lower.Sell > 0
	}
	return lower.Sell >= upper.Buy*ratio
}
