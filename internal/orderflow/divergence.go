package orderflow

import "deltaflow/internal/market"

const (
	SignalBearishDivergence = "Bearish Delta Divergence"
	SignalBullishDivergence = "Bullish Delta Divergence"
)

type swingPoint struct {
	price float64
	delta float64
}

// Divergences compares the two most recent price swings against cumulative
// delta. A higher swing high on flat-or-falling cumulative delta is bearish;
// a lower swing low on flat-or-rising delta is bullish. Swings need the full
// symmetric window on both sides, so the freshest window bars never qualify.
// Returns nil below the minimum bar count.
func Divergences(bars []market.FootprintBar, window, minBars int) []string {
	if window <= 0 {
		window = 2
	}
	if minBars <= 0 {
		minBars = 10
	}
	if len(bars) < minBars {
		return nil
	}

	cumulative := make([]float64, len(bars))
	run := 0.0
	for i, bar := range bars {
		run += bar.Delta
		cumulative[i] = run
	}

	var highs, lows []swingPoint
	for i := window; i < len(bars)-window; i++ {
		if isSwingHigh(bars, i, window) {
			highs = append(highs, swingPoint{price: bars[i].High, delta: cumulative[i]})
		}
		if isSwingLow(bars, i, window) {
			lows = append(lows, swingPoint{price: bars[i].Low, delta: cumulative[i]})
		}
	}

	var out []string
	if n := len(highs); n >= 2 {
		earlier, later := highs[n-2], highs[n-1]
		if later.price > earlier.price && later.delta <= earlier.delta {
			out = append(out, SignalBearishDivergence)
		}
	}
	if n := len(lows); n >= 2 {
		earlier, later := lows[n-2], lows[n-1]
		if later.price < earlier.price && later.delta >= earlier.delta {
			out = append(out, SignalBullishDivergence)
		}
	}
	return out
}

func isSwingHigh(bars []market.FootprintBar, i, window int) bool {
	for j := i - window; j <= i+window; j++ {
		if bars[j].High > bars[i].High {
			return false
		}
	}
	return true
}

func isSwingLow(bars []market.FootprintBar, i, window int) bool {
	for j := i - window; j <= i+window; j++ {
		if bars[j].Low < bars[i].Low {
			return false
		}
	}
	return true
}
