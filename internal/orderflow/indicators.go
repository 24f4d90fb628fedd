package orderflow

import (
	"math"

	"github.com/markcheno/go-talib"

	"deltaflow/internal/market"
)

// IndicatorContext carries descriptive trend/momentum readings computed from
// bar closes. It annotates metrics snapshots and the HTTP API; entry
// decisions never branch on it.
type IndicatorContext struct {
	EMAFast    float64 `json:"ema_fast"`
	EMAMid     float64 `json:"ema_mid"`
	EMASlow    float64 `json:"ema_slow"`
	RSI        float64 `json:"rsi"`
	RSIState   string  `json:"rsi_state"`
	TrendState string  `json:"trend_state"`
	OK         bool    `json:"ok"`
}

// Indicators computes EMA fast/mid/slow and RSI over the window closes.
// OK is set only when the window is long enough for every series.
func Indicators(bars []market.FootprintBar, fast, mid, slow, rsiPeriod int) IndicatorContext {
	if fast <= 0 {
		fast = 7
	}
	if mid <= 0 {
		mid = 25
	}
	if slow <= 0 {
		slow = 99
	}
	if rsiPeriod <= 0 {
		rsiPeriod = 14
	}
	out := IndicatorContext{RSIState: "unknown", TrendState: "unknown"}
	if len(bars) == 0 {
		return out
	}
	closes := make([]float64, len(bars))
	for i, bar := range bars {
		closes[i] = bar.Close
	}
	lastClose := closes[len(closes)-1]

	if len(closes) >= fast {
		out.EMAFast = lastValid(talib.Ema(closes, fast))
	}
	if len(closes) >= mid {
		out.EMAMid = lastValid(talib.Ema(closes, mid))
	}
	if len(closes) >= slow {
		out.EMASlow = lastValid(talib.Ema(closes, slow))
		out.TrendState = relativeState(lastClose, out.EMASlow)
	}
	if len(closes) > rsiPeriod {
		out.RSI = lastValid(talib.Rsi(closes, rsiPeriod))
		switch {
		case out.RSI >= 70:
			out.RSIState = "overbought"
		case out.RSI <= 30:
			out.RSIState = "oversold"
		default:
			out.RSIState = "neutral"
		}
	}
	out.OK = len(closes) >= slow && len(closes) > rsiPeriod
	return out
}

func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		v := series[i]
		if !math.IsNaN(v) && !math.IsInf(v, 0) && math.Abs(v) > 1e-12 {
			return v
		}
	}
	return 0
}

func relativeState(price, ref float64) string {
	if ref == 0 {
		return "unknown"
	}
	switch {
	case price > ref*1.002:
		return "above"
	case price < ref*0.998:
		return "below"
	default:
		return "touch"
	}
}
