package orderflow

import (
	"testing"

	"deltaflow/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closeBar(close, volume float64) market.FootprintBar {
	return market.FootprintBar{
		Open:   close - 1,
		High:   close + 1,
		Low:    close - 2,
		Close:  close,
		Volume: volume,
		Levels: map[string]market.PriceLevel{
			market.PriceKey(close, 2): {Price: close, Buy: volume},
		},
	}
}

func TestCompute(t *testing.T) {
	cfg := Config{
		ValueAreaPct:      0.70,
		SwingWindow:       2,
		MinDivergenceBars: 10,
		ImbalanceRatio:    3.0,
		ImbalanceStack:    2,
		IndicatorFast:     7,
		IndicatorMid:      25,
		IndicatorSlow:     99,
		RSIPeriod:         14,
	}

	t.Run("Live Bar Drives Character", func(t *testing.T) {
		window := []market.FootprintBar{closeBar(100, 10), closeBar(99, 10)}
		current := &market.FootprintBar{Open: 99, Close: 100, Delta: 3, Volume: 2}

		m := Compute("BTCUSDT", window, current, cfg)

		assert.Equal(t, "BTCUSDT", m.Symbol)
		assert.Equal(t, 2, m.BarCount)
		assert.Equal(t, CharacterPriceBuy, m.Character)
		// profile and vwap read the finalized window only
		require.True(t, m.ProfileOK)
		assert.Equal(t, 20.0, m.Profile.TotalVolume)
		require.True(t, m.VWAPOK)
	})

	t.Run("Falls Back To Last Finalized Bar", func(t *testing.T) {
		window := []market.FootprintBar{closeBar(100, 10), closeBar(99, 10)}

		m := Compute("BTCUSDT", window, nil, cfg)

		// closeBar(99) opens at 98 and closes at 99 on buy-only volume
		assert.Equal(t, CharacterPriceBuy, m.Character)
	})

	t.Run("Empty Window", func(t *testing.T) {
		m := Compute("BTCUSDT", nil, nil, cfg)

		assert.Zero(t, m.BarCount)
		assert.False(t, m.ProfileOK)
		assert.False(t, m.VWAPOK)
		assert.Equal(t, CharacterUnavailable, m.Character)
		assert.False(t, m.Indicators.OK)
	})
}

func TestMetrics_HasSignal(t *testing.T) {
	m := Metrics{
		Divergences: []string{SignalBearishDivergence},
		Imbalances:  []string{SignalBullishImbalanceReversal},
	}
	assert.True(t, m.HasSignal(SignalBearishDivergence))
	assert.True(t, m.HasSignal(SignalBullishImbalanceReversal))
	assert.False(t, m.HasSignal(SignalBullishDivergence))
}

func TestIndicators(t *testing.T) {
	t.Run("Uptrend Readings", func(t *testing.T) {
		bars := make([]market.FootprintBar, 120)
		for i := range bars {
			bars[i] = closeBar(100+float64(i), 10)
		}

		ind := Indicators(bars, 7, 25, 99, 14)

		require.True(t, ind.OK)
		assert.Greater(t, ind.EMAFast, ind.EMAMid)
		assert.Greater(t, ind.EMAMid, ind.EMASlow)
		assert.Greater(t, ind.EMASlow, 0.0)
		assert.Equal(t, "above", ind.TrendState)
		assert.Equal(t, "overbought", ind.RSIState)
		assert.GreaterOrEqual(t, ind.RSI, 70.0)
	})

	t.Run("Window Too Short For Slow Series", func(t *testing.T) {
		bars := make([]market.FootprintBar, 30)
		for i := range bars {
			bars[i] = closeBar(100+float64(i), 10)
		}

		ind := Indicators(bars, 7, 25, 99, 14)

		assert.False(t, ind.OK)
		assert.Zero(t, ind.EMASlow)
		assert.Equal(t, "unknown", ind.TrendState)
		assert.Greater(t, ind.EMAFast, 0.0)
		assert.NotEqual(t, "unknown", ind.RSIState)
	})

	t.Run("Empty Window", func(t *testing.T) {
		ind := Indicators(nil, 7, 25, 99, 14)
		assert.False(t, ind.OK)
		assert.Equal(t, "unknown", ind.RSIState)
		assert.Equal(t, "unknown", ind.TrendState)
	})
}
