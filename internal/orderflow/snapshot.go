package orderflow

import "deltaflow/internal/market"

// Config carries the tunables for one metrics pass.
type Config struct {
	ValueAreaPct      float64
	SwingWindow       int
	MinDivergenceBars int
	ImbalanceRatio    float64
	ImbalanceStack    int
	IndicatorFast     int
	IndicatorMid      int
	IndicatorSlow     int
	RSIPeriod         int
}

// Metrics is one consistent order-flow snapshot for a symbol, computed from
// a finalized-bar window plus the live partial bar.
type Metrics struct {
	Symbol      string           `json:"symbol"`
	BarCount    int              `json:"bar_count"`
	Profile     VolumeProfile    `json:"profile"`
	ProfileOK   bool             `json:"profile_ok"`
	VWAP        float64          `json:"vwap"`
	VWAPOK      bool             `json:"vwap_ok"`
	Character   string           `json:"character"`
	Divergences []string         `json:"divergences,omitempty"`
	Imbalances  []string         `json:"imbalances,omitempty"`
	Indicators  IndicatorContext `json:"indicators"`
}

func (m Metrics) HasSignal(signal string) bool {
	for _, s := range m.Divergences {
		if s == signal {
			return true
		}
	}
	for _, s := range m.Imbalances {
		if s == signal {
			return true
		}
	}
	return false
}

// Compute runs every metric over one consistent window snapshot. The bar
// character reads the live partial bar, falling back to the last finalized
// bar between intervals; everything else uses only finalized bars.
func Compute(symbol string, window []market.FootprintBar, current *market.FootprintBar, cfg Config) Metrics {
	m := Metrics{Symbol: symbol, BarCount: len(window)}
	m.Profile, m.ProfileOK = ComputeProfile(window, cfg.ValueAreaPct)
	m.VWAP, m.VWAPOK = SessionVWAP(window)

	characterBar := current
	if characterBar == nil && len(window) > 0 {
		last := window[len(window)-1]
		characterBar = &last
	}
	m.Character = Character(characterBar)

	m.Divergences = Divergences(window, cfg.SwingWindow, cfg.MinDivergenceBars)
	m.Imbalances = ImbalanceReversals(window, cfg.ImbalanceRatio, cfg.ImbalanceStack)
	m.Indicators = Indicators(window, cfg.IndicatorFast, cfg.IndicatorMid, cfg.IndicatorSlow, cfg.RSIPeriod)
	return m
}
