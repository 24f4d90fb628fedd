package orderflow

import "deltaflow/internal/market"

// SessionVWAP returns the volume weighted average price of the window using
// the typical price (high+low+close)/3 per bar, chronological order.
// ok is false when the window carries no volume.
func SessionVWAP(bars []market.FootprintBar) (float64, bool) {
	var weighted, volume float64
	for _, bar := range bars {
		if bar.Volume <= 0 {
			continue
		}
		typical := (bar.High + bar.Low + bar.Close) / 3
		weighted += typical * bar.Volume
		volume += bar.Volume
	}
	if volume <= 0 {
		return 0, false
	}
	return weighted / volume, true
}
