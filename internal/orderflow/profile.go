package orderflow

import (
	"sort"

	"deltaflow/internal/market"
)

// ProfileLevel is one rung of the session volume histogram.
type ProfileLevel struct {
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}

// VolumeProfile locates where session volume transacted. Levels are sorted
// highest price first.
type VolumeProfile struct {
	POC         float64        `json:"poc"`
	VAH         float64        `json:"vah"`
	VAL         float64        `json:"val"`
	TotalVolume float64        `json:"total_volume"`
	Levels      []ProfileLevel `json:"levels,omitempty"`
}

// ComputeProfile aggregates the per-bar price levels of the window into a
// session histogram and derives POC and the value area. The POC prefers the
// higher price on a volume tie. The value area grows from the POC toward the
// adjacent level with more volume until it covers valueAreaPct of session
// volume; an exact tie extends downward. ok is false when the window holds
// no volume.
func ComputeProfile(bars []market.FootprintBar, valueAreaPct float64) (VolumeProfile, bool) {
	if valueAreaPct <= 0 || valueAreaPct > 1 {
		valueAreaPct = 0.70
	}
	histogram := make(map[float64]float64)
	total := 0.0
	for _, bar := range bars {
		for _, lvl := range bar.Levels {
			vol := lvl.Total()
			histogram[lvl.Price] += vol
			total += vol
		}
	}
	if total <= 0 || len(histogram) == 0 {
		return VolumeProfile{}, false
	}

	levels := make([]ProfileLevel, 0, len(histogram))
	for price, vol := range histogram {
		levels = append(levels, ProfileLevel{Price: price, Volume: vol})
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price > levels[j].Price })

	pocIdx := 0
	for i, lvl := range levels {
		if lvl.Volume > levels[pocIdx].Volume {
			pocIdx = i
		}
	}

	// Expand [i,j] around the POC until the accumulated volume covers the
	// value-area share.
	i, j := pocIdx, pocIdx
	acc := levels[pocIdx].Volume
	target := total * valueAreaPct
	for acc < target {
		canUp := i > 0
		canDown := j < len(levels)-1
		if !canUp && !canDown {
			break
		}
		var upVol, downVol float64
		if canUp {
			upVol = levels[i-1].Volume
		}
		if canDown {
			downVol = levels[j+1].Volume
		}
		if canDown && (!canUp || downVol >= upVol) {
			j++
			acc += downVol
		} else {
			i--
			acc += upVol
		}
	}

	return VolumeProfile{
		POC:         levels[pocIdx].Price,
		VAH:         levels[i].Price,
		VAL:         levels[j].Price,
		TotalVolume: total,
		Levels:      levels,
	}, true
}
