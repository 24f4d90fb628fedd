package orderflow

import "deltaflow/internal/market"

const (
	CharacterPriceBuy    = "Price Buy"
	CharacterPriceSell   = "Price Sell"
	CharacterDeltaBuy    = "Delta Buy"
	CharacterDeltaSell   = "Delta Sell"
	CharacterNeutral     = "Neutral"
	CharacterUnavailable = "Unavailable"
)

// Character classifies one bar, completed or partial, in strict precedence
// order: price direction confirmed by delta first, then delta alone.
func Character(bar *market.FootprintBar) string {
	if bar == nil || bar.Volume <= 0 {
		return CharacterUnavailable
	}
	switch {
	case bar.Close > bar.Open && bar.Delta >= 0:
		return CharacterPriceBuy
	case bar.Close < bar.Open && bar.Delta <= 0:
		return CharacterPriceSell
	case bar.Delta < 0:
		return CharacterDeltaSell
	case bar.Delta > 0:
		return CharacterDeltaBuy
	default:
		return CharacterNeutral
	}
}

func IsBullishCharacter(c string) bool {
	return c == CharacterPriceBuy || c == CharacterDeltaBuy
}

func IsBearishCharacter(c string) bool {
	return c == CharacterPriceSell || c == CharacterDeltaSell
}
