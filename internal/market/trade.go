package market

// Side is the taker aggressor direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Trade is one aggregated trade from the feed. Time is the trade time in
// unix milliseconds.
type Trade struct {
	Symbol   string  `json:"symbol"`
	ID       int64   `json:"id"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Time     int64   `json:"time"`
	Maker    bool    `json:"maker"`
}

// Side derives the aggressor direction from the maker flag. When the buyer
// was the maker the taker sold into the bid.
func (t Trade) Side() Side {
	if t.Maker {
		return SideSell
	}
	return SideBuy
}
