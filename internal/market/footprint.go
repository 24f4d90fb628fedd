package market

import (
	"sort"
	"strconv"
	"time"
)

// PriceLevel accumulates the taker buy/sell volume transacted at one price
// within one bar.
type PriceLevel struct {
	Price float64 `json:"price"`
	Buy   float64 `json:"buy"`
	Sell  float64 `json:"sell"`
}

func (l PriceLevel) Total() float64 { return l.Buy + l.Sell }

// FootprintBar is one fixed-interval bar with per-price volume buckets.
// StartTime = floor(tradeTime/interval)*interval, independent of wall clock.
// AskVolume sums taker buys, BidVolume taker sells, Delta = ask - bid.
type FootprintBar struct {
	Symbol    string                `json:"symbol"`
	StartTime int64                 `json:"start_time"`
	EndTime   int64                 `json:"end_time"`
	Open      float64               `json:"open"`
	High      float64               `json:"high"`
	Low       float64               `json:"low"`
	Close     float64               `json:"close"`
	Volume    float64               `json:"volume"`
	AskVolume float64               `json:"ask_volume"`
	BidVolume float64               `json:"bid_volume"`
	Delta     float64               `json:"delta"`
	Trades    int64                 `json:"trades"`
	Levels    map[string]PriceLevel `json:"levels"`
}

// Clone returns a deep copy; the level map is never shared.
func (b *FootprintBar) Clone() *FootprintBar {
	if b == nil {
		return nil
	}
	cp := *b
	cp.Levels = make(map[string]PriceLevel, len(b.Levels))
	for k, v := range b.Levels {
		cp.Levels[k] = v
	}
	return &cp
}

// LevelsDescending returns the bar's price levels sorted highest price first.
func (b *FootprintBar) LevelsDescending() []PriceLevel {
	if b == nil || len(b.Levels) == 0 {
		return nil
	}
	out := make([]PriceLevel, 0, len(b.Levels))
	for _, lvl := range b.Levels {
		out = append(out, lvl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price > out[j].Price })
	return out
}

// PriceKey formats a price at the fixed decimal precision used for level
// keys. All symbols share one precision constant.
func PriceKey(price float64, decimals int) string {
	if decimals < 0 {
		decimals = 0
	}
	return strconv.FormatFloat(price, 'f', decimals, 64)
}

// BarBuilder owns the mutable current bar for one symbol. It is not safe for
// concurrent use; the aggregator serializes access per symbol.
type BarBuilder struct {
	symbol     string
	intervalMS int64
	decimals   int
	cur        *FootprintBar
}

func NewBarBuilder(symbol string, interval time.Duration, decimals int) *BarBuilder {
	ms := interval.Milliseconds()
	if ms <= 0 {
		ms = time.Minute.Milliseconds()
	}
	return &BarBuilder{symbol: symbol, intervalMS: ms, decimals: decimals}
}

// Apply folds one trade into the builder. When the trade's aligned timestamp
// opens a new interval, the finished previous bar is returned; bars that
// accumulated no volume are discarded instead.
func (b *BarBuilder) Apply(t Trade) *FootprintBar {
	aligned := t.Time - t.Time%b.intervalMS
	var done *FootprintBar
	if b.cur == nil || b.cur.StartTime != aligned {
		done = b.Flush()
		b.cur = &FootprintBar{
			Symbol:    b.symbol,
			StartTime: aligned,
			EndTime:   aligned + b.intervalMS,
			Open:      t.Price,
			High:      t.Price,
			Low:       t.Price,
			Close:     t.Price,
			Levels:    make(map[string]PriceLevel),
		}
	}
	bar := b.cur
	if t.Price > bar.High {
		bar.High = t.Price
	}
	if t.Price < bar.Low {
		bar.Low = t.Price
	}
	bar.Close = t.Price
	bar.Volume += t.Quantity
	bar.Trades++
	key := PriceKey(t.Price, b.decimals)
	lvl, ok := bar.Levels[key]
	if !ok {
		lvl.Price, _ = strconv.ParseFloat(key, 64)
	}
	if t.Side() == SideBuy {
		lvl.Buy += t.Quantity
		bar.AskVolume += t.Quantity
	} else {
		lvl.Sell += t.Quantity
		bar.BidVolume += t.Quantity
	}
	bar.Levels[key] = lvl
	bar.Delta = bar.AskVolume - bar.BidVolume
	return done
}

// Current returns a snapshot of the live partial bar, nil when none.
func (b *BarBuilder) Current() *FootprintBar {
	return b.cur.Clone()
}

// Flush finalizes and returns the current bar. Zero-volume bars are dropped.
func (b *BarBuilder) Flush() *FootprintBar {
	bar := b.cur
	b.cur = nil
	if bar == nil || bar.Volume <= 0 {
		return nil
	}
	return bar
}

// FlushExpired finalizes the current bar only when its interval has closed.
// A bar still inside its interval is left building.
func (b *BarBuilder) FlushExpired(nowMS int64) *FootprintBar {
	if b.cur == nil || b.cur.EndTime > nowMS {
		return nil
	}
	return b.Flush()
}
