package orderflow

import (
	"context"
	"fmt"
	"strings"

	"deltaflow/internal/market"
)

// BarReader is the slice of the aggregator the metrics provider reads.
type BarReader interface {
	LatestBars(ctx context.Context, symbol string, count int) ([]market.FootprintBar, error)
	CurrentBar(symbol string) *market.FootprintBar
}

// Provider computes order-flow snapshots on demand from the live bar store.
// Each call sees one consistent window: finalized bars for the heavy
// metrics, the partial bar only for character.
type Provider struct {
	bars     BarReader
	lookback int
	cfg      Config
}

func NewProvider(bars BarReader, lookback int, cfg Config) *Provider {
	if lookback < 1 {
		lookback = 1
	}
	return &Provider{bars: bars, lookback: lookback, cfg: cfg}
}

func (p *Provider) Metrics(ctx context.Context, symbol string) (Metrics, error) {
	if p == nil || p.bars == nil {
		return Metrics{}, fmt.Errorf("metrics provider not initialized")
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return Metrics{}, fmt.Errorf("symbol cannot be empty")
	}
	window, err := p.bars.LatestBars(ctx, symbol, p.lookback)
	if err != nil {
		return Metrics{}, fmt.Errorf("load bars for %s: %w", symbol, err)
	}
	return Compute(symbol, window, p.bars.CurrentBar(symbol), p.cfg), nil
}
