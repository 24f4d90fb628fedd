package market

import "context"

type SubscribeOptions struct {
	Buffer       int
	OnConnect    func()
	OnDisconnect func(error)
}

type SourceStats struct {
	Reconnects      int
	SubscribeErrors int
	Dropped         int
	LastError       string
}

// TradeSource is a live or replayed aggregated-trade feed.
type TradeSource interface {
	// Subscribe opens one multiplexed stream over all symbols. Calling it
	// again replaces the previous subscription with the new symbol set.
	Subscribe(ctx context.Context, symbols []string, opts SubscribeOptions) (<-chan Trade, error)

	// BackfillTrades returns up to limit recent trades for warmup, oldest
	// first. Sources without history return nil.
	BackfillTrades(ctx context.Context, symbol string, limit int) ([]Trade, error)

	// LatestPrice returns the most recent traded price for symbol.
	LatestPrice(ctx context.Context, symbol string) (float64, error)

	Stats() SourceStats

	Close() error
}
