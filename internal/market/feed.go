package market

import (
	"context"
	"fmt"

	"deltaflow/internal/logger"
)

// Feed pumps trades from a TradeSource into the Aggregator. Start may be
// called again with a different symbol set; the source tears down the old
// subscription and the stale consumer exits when its channel closes.
type Feed struct {
	Source     TradeSource
	Aggregator *Aggregator
	Buffer     int

	OnConnected    func()
	OnDisconnected func(error)
	OnTrade        func(Trade)
}

type FeedOption func(*Feed)

func WithFeedCallbacks(onConnect func(), onDisconnect func(error)) FeedOption {
	return func(f *Feed) {
		f.OnConnected = onConnect
		f.OnDisconnected = onDisconnect
	}
}

func WithTradeHandler(handler func(Trade)) FeedOption {
	return func(f *Feed) {
		f.OnTrade = handler
	}
}

func NewFeed(src TradeSource, agg *Aggregator, buffer int, opts ...FeedOption) *Feed {
	f := &Feed{Source: src, Aggregator: agg, Buffer: buffer}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

func (f *Feed) Start(ctx context.Context, symbols []string) error {
	if f.Source == nil {
		return fmt.Errorf("feed missing source")
	}
	if f.Aggregator == nil {
		return fmt.Errorf("feed missing aggregator")
	}
	if len(symbols) == 0 {
		return fmt.Errorf("feed requires symbols")
	}
	opts := SubscribeOptions{
		Buffer:       f.Buffer,
		OnConnect:    f.OnConnected,
		OnDisconnect: f.OnDisconnected,
	}
	trades, err := f.Source.Subscribe(ctx, symbols, opts)
	if err != nil {
		return err
	}
	go f.consume(ctx, trades)
	logger.Infof("[feed] subscribed symbols=%v", symbols)
	return nil
}

func (f *Feed) consume(ctx context.Context, trades <-chan Trade) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-trades:
			if !ok {
				return
			}
			if err := f.Aggregator.Ingest(ctx, t); err != nil {
				logger.Warnf("[feed] ingest %s failed: %v", t.Symbol, err)
			}
			if f.OnTrade != nil {
				f.OnTrade(t)
			}
		}
	}
}

func (f *Feed) Stats() SourceStats {
	if f.Source == nil {
		return SourceStats{}
	}
	return f.Source.Stats()
}

func (f *Feed) Close() {
	if f.Source != nil {
		if err := f.Source.Close(); err != nil {
			logger.Warnf("[feed] source close error: %v", err)
		}
	}
}
