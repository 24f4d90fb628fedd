package market

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTradeSource struct {
	trades   chan Trade
	backfill map[string][]Trade
	closed   bool
	subCount int
}

func newFakeTradeSource() *fakeTradeSource {
	return &fakeTradeSource{trades: make(chan Trade, 64)}
}

func (f *fakeTradeSource) Subscribe(ctx context.Context, symbols []string, opts SubscribeOptions) (<-chan Trade, error) {
	f.subCount++
	if opts.OnConnect != nil {
		opts.OnConnect()
	}
	return f.trades, nil
}

func (f *fakeTradeSource) BackfillTrades(ctx context.Context, symbol string, limit int) ([]Trade, error) {
	return f.backfill[symbol], nil
}

func (f *fakeTradeSource) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}

func (f *fakeTradeSource) Stats() SourceStats { return SourceStats{Reconnects: 7} }

func (f *fakeTradeSource) Close() error {
	f.closed = true
	return nil
}

func waitForVolume(t *testing.T, agg *Aggregator, symbol string, want float64) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if bar := agg.CurrentBar(symbol); bar != nil && bar.Volume >= want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("aggregator never reached volume %v for %s", want, symbol)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestFeed_Start(t *testing.T) {
	t.Run("Pumps Trades Into Aggregator", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		src := newFakeTradeSource()
		agg := NewAggregator(&stubBarStore{}, testInterval, 2, 100)
		connected := false
		feed := NewFeed(src, agg, 16, WithFeedCallbacks(func() { connected = true }, nil))

		require.NoError(t, feed.Start(ctx, []string{"BTCUSDT"}))
		assert.True(t, connected)

		src.trades <- tradeAt(900_000_000_000, 100, 1, false)
		src.trades <- tradeAt(900_000_001_000, 101, 2, false)
		waitForVolume(t, agg, "BTCUSDT", 3)
	})

	t.Run("Trade Handler Invoked", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		src := newFakeTradeSource()
		agg := NewAggregator(&stubBarStore{}, testInterval, 2, 100)
		seen := make(chan Trade, 1)
		feed := NewFeed(src, agg, 16, WithTradeHandler(func(tr Trade) { seen <- tr }))

		require.NoError(t, feed.Start(ctx, []string{"BTCUSDT"}))
		src.trades <- tradeAt(900_000_000_000, 100, 1, false)

		select {
		case tr := <-seen:
			assert.Equal(t, 100.0, tr.Price)
		case <-time.After(2 * time.Second):
			t.Fatal("trade handler never called")
		}
	})

	t.Run("Validates Inputs", func(t *testing.T) {
		agg := NewAggregator(&stubBarStore{}, testInterval, 2, 100)
		assert.Error(t, NewFeed(nil, agg, 0).Start(context.Background(), []string{"BTCUSDT"}))
		assert.Error(t, NewFeed(newFakeTradeSource(), nil, 0).Start(context.Background(), []string{"BTCUSDT"}))
		assert.Error(t, NewFeed(newFakeTradeSource(), agg, 0).Start(context.Background(), nil))
	})

	t.Run("Close Stops Source", func(t *testing.T) {
		src := newFakeTradeSource()
		feed := NewFeed(src, NewAggregator(&stubBarStore{}, testInterval, 2, 100), 16)
		feed.Close()
		assert.True(t, src.closed)
		assert.Equal(t, 7, feed.Stats().Reconnects)
	})
}

func TestWarmer_Warm(t *testing.T) {
	ctx := context.Background()
	iv := testInterval.Milliseconds()
	base := int64(960_000_000_000)
	src := newFakeTradeSource()
	src.backfill = map[string][]Trade{
		"BTCUSDT": {
			tradeAt(base, 100, 1, false),
			tradeAt(base+iv, 101, 2, true),
			tradeAt(base+2*iv, 102, 3, false),
		},
	}
	agg := NewAggregator(&stubBarStore{}, testInterval, 2, 100)

	NewWarmer(src, agg).Warm(ctx, []string{"BTCUSDT", "ETHUSDT"}, 500)

	bars, err := agg.LatestBars(ctx, "BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, base, bars[0].StartTime)
	cur := agg.CurrentBar("BTCUSDT")
	require.NotNil(t, cur)
	assert.Equal(t, 102.0, cur.Close)

	ethBars, err := agg.LatestBars(ctx, "ETHUSDT", 10)
	require.NoError(t, err)
	assert.Empty(t, ethBars)
}
