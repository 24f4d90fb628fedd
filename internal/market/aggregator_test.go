package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBarStore struct {
	putErr error
	data   map[string][]FootprintBar
}

func (s *stubBarStore) Put(ctx context.Context, symbol string, bars []FootprintBar, max int) error {
	if s.putErr != nil {
		return s.putErr
	}
	if s.data == nil {
		s.data = make(map[string][]FootprintBar)
	}
	cur := append(s.data[symbol], bars...)
	if len(cur) > max {
		cur = cur[len(cur)-max:]
	}
	s.data[symbol] = cur
	return nil
}

func (s *stubBarStore) Get(ctx context.Context, symbol string) ([]FootprintBar, error) {
	return s.data[symbol], nil
}

func (s *stubBarStore) Export(ctx context.Context, symbol string, limit int) ([]FootprintBar, error) {
	cur := s.data[symbol]
	if limit <= 0 || len(cur) == 0 {
		return nil, nil
	}
	if limit > len(cur) {
		limit = len(cur)
	}
	return cur[len(cur)-limit:], nil
}

type recordingPublisher struct {
	events []BarEvent
}

func (r *recordingPublisher) Publish(ev BarEvent) {
	r.events = append(r.events, ev)
}

func TestAggregator_Ingest(t *testing.T) {
	ctx := context.Background()
	iv := testInterval.Milliseconds()
	base := int64(600_000_000_000)

	t.Run("Partial Bar Only Emits Update", func(t *testing.T) {
		pub := &recordingPublisher{}
		agg := NewAggregator(&stubBarStore{}, testInterval, 2, 100, WithPublisher(pub))

		require.NoError(t, agg.Ingest(ctx, tradeAt(base, 100, 1, false)))

		require.Len(t, pub.events, 1)
		assert.Equal(t, EventBarUpdated, pub.events[0].Type)
		assert.Equal(t, "BTCUSDT", pub.events[0].Symbol)

		bars, err := agg.LatestBars(ctx, "BTCUSDT", 10)
		require.NoError(t, err)
		assert.Empty(t, bars)
		require.NotNil(t, agg.CurrentBar("BTCUSDT"))
	})

	t.Run("Boundary Completes Previous Bar", func(t *testing.T) {
		pub := &recordingPublisher{}
		agg := NewAggregator(&stubBarStore{}, testInterval, 2, 100, WithPublisher(pub))

		require.NoError(t, agg.Ingest(ctx, tradeAt(base, 100, 1, false)))
		require.NoError(t, agg.Ingest(ctx, tradeAt(base+iv, 101, 2, true)))

		require.Len(t, pub.events, 3)
		assert.Equal(t, EventBarCompleted, pub.events[1].Type)
		assert.Equal(t, base, pub.events[1].Bar.StartTime)
		assert.Equal(t, EventBarUpdated, pub.events[2].Type)
		assert.Equal(t, base+iv, pub.events[2].Bar.StartTime)

		bars, err := agg.LatestBars(ctx, "BTCUSDT", 10)
		require.NoError(t, err)
		require.Len(t, bars, 1)
		assert.Equal(t, base, bars[0].StartTime)
		assert.Zero(t, bars[0].StartTime%iv)
	})

	t.Run("Rejects Empty Symbol", func(t *testing.T) {
		agg := NewAggregator(&stubBarStore{}, testInterval, 2, 100)
		assert.Error(t, agg.Ingest(ctx, Trade{Price: 1, Quantity: 1, Time: base}))
	})

	t.Run("Store Failure Surfaces", func(t *testing.T) {
		agg := NewAggregator(&stubBarStore{putErr: errors.New("boom")}, testInterval, 2, 100)
		require.NoError(t, agg.Ingest(ctx, tradeAt(base, 100, 1, false)))
		err := agg.Ingest(ctx, tradeAt(base+iv, 101, 1, false))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
	})
}

func TestAggregator_LatestBarsChronological(t *testing.T) {
	ctx := context.Background()
	iv := testInterval.Milliseconds()
	base := int64(660_000_000_000)
	agg := NewAggregator(&stubBarStore{}, testInterval, 2, 100)

	for i := 0; i < 5; i++ {
		require.NoError(t, agg.Ingest(ctx, tradeAt(base+int64(i)*iv, 100+float64(i), 1, false)))
	}

	bars, err := agg.LatestBars(ctx, "BTCUSDT", 3)
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, base+iv, bars[0].StartTime)
	assert.Equal(t, base+2*iv, bars[1].StartTime)
	assert.Equal(t, base+3*iv, bars[2].StartTime)
	assert.True(t, bars[0].StartTime < bars[1].StartTime)
}

func TestAggregator_HistoryBounded(t *testing.T) {
	ctx := context.Background()
	iv := testInterval.Milliseconds()
	base := int64(720_000_000_000)
	agg := NewAggregator(&stubBarStore{}, testInterval, 2, 3)

	for i := 0; i < 6; i++ {
		require.NoError(t, agg.Ingest(ctx, tradeAt(base+int64(i)*iv, 100, 1, false)))
	}

	bars, err := agg.LatestBars(ctx, "BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, base+2*iv, bars[0].StartTime)
	assert.Equal(t, base+4*iv, bars[2].StartTime)
}

func TestAggregator_FlushAndClose(t *testing.T) {
	ctx := context.Background()
	base := int64(780_000_000_000)

	t.Run("Flush Persists Current", func(t *testing.T) {
		pub := &recordingPublisher{}
		agg := NewAggregator(&stubBarStore{}, testInterval, 2, 100, WithPublisher(pub))
		require.NoError(t, agg.Ingest(ctx, tradeAt(base, 100, 1, false)))

		require.NoError(t, agg.Flush(ctx, "BTCUSDT"))

		bars, err := agg.LatestBars(ctx, "BTCUSDT", 10)
		require.NoError(t, err)
		require.Len(t, bars, 1)
		assert.Nil(t, agg.CurrentBar("BTCUSDT"))
		last := pub.events[len(pub.events)-1]
		assert.Equal(t, EventBarCompleted, last.Type)
	})

	t.Run("Flush Unknown Symbol Is Noop", func(t *testing.T) {
		agg := NewAggregator(&stubBarStore{}, testInterval, 2, 100)
		assert.NoError(t, agg.Flush(ctx, "NOPEUSDT"))
	})

	t.Run("Close Flushes All Symbols", func(t *testing.T) {
		agg := NewAggregator(&stubBarStore{}, testInterval, 2, 100)
		require.NoError(t, agg.Ingest(ctx, tradeAt(base, 100, 1, false)))
		eth := tradeAt(base, 2000, 2, true)
		eth.Symbol = "ETHUSDT"
		require.NoError(t, agg.Ingest(ctx, eth))

		require.NoError(t, agg.Close(ctx))

		for _, sym := range []string{"BTCUSDT", "ETHUSDT"} {
			bars, err := agg.LatestBars(ctx, sym, 10)
			require.NoError(t, err)
			assert.Len(t, bars, 1, sym)
			assert.Nil(t, agg.CurrentBar(sym))
		}
	})
}

func TestAggregator_FlushExpired(t *testing.T) {
	ctx := context.Background()
	iv := testInterval.Milliseconds()
	base := int64(840_000_000_000)

	t.Run("Seals Bar After Interval Close", func(t *testing.T) {
		pub := &recordingPublisher{}
		agg := NewAggregator(&stubBarStore{}, testInterval, 2, 100, WithPublisher(pub))
		require.NoError(t, agg.Ingest(ctx, tradeAt(base+5_000, 100, 1, false)))

		require.NoError(t, agg.FlushExpired(ctx, time.UnixMilli(base+iv)))

		bars, err := agg.LatestBars(ctx, "BTCUSDT", 10)
		require.NoError(t, err)
		require.Len(t, bars, 1)
		assert.Equal(t, base, bars[0].StartTime)
		assert.Nil(t, agg.CurrentBar("BTCUSDT"))
		last := pub.events[len(pub.events)-1]
		assert.Equal(t, EventBarCompleted, last.Type)
	})

	t.Run("Leaves Live Bar Building", func(t *testing.T) {
		agg := NewAggregator(&stubBarStore{}, testInterval, 2, 100)
		require.NoError(t, agg.Ingest(ctx, tradeAt(base+5_000, 100, 1, false)))

		require.NoError(t, agg.FlushExpired(ctx, time.UnixMilli(base+iv-1)))

		bars, err := agg.LatestBars(ctx, "BTCUSDT", 10)
		require.NoError(t, err)
		assert.Empty(t, bars)
		require.NotNil(t, agg.CurrentBar("BTCUSDT"))
	})

	t.Run("Quiet Symbol Seals While Active One Keeps Building", func(t *testing.T) {
		agg := NewAggregator(&stubBarStore{}, testInterval, 2, 100)
		require.NoError(t, agg.Ingest(ctx, tradeAt(base, 100, 1, false)))
		eth := tradeAt(base+iv+1_000, 2000, 2, true)
		eth.Symbol = "ETHUSDT"
		require.NoError(t, agg.Ingest(ctx, eth))

		require.NoError(t, agg.FlushExpired(ctx, time.UnixMilli(base+iv+2_000)))

		btc, err := agg.LatestBars(ctx, "BTCUSDT", 10)
		require.NoError(t, err)
		require.Len(t, btc, 1)
		assert.Nil(t, agg.CurrentBar("BTCUSDT"))

		ethBars, err := agg.LatestBars(ctx, "ETHUSDT", 10)
		require.NoError(t, err)
		assert.Empty(t, ethBars)
		require.NotNil(t, agg.CurrentBar("ETHUSDT"))
	})
}

func TestAggregator_SymbolIsolation(t *testing.T) {
	ctx := context.Background()
	base := int64(840_000_000_000)
	agg := NewAggregator(&stubBarStore{}, testInterval, 2, 100)

	btc := tradeAt(base, 100, 1, false)
	eth := tradeAt(base, 2000, 2, true)
	eth.Symbol = "ETHUSDT"
	require.NoError(t, agg.Ingest(ctx, btc))
	require.NoError(t, agg.Ingest(ctx, eth))

	assert.Equal(t, 100.0, agg.CurrentBar("BTCUSDT").Close)
	assert.Equal(t, 2000.0, agg.CurrentBar("ETHUSDT").Close)
	assert.Equal(t, 1.0, agg.CurrentBar("BTCUSDT").Volume)
	assert.Equal(t, 2.0, agg.CurrentBar("ETHUSDT").Volume)
}
