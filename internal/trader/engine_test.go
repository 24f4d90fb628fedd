package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deltaflow/internal/orderflow"
	"deltaflow/internal/strategy"
)

type fakeStore struct {
	mu        sync.Mutex
	positions map[string]Position
	order     []string
	openCalls int
	openErr   error
	createErr error
	updateErr func(id string, fields map[string]any) error
}

func newFakeStore(seed ...Position) *fakeStore {
	s := &fakeStore{positions: make(map[string]Position)}
	for _, p := range seed {
		s.positions[p.ID] = p
		s.order = append(s.order, p.ID)
	}
	return s
}

func (s *fakeStore) CreatePosition(_ context.Context, p Position) (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return Position{}, s.createErr
	}
	s.positions[p.ID] = p
	s.order = append(s.order, p.ID)
	return p, nil
}

func (s *fakeStore) UpdatePosition(_ context.Context, id string, fields map[string]any) (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		if err := s.updateErr(id, fields); err != nil {
			return Position{}, err
		}
	}
	p, ok := s.positions[id]
	if !ok {
		return Position{}, fmt.Errorf("position %s not found", id)
	}
	applyPositionFields(&p, fields)
	s.positions[id] = p
	return p, nil
}

func (s *fakeStore) GetPosition(_ context.Context, id string) (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return Position{}, fmt.Errorf("position %s not found", id)
	}
	return p, nil
}

func (s *fakeStore) GetOpenPositions(_ context.Context) ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openCalls++
	if s.openErr != nil {
		return nil, s.openErr
	}
	var out []Position
	for _, id := range s.order {
		if p := s.positions[id]; p.Status.Open() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) GetClosedPositions(_ context.Context, limit int) ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Position
	for _, id := range s.order {
		if p := s.positions[id]; !p.Status.Open() {
			out = append(out, p)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) get(t *testing.T, id string) Position {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	require.True(t, ok, "position %s not in store", id)
	return p
}

func applyPositionFields(p *Position, fields map[string]any) {
	for k, v := range fields {
		switch k {
		case "status":
			p.Status = v.(Status)
		case "exit_price":
			p.ExitPrice = v.(float64)
		case "pnl":
			p.PnL = v.(float64)
		case "pnl_percent":
			p.PnLPercent = v.(float64)
		case "exit_reason":
			p.ExitReason = v.(string)
		case "error":
			p.Error = v.(string)
		case "trailing_extreme":
			p.TrailingExtreme = v.(float64)
		case "closed_at":
			ts := v.(time.Time)
			p.ClosedAt = &ts
		case "updated_at":
			p.UpdatedAt = v.(time.Time)
		}
	}
}

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]float64
	errs   map[string]error
	calls  map[string]int
}

func newFakePrices() *fakePrices {
	return &fakePrices{
		prices: make(map[string]float64),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

func (f *fakePrices) set(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
}

func (f *fakePrices) LatestPrice(_ context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[symbol]++
	if err := f.errs[symbol]; err != nil {
		return 0, err
	}
	p, ok := f.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return p, nil
}

type fakeMetrics struct {
	metrics map[string]orderflow.Metrics
	errs    map[string]error
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{
		metrics: make(map[string]orderflow.Metrics),
		errs:    make(map[string]error),
	}
}

func (f *fakeMetrics) Metrics(_ context.Context, symbol string) (orderflow.Metrics, error) {
	if err := f.errs[symbol]; err != nil {
		return orderflow.Metrics{}, err
	}
	return f.metrics[symbol], nil
}

type fakeSignals struct {
	mu      sync.Mutex
	entries []SignalEntry
	err     error
}

func (f *fakeSignals) LogSignal(_ context.Context, entry SignalEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeSignals) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e.Kind)
	}
	return out
}

type staticProfiles struct{ snap strategy.Snapshot }

func (s staticProfiles) Snapshot() strategy.Snapshot { return s.snap }

func testProfile(name string, symbols ...string) strategy.Profile {
	return strategy.Profile{
		Name:                   name,
		Symbols:                symbols,
		OrderSizeUSD:           250,
		StopLossPct:            1.5,
		TrailingActivationPct:  2,
		TrailingDeltaPct:       1,
		MaxConcurrentPositions: 2,
		EntryTolerancePct:      0.1,
	}
}

func snapshotOf(profiles ...strategy.Profile) strategy.Snapshot {
	m := make(map[string]strategy.Profile, len(profiles))
	for _, p := range profiles {
		m[p.Name] = p
	}
	return strategy.Snapshot{Version: 1, LoadedAt: time.Unix(1700000000, 0).UTC(), Profiles: m}
}

func seedPosition(id, profile, symbol string, dir Direction, entry, qty, stop float64) Position {
	opened := time.Unix(1700000000, 0).UTC()
	return Position{
		ID:            id,
		Profile:       profile,
		Symbol:        symbol,
		Direction:     dir,
		Status:        StatusEntryActive,
		EntryPrice:    entry,
		Quantity:      qty,
		StopLossPrice: stop,
		OpenedAt:      opened,
		UpdatedAt:     opened,
	}
}

func neutralMetrics(symbol string) orderflow.Metrics {
	return orderflow.Metrics{Symbol: symbol, BarCount: 30, Character: orderflow.CharacterNeutral}
}

func valueAreaMetrics(symbol, character string, val, vah float64) orderflow.Metrics {
	m := neutralMetrics(symbol)
	m.Character = character
	m.Profile = orderflow.VolumeProfile{POC: (val + vah) / 2, VAH: vah, VAL: val, TotalVolume: 1000}
	m.ProfileOK = true
	return m
}

func newTestEngine(store PositionStore, prices PriceSource, metrics MetricsProvider, snap strategy.Snapshot, signals SignalLogger) *Engine {
	e := NewEngine(store, prices, metrics, staticProfiles{snap: snap}, signals)
	e.nowFn = func() time.Time { return time.Unix(1700000100, 0).UTC() }
	return e
}

func TestEngine_ExitLadder(t *testing.T) {
	t.Run("Hard Stop Books Stop Price", func(t *testing.T) {
		store := newFakeStore(seedPosition("pos-1", "default", "BTCUSDT", DirectionLong, 100, 1, 98.5))
		prices := newFakePrices()
		prices.set("BTCUSDT", 98.4)
		metrics := newFakeMetrics()
		metrics.metrics["BTCUSDT"] = neutralMetrics("BTCUSDT")
		signals := &fakeSignals{}
		e := newTestEngine(store, prices, metrics, snapshotOf(testProfile("default", "BTCUSDT")), signals)

		report := e.RunCycle(context.Background())

		got := store.get(t, "pos-1")
		assert.Equal(t, StatusClosedExited, got.Status)
		assert.InDelta(t, 98.5, got.ExitPrice, 1e-12, "exit books the stop level, not the tick")
		assert.InDelta(t, -1.5, got.PnL, 1e-9)
		assert.InDelta(t, -1.5, got.PnLPercent, 1e-9)
		assert.Equal(t, ExitReasonStopLoss, got.ExitReason)
		require.NotNil(t, got.ClosedAt)

		assert.Equal(t, 1, report.Managed)
		assert.Equal(t, 1, report.Closed)
		assert.Zero(t, report.Opened)
		assert.Equal(t, []string{SignalKindExit}, signals.kinds())
	})

	t.Run("Hard Stop Wins Over Proactive Exit", func(t *testing.T) {
		store := newFakeStore(seedPosition("pos-1", "default", "BTCUSDT", DirectionLong, 100, 1, 98.5))
		prices := newFakePrices()
		prices.set("BTCUSDT", 98.0)
		metrics := newFakeMetrics()
		m := neutralMetrics("BTCUSDT")
		m.Imbalances = []string{orderflow.SignalBearishImbalanceReversal}
		metrics.metrics["BTCUSDT"] = m
		signals := &fakeSignals{}
		e := newTestEngine(store, prices, metrics, snapshotOf(testProfile("default", "BTCUSDT")), signals)

		e.RunCycle(context.Background())

		got := store.get(t, "pos-1")
		assert.Equal(t, StatusClosedExited, got.Status)
		assert.InDelta(t, 98.5, got.ExitPrice, 1e-12)
		assert.Equal(t, ExitReasonStopLoss, got.ExitReason)
	})

	t.Run("Proactive Exit Books Market Price", func(t *testing.T) {
		store := newFakeStore(seedPosition("pos-1", "default", "BTCUSDT", DirectionLong, 100, 2, 98.5))
		prices := newFakePrices()
		prices.set("BTCUSDT", 104)
		metrics := newFakeMetrics()
		m := neutralMetrics("BTCUSDT")
		m.Imbalances = []string{orderflow.SignalBearishImbalanceReversal}
		metrics.metrics["BTCUSDT"] = m
		signals := &fakeSignals{}
		e := newTestEngine(store, prices, metrics, snapshotOf(testProfile("default", "BTCUSDT")), signals)

		report := e.RunCycle(context.Background())

		got := store.get(t, "pos-1")
		assert.Equal(t, StatusClosedExited, got.Status)
		assert.InDelta(t, 104.0, got.ExitPrice, 1e-12)
		assert.Contains(t, got.ExitReason, ExitReasonProactive)
		assert.InDelta(t, 8.0, got.PnL, 1e-9)
		assert.InDelta(t, 4.0, got.PnLPercent, 1e-9)

		// The same bearish signal that forced the exit opens the reverse
		// side in the entry pass of the same cycle.
		open, err := store.GetOpenPositions(context.Background())
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, DirectionShort, open[0].Direction)
		assert.InDelta(t, 104.0, open[0].EntryPrice, 1e-12)
		assert.InDelta(t, 105.56, open[0].StopLossPrice, 1e-9)
		assert.Equal(t, 1, report.Closed)
		assert.Equal(t, 1, report.Opened)
		assert.Equal(t, []string{SignalKindExit, SignalKindEntry}, signals.kinds())
	})

	t.Run("Trailing Lifecycle", func(t *testing.T) {
		store := newFakeStore(seedPosition("pos-1", "default", "BTCUSDT", DirectionLong, 100, 2.5, 98.5))
		prices := newFakePrices()
		metrics := newFakeMetrics()
		metrics.metrics["BTCUSDT"] = neutralMetrics("BTCUSDT")
		signals := &fakeSignals{}
		e := newTestEngine(store, prices, metrics, snapshotOf(testProfile("default", "BTCUSDT")), signals)

		// Activation threshold is 2%: profit arms the trail and records
		// the first extreme.
		prices.set("BTCUSDT", 102)
		e.RunCycle(context.Background())
		got := store.get(t, "pos-1")
		assert.Equal(t, StatusTrailingActive, got.Status)
		assert.InDelta(t, 102.0, got.TrailingExtreme, 1e-12)

		// A better price only moves the extreme.
		prices.set("BTCUSDT", 103)
		e.RunCycle(context.Background())
		got = store.get(t, "pos-1")
		assert.Equal(t, StatusTrailingActive, got.Status)
		assert.InDelta(t, 103.0, got.TrailingExtreme, 1e-12)

		// Retrace through extreme*(1-1%) = 101.97 closes at market.
		prices.set("BTCUSDT", 101.9)
		report := e.RunCycle(context.Background())
		got = store.get(t, "pos-1")
		assert.Equal(t, StatusClosedExited, got.Status)
		assert.InDelta(t, 101.9, got.ExitPrice, 1e-12)
		assert.Equal(t, ExitReasonTrailing, got.ExitReason)
		assert.InDelta(t, 4.75, got.PnL, 1e-9)
		assert.InDelta(t, 1.9, got.PnLPercent, 1e-9)
		assert.Equal(t, 1, report.Closed)

		assert.Equal(t, []string{SignalKindTrailingArm, SignalKindExit}, signals.kinds())
		assert.Equal(t, 3, prices.calls["BTCUSDT"], "one quote per symbol per cycle")
	})

	t.Run("Short Trailing Lifecycle", func(t *testing.T) {
		store := newFakeStore(seedPosition("pos-1", "default", "ETHUSDT", DirectionShort, 200, 1.25, 203))
		prices := newFakePrices()
		metrics := newFakeMetrics()
		metrics.metrics["ETHUSDT"] = neutralMetrics("ETHUSDT")
		signals := &fakeSignals{}
		e := newTestEngine(store, prices, metrics, snapshotOf(testProfile("default", "ETHUSDT")), signals)

		prices.set("ETHUSDT", 195.8)
		e.RunCycle(context.Background())
		got := store.get(t, "pos-1")
		assert.Equal(t, StatusTrailingActive, got.Status)
		assert.InDelta(t, 195.8, got.TrailingExtreme, 1e-12)

		prices.set("ETHUSDT", 195)
		e.RunCycle(context.Background())
		got = store.get(t, "pos-1")
		assert.InDelta(t, 195.0, got.TrailingExtreme, 1e-12)

		// Bounce through extreme*(1+1%) = 196.95 closes at market.
		prices.set("ETHUSDT", 197)
		e.RunCycle(context.Background())
		got = store.get(t, "pos-1")
		assert.Equal(t, StatusClosedExited, got.Status)
		assert.InDelta(t, 197.0, got.ExitPrice, 1e-12)
		assert.InDelta(t, 3.75, got.PnL, 1e-9)
		assert.InDelta(t, 1.5, got.PnLPercent, 1e-9)
	})

	t.Run("Short Hard Stop", func(t *testing.T) {
		store := newFakeStore(seedPosition("pos-1", "default", "ETHUSDT", DirectionShort, 200, 1.25, 203))
		prices := newFakePrices()
		prices.set("ETHUSDT", 203.2)
		metrics := newFakeMetrics()
		signals := &fakeSignals{}
		e := newTestEngine(store, prices, metrics, snapshotOf(testProfile("default", "ETHUSDT")), signals)

		e.RunCycle(context.Background())

		got := store.get(t, "pos-1")
		assert.Equal(t, StatusClosedExited, got.Status)
		assert.InDelta(t, 203.0, got.ExitPrice, 1e-12)
		assert.InDelta(t, -3.75, got.PnL, 1e-9)
		assert.InDelta(t, -1.5, got.PnLPercent, 1e-9)
	})

	t.Run("Metrics Failure Still Enforces Stop", func(t *testing.T) {
		store := newFakeStore(seedPosition("pos-1", "default", "BTCUSDT", DirectionLong, 100, 1, 98.5))
		prices := newFakePrices()
		prices.set("BTCUSDT", 98.4)
		metrics := newFakeMetrics()
		metrics.errs["BTCUSDT"] = errors.New("bar store unavailable")
		signals := &fakeSignals{}
		e := newTestEngine(store, prices, metrics, snapshotOf(testProfile("default", "BTCUSDT")), signals)

		e.RunCycle(context.Background())

		got := store.get(t, "pos-1")
		assert.Equal(t, StatusClosedExited, got.Status)
		assert.InDelta(t, 98.5, got.ExitPrice, 1e-12)
	})
}

func TestEngine_Entries(t *testing.T) {
	t.Run("Long At Value Area Low", func(t *testing.T) {
		store := newFakeStore()
		prices := newFakePrices()
		prices.set("BTCUSDT", 100.05)
		metrics := newFakeMetrics()
		metrics.metrics["BTCUSDT"] = valueAreaMetrics("BTCUSDT", orderflow.CharacterPriceBuy, 100, 110)
		signals := &fakeSignals{}
		e := newTestEngine(store, prices, metrics, snapshotOf(testProfile("default", "BTCUSDT")), signals)

		report := e.RunCycle(context.Background())

		open, err := store.GetOpenPositions(context.Background())
		require.NoError(t, err)
		require.Len(t, open, 1)
		pos := open[0]
		assert.Equal(t, DirectionLong, pos.Direction)
		assert.Equal(t, StatusEntryActive, pos.Status)
		assert.Equal(t, "default", pos.Profile)
		assert.InDelta(t, 100.05, pos.EntryPrice, 1e-12)
		assert.InDelta(t, 250.0/100.05, pos.Quantity, 1e-9)
		assert.InDelta(t, 98.54925, pos.StopLossPrice, 1e-9)
		assert.Contains(t, pos.EntryReason, "value area low")
		require.NotNil(t, pos.EntryMetrics)
		assert.True(t, pos.EntryMetrics.ProfileOK)
		assert.Equal(t, 1, report.Opened)
		assert.Equal(t, []string{SignalKindEntry}, signals.kinds())
	})

	t.Run("Long On Divergence With Character", func(t *testing.T) {
		store := newFakeStore()
		prices := newFakePrices()
		prices.set("BTCUSDT", 120)
		metrics := newFakeMetrics()
		m := neutralMetrics("BTCUSDT")
		m.Character = orderflow.CharacterDeltaBuy
		m.Divergences = []string{orderflow.SignalBullishDivergence}
		metrics.metrics["BTCUSDT"] = m
		e := newTestEngine(store, prices, metrics, snapshotOf(testProfile("default", "BTCUSDT")), &fakeSignals{})

		e.RunCycle(context.Background())

		open, _ := store.GetOpenPositions(context.Background())
		require.Len(t, open, 1)
		assert.Equal(t, DirectionLong, open[0].Direction)
		assert.Contains(t, open[0].EntryReason, "divergence")
	})

	t.Run("Short At Value Area High", func(t *testing.T) {
		store := newFakeStore()
		prices := newFakePrices()
		prices.set("ETHUSDT", 199.9)
		metrics := newFakeMetrics()
		metrics.metrics["ETHUSDT"] = valueAreaMetrics("ETHUSDT", orderflow.CharacterPriceSell, 150, 200)
		e := newTestEngine(store, prices, metrics, snapshotOf(testProfile("default", "ETHUSDT")), &fakeSignals{})

		e.RunCycle(context.Background())

		open, _ := store.GetOpenPositions(context.Background())
		require.Len(t, open, 1)
		pos := open[0]
		assert.Equal(t, DirectionShort, pos.Direction)
		assert.InDelta(t, 202.8985, pos.StopLossPrice, 1e-9)
		assert.Contains(t, pos.EntryReason, "value area high")
	})

	t.Run("Imbalance Reversal Needs No Character", func(t *testing.T) {
		store := newFakeStore()
		prices := newFakePrices()
		prices.set("BTCUSDT", 105)
		metrics := newFakeMetrics()
		m := neutralMetrics("BTCUSDT")
		m.Imbalances = []string{orderflow.SignalBullishImbalanceReversal}
		metrics.metrics["BTCUSDT"] = m
		e := newTestEngine(store, prices, metrics, snapshotOf(testProfile("default", "BTCUSDT")), &fakeSignals{})

		e.RunCycle(context.Background())

		open, _ := store.GetOpenPositions(context.Background())
		require.Len(t, open, 1)
		assert.Equal(t, DirectionLong, open[0].Direction)
	})

	t.Run("No Entry Without Character Confirmation", func(t *testing.T) {
		store := newFakeStore()
		prices := newFakePrices()
		prices.set("BTCUSDT", 100.05)
		metrics := newFakeMetrics()
		m := valueAreaMetrics("BTCUSDT", orderflow.CharacterNeutral, 100, 110)
		m.Divergences = []string{orderflow.SignalBullishDivergence}
		metrics.metrics["BTCUSDT"] = m
		e := newTestEngine(store, prices, metrics, snapshotOf(testProfile("default", "BTCUSDT")), &fakeSignals{})

		report := e.RunCycle(context.Background())

		open, _ := store.GetOpenPositions(context.Background())
		assert.Empty(t, open)
		assert.Zero(t, report.Opened)
	})

	t.Run("Outside Tolerance Band", func(t *testing.T) {
		store := newFakeStore()
		prices := newFakePrices()
		prices.set("BTCUSDT", 100.2)
		metrics := newFakeMetrics()
		metrics.metrics["BTCUSDT"] = valueAreaMetrics("BTCUSDT", orderflow.CharacterPriceBuy, 100, 110)
		e := newTestEngine(store, prices, metrics, snapshotOf(testProfile("default", "BTCUSDT")), &fakeSignals{})

		e.RunCycle(context.Background())

		open, _ := store.GetOpenPositions(context.Background())
		assert.Empty(t, open)
	})
}

func TestEngine_ConcurrencyCap(t *testing.T) {
	bullish := func(symbol string) orderflow.Metrics {
		m := neutralMetrics(symbol)
		m.Imbalances = []string{orderflow.SignalBullishImbalanceReversal}
		return m
	}

	t.Run("Cap Stops Further Entries", func(t *testing.T) {
		profile := testProfile("default", "BTCUSDT", "ETHUSDT")
		profile.MaxConcurrentPositions = 1
		store := newFakeStore()
		prices := newFakePrices()
		prices.set("BTCUSDT", 100)
		prices.set("ETHUSDT", 200)
		metrics := newFakeMetrics()
		metrics.metrics["BTCUSDT"] = bullish("BTCUSDT")
		metrics.metrics["ETHUSDT"] = bullish("ETHUSDT")
		e := newTestEngine(store, prices, metrics, snapshotOf(profile), &fakeSignals{})

		report := e.RunCycle(context.Background())

		open, _ := store.GetOpenPositions(context.Background())
		require.Len(t, open, 1)
		assert.Equal(t, "BTCUSDT", open[0].Symbol)
		assert.Equal(t, 1, report.Opened)
	})

	t.Run("Existing Position Counts Against Cap", func(t *testing.T) {
		profile := testProfile("default", "BTCUSDT", "ETHUSDT")
		profile.MaxConcurrentPositions = 1
		store := newFakeStore(seedPosition("pos-1", "default", "BTCUSDT", DirectionLong, 100, 1, 98.5))
		prices := newFakePrices()
		prices.set("BTCUSDT", 101)
		prices.set("ETHUSDT", 200)
		metrics := newFakeMetrics()
		metrics.metrics["BTCUSDT"] = neutralMetrics("BTCUSDT")
		metrics.metrics["ETHUSDT"] = bullish("ETHUSDT")
		e := newTestEngine(store, prices, metrics, snapshotOf(profile), &fakeSignals{})

		report := e.RunCycle(context.Background())

		open, _ := store.GetOpenPositions(context.Background())
		require.Len(t, open, 1)
		assert.Equal(t, "pos-1", open[0].ID)
		assert.Zero(t, report.Opened)
	})

	t.Run("Cap Re-Checked After Each Open", func(t *testing.T) {
		profile := testProfile("default", "BTCUSDT", "ETHUSDT", "SOLUSDT")
		profile.MaxConcurrentPositions = 2
		store := newFakeStore()
		prices := newFakePrices()
		prices.set("BTCUSDT", 100)
		prices.set("ETHUSDT", 200)
		prices.set("SOLUSDT", 50)
		metrics := newFakeMetrics()
		for _, sym := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
			metrics.metrics[sym] = bullish(sym)
		}
		e := newTestEngine(store, prices, metrics, snapshotOf(profile), &fakeSignals{})

		report := e.RunCycle(context.Background())

		open, _ := store.GetOpenPositions(context.Background())
		require.Len(t, open, 2)
		symbols := []string{open[0].Symbol, open[1].Symbol}
		assert.ElementsMatch(t, []string{"BTCUSDT", "ETHUSDT"}, symbols)
		assert.Equal(t, 2, report.Opened)
		assert.Zero(t, prices.calls["SOLUSDT"], "capped symbol is never quoted")
	})

	t.Run("Open Symbol Not Re-Entered", func(t *testing.T) {
		store := newFakeStore(seedPosition("pos-1", "default", "BTCUSDT", DirectionLong, 100, 1, 98.5))
		prices := newFakePrices()
		prices.set("BTCUSDT", 101)
		metrics := newFakeMetrics()
		metrics.metrics["BTCUSDT"] = bullish("BTCUSDT")
		e := newTestEngine(store, prices, metrics, snapshotOf(testProfile("default", "BTCUSDT")), &fakeSignals{})

		report := e.RunCycle(context.Background())

		open, _ := store.GetOpenPositions(context.Background())
		require.Len(t, open, 1)
		assert.Equal(t, "pos-1", open[0].ID)
		assert.Zero(t, report.Opened)
	})
}

func TestEngine_PersistFailures(t *testing.T) {
	t.Run("Close Failure Degrades To Error State", func(t *testing.T) {
		store := newFakeStore(seedPosition("pos-1", "default", "BTCUSDT", DirectionLong, 100, 1, 98.5))
		store.updateErr = func(id string, fields map[string]any) error {
			if fields["status"] == StatusClosedExited {
				return errors.New("disk full")
			}
			return nil
		}
		prices := newFakePrices()
		prices.set("BTCUSDT", 98.4)
		metrics := newFakeMetrics()
		signals := &fakeSignals{}
		e := newTestEngine(store, prices, metrics, snapshotOf(testProfile("default", "BTCUSDT")), signals)

		report := e.RunCycle(context.Background())

		got := store.get(t, "pos-1")
		assert.Equal(t, StatusClosedError, got.Status)
		assert.Contains(t, got.Error, "disk full")
		assert.Contains(t, got.Error, "persist close")
		require.NotNil(t, got.ClosedAt)
		assert.Equal(t, 1, report.Errors)
		assert.Zero(t, report.Closed)
		assert.Equal(t, []string{SignalKindError}, signals.kinds())
	})

	t.Run("Create Failure Logs And Continues", func(t *testing.T) {
		store := newFakeStore()
		store.createErr = errors.New("database is readonly")
		prices := newFakePrices()
		prices.set("BTCUSDT", 105)
		metrics := newFakeMetrics()
		m := neutralMetrics("BTCUSDT")
		m.Imbalances = []string{orderflow.SignalBullishImbalanceReversal}
		metrics.metrics["BTCUSDT"] = m
		signals := &fakeSignals{}
		e := newTestEngine(store, prices, metrics, snapshotOf(testProfile("default", "BTCUSDT")), signals)

		report := e.RunCycle(context.Background())

		open, _ := store.GetOpenPositions(context.Background())
		assert.Empty(t, open)
		assert.Equal(t, 1, report.Errors)
		assert.Zero(t, report.Opened)
		require.Len(t, signals.entries, 1)
		assert.Equal(t, SignalKindError, signals.entries[0].Kind)
		assert.Contains(t, signals.entries[0].Detail, "open rejected")
	})

	t.Run("Unreachable Store Leaves Signal Trail", func(t *testing.T) {
		store := newFakeStore(seedPosition("pos-1", "default", "BTCUSDT", DirectionLong, 100, 1, 98.5))
		store.updateErr = func(string, map[string]any) error {
			return errors.New("connection lost")
		}
		prices := newFakePrices()
		prices.set("BTCUSDT", 98.4)
		signals := &fakeSignals{}
		e := newTestEngine(store, prices, newFakeMetrics(), snapshotOf(testProfile("default", "BTCUSDT")), signals)

		report := e.RunCycle(context.Background())

		// Both the close and the error write failed; the row keeps its last
		// persisted state but the failure is on record.
		got := store.get(t, "pos-1")
		assert.Equal(t, StatusEntryActive, got.Status)
		assert.Equal(t, 1, report.Errors)
		assert.Equal(t, []string{SignalKindError}, signals.kinds())
	})
}

func TestEngine_CycleSkips(t *testing.T) {
	t.Run("No Enabled Profiles", func(t *testing.T) {
		store := newFakeStore()
		e := newTestEngine(store, newFakePrices(), newFakeMetrics(), strategy.Snapshot{}, &fakeSignals{})

		report := e.RunCycle(context.Background())

		assert.NotEmpty(t, report.Skipped)
		assert.Zero(t, store.openCalls)
	})

	t.Run("Open Positions Unavailable", func(t *testing.T) {
		store := newFakeStore()
		store.openErr = errors.New("database locked")
		e := newTestEngine(store, newFakePrices(), newFakeMetrics(), snapshotOf(testProfile("default", "BTCUSDT")), &fakeSignals{})

		report := e.RunCycle(context.Background())

		assert.Equal(t, "open positions unavailable", report.Skipped)
	})

	t.Run("Missing Profile Parks Position", func(t *testing.T) {
		store := newFakeStore(seedPosition("pos-1", "ghost", "BTCUSDT", DirectionLong, 100, 1, 98.5))
		prices := newFakePrices()
		prices.set("BTCUSDT", 98.0)
		metrics := newFakeMetrics()
		m := neutralMetrics("BTCUSDT")
		m.Imbalances = []string{orderflow.SignalBullishImbalanceReversal}
		metrics.metrics["BTCUSDT"] = m
		e := newTestEngine(store, prices, metrics, snapshotOf(testProfile("default", "BTCUSDT")), &fakeSignals{})

		report := e.RunCycle(context.Background())

		// Without parameters the position is not evaluated, and its symbol
		// stays blocked for entries.
		got := store.get(t, "pos-1")
		assert.Equal(t, StatusEntryActive, got.Status)
		assert.Equal(t, 1, report.Managed)
		assert.Zero(t, report.Closed)
		assert.Zero(t, report.Opened)
	})

	t.Run("Price Failure Parks Position", func(t *testing.T) {
		store := newFakeStore(seedPosition("pos-1", "default", "BTCUSDT", DirectionLong, 100, 1, 98.5))
		prices := newFakePrices()
		prices.errs["BTCUSDT"] = errors.New("request timeout")
		e := newTestEngine(store, prices, newFakeMetrics(), snapshotOf(testProfile("default", "BTCUSDT")), &fakeSignals{})

		report := e.RunCycle(context.Background())

		got := store.get(t, "pos-1")
		assert.Equal(t, StatusEntryActive, got.Status)
		assert.Equal(t, 1, report.Managed)
		assert.Equal(t, 1, prices.calls["BTCUSDT"], "failed quote is not retried within the cycle")
	})
}

func TestEngine_LastCycle(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store, newFakePrices(), newFakeMetrics(), snapshotOf(testProfile("default", "BTCUSDT")), &fakeSignals{})

	assert.Empty(t, e.LastCycle().CycleID)

	prices := e.prices.(*fakePrices)
	prices.errs["BTCUSDT"] = errors.New("offline")
	report := e.RunCycle(context.Background())

	last := e.LastCycle()
	assert.Equal(t, report.CycleID, last.CycleID)
	assert.NotEmpty(t, last.CycleID)
}
