package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Publisher receives bar lifecycle events; the hub implements it.
type Publisher interface {
	Publish(BarEvent)
}

// Aggregator converts the trade stream into footprint bars: one mutable
// current bar per symbol plus bounded finalized history in the store. Bar
// state is owned exclusively here; readers only ever get snapshots.
type Aggregator struct {
	interval time.Duration
	decimals int
	maxBars  int
	store    BarStore
	pub      Publisher

	mu     sync.Mutex
	states map[string]*symbolState
}

type symbolState struct {
	mu      sync.Mutex
	builder *BarBuilder
}

type AggregatorOption func(*Aggregator)

func WithPublisher(pub Publisher) AggregatorOption {
	return func(a *Aggregator) { a.pub = pub }
}

func NewAggregator(store BarStore, interval time.Duration, decimals, maxBars int, opts ...AggregatorOption) *Aggregator {
	if maxBars <= 0 {
		maxBars = 100
	}
	a := &Aggregator{
		interval: interval,
		decimals: decimals,
		maxBars:  maxBars,
		store:    store,
		states:   make(map[string]*symbolState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

func (a *Aggregator) state(symbol string) *symbolState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[symbol]
	if !ok {
		st = &symbolState{builder: NewBarBuilder(symbol, a.interval, a.decimals)}
		a.states[symbol] = st
	}
	return st
}

// Ingest folds one trade into its symbol's current bar. A trade rolling the
// interval boundary finalizes the previous bar: it is appended to history
// and published before the update event for the fresh bar. Trades land in
// whichever interval their own timestamp maps to; the feed is trusted to be
// near-ordered.
func (a *Aggregator) Ingest(ctx context.Context, t Trade) error {
	if t.Symbol == "" {
		return errors.New("trade symbol cannot be empty")
	}
	st := a.state(t.Symbol)
	st.mu.Lock()
	done := st.builder.Apply(t)
	snap := st.builder.Current()
	st.mu.Unlock()
	if done != nil {
		if err := a.store.Put(ctx, t.Symbol, []FootprintBar{*done}, a.maxBars); err != nil {
			return fmt.Errorf("append bar history for %s: %w", t.Symbol, err)
		}
		a.publish(BarEvent{Type: EventBarCompleted, Symbol: t.Symbol, Bar: done})
	}
	a.publish(BarEvent{Type: EventBarUpdated, Symbol: t.Symbol, Bar: snap})
	return nil
}

// Flush finalizes the current bar for one symbol, used on explicit stream
// stop. Zero-volume bars are discarded, matching Ingest.
func (a *Aggregator) Flush(ctx context.Context, symbol string) error {
	a.mu.Lock()
	st, ok := a.states[symbol]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	done := st.builder.Flush()
	st.mu.Unlock()
	if done == nil {
		return nil
	}
	if err := a.store.Put(ctx, symbol, []FootprintBar{*done}, a.maxBars); err != nil {
		return fmt.Errorf("append bar history for %s: %w", symbol, err)
	}
	a.publish(BarEvent{Type: EventBarCompleted, Symbol: symbol, Bar: done})
	return nil
}

// FlushExpired finalizes bars whose interval has closed for every symbol.
// The periodic flusher calls it just after each boundary so quiet symbols
// still seal their bars; a bar inside its interval is never touched.
func (a *Aggregator) FlushExpired(ctx context.Context, now time.Time) error {
	a.mu.Lock()
	states := make(map[string]*symbolState, len(a.states))
	for sym, st := range a.states {
		states[sym] = st
	}
	a.mu.Unlock()
	nowMS := now.UnixMilli()
	var firstErr error
	for sym, st := range states {
		st.mu.Lock()
		done := st.builder.FlushExpired(nowMS)
		st.mu.Unlock()
		if done == nil {
			continue
		}
		if err := a.store.Put(ctx, sym, []FootprintBar{*done}, a.maxBars); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("append bar history for %s: %w", sym, err)
			}
			continue
		}
		a.publish(BarEvent{Type: EventBarCompleted, Symbol: sym, Bar: done})
	}
	return firstErr
}

// Close flushes every symbol's current bar.
func (a *Aggregator) Close(ctx context.Context) error {
	a.mu.Lock()
	symbols := make([]string, 0, len(a.states))
	for sym := range a.states {
		symbols = append(symbols, sym)
	}
	a.mu.Unlock()
	var firstErr error
	for _, sym := range symbols {
		if err := a.Flush(ctx, sym); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LatestBars returns up to count finalized bars, oldest first.
func (a *Aggregator) LatestBars(ctx context.Context, symbol string, count int) ([]FootprintBar, error) {
	return a.store.Export(ctx, symbol, count)
}

// CurrentBar returns a snapshot of the live partial bar, nil when no trade
// has arrived in the open interval.
func (a *Aggregator) CurrentBar(symbol string) *FootprintBar {
	a.mu.Lock()
	st, ok := a.states[symbol]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.builder.Current()
}

func (a *Aggregator) publish(ev BarEvent) {
	if a.pub == nil || ev.Bar == nil {
		return
	}
	a.pub.Publish(ev)
}
