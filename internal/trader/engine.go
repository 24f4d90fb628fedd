package trader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"deltaflow/internal/logger"
	"deltaflow/internal/orderflow"
	"deltaflow/internal/strategy"
)

// Engine is the autonomous decision loop. Each cycle it walks every open
// position through the exit ladder first, then evaluates entries for the
// symbols the enabled profiles watch. All state lives in the position store;
// the engine keeps nothing between cycles except the last cycle summary.
//
// A cycle never opens and closes the same position, and a position makes at
// most one terminal transition per cycle.
type Engine struct {
	store    PositionStore
	prices   PriceSource
	metrics  MetricsProvider
	profiles ProfileSource
	signals  SignalLogger

	mu        sync.Mutex
	lastCycle atomic.Value

	nowFn func() time.Time
}

func NewEngine(store PositionStore, prices PriceSource, metrics MetricsProvider, profiles ProfileSource, signals SignalLogger) *Engine {
	e := &Engine{
		store:    store,
		prices:   prices,
		metrics:  metrics,
		profiles: profiles,
		signals:  signals,
		nowFn:    time.Now,
	}
	e.lastCycle.Store(CycleReport{})
	return e
}

// LastCycle returns the most recent cycle summary.
func (e *Engine) LastCycle() CycleReport {
	report, _ := e.lastCycle.Load().(CycleReport)
	return report
}

// RunCycle runs one evaluation pass. Configuration or store read failures
// skip the cycle with a log line rather than bubbling up; the scheduler
// just calls again on the next tick.
func (e *Engine) RunCycle(ctx context.Context) (report CycleReport) {
	e.mu.Lock()
	defer e.mu.Unlock()

	started := e.nowFn()
	report = CycleReport{CycleID: uuid.NewString(), StartedAt: started}
	defer func() {
		report.DurationMS = float64(e.nowFn().Sub(started)) / float64(time.Millisecond)
		e.lastCycle.Store(report)
		logger.Debugf("[trader] cycle %s: managed=%d opened=%d closed=%d errors=%d in %.1fms",
			report.CycleID, report.Managed, report.Opened, report.Closed, report.Errors, report.DurationMS)
	}()

	snap := e.profiles.Snapshot()
	active := snap.ActiveProfiles()
	if len(active) == 0 {
		report.Skipped = "no enabled strategy profiles"
		logger.Warnf("[trader] cycle %s skipped: %s", report.CycleID, report.Skipped)
		return report
	}
	byName := make(map[string]strategy.Profile, len(active))
	for _, p := range active {
		byName[p.Name] = p
	}

	open, err := e.store.GetOpenPositions(ctx)
	if err != nil {
		report.Skipped = "open positions unavailable"
		logger.Errorf("[trader] cycle %s skipped: loading open positions: %v", report.CycleID, err)
		return report
	}

	cache := newCycleCache(e)
	openBySymbol := make(map[string]bool)
	openByProfile := make(map[string]int)
	holdOpen := func(p Position) {
		openBySymbol[p.Symbol] = true
		openByProfile[p.Profile]++
	}

	for _, pos := range open {
		report.Managed++
		profile, ok := byName[pos.Profile]
		if !ok {
			logger.Warnf("[trader] %s: profile %q missing or disabled, position %s not evaluated this cycle",
				pos.Symbol, pos.Profile, pos.ID)
			holdOpen(pos)
			continue
		}
		price, ok := cache.price(ctx, pos.Symbol)
		if !ok {
			holdOpen(pos)
			continue
		}
		// Zero metrics on a lookup failure still enforce the hard stop.
		m, _ := cache.metrics(ctx, pos.Symbol)
		if updated, closed := e.managePosition(ctx, report.CycleID, pos, profile, price, m, &report); !closed {
			holdOpen(updated)
		}
	}

	for _, profile := range active {
		if profile.OrderSizeUSD <= 0 || profile.StopLossPct <= 0 {
			logger.Warnf("[trader] profile %q missing sizing parameters, entries skipped this cycle", profile.Name)
			continue
		}
		for _, sym := range profile.Symbols {
			if openByProfile[profile.Name] >= profile.MaxConcurrentPositions {
				break
			}
			if openBySymbol[sym] {
				continue
			}
			price, ok := cache.price(ctx, sym)
			if !ok {
				continue
			}
			m, ok := cache.metrics(ctx, sym)
			if !ok {
				continue
			}
			dir, reason, ok := anyEntrySignal(price, m, profile.EntryTolerancePct)
			if !ok {
				continue
			}
			created, err := e.openPosition(ctx, report.CycleID, profile, sym, dir, price, reason, m)
			if err != nil {
				report.Errors++
				continue
			}
			report.Opened++
			holdOpen(created)
		}
	}
	return report
}

// managePosition applies the exit ladder to one open position: hard stop,
// proactive exit on an opposite entry signal, trailing activation, trailing
// maintenance. The first branch that fires wins the cycle.
func (e *Engine) managePosition(ctx context.Context, cycleID string, pos Position, profile strategy.Profile, price float64, m orderflow.Metrics, report *CycleReport) (Position, bool) {
	if stopBreached(pos.Direction, price, pos.StopLossPrice) {
		// The fill is booked at the stop level, not at the tick that pierced it.
		return e.closePosition(ctx, cycleID, pos, pos.StopLossPrice, ExitReasonStopLoss, report)
	}

	if reason, ok := entrySignal(pos.Direction.Opposite(), price, m, profile.EntryTolerancePct); ok {
		return e.closePosition(ctx, cycleID, pos, price, ExitReasonProactive+": "+reason, report)
	}

	if !profile.TrailingEnabled() {
		return pos, false
	}

	switch pos.Status {
	case StatusEntryActive:
		if decimalGTE(unrealizedPnLPercent(pos.Direction, pos.EntryPrice, price), profile.TrailingActivationPct) {
			return e.armTrailing(ctx, cycleID, pos, price, report)
		}
	case StatusTrailingActive:
		extreme := pos.TrailingExtreme
		if betterExtreme(pos.Direction, price, extreme) {
			now := e.nowFn()
			updated, err := e.store.UpdatePosition(ctx, pos.ID, map[string]any{
				"trailing_extreme": price,
				"updated_at":       now,
			})
			if err != nil {
				report.Errors++
				return e.markError(ctx, cycleID, pos, fmt.Errorf("persist trailing extreme: %w", err)), true
			}
			pos = updated
			extreme = pos.TrailingExtreme
		}
		trail := trailingStopFrom(pos.Direction, extreme, profile.TrailingDeltaPct)
		if stopBreached(pos.Direction, price, trail) {
			return e.closePosition(ctx, cycleID, pos, price, ExitReasonTrailing, report)
		}
	}
	return pos, false
}

// armTrailing flips the position to TRAILING_ACTIVE and records the current
// price as the first extreme. Maintenance starts next cycle.
func (e *Engine) armTrailing(ctx context.Context, cycleID string, pos Position, price float64, report *CycleReport) (Position, bool) {
	now := e.nowFn()
	updated, err := e.store.UpdatePosition(ctx, pos.ID, map[string]any{
		"status":           StatusTrailingActive,
		"trailing_extreme": price,
		"updated_at":       now,
	})
	if err != nil {
		report.Errors++
		return e.markError(ctx, cycleID, pos, fmt.Errorf("persist trailing activation: %w", err)), true
	}
	logger.Infof("[trader] %s: trailing armed for %s %s at %.8g (entry %.8g)",
		pos.Symbol, pos.Direction, pos.ID, price, pos.EntryPrice)
	e.logSignal(ctx, SignalEntry{
		CycleID:    cycleID,
		Symbol:     pos.Symbol,
		Kind:       SignalKindTrailingArm,
		PositionID: pos.ID,
		Price:      price,
		Detail:     fmt.Sprintf("profit reached %.4f%%, trailing from %.8g", unrealizedPnLPercent(pos.Direction, pos.EntryPrice, price), price),
		At:         now,
	})
	return updated, false
}

// closePosition books the exit and settles PnL. A failed write degrades the
// position to CLOSED_ERROR instead of leaving it silently open.
func (e *Engine) closePosition(ctx context.Context, cycleID string, pos Position, exitPrice float64, reason string, report *CycleReport) (Position, bool) {
	pnl, pnlPct := positionPnL(pos.Direction, pos.EntryPrice, exitPrice, pos.Quantity)
	now := e.nowFn()
	updated, err := e.store.UpdatePosition(ctx, pos.ID, map[string]any{
		"status":      StatusClosedExited,
		"exit_price":  exitPrice,
		"pnl":         pnl,
		"pnl_percent": pnlPct,
		"exit_reason": reason,
		"closed_at":   now,
		"updated_at":  now,
	})
	if err != nil {
		report.Errors++
		return e.markError(ctx, cycleID, pos, fmt.Errorf("persist close: %w", err)), true
	}
	report.Closed++
	logger.Infof("[trader] %s: closed %s %s at %.8g (%s, pnl %.4f / %.2f%%)",
		pos.Symbol, pos.Direction, pos.ID, exitPrice, reason, pnl, pnlPct)
	e.logSignal(ctx, SignalEntry{
		CycleID:    cycleID,
		Symbol:     pos.Symbol,
		Kind:       SignalKindExit,
		PositionID: pos.ID,
		Price:      exitPrice,
		Detail:     reason,
		Payload:    updated,
		At:         now,
	})
	return updated, true
}

// openPosition creates a new ENTRY_ACTIVE position with the entry-time
// metrics snapshot attached.
func (e *Engine) openPosition(ctx context.Context, cycleID string, profile strategy.Profile, symbol string, dir Direction, price float64, reason string, m orderflow.Metrics) (Position, error) {
	now := e.nowFn()
	snapshot := m
	pos := Position{
		ID:            uuid.NewString(),
		Profile:       profile.Name,
		Symbol:        symbol,
		Direction:     dir,
		Status:        StatusEntryActive,
		EntryPrice:    price,
		Quantity:      orderQuantity(profile.OrderSizeUSD, price),
		StopLossPrice: stopPrice(dir, price, profile.StopLossPct),
		EntryReason:   reason,
		EntryMetrics:  &snapshot,
		OpenedAt:      now,
		UpdatedAt:     now,
	}
	created, err := e.store.CreatePosition(ctx, pos)
	if err != nil {
		logger.Errorf("[trader] %s: opening %s position failed: %v", symbol, dir, err)
		e.logSignal(ctx, SignalEntry{
			CycleID: cycleID,
			Symbol:  symbol,
			Kind:    SignalKindError,
			Price:   price,
			Detail:  fmt.Sprintf("open rejected: %v", err),
			At:      now,
		})
		return Position{}, err
	}
	logger.Infof("[trader] %s: opened %s %s at %.8g qty %.8g stop %.8g (%s)",
		symbol, dir, created.ID, price, pos.Quantity, pos.StopLossPrice, reason)
	e.logSignal(ctx, SignalEntry{
		CycleID:    cycleID,
		Symbol:     symbol,
		Kind:       SignalKindEntry,
		PositionID: created.ID,
		Price:      price,
		Detail:     reason,
		Payload:    created,
		At:         now,
	})
	return created, nil
}

// markError forces a position into CLOSED_ERROR after a failed persistence
// attempt so it cannot linger open unnoticed. The error write itself is
// best effort.
func (e *Engine) markError(ctx context.Context, cycleID string, pos Position, cause error) Position {
	now := e.nowFn()
	logger.Errorf("[trader] %s: position %s: %v", pos.Symbol, pos.ID, cause)
	pos.Status = StatusClosedError
	pos.Error = cause.Error()
	pos.ClosedAt = &now
	pos.UpdatedAt = now
	if _, err := e.store.UpdatePosition(ctx, pos.ID, map[string]any{
		"status":     StatusClosedError,
		"error":      cause.Error(),
		"closed_at":  now,
		"updated_at": now,
	}); err != nil {
		logger.Errorf("[trader] %s: recording CLOSED_ERROR for %s also failed: %v", pos.Symbol, pos.ID, err)
	}
	e.logSignal(ctx, SignalEntry{
		CycleID:    cycleID,
		Symbol:     pos.Symbol,
		Kind:       SignalKindError,
		PositionID: pos.ID,
		Detail:     cause.Error(),
		At:         now,
	})
	return pos
}

func (e *Engine) logSignal(ctx context.Context, entry SignalEntry) {
	if e.signals == nil {
		return
	}
	if err := e.signals.LogSignal(ctx, entry); err != nil {
		logger.Warnf("[trader] signal log write failed: %v", err)
	}
}

// anyEntrySignal checks both directions, long first.
func anyEntrySignal(price float64, m orderflow.Metrics, tolerancePct float64) (Direction, string, bool) {
	if reason, ok := entrySignal(DirectionLong, price, m, tolerancePct); ok {
		return DirectionLong, reason, true
	}
	if reason, ok := entrySignal(DirectionShort, price, m, tolerancePct); ok {
		return DirectionShort, reason, true
	}
	return "", "", false
}

// entrySignal evaluates the three entry conditions for one direction. The
// value-area test needs a valid volume profile and an agreeing bar
// character, the divergence test needs the character alone, and the
// stacked-imbalance reversal stands on its own.
func entrySignal(dir Direction, price float64, m orderflow.Metrics, tolerancePct float64) (string, bool) {
	if price <= 0 {
		return "", false
	}
	if dir == DirectionLong {
		bullish := orderflow.IsBullishCharacter(m.Character)
		if m.ProfileOK && bullish && withinBandAbove(price, m.Profile.VAL, tolerancePct) {
			return "price holding value area low with bullish bar character", true
		}
		if bullish && m.HasSignal(orderflow.SignalBullishDivergence) {
			return "bullish delta divergence with bullish bar character", true
		}
		if m.HasSignal(orderflow.SignalBullishImbalanceReversal) {
			return "bullish stacked imbalance reversal", true
		}
		return "", false
	}
	bearish := orderflow.IsBearishCharacter(m.Character)
	if m.ProfileOK && bearish && withinBandBelow(price, m.Profile.VAH, tolerancePct) {
		return "price rejected at value area high with bearish bar character", true
	}
	if bearish && m.HasSignal(orderflow.SignalBearishDivergence) {
		return "bearish delta divergence with bearish bar character", true
	}
	if m.HasSignal(orderflow.SignalBearishImbalanceReversal) {
		return "bearish stacked imbalance reversal", true
	}
	return "", false
}

// cycleCache memoizes per-symbol lookups so one cycle quotes each symbol at
// most once and every decision in the cycle sees the same numbers. Failed
// lookups are cached too.
type cycleCache struct {
	engine          *Engine
	priceBySymbol   map[string]float64
	metricsBySymbol map[string]metricsResult
}

type metricsResult struct {
	m  orderflow.Metrics
	ok bool
}

func newCycleCache(e *Engine) *cycleCache {
	return &cycleCache{
		engine:          e,
		priceBySymbol:   make(map[string]float64),
		metricsBySymbol: make(map[string]metricsResult),
	}
}

func (c *cycleCache) price(ctx context.Context, symbol string) (float64, bool) {
	if p, seen := c.priceBySymbol[symbol]; seen {
		return p, p > 0
	}
	p, err := c.engine.prices.LatestPrice(ctx, symbol)
	if err != nil || p <= 0 {
		if err != nil {
			logger.Warnf("[trader] %s: price unavailable: %v", symbol, err)
		}
		c.priceBySymbol[symbol] = 0
		return 0, false
	}
	c.priceBySymbol[symbol] = p
	return p, true
}

func (c *cycleCache) metrics(ctx context.Context, symbol string) (orderflow.Metrics, bool) {
	if r, seen := c.metricsBySymbol[symbol]; seen {
		return r.m, r.ok
	}
	m, err := c.engine.metrics.Metrics(ctx, symbol)
	if err != nil {
		logger.Warnf("[trader] %s: metrics unavailable: %v", symbol, err)
		c.metricsBySymbol[symbol] = metricsResult{}
		return orderflow.Metrics{}, false
	}
	c.metricsBySymbol[symbol] = metricsResult{m: m, ok: true}
	return m, true
}
