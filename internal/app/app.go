// Package app assembles the pipeline: trade source, aggregator, metrics,
// decision engine, stores, and the HTTP surface, then runs them under one
// lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"deltaflow/internal/config"
	"deltaflow/internal/gateway/replay"
	"deltaflow/internal/logger"
	"deltaflow/internal/market"
	"deltaflow/internal/scheduler"
	"deltaflow/internal/store/positionstore"
	"deltaflow/internal/store/signallog"
	"deltaflow/internal/strategy"
	"deltaflow/internal/trader"
	httpapi "deltaflow/internal/transport/http"
)

// flushGrace trails each bar boundary so late ticks still land in their
// own bar before the flusher seals quiet symbols.
const flushGrace = 2 * time.Second

// cycleOffset keeps decision cycles just behind the flusher, so every
// cycle sees the freshest finalized window.
const cycleOffset = 3 * time.Second

type App struct {
	cfg *config.Config

	registry   *strategy.Registry
	source     market.TradeSource
	feed       *market.Feed
	aggregator *market.Aggregator
	hub        *market.Hub
	warmer     *market.Warmer
	recorder   *replay.Recorder
	positions  *positionstore.Store
	signals    *signallog.Store
	engine     *trader.Engine
	http       *httpapi.Server

	barInterval   time.Duration
	cycleInterval time.Duration

	Summary *StartupSummary
}

// NewApp builds the application from configuration without starting it.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Engine exposes the decision engine for replay harnesses and tests.
func (a *App) Engine() *trader.Engine {
	if a == nil {
		return nil
	}
	return a.engine
}

// Run starts every service and blocks until the context is canceled or a
// service fails. Shutdown drains in order: schedulers and feed stop with
// the context, then the aggregator flushes, the hub closes, stores close.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}

	group, ctx := errgroup.WithContext(ctx)

	symbols := a.registry.Snapshot().Symbols()
	if len(symbols) == 0 {
		return fmt.Errorf("no symbols configured across strategy profiles")
	}

	if a.cfg.Aggregator.Warmup {
		a.warmer.Warm(ctx, symbols, a.cfg.Aggregator.WarmupTrades)
	}
	if err := a.feed.Start(ctx, symbols); err != nil {
		return fmt.Errorf("start trade feed: %w", err)
	}
	a.watchSymbolChanges(ctx, symbols)

	group.Go(func() error {
		flusher := scheduler.NewAlignedScheduler(ctx, a.barInterval, flushGrace)
		flusher.Name = "flush"
		flusher.Start(func() {
			if err := a.aggregator.FlushExpired(ctx, time.Now().UTC()); err != nil {
				logger.Warnf("[app] bar flush failed: %v", err)
			}
		})
		return nil
	})

	if a.engine != nil {
		group.Go(func() error {
			cycles := scheduler.NewAlignedOnceScheduler(ctx, a.barInterval, a.cycleInterval, cycleOffset)
			cycles.Name = "trader"
			cycles.Start(func() {
				a.engine.RunCycle(ctx)
			})
			return nil
		})
	}

	group.Go(func() error {
		if err := a.http.Start(ctx); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	err := group.Wait()
	a.shutdown()
	return err
}

// watchSymbolChanges re-subscribes the feed when a profile edit changes the
// union of watched symbols. Parameter-only edits are ignored; the engine
// reads the snapshot fresh every cycle anyway.
func (a *App) watchSymbolChanges(ctx context.Context, initial []string) {
	prev := strings.Join(initial, ",")
	a.registry.OnChange(func(snap strategy.Snapshot) {
		symbols := snap.Symbols()
		key := strings.Join(symbols, ",")
		if key == prev {
			return
		}
		if len(symbols) == 0 {
			logger.Warnf("[app] profile change removed every symbol, keeping current subscription")
			return
		}
		prev = key
		logger.Infof("[app] symbol set changed, resubscribing: %v", symbols)
		if err := a.feed.Start(ctx, symbols); err != nil {
			logger.Errorf("[app] resubscribe failed: %v", err)
		}
	})
}

func (a *App) shutdown() {
	a.feed.Close()
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			logger.Warnf("[app] tape close failed: %v", err)
		}
	}
	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.aggregator.Close(shCtx); err != nil {
		logger.Warnf("[app] final bar flush failed: %v", err)
	}
	a.hub.Close()
	if a.positions != nil {
		_ = a.positions.Close()
	}
	if a.signals != nil {
		_ = a.signals.Close()
	}
	logger.Infof("[app] shutdown complete")
}
