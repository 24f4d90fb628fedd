package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"deltaflow/internal/config"
	"deltaflow/internal/gateway/binance"
	"deltaflow/internal/gateway/replay"
	"deltaflow/internal/logger"
	"deltaflow/internal/market"
	"deltaflow/internal/notify"
	"deltaflow/internal/orderflow"
	"deltaflow/internal/scheduler"
	"deltaflow/internal/store"
	"deltaflow/internal/store/positionstore"
	"deltaflow/internal/store/signallog"
	"deltaflow/internal/strategy"
	"deltaflow/internal/trader"
	httpapi "deltaflow/internal/transport/http"
)

// AppBuilder wires the application graph. Each external dependency sits
// behind an overridable constructor so tests can inject fakes without
// touching the assembly order.
type AppBuilder struct {
	cfg *config.Config

	registryFn  func(path string) (*strategy.Registry, error)
	sourceFn    func(cfg *config.Config) (market.TradeSource, error)
	positionsFn func(path string) (*positionstore.Store, error)
	signalsFn   func(path string) (*signallog.Store, error)
}

type AppBuilderOption func(*AppBuilder)

func WithTradeSource(fn func(cfg *config.Config) (market.TradeSource, error)) AppBuilderOption {
	return func(b *AppBuilder) { b.sourceFn = fn }
}

func WithRegistry(fn func(path string) (*strategy.Registry, error)) AppBuilderOption {
	return func(b *AppBuilder) { b.registryFn = fn }
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:         cfg,
		registryFn:  strategy.NewRegistry,
		sourceFn:    buildTradeSource,
		positionsFn: positionstore.New,
		signalsFn:   signallog.New,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg

	barInterval, ok := scheduler.ParseIntervalDuration(cfg.Aggregator.Interval)
	if !ok {
		return nil, fmt.Errorf("invalid aggregator interval %q", cfg.Aggregator.Interval)
	}
	var cycleInterval time.Duration
	if cfg.Trader.Enabled {
		cycleInterval, ok = scheduler.ParseIntervalDuration(cfg.Trader.CycleInterval)
		if !ok {
			return nil, fmt.Errorf("invalid trader cycle interval %q", cfg.Trader.CycleInterval)
		}
	}

	registry, err := b.registryFn(cfg.Trader.StrategiesPath)
	if err != nil {
		return nil, fmt.Errorf("load strategy profiles: %w", err)
	}
	snap := registry.Snapshot()
	symbols := snap.Symbols()
	logger.Infof("[app] %d profiles, %d symbols: %v", len(snap.Profiles), len(symbols), symbols)

	barStore := store.NewMemoryBarStore()
	hub := market.NewHub(cfg.Hub.SubscriberBuffer)
	aggregator := market.NewAggregator(
		barStore,
		barInterval,
		cfg.Aggregator.PriceKeyDecimals,
		cfg.Aggregator.MaxBars,
		market.WithPublisher(hub),
	)

	source, err := b.sourceFn(cfg)
	if err != nil {
		return nil, fmt.Errorf("build trade source: %w", err)
	}
	feedOpts := []market.FeedOption{
		market.WithFeedCallbacks(
			func() { logger.Infof("[app] trade stream connected") },
			func(err error) { logger.Warnf("[app] trade stream disconnected: %v", err) },
		),
	}
	var recorder *replay.Recorder
	if strings.TrimSpace(cfg.Source.RecordPath) != "" {
		recorder, err = replay.NewRecorder(cfg.Source.RecordPath)
		if err != nil {
			return nil, fmt.Errorf("open tape recorder: %w", err)
		}
		feedOpts = append(feedOpts, market.WithTradeHandler(recorder.RecordTrade))
		logger.Infof("[app] recording trades to %s", cfg.Source.RecordPath)
	}
	feed := market.NewFeed(source, aggregator, cfg.Source.Buffer, feedOpts...)
	warmer := market.NewWarmer(source, aggregator)

	positions, err := b.positionsFn(cfg.Storage.PositionsPath)
	if err != nil {
		return nil, fmt.Errorf("open position store: %w", err)
	}
	signals, err := b.signalsFn(cfg.Storage.SignalLogPath)
	if err != nil {
		return nil, fmt.Errorf("open signal log: %w", err)
	}

	provider := orderflow.NewProvider(aggregator, cfg.Trader.MetricsLookbackBars, metricsConfig(cfg.Metrics))

	var signalSink trader.SignalLogger = signals
	if cfg.Notify.Telegram.Enabled {
		tg := notify.NewTelegram(cfg.Notify.Telegram.BotToken, cfg.Notify.Telegram.ChatID)
		signalSink = notify.Fanout(signals, notify.NewSignalNotifier(tg))
		logger.Infof("[app] telegram notifications enabled")
	}

	var engine *trader.Engine
	if cfg.Trader.Enabled {
		engine = trader.NewEngine(positions, source, provider, registry, signalSink)
	} else {
		logger.Warnf("[app] trader disabled, running observe-only")
	}

	router := &httpapi.Router{
		Bars:       aggregator,
		Metrics:    provider,
		Positions:  positions,
		Signals:    signals,
		Strategies: registry,
		Source:     feed,
		Hub:        hub,
	}
	if engine != nil {
		router.Engine = engine
	}
	httpServer, err := httpapi.NewServer(cfg.App.HTTPAddr, router)
	if err != nil {
		return nil, fmt.Errorf("build http server: %w", err)
	}

	app := &App{
		cfg:           cfg,
		registry:      registry,
		source:        source,
		feed:          feed,
		aggregator:    aggregator,
		hub:           hub,
		warmer:        warmer,
		recorder:      recorder,
		positions:     positions,
		signals:       signals,
		engine:        engine,
		http:          httpServer,
		barInterval:   barInterval,
		cycleInterval: cycleInterval,
		Summary:       buildStartupSummary(cfg, snap, symbols),
	}
	return app, nil
}

func buildTradeSource(cfg *config.Config) (market.TradeSource, error) {
	switch cfg.Source.Kind {
	case "binance":
		src, err := binance.New(binance.Config{
			RESTBaseURL:           cfg.Source.RESTBaseURL,
			HTTPTimeout:           time.Duration(cfg.Source.HTTPTimeoutSeconds) * time.Second,
			ReconnectBaseDelay:    time.Duration(cfg.Source.ReconnectBaseDelayMS) * time.Millisecond,
			MaxReconnectAttempts:  cfg.Source.MaxReconnectAttempts,
			PriceBreakerThreshold: cfg.Trader.PriceBreakerThreshold,
			PriceBreakerCooldown:  time.Duration(cfg.Trader.PriceBreakerCooldownS) * time.Second,
			ProxyEnabled:          cfg.Source.Proxy.Enabled,
			RESTProxyURL:          cfg.Source.Proxy.RESTURL,
			WSProxyURL:            cfg.Source.Proxy.WSURL,
		})
		if err != nil {
			return nil, err
		}
		return src, nil
	case "replay":
		src, err := replay.New(cfg.Source.ReplayPath, time.Duration(cfg.Source.ReplayPaceMS)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
	}
}

func metricsConfig(m config.MetricsConfig) orderflow.Config {
	return orderflow.Config{
		ValueAreaPct:      m.ValueAreaPct,
		SwingWindow:       m.SwingWindow,
		MinDivergenceBars: m.MinDivergenceBars,
		ImbalanceRatio:    m.ImbalanceRatio,
		ImbalanceStack:    m.ImbalanceStack,
		IndicatorFast:     m.IndicatorFast,
		IndicatorMid:      m.IndicatorMid,
		IndicatorSlow:     m.IndicatorSlow,
		RSIPeriod:         m.RSIPeriod,
	}
}
