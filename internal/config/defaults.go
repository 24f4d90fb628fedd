package config

const (
	defaultEnv      = "dev"
	defaultLogLevel = "info"
	defaultHTTPAddr = ":8086"

	defaultSourceKind           = "binance"
	defaultRESTBaseURL          = "https://fapi.binance.com"
	defaultHTTPTimeoutSeconds   = 10
	defaultReconnectBaseDelayMS = 1000
	defaultMaxReconnectAttempts = 5
	defaultSourceBuffer         = 2048

	defaultInterval         = "1m"
	defaultMaxBars          = 100
	defaultPriceKeyDecimals = 2
	defaultWarmupTrades     = 1000

	defaultValueAreaPct      = 0.70
	defaultSwingWindow       = 2
	defaultMinDivergenceBars = 10
	defaultImbalanceRatio    = 3.0
	defaultImbalanceStack    = 2
	defaultIndicatorFast     = 7
	defaultIndicatorMid      = 25
	defaultIndicatorSlow     = 99
	defaultRSIPeriod         = 14

	defaultCycleInterval         = "5s"
	defaultStrategiesPath        = "configs/strategies.yaml"
	defaultPriceBreakerThreshold = 3
	defaultPriceBreakerCooldownS = 30
	defaultMetricsLookbackBars   = 50

	defaultPositionsPath = "data/positions.db"
	defaultSignalLogPath = "data/signals.db"

	defaultSubscriberBuffer = 64
	defaultReplayPaceMS     = 0
)

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, value string) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target == "" },
		apply: func() { *target = value },
	}
}

func intFieldDefault(key string, target *int, value int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target == 0 },
		apply: func() { *target = value },
	}
}

func floatFieldDefault(key string, target *float64, value float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target == 0 },
		apply: func() { *target = value },
	}
}

func (c *Config) applyDefaults(keys keySet) {
	if c == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &c.App.Env, defaultEnv),
		stringFieldDefault("app.log_level", &c.App.LogLevel, defaultLogLevel),
		stringFieldDefault("app.http_addr", &c.App.HTTPAddr, defaultHTTPAddr),
		stringFieldDefault("source.kind", &c.Source.Kind, defaultSourceKind),
		stringFieldDefault("source.rest_base_url", &c.Source.RESTBaseURL, defaultRESTBaseURL),
		intFieldDefault("source.http_timeout_seconds", &c.Source.HTTPTimeoutSeconds, defaultHTTPTimeoutSeconds),
		intFieldDefault("source.reconnect_base_delay_ms", &c.Source.ReconnectBaseDelayMS, defaultReconnectBaseDelayMS),
		intFieldDefault("source.max_reconnect_attempts", &c.Source.MaxReconnectAttempts, defaultMaxReconnectAttempts),
		intFieldDefault("source.buffer", &c.Source.Buffer, defaultSourceBuffer),
		intFieldDefault("source.replay_pace_ms", &c.Source.ReplayPaceMS, defaultReplayPaceMS),
		stringFieldDefault("aggregator.interval", &c.Aggregator.Interval, defaultInterval),
		intFieldDefault("aggregator.max_bars", &c.Aggregator.MaxBars, defaultMaxBars),
		intFieldDefault("aggregator.price_key_decimals", &c.Aggregator.PriceKeyDecimals, defaultPriceKeyDecimals),
		intFieldDefault("aggregator.warmup_trades", &c.Aggregator.WarmupTrades, defaultWarmupTrades),
		floatFieldDefault("metrics.value_area_pct", &c.Metrics.ValueAreaPct, defaultValueAreaPct),
		intFieldDefault("metrics.swing_window", &c.Metrics.SwingWindow, defaultSwingWindow),
		intFieldDefault("metrics.min_divergence_bars", &c.Metrics.MinDivergenceBars, defaultMinDivergenceBars),
		floatFieldDefault("metrics.imbalance_ratio", &c.Metrics.ImbalanceRatio, defaultImbalanceRatio),
		intFieldDefault("metrics.imbalance_stack", &c.Metrics.ImbalanceStack, defaultImbalanceStack),
		intFieldDefault("metrics.indicator_fast", &c.Metrics.IndicatorFast, defaultIndicatorFast),
		intFieldDefault("metrics.indicator_mid", &c.Metrics.IndicatorMid, defaultIndicatorMid),
		intFieldDefault("metrics.indicator_slow", &c.Metrics.IndicatorSlow, defaultIndicatorSlow),
		intFieldDefault("metrics.rsi_period", &c.Metrics.RSIPeriod, defaultRSIPeriod),
		stringFieldDefault("trader.cycle_interval", &c.Trader.CycleInterval, defaultCycleInterval),
		stringFieldDefault("trader.strategies_path", &c.Trader.StrategiesPath, defaultStrategiesPath),
		intFieldDefault("trader.price_breaker_threshold", &c.Trader.PriceBreakerThreshold, defaultPriceBreakerThreshold),
		intFieldDefault("trader.price_breaker_cooldown_seconds", &c.Trader.PriceBreakerCooldownS, defaultPriceBreakerCooldownS),
		intFieldDefault("trader.metrics_lookback_bars", &c.Trader.MetricsLookbackBars, defaultMetricsLookbackBars),
		stringFieldDefault("storage.positions_path", &c.Storage.PositionsPath, defaultPositionsPath),
		stringFieldDefault("storage.signal_log_path", &c.Storage.SignalLogPath, defaultSignalLogPath),
		intFieldDefault("hub.subscriber_buffer", &c.Hub.SubscriberBuffer, defaultSubscriberBuffer),
	)
	c.Source.Proxy.normalize()
	c.Notify.Telegram.normalize()
}
