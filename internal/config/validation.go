package config

import (
	"fmt"
	"strings"
	"time"
)

// validate performs basic sanity checks after defaults are applied.
func validate(c *Config) error {
	if err := c.Source.validate(); err != nil {
		return err
	}
	if err := c.Aggregator.validate(); err != nil {
		return err
	}
	if err := c.Metrics.validate(); err != nil {
		return err
	}
	if err := c.Trader.validate(); err != nil {
		return err
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if err := c.Hub.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

func (s *SourceConfig) validate() error {
	kind := strings.ToLower(strings.TrimSpace(s.Kind))
	switch kind {
	case "binance":
		if strings.TrimSpace(s.RESTBaseURL) == "" {
			return fmt.Errorf("source.rest_base_url cannot be empty")
		}
	case "replay":
		if strings.TrimSpace(s.ReplayPath) == "" {
			return fmt.Errorf("source.replay_path required when source.kind=replay")
		}
	default:
		return fmt.Errorf("source.kind only supports 'binance' or 'replay', got %s", s.Kind)
	}
	if s.Proxy.Enabled && s.Proxy.RESTURL == "" && s.Proxy.WSURL == "" {
		return fmt.Errorf("source.proxy enabled but no rest_url or ws_url")
	}
	if s.ReconnectBaseDelayMS <= 0 {
		return fmt.Errorf("source.reconnect_base_delay_ms must be > 0")
	}
	if s.MaxReconnectAttempts < 1 {
		return fmt.Errorf("source.max_reconnect_attempts must be >= 1")
	}
	if s.Buffer <= 0 {
		return fmt.Errorf("source.buffer must be > 0")
	}
	return nil
}

func (a *AggregatorConfig) validate() error {
	if !IsValidInterval(a.Interval) {
		return fmt.Errorf("aggregator.interval is not a valid interval: %s", a.Interval)
	}
	if a.MaxBars < 10 || a.MaxBars > 5000 {
		return fmt.Errorf("aggregator.max_bars must be in [10,5000]")
	}
	if a.PriceKeyDecimals < 0 || a.PriceKeyDecimals > 8 {
		return fmt.Errorf("aggregator.price_key_decimals must be in [0,8]")
	}
	if a.WarmupTrades < 0 {
		return fmt.Errorf("aggregator.warmup_trades must be >= 0")
	}
	return nil
}

func (m *MetricsConfig) validate() error {
	if m.ValueAreaPct <= 0 || m.ValueAreaPct > 1 {
		return fmt.Errorf("metrics.value_area_pct must be in (0,1]")
	}
	if m.SwingWindow < 1 {
		return fmt.Errorf("metrics.swing_window must be >= 1")
	}
	if m.MinDivergenceBars < 2*m.SwingWindow+1 {
		return fmt.Errorf("metrics.min_divergence_bars must be >= %d for swing_window=%d", 2*m.SwingWindow+1, m.SwingWindow)
	}
	if m.ImbalanceRatio <= 1 {
		return fmt.Errorf("metrics.imbalance_ratio must be > 1")
	}
	if m.ImbalanceStack < 1 {
		return fmt.Errorf("metrics.imbalance_stack must be >= 1")
	}
	if m.IndicatorFast <= 0 || m.IndicatorMid <= m.IndicatorFast || m.IndicatorSlow <= m.IndicatorMid {
		return fmt.Errorf("metrics indicator periods must satisfy 0 < fast < mid < slow")
	}
	if m.RSIPeriod < 2 {
		return fmt.Errorf("metrics.rsi_period must be >= 2")
	}
	return nil
}

func (t *TraderConfig) validate() error {
	if _, err := time.ParseDuration(t.CycleInterval); err != nil {
		return fmt.Errorf("trader.cycle_interval is not a valid duration: %s", t.CycleInterval)
	}
	if t.Enabled && strings.TrimSpace(t.StrategiesPath) == "" {
		return fmt.Errorf("trader.strategies_path cannot be empty when trader is enabled")
	}
	if t.PriceBreakerThreshold < 1 {
		return fmt.Errorf("trader.price_breaker_threshold must be >= 1")
	}
	if t.PriceBreakerCooldownS < 1 {
		return fmt.Errorf("trader.price_breaker_cooldown_seconds must be >= 1")
	}
	if t.MetricsLookbackBars < 1 {
		return fmt.Errorf("trader.metrics_lookback_bars must be >= 1")
	}
	return nil
}

func (s *StorageConfig) validate() error {
	if strings.TrimSpace(s.PositionsPath) == "" {
		return fmt.Errorf("storage.positions_path cannot be empty")
	}
	if strings.TrimSpace(s.SignalLogPath) == "" {
		return fmt.Errorf("storage.signal_log_path cannot be empty")
	}
	return nil
}

func (h *HubConfig) validate() error {
	if h.SubscriberBuffer <= 0 {
		return fmt.Errorf("hub.subscriber_buffer must be > 0")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled && (n.Telegram.BotToken == "" || n.Telegram.ChatID == "") {
		return fmt.Errorf("notify.telegram enabled but bot_token or chat_id missing")
	}
	return nil
}

// IsValidInterval accepts a digit run followed by s/m/h/d, e.g. 30s, 1m, 4h.
func IsValidInterval(s string) bool {
	if len(s) < 2 {
		return false
	}
	suf := s[len(s)-1]
	if suf != 's' && suf != 'm' && suf != 'h' && suf != 'd' {
		return false
	}
	for i := 0; i < len(s)-1; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
