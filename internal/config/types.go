package config

import "strings"

// Config is the main configuration carrier for deltaflow.
type Config struct {
	App        AppConfig        `yaml:"app"`
	Source     SourceConfig     `yaml:"source"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Trader     TraderConfig     `yaml:"trader"`
	Storage    StorageConfig    `yaml:"storage"`
	Hub        HubConfig        `yaml:"hub"`
	Notify     NotifyConfig     `yaml:"notify"`
}

type AppConfig struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
	HTTPAddr string `yaml:"http_addr"`
	LogPath  string `yaml:"log_path"`
}

// SourceConfig selects and tunes the trade feed. Kind "binance" runs the live
// combined aggTrade stream, "replay" feeds a recorded tape file.
type SourceConfig struct {
	Kind                 string      `yaml:"kind"`
	RESTBaseURL          string      `yaml:"rest_base_url"`
	HTTPTimeoutSeconds   int         `yaml:"http_timeout_seconds"`
	ReconnectBaseDelayMS int         `yaml:"reconnect_base_delay_ms"`
	MaxReconnectAttempts int         `yaml:"max_reconnect_attempts"`
	Buffer               int         `yaml:"buffer"`
	Proxy                ProxyConfig `yaml:"proxy"`
	ReplayPath           string      `yaml:"replay_path"`
	ReplayPaceMS         int         `yaml:"replay_pace_ms"`
	// RecordPath, when set, tees every ingested trade to a JSONL tape
	// that the replay source can play back.
	RecordPath string `yaml:"record_path"`
}

type ProxyConfig struct {
	Enabled bool   `yaml:"enabled"`
	RESTURL string `yaml:"rest_url"`
	WSURL   string `yaml:"ws_url"`
}

func (p *ProxyConfig) normalize() {
	if p == nil {
		return
	}
	p.RESTURL = strings.TrimSpace(p.RESTURL)
	p.WSURL = strings.TrimSpace(p.WSURL)
	if p.RESTURL == "" && p.WSURL == "" {
		p.Enabled = false
	}
}

// AggregatorConfig controls footprint bar construction.
type AggregatorConfig struct {
	Interval string `yaml:"interval"`
	MaxBars  int    `yaml:"max_bars"`
	// PriceKeyDecimals is the single precision constant used for price-level
	// keys across all symbols.
	PriceKeyDecimals int  `yaml:"price_key_decimals"`
	Warmup           bool `yaml:"warmup"`
	WarmupTrades     int  `yaml:"warmup_trades"`
}

// MetricsConfig tunes the order-flow computations.
type MetricsConfig struct {
	ValueAreaPct      float64 `yaml:"value_area_pct"`
	SwingWindow       int     `yaml:"swing_window"`
	MinDivergenceBars int     `yaml:"min_divergence_bars"`
	ImbalanceRatio    float64 `yaml:"imbalance_ratio"`
	ImbalanceStack    int     `yaml:"imbalance_stack"`
	IndicatorFast     int     `yaml:"indicator_fast"`
	IndicatorMid      int     `yaml:"indicator_mid"`
	IndicatorSlow     int     `yaml:"indicator_slow"`
	RSIPeriod         int     `yaml:"rsi_period"`
}

// TraderConfig controls the decision engine loop.
type TraderConfig struct {
	Enabled               bool   `yaml:"enabled"`
	CycleInterval         string `yaml:"cycle_interval"`
	StrategiesPath        string `yaml:"strategies_path"`
	PriceBreakerThreshold int    `yaml:"price_breaker_threshold"`
	PriceBreakerCooldownS int    `yaml:"price_breaker_cooldown_seconds"`
	MetricsLookbackBars   int    `yaml:"metrics_lookback_bars"`
}

type StorageConfig struct {
	PositionsPath string `yaml:"positions_path"`
	SignalLogPath string `yaml:"signal_log_path"`
}

type HubConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// NotifyConfig selects the push channels for position transitions.
type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

func (t *TelegramConfig) normalize() {
	if t == nil {
		return
	}
	t.BotToken = strings.TrimSpace(t.BotToken)
	t.ChatID = strings.TrimSpace(t.ChatID)
}

// keySet tracks which config paths were explicitly set in the file, so
// defaults only fill what the user left out.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}
