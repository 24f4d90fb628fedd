package binance

import (
	"strings"
	"time"
)

type Config struct {
	RESTBaseURL string
	HTTPTimeout time.Duration

	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int

	PriceBreakerThreshold int
	PriceBreakerCooldown  time.Duration

	ProxyEnabled bool
	RESTProxyURL string
	WSProxyURL   string
}

func (c *Config) withDefaults() Config {
	out := *c
	out.RESTBaseURL = strings.TrimSpace(out.RESTBaseURL)
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://fapi.binance.com"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 10 * time.Second
	}
	if out.ReconnectBaseDelay <= 0 {
		out.ReconnectBaseDelay = time.Second
	}
	if out.MaxReconnectAttempts <= 0 {
		out.MaxReconnectAttempts = 5
	}
	out.RESTProxyURL = strings.TrimSpace(out.RESTProxyURL)
	out.WSProxyURL = strings.TrimSpace(out.WSProxyURL)
	return out
}
