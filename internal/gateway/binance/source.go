package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"deltaflow/internal/logger"
	"deltaflow/internal/market"
	"deltaflow/internal/pkg/circuit"
	symbolpkg "deltaflow/internal/pkg/symbol"

	"github.com/adshao/go-binance/v2/futures"
)

const (
	maxBackfillLimit = 1000
	maxBackoffDelay  = 30 * time.Second
)

type serveFunc func(symbols []string, handler futures.WsAggTradeHandler, errHandler futures.ErrHandler) (doneC, stopC chan struct{}, err error)

// Source implements market.TradeSource on the go-binance futures SDK.
type Source struct {
	cfg     Config
	client  *futures.Client
	breaker *circuit.Breaker

	serveFn serveFunc
	sleepFn func(ctx context.Context, d time.Duration) bool

	mu          sync.Mutex
	tradeCancel context.CancelFunc
	attempt     int

	statsMu sync.Mutex
	stats   market.SourceStats
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	client.BaseURL = final.RESTBaseURL
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	if final.ProxyEnabled {
		wsProxy := final.WSProxyURL
		if wsProxy == "" {
			wsProxy = final.RESTProxyURL
		}
		if wsProxy != "" {
			futures.SetWsProxyUrl(wsProxy)
		}
	}
	return &Source{
		cfg:     final,
		client:  client,
		breaker: circuit.NewBreaker("binance-price", final.PriceBreakerThreshold, final.PriceBreakerCooldown),
		serveFn: futures.WsCombinedAggTradeServe,
		sleepFn: sleepWithContext,
	}, nil
}

// Subscribe opens one combined aggTrade stream over all symbols. Calling it
// again cancels the previous stream and resets the reconnect budget.
func (s *Source) Subscribe(ctx context.Context, symbols []string, opts market.SubscribeOptions) (<-chan market.Trade, error) {
	cleanSymbols := symbolpkg.NormalizeList(symbols)
	if len(cleanSymbols) == 0 {
		return nil, fmt.Errorf("no valid symbols for trade subscription")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 2048
	}
	out := make(chan market.Trade, buffer)
	subCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.tradeCancel != nil {
		s.tradeCancel()
	}
	s.tradeCancel = cancel
	s.attempt = 0
	s.mu.Unlock()

	go func() {
		defer close(out)
		s.runTradeLoop(subCtx, cleanSymbols, out, opts)
	}()
	return out, nil
}

func (s *Source) runTradeLoop(ctx context.Context, symbols []string, out chan<- market.Trade, opts market.SubscribeOptions) {
	for {
		if ctx.Err() != nil {
			return
		}
		var errMu sync.Mutex
		var lastErr error
		handler := func(event *futures.WsAggTradeEvent) {
			trade, ok := convertAggTradeEvent(event)
			if !ok {
				logger.Warnf("[binance] dropping malformed agg trade event")
				return
			}
			select {
			case <-ctx.Done():
				return
			case out <- trade:
			default:
				s.recordDrop()
				logger.Warnf("[binance] trade channel full, drop %s", trade.Symbol)
			}
		}
		errHandler := func(err error) {
			if err == nil {
				return
			}
			errMu.Lock()
			lastErr = err
			errMu.Unlock()
		}
		doneC, stopC, err := s.serveFn(symbols, handler, errHandler)
		if err != nil {
			s.recordSubscribeError(err)
			if opts.OnDisconnect != nil {
				opts.OnDisconnect(err)
			}
			if !s.nextAttempt(ctx) {
				return
			}
			continue
		}
		s.resetAttempts()
		if opts.OnConnect != nil {
			opts.OnConnect()
		}
		logger.Infof("[binance] agg trade stream up, symbols=%d", len(symbols))
		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
		}
		close(stopC)
		errMu.Lock()
		errCopy := lastErr
		errMu.Unlock()
		s.recordReconnect(errCopy)
		if opts.OnDisconnect != nil {
			opts.OnDisconnect(errCopy)
		}
		if !s.nextAttempt(ctx) {
			return
		}
	}
}

// nextAttempt advances the reconnect counter and sleeps the exponential
// backoff delay. It returns false once the cap is reached or the context
// ends; past the cap the stream stays down until the next Subscribe resets
// the counter. Close parks the counter at the cap, so the post-sleep check
// also halts a loop that was mid-backoff when Close ran.
func (s *Source) nextAttempt(ctx context.Context) bool {
	s.mu.Lock()
	s.attempt++
	attempt := s.attempt
	s.mu.Unlock()
	max := s.cfg.MaxReconnectAttempts
	if attempt >= max {
		logger.Errorf("[binance] giving up after %d reconnect attempts, stream halted", attempt)
		return false
	}
	delay := backoffDelay(s.cfg.ReconnectBaseDelay, attempt)
	logger.Warnf("[binance] reconnecting in %s (attempt %d/%d)", delay, attempt, max)
	if !s.sleepFn(ctx, delay) {
		return false
	}
	s.mu.Lock()
	parked := s.attempt >= max
	s.mu.Unlock()
	return !parked
}

func (s *Source) resetAttempts() {
	s.mu.Lock()
	s.attempt = 0
	s.mu.Unlock()
}

// BackfillTrades pages the most recent aggregated trades for warmup, oldest
// first as Binance returns them.
func (s *Source) BackfillTrades(ctx context.Context, symbol string, limit int) ([]market.Trade, error) {
	if limit <= 0 {
		limit = 500
	}
	if limit > maxBackfillLimit {
		limit = maxBackfillLimit
	}
	clean := symbolpkg.Normalize(symbol)
	if clean == "" {
		return nil, fmt.Errorf("invalid symbol %q", symbol)
	}
	rows, err := s.client.NewAggTradesService().Symbol(clean).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch agg trades for %s: %w", clean, err)
	}
	out := make([]market.Trade, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		price := parseFloat(row.Price)
		quantity := parseFloat(row.Quantity)
		if price <= 0 || quantity <= 0 {
			continue
		}
		out = append(out, market.Trade{
			Symbol:   clean,
			ID:       row.AggTradeID,
			Price:    price,
			Quantity: quantity,
			Time:     row.Timestamp,
			Maker:    row.IsBuyerMaker,
		})
	}
	return out, nil
}

// LatestPrice quotes the symbol over REST, fenced by the price breaker so a
// flapping endpoint cannot stall every decision cycle.
func (s *Source) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	clean := symbolpkg.Normalize(symbol)
	if clean == "" {
		return 0, fmt.Errorf("invalid symbol %q", symbol)
	}
	if !s.breaker.Allow() {
		return 0, fmt.Errorf("price quotes suspended: breaker %s", s.breaker.State())
	}
	prices, err := s.client.NewListPricesService().Symbol(clean).Do(ctx)
	if err != nil {
		s.breaker.RecordFailure()
		return 0, fmt.Errorf("fetch price for %s: %w", clean, err)
	}
	for _, p := range prices {
		if p == nil || !strings.EqualFold(p.Symbol, clean) {
			continue
		}
		price := parseFloat(p.Price)
		if price <= 0 {
			break
		}
		s.breaker.RecordSuccess()
		return price, nil
	}
	s.breaker.RecordFailure()
	return 0, fmt.Errorf("no price returned for %s", clean)
}

func (s *Source) Stats() market.SourceStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// ClearLastError resets the cached websocket error so downstream stats don't
// keep reporting older failures after a successful reconnect.
func (s *Source) ClearLastError() {
	s.statsMu.Lock()
	s.stats.LastError = ""
	s.statsMu.Unlock()
}

// Close cancels the active stream and parks the reconnect counter at the
// cap, disabling auto-reconnect deterministically even for a loop caught
// mid-backoff.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tradeCancel != nil {
		s.tradeCancel()
		s.tradeCancel = nil
	}
	s.attempt = s.cfg.MaxReconnectAttempts
	return nil
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}

func convertAggTradeEvent(ev *futures.WsAggTradeEvent) (market.Trade, bool) {
	if ev == nil {
		return market.Trade{}, false
	}
	price := parseFloat(ev.Price)
	quantity := parseFloat(ev.Quantity)
	if price <= 0 || quantity <= 0 {
		return market.Trade{}, false
	}
	symbol := strings.ToUpper(strings.TrimSpace(ev.Symbol))
	if symbol == "" {
		return market.Trade{}, false
	}
	return market.Trade{
		Symbol:   symbol,
		ID:       ev.AggregateTradeID,
		Price:    price,
		Quantity: quantity,
		Time:     ev.TradeTime,
		Maker:    ev.Maker,
	}, true
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base << (attempt - 1)
	if delay > maxBackoffDelay || delay <= 0 {
		delay = maxBackoffDelay
	}
	return delay
}

func (s *Source) recordSubscribeError(err error) {
	if err == nil {
		return
	}
	s.statsMu.Lock()
	s.stats.SubscribeErrors++
	s.stats.LastError = err.Error()
	s.statsMu.Unlock()
}

func (s *Source) recordReconnect(err error) {
	s.statsMu.Lock()
	s.stats.Reconnects++
	if err != nil && err.Error() != "" {
		s.stats.LastError = err.Error()
	}
	s.statsMu.Unlock()
}

func (s *Source) recordDrop() {
	s.statsMu.Lock()
	s.stats.Dropped++
	s.statsMu.Unlock()
}
