// Package replay implements market.TradeSource over a JSONL tape of
// captured aggTrade frames, for deterministic runs without an exchange
// connection.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"deltaflow/internal/logger"
	"deltaflow/internal/market"
	symbolpkg "deltaflow/internal/pkg/symbol"

	"github.com/tidwall/gjson"
)

type Source struct {
	path string
	pace time.Duration

	mu         sync.Mutex
	cancel     context.CancelFunc
	lastPrices map[string]float64

	statsMu sync.Mutex
	stats   market.SourceStats
}

// New validates the tape path up front so a bad path fails at startup, not
// mid-run. pace is the fixed inter-trade delay; zero replays at full speed.
func New(path string, pace time.Duration) (*Source, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("replay tape path is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("replay tape: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("replay tape %s is a directory", path)
	}
	return &Source{
		path:       path,
		pace:       pace,
		lastPrices: make(map[string]float64),
	}, nil
}

// Subscribe streams the tape once, filtered to the requested symbols, then
// closes the channel. Calling it again restarts the tape from the top.
func (s *Source) Subscribe(ctx context.Context, symbols []string, opts market.SubscribeOptions) (<-chan market.Trade, error) {
	want := make(map[string]struct{})
	for _, sym := range symbolpkg.NormalizeList(symbols) {
		want[sym] = struct{}{}
	}
	if len(want) == 0 {
		return nil, fmt.Errorf("no valid symbols for replay")
	}
	file, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open replay tape: %w", err)
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 2048
	}
	out := make(chan market.Trade, buffer)
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		defer close(out)
		defer file.Close()
		s.run(runCtx, file, want, out, opts)
	}()
	return out, nil
}

func (s *Source) run(ctx context.Context, file *os.File, want map[string]struct{}, out chan<- market.Trade, opts market.SubscribeOptions) {
	if opts.OnConnect != nil {
		opts.OnConnect()
	}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	emitted := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		trade, ok := parseTapeLine(raw)
		if !ok {
			s.recordDrop()
			logger.Warnf("[replay] %s:%d malformed record, skipping", s.path, line)
			continue
		}
		s.mu.Lock()
		s.lastPrices[trade.Symbol] = trade.Price
		s.mu.Unlock()
		if _, subscribed := want[trade.Symbol]; !subscribed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case out <- trade:
		}
		emitted++
		if s.pace > 0 {
			timer := time.NewTimer(s.pace)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
	if err := scanner.Err(); err != nil {
		s.recordError(err)
		logger.Errorf("[replay] reading %s: %v", s.path, err)
		if opts.OnDisconnect != nil {
			opts.OnDisconnect(err)
		}
		return
	}
	logger.Infof("[replay] tape %s finished, trades=%d", s.path, emitted)
	if opts.OnDisconnect != nil {
		opts.OnDisconnect(nil)
	}
}

// parseTapeLine accepts either a raw combined-stream frame
// ({"stream":...,"data":{...}}) or a bare aggTrade event object.
func parseTapeLine(raw []byte) (market.Trade, bool) {
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return market.Trade{}, false
	}
	ev := doc
	if data := doc.Get("data"); data.Exists() {
		ev = data
	}
	symbol := symbolpkg.Normalize(ev.Get("s").String())
	price := ev.Get("p").Float()
	quantity := ev.Get("q").Float()
	ts := ev.Get("T").Int()
	if symbol == "" || price <= 0 || quantity <= 0 || ts <= 0 {
		return market.Trade{}, false
	}
	return market.Trade{
		Symbol:   symbol,
		ID:       ev.Get("a").Int(),
		Price:    price,
		Quantity: quantity,
		Time:     ts,
		Maker:    ev.Get("m").Bool(),
	}, true
}

// BackfillTrades is a no-op: the tape itself is the history.
func (s *Source) BackfillTrades(ctx context.Context, symbol string, limit int) ([]market.Trade, error) {
	return nil, nil
}

// LatestPrice returns the last price parsed off the tape for the symbol,
// whether or not it was subscribed.
func (s *Source) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	clean := symbolpkg.Normalize(symbol)
	s.mu.Lock()
	price, ok := s.lastPrices[clean]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("no replayed price for %s yet", symbol)
	}
	return price, nil
}

// Stats reports malformed tape lines under Dropped.
func (s *Source) Stats() market.SourceStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}

func (s *Source) recordDrop() {
	s.statsMu.Lock()
	s.stats.Dropped++
	s.statsMu.Unlock()
}

func (s *Source) recordError(err error) {
	if err == nil {
		return
	}
	s.statsMu.Lock()
	s.stats.SubscribeErrors++
	s.stats.LastError = err.Error()
	s.statsMu.Unlock()
}
