package market

import (
	"context"
	"time"

	"deltaflow/internal/logger"
)

// Warmer seeds the aggregator with recent REST trade history so metric
// windows hold bars before the first live interval completes.
type Warmer struct {
	Source     TradeSource
	Aggregator *Aggregator
}

func NewWarmer(src TradeSource, agg *Aggregator) *Warmer {
	return &Warmer{Source: src, Aggregator: agg}
}

// Warm backfills up to trades recent trades per symbol and replays them
// through the aggregator. Failures are logged per symbol and skipped; a
// cold symbol just waits for live data.
func (w *Warmer) Warm(ctx context.Context, symbols []string, trades int) {
	if w.Source == nil || w.Aggregator == nil || trades <= 0 {
		return
	}
	for _, sym := range symbols {
		select {
		case <-ctx.Done():
			return
		default:
		}
		batch, err := w.Source.BackfillTrades(ctx, sym, trades)
		if err != nil {
			logger.Warnf("[warmup] fetch %s failed: %v", sym, err)
			continue
		}
		if len(batch) == 0 {
			logger.Debugf("[warmup] %s no history", sym)
			continue
		}
		failed := false
		for _, t := range batch {
			if err := w.Aggregator.Ingest(ctx, t); err != nil {
				logger.Warnf("[warmup] ingest %s failed: %v", sym, err)
				failed = true
				break
			}
		}
		if failed {
			continue
		}
		first := time.UnixMilli(batch[0].Time).UTC().Format(time.RFC3339)
		last := time.UnixMilli(batch[len(batch)-1].Time).UTC().Format(time.RFC3339)
		logger.Infof("[warmup] %s seeded trades=%d span=%s..%s", sym, len(batch), first, last)
	}
}
