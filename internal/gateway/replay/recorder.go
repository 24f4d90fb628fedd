package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"deltaflow/internal/logger"
	"deltaflow/internal/market"
	symbolpkg "deltaflow/internal/pkg/symbol"
)

// Recorder appends live trades to a JSONL tape in the combined-stream frame
// form the exchange socket delivers and Subscribe reads back, so a captured
// session replays into identical bars. Writes are best effort; a failed line
// is counted and skipped.
type Recorder struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	lines   int64
	dropped int64
}

type tapeEvent struct {
	Event    string `json:"e"`
	Symbol   string `json:"s"`
	ID       int64  `json:"a"`
	Price    string `json:"p"`
	Quantity string `json:"q"`
	Time     int64  `json:"T"`
	Maker    bool   `json:"m"`
}

type tapeFrame struct {
	Stream string    `json:"stream"`
	Data   tapeEvent `json:"data"`
}

func NewRecorder(path string) (*Recorder, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("tape record path is required")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create tape dir: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open tape %s: %w", path, err)
	}
	return &Recorder{file: file, path: path}, nil
}

// RecordTrade writes one trade. The signature matches the feed's trade
// handler so the recorder tees straight off the live stream.
func (r *Recorder) RecordTrade(t market.Trade) {
	if t.Symbol == "" || t.Price <= 0 || t.Quantity <= 0 || t.Time <= 0 {
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		return
	}
	line, err := json.Marshal(tapeFrame{
		Stream: symbolpkg.StreamName(t.Symbol),
		Data: tapeEvent{
			Event:    "aggTrade",
			Symbol:   t.Symbol,
			ID:       t.ID,
			Price:    strconv.FormatFloat(t.Price, 'f', -1, 64),
			Quantity: strconv.FormatFloat(t.Quantity, 'f', -1, 64),
			Time:     t.Time,
			Maker:    t.Maker,
		},
	})
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		r.dropped++
		return
	}
	if _, err := r.file.Write(append(line, '\n')); err != nil {
		r.dropped++
		logger.Warnf("[record] write %s failed: %v", r.path, err)
		return
	}
	r.lines++
}

// Lines reports trades written so far.
func (r *Recorder) Lines() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lines
}

// Dropped reports trades rejected or lost to write errors.
func (r *Recorder) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	if err != nil {
		return fmt.Errorf("close tape %s: %w", r.path, err)
	}
	logger.Infof("[record] tape %s closed, trades=%d", r.path, r.lines)
	return nil
}
