package store

import (
	"context"
	"errors"
	"sync"

	"deltaflow/internal/market"
)

// MemoryBarStore is a sharded in-memory market.BarStore. Finalized bars are
// treated as immutable once stored; reads hand out deep copies.
type MemoryBarStore struct {
	shards []barShard
}

type barShard struct {
	mu   sync.RWMutex
	data map[string][]market.FootprintBar
}

const defaultShardCount = 32

func NewMemoryBarStore() *MemoryBarStore {
	return newMemoryBarStore(defaultShardCount)
}

func newMemoryBarStore(shards int) *MemoryBarStore {
	if shards <= 0 {
		shards = 1
	}
	out := &MemoryBarStore{
		shards: make([]barShard, shards),
	}
	for i := range out.shards {
		out.shards[i] = barShard{data: make(map[string][]market.FootprintBar)}
	}
	return out
}

func (s *MemoryBarStore) shardFor(symbol string) *barShard {
	idx := hashKey(symbol) % uint32(len(s.shards))
	return &s.shards[idx]
}

func (s *MemoryBarStore) Put(ctx context.Context, symbol string, bars []market.FootprintBar, max int) error {
	if symbol == "" {
		return errors.New("symbol cannot be empty")
	}
	if len(bars) == 0 {
		return nil
	}
	if max <= 0 {
		max = 100
	}
	sh := s.shardFor(symbol)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur := sh.data[symbol]
	for _, bar := range bars {
		n := len(cur)
		if n > 0 && cur[n-1].StartTime == bar.StartTime {
			cur[n-1] = bar
			continue
		}
		cur = append(cur, bar)
	}
	if len(cur) > max {
		cur = cur[len(cur)-max:]
	}
	sh.data[symbol] = cur
	return nil
}

func (s *MemoryBarStore) Get(ctx context.Context, symbol string) ([]market.FootprintBar, error) {
	sh := s.shardFor(symbol)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return cloneBars(sh.data[symbol]), nil
}

func (s *MemoryBarStore) Export(ctx context.Context, symbol string, limit int) ([]market.FootprintBar, error) {
	if symbol == "" {
		return nil, errors.New("symbol cannot be empty")
	}
	if limit <= 0 {
		return nil, nil
	}
	sh := s.shardFor(symbol)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	cur := sh.data[symbol]
	if len(cur) == 0 {
		return nil, nil
	}
	if limit > len(cur) {
		limit = len(cur)
	}
	return cloneBars(cur[len(cur)-limit:]), nil
}

func cloneBars(src []market.FootprintBar) []market.FootprintBar {
	if len(src) == 0 {
		return nil
	}
	out := make([]market.FootprintBar, len(src))
	for i := range src {
		out[i] = *src[i].Clone()
	}
	return out
}

func hashKey(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	var h uint32 = offset32
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
