package market

import (
	"sync"
	"sync/atomic"

	"deltaflow/internal/logger"
)

type EventType string

const (
	EventBarCompleted EventType = "bar_completed"
	EventBarUpdated   EventType = "bar_updated"
)

// BarEvent carries an immutable bar snapshot to hub subscribers.
type BarEvent struct {
	Type   EventType
	Symbol string
	Bar    *FootprintBar
}

type hubSubscriber struct {
	ch chan BarEvent
}

// Hub fans bar events out to registered subscribers. Delivery is
// non-blocking: a subscriber with a full queue misses the event.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]*hubSubscriber
	nextID  int
	buffer  int
	dropped atomic.Int64
	closed  bool
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		subs:   make(map[int]*hubSubscriber),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber and returns its id plus the event
// channel. The channel is closed by Unsubscribe or Close.
func (h *Hub) Subscribe() (int, <-chan BarEvent) {
	ch := make(chan BarEvent, h.buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return -1, ch
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = &hubSubscriber{ch: ch}
	return id, ch
}

func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		close(sub.ch)
		delete(h.subs, id)
	}
}

// Publish delivers the event to every subscriber without blocking the
// caller. Full queues drop the event for that subscriber only.
func (h *Hub) Publish(ev BarEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for id, sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
			logger.Warnf("[hub] subscriber %d queue full, drop %s %s", id, ev.Type, ev.Symbol)
		}
	}
}

// Dropped reports how many events were lost to slow subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscriber channel; later publishes are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
}
