package trader

import (
	"context"
	"time"

	"deltaflow/internal/orderflow"
	"deltaflow/internal/strategy"
)

// Direction is the side of a position.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == DirectionShort {
		return DirectionLong
	}
	return DirectionShort
}

// Status is the lifecycle state of a position. ENTRY_ACTIVE and
// TRAILING_ACTIVE are open; the CLOSED_* states are terminal and are never
// mutated again once reached.
type Status string

const (
	StatusEntryActive    Status = "ENTRY_ACTIVE"
	StatusTrailingActive Status = "TRAILING_ACTIVE"
	StatusClosedExited   Status = "CLOSED_EXITED"
	StatusClosedError    Status = "CLOSED_ERROR"
)

// Open reports whether the status still tracks a live position.
func (s Status) Open() bool {
	return s == StatusEntryActive || s == StatusTrailingActive
}

// Exit reasons recorded on closed positions.
const (
	ExitReasonStopLoss  = "hard stop loss"
	ExitReasonTrailing  = "trailing stop"
	ExitReasonProactive = "opposite entry signal"
)

// Signal log kinds.
const (
	SignalKindEntry       = "entry"
	SignalKindExit        = "exit"
	SignalKindTrailingArm = "trailing_armed"
	SignalKindError       = "error"
)

// Position is one autonomous trade tracked from entry to close.
// StopLossPrice is the initial hard stop fixed at entry; the trailing stop is
// derived from TrailingExtreme each cycle and never overwrites it.
type Position struct {
	ID              string             `json:"id"`
	Profile         string             `json:"profile"`
	Symbol          string             `json:"symbol"`
	Direction       Direction          `json:"direction"`
	Status          Status             `json:"status"`
	EntryPrice      float64            `json:"entry_price"`
	Quantity        float64            `json:"quantity"`
	StopLossPrice   float64            `json:"stop_loss_price"`
	TrailingExtreme float64            `json:"trailing_extreme,omitempty"`
	ExitPrice       float64            `json:"exit_price,omitempty"`
	PnL             float64            `json:"pnl,omitempty"`
	PnLPercent      float64            `json:"pnl_percent,omitempty"`
	EntryReason     string             `json:"entry_reason,omitempty"`
	ExitReason      string             `json:"exit_reason,omitempty"`
	Error           string             `json:"error,omitempty"`
	EntryMetrics    *orderflow.Metrics `json:"entry_metrics,omitempty"`
	OpenedAt        time.Time          `json:"opened_at"`
	ClosedAt        *time.Time         `json:"closed_at,omitempty"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// PositionStore persists positions. UpdatePosition applies a partial field
// set keyed by column name and returns the stored row after the write.
type PositionStore interface {
	CreatePosition(ctx context.Context, p Position) (Position, error)
	UpdatePosition(ctx context.Context, id string, fields map[string]any) (Position, error)
	GetPosition(ctx context.Context, id string) (Position, error)
	GetOpenPositions(ctx context.Context) ([]Position, error)
	GetClosedPositions(ctx context.Context, limit int) ([]Position, error)
}

// PriceSource quotes the current market price for a symbol.
type PriceSource interface {
	LatestPrice(ctx context.Context, symbol string) (float64, error)
}

// MetricsProvider computes the order-flow snapshot the engine decides on.
type MetricsProvider interface {
	Metrics(ctx context.Context, symbol string) (orderflow.Metrics, error)
}

// ProfileSource hands out the current strategy configuration.
type ProfileSource interface {
	Snapshot() strategy.Snapshot
}

// SignalEntry is one decision outcome written to the signal log.
type SignalEntry struct {
	CycleID    string    `json:"cycle_id"`
	Symbol     string    `json:"symbol"`
	Kind       string    `json:"kind"`
	PositionID string    `json:"position_id,omitempty"`
	Price      float64   `json:"price,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	At         time.Time `json:"at"`
}

// SignalLogger records decision outcomes. Logging is best effort: a failed
// write never changes a position's state.
type SignalLogger interface {
	LogSignal(ctx context.Context, entry SignalEntry) error
}

// CycleReport summarizes one evaluation cycle.
type CycleReport struct {
	CycleID    string    `json:"cycle_id"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS float64   `json:"duration_ms"`
	Managed    int       `json:"managed"`
	Opened     int       `json:"opened"`
	Closed     int       `json:"closed"`
	Errors     int       `json:"errors"`
	Skipped    string    `json:"skipped,omitempty"`
}
