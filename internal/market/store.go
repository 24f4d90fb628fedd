package market

import "context"

// BarStore keeps the bounded finalized-bar history per symbol.
type BarStore interface {
	// Put appends bars, replacing the tail entry when the start time
	// matches, and trims history to max.
	Put(ctx context.Context, symbol string, bars []FootprintBar, max int) error
	// Get returns the full history, oldest first.
	Get(ctx context.Context, symbol string) ([]FootprintBar, error)
	// Export returns the most recent limit bars, oldest first.
	Export(ctx context.Context, symbol string, limit int) ([]FootprintBar, error)
}
