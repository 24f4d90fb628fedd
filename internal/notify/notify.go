// Package notify pushes position transitions to an external channel.
// Delivery is best effort and always off the decision path: a dead
// notifier never blocks or fails a cycle.
package notify

import (
	"context"

	"deltaflow/internal/trader"
)

// TextNotifier sends one plain text message. Implementations own their
// retries and timeouts.
type TextNotifier interface {
	SendText(text string) error
}

type fanout struct {
	sinks []trader.SignalLogger
}

// Fanout writes each signal to every sink in order. The first error is
// returned after all sinks ran; one failing sink never starves the rest.
func Fanout(sinks ...trader.SignalLogger) trader.SignalLogger {
	kept := make([]trader.SignalLogger, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &fanout{sinks: kept}
}

func (f *fanout) LogSignal(ctx context.Context, entry trader.SignalEntry) error {
	var firstErr error
	for _, sink := range f.sinks {
		if err := sink.LogSignal(ctx, entry); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
