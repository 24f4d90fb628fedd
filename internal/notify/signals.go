package notify

import (
	"context"
	"fmt"

	"deltaflow/internal/logger"
	"deltaflow/internal/trader"
)

// SignalNotifier turns entry, exit and error signals into push messages.
// Trailing-arm and other bookkeeping kinds stay log-only. Sends run on
// their own goroutine, so LogSignal returns before the network does.
type SignalNotifier struct {
	sender TextNotifier
}

func NewSignalNotifier(sender TextNotifier) *SignalNotifier {
	return &SignalNotifier{sender: sender}
}

var _ trader.SignalLogger = (*SignalNotifier)(nil)

func (n *SignalNotifier) LogSignal(ctx context.Context, entry trader.SignalEntry) error {
	if n == nil || n.sender == nil {
		return nil
	}
	msg, ok := buildSignalMessage(entry)
	if !ok {
		return nil
	}
	body := msg.RenderMarkdown()
	go func() {
		if err := n.sender.SendText(body); err != nil {
			logger.Warnf("[notify] push failed kind=%s symbol=%s err=%v", entry.Kind, entry.Symbol, err)
		}
	}()
	return nil
}

func buildSignalMessage(entry trader.SignalEntry) (Message, bool) {
	pos, _ := entry.Payload.(trader.Position)
	switch entry.Kind {
	case trader.SignalKindEntry:
		return Message{
			Icon:  directionIcon(pos.Direction),
			Title: fmt.Sprintf("%s entry %s", entry.Symbol, pos.Direction),
			Sections: []Section{{
				Title: "Position",
				Lines: []string{
					fmt.Sprintf("profile: %s", pos.Profile),
					fmt.Sprintf("entry: %.8g", entry.Price),
					fmt.Sprintf("qty: %.8g", pos.Quantity),
					fmt.Sprintf("stop: %.8g", pos.StopLossPrice),
				},
			}},
			Footer:    entry.Detail,
			Timestamp: entry.At,
		}, true
	case trader.SignalKindExit:
		return Message{
			Icon:  pnlIcon(pos.PnL),
			Title: fmt.Sprintf("%s exit %s", entry.Symbol, pos.Direction),
			Sections: []Section{{
				Title: "Result",
				Lines: []string{
					fmt.Sprintf("exit: %.8g", entry.Price),
					fmt.Sprintf("pnl: %.4f (%.2f%%)", pos.PnL, pos.PnLPercent),
					fmt.Sprintf("reason: %s", entry.Detail),
				},
			}},
			Timestamp: entry.At,
		}, true
	case trader.SignalKindError:
		return Message{
			Icon:      "⚠️",
			Title:     fmt.Sprintf("%s position error", entry.Symbol),
			Sections:  []Section{{Lines: []string{entry.Detail}}},
			Timestamp: entry.At,
		}, true
	default:
		return Message{}, false
	}
}

func directionIcon(d trader.Direction) string {
	if d == trader.DirectionShort {
		return "📉"
	}
	return "📈"
}

func pnlIcon(pnl float64) string {
	if pnl < 0 {
		return "🔴"
	}
	return "🟢"
}
