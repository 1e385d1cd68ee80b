package messaging

import (
	"log/slog"
	"unicode/utf8"

	"sphinx-onion/go-core/internal/events"
)

// BalanceNotifier forwards balance payloads as raw strings.
type BalanceNotifier struct {
	events Publisher
	logger *slog.Logger
}

func NewBalanceNotifier(events Publisher, logger *slog.Logger) *BalanceNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &BalanceNotifier{events: events, logger: logger}
}

// Notify reports whether the payload was valid UTF-8 and published.
func (n *BalanceNotifier) Notify(payload []byte) bool {
	if !utf8.Valid(payload) {
		n.logger.Debug("balance payload is not utf-8", "component", componentName, "operation", "balance")
		return false
	}
	n.events.Publish(events.KindBalanceChanged, string(payload))
	return true
}
