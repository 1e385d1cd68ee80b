// Package events fans core notifications out to subscribers over channels.
package events

import (
	"log/slog"
	"sync"
	"time"
)

type Kind string

const (
	KindBalanceChanged          Kind = "balance_changed"
	KindNewMessageReceived      Kind = "new_message_received"
	KindKeyExchangeResponded    Kind = "key_exchange_responded"
	KindConnectionStatusChanged Kind = "connection_status_changed"
)

// Event payloads by kind: string for balance_changed, models.HandshakeMessage
// for new_message_received, nil for key_exchange_responded and
// models.ConnectionStatus for connection_status_changed.
type Event struct {
	Seq       int64
	Kind      Kind
	Payload   any
	Timestamp time.Time
}

// Bus never blocks the publisher: a subscriber whose buffer is full misses the
// event and a warning is logged.
type Bus struct {
	mu      sync.Mutex
	logger  *slog.Logger
	nextSeq int64
	limit   int
	history []Event
	subs    map[int]chan Event
	nextSub int
	dropped uint64
}

func NewBus(historyLimit int, logger *slog.Logger) *Bus {
	if historyLimit < 1 {
		historyLimit = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{limit: historyLimit, logger: logger, subs: make(map[int]chan Event)}
}

func (b *Bus) Publish(kind Kind, payload any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event := Event{Seq: b.nextSeq, Kind: kind, Payload: payload, Timestamp: time.Now().UTC()}
	b.history = append(b.history, event)
	if len(b.history) > b.limit {
		b.history = append([]Event(nil), b.history[len(b.history)-b.limit:]...)
	}
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.dropped++
			b.logger.Warn("event dropped for slow subscriber",
				"component", "events",
				"operation", "publish",
				"kind", string(kind),
				"subscriber", id,
			)
		}
	}
	return event
}

// Subscribe returns the retained events newer than fromSeq, a live channel and
// a cancel func that closes it.
func (b *Bus) Subscribe(fromSeq int64, buffer int) ([]Event, <-chan Event, func()) {
	if buffer < 1 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	replay := make([]Event, 0)
	for _, event := range b.history {
		if event.Seq > fromSeq {
			replay = append(replay, event)
		}
	}
	id := b.nextSub
	b.nextSub++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				close(sub)
				delete(b.subs, id)
			}
		})
	}
	return replay, ch, cancel
}

func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
