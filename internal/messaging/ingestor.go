// Package messaging turns decoded inbound payloads into stored chat messages
// and balance notifications.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"sphinx-onion/go-core/internal/contracts"
	"sphinx-onion/go-core/internal/events"
	"sphinx-onion/go-core/internal/metrics"
	"sphinx-onion/go-core/internal/storage"
	"sphinx-onion/go-core/pkg/models"
)

const componentName = "messaging"

var (
	// ErrDuplicateMessage marks a redelivery; callers treat it as a no-op.
	ErrDuplicateMessage = errors.New("message already ingested")
	ErrUnknownSender    = errors.New("sender is not a confirmed contact with a chat")
	ErrMalformedMessage = errors.New("chat message lacks uuid and index")
)

// IndexTracker holds the monotonic last processed message index.
type IndexTracker interface {
	SetLastProcessedIndex(index uint64) error
}

type Publisher interface {
	Publish(kind events.Kind, payload any) events.Event
}

type IngestorDeps struct {
	Store   storage.Store
	Tracker IndexTracker
	Events  Publisher
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Ingestor stores type-0 chat messages at most once. Ingest calls are
// serialized so the dedup check and the insert cannot interleave.
type Ingestor struct {
	mu   sync.Mutex
	deps IngestorDeps
}

func NewIngestor(deps IngestorDeps) *Ingestor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Ingestor{deps: deps}
}

func (in *Ingestor) Ingest(ctx context.Context, msg models.HandshakeMessage) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	uuid := strings.TrimSpace(msg.UUID)
	if uuid == "" && msg.Index == 0 {
		in.deps.Metrics.Ingested("malformed")
		return ErrMalformedMessage
	}
	exists, err := in.deps.Store.MessageExists(ctx, uuid, msg.Index)
	if err != nil {
		return in.fail("message_exists", contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err))
	}
	if exists {
		in.deps.Metrics.Ingested("duplicate")
		in.deps.Logger.Debug("duplicate chat message dropped",
			"component", componentName, "operation", "ingest", "uuid", uuid, "index", msg.Index)
		return ErrDuplicateMessage
	}

	contact, ok, err := in.deps.Store.GetContact(ctx, msg.Sender.Pubkey)
	if err != nil {
		return in.fail("get_contact", contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err))
	}
	if !ok {
		in.deps.Metrics.Ingested("unknown_sender")
		return ErrUnknownSender
	}
	chat, ok, err := in.deps.Store.ChatForContact(ctx, contact.ID)
	if err != nil {
		return in.fail("chat_for_contact", contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err))
	}
	if !ok {
		in.deps.Metrics.Ingested("unknown_sender")
		return ErrUnknownSender
	}

	_, persistErr := in.deps.Store.CreateMessage(ctx, models.Message{
		UUID:         uuid,
		Index:        msg.Index,
		ChatID:       chat.ID,
		SenderPubkey: msg.Sender.Pubkey,
		Content:      msg.Content,
		Type:         msg.Type,
		ReceivedAt:   in.deps.Now().UTC(),
	})
	// Presentation reacts to the raw message even if the write failed.
	if in.deps.Events != nil {
		in.deps.Events.Publish(events.KindNewMessageReceived, msg)
	}
	if persistErr != nil {
		if errors.Is(persistErr, storage.ErrMessageExists) {
			in.deps.Metrics.Ingested("duplicate")
			return ErrDuplicateMessage
		}
		return in.fail("create_message", contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, persistErr))
	}
	in.deps.Metrics.Ingested("stored")

	if msg.Index > 0 {
		if err := in.deps.Tracker.SetLastProcessedIndex(msg.Index); err != nil {
			return in.fail("set_last_index", contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err))
		}
	}
	return nil
}

func (in *Ingestor) fail(operation string, err error) error {
	in.deps.Metrics.Ingested("error")
	in.deps.Metrics.RecordError(err)
	in.deps.Logger.Warn("chat message ingest failed",
		"component", componentName, "operation", operation, "error", err.Error())
	return fmt.Errorf("ingest: %w", err)
}
