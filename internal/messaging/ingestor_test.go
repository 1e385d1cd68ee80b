package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"

	"sphinx-onion/go-core/internal/events"
	"sphinx-onion/go-core/internal/storage"
	"sphinx-onion/go-core/pkg/models"
)

type fakeTracker struct {
	mu   sync.Mutex
	sets []uint64
	last uint64
}

func (f *fakeTracker) SetLastProcessedIndex(index uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets = append(f.sets, index)
	if index > f.last {
		f.last = index
	}
	return nil
}

type failingMessageStore struct {
	storage.Store
}

func (failingMessageStore) CreateMessage(context.Context, models.Message) (models.Message, error) {
	return models.Message{}, errors.New("disk full")
}

type fixture struct {
	store   *storage.MemoryStore
	tracker *fakeTracker
	bus     *events.Bus
	events  <-chan events.Event
	chat    models.Chat
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	_, chat, err := store.CreateContactWithChat(context.Background(), models.Contact{PublicKey: "alice", Index: 1, Status: models.ContactStatusConfirmed})
	if err != nil {
		t.Fatalf("seed contact failed: %v", err)
	}
	bus := events.NewBus(16, nil)
	_, ch, cancel := bus.Subscribe(0, 16)
	t.Cleanup(cancel)
	return &fixture{store: store, tracker: &fakeTracker{}, bus: bus, events: ch, chat: chat}
}

func chatMessage(uuid string, index uint64) models.HandshakeMessage {
	return models.HandshakeMessage{
		Type:    models.MessageTypeChat,
		Sender:  models.Sender{Pubkey: "alice"},
		Content: "hello",
		UUID:    uuid,
		Index:   index,
	}
}

func TestDuplicateDeliveryStoredOnce(t *testing.T) {
	f := newFixture(t)
	in := NewIngestor(IngestorDeps{Store: f.store, Tracker: f.tracker, Events: f.bus})
	ctx := context.Background()

	if err := in.Ingest(ctx, chatMessage("u-1", 5)); err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}
	if err := in.Ingest(ctx, chatMessage("u-1", 5)); !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("expected ErrDuplicateMessage, got %v", err)
	}
	msgs, _ := f.store.ListMessages(ctx, f.chat.ID)
	if len(msgs) != 1 {
		t.Fatalf("expected one stored message, got %d", len(msgs))
	}
	if len(f.tracker.sets) != 1 || f.tracker.last != 5 {
		t.Fatalf("expected a single index advance to 5, got %v", f.tracker.sets)
	}
	if ev := <-f.events; ev.Kind != events.KindNewMessageReceived {
		t.Fatalf("unexpected event %s", ev.Kind)
	}
	select {
	case ev := <-f.events:
		t.Fatalf("duplicate must not notify, got %+v", ev)
	default:
	}
}

func TestOutOfOrderIndexesNeverRegress(t *testing.T) {
	f := newFixture(t)
	in := NewIngestor(IngestorDeps{Store: f.store, Tracker: f.tracker, Events: f.bus})
	for i, idx := range []uint64{5, 3, 9, 1} {
		if err := in.Ingest(context.Background(), chatMessage(string(rune('a'+i)), idx)); err != nil {
			t.Fatalf("ingest %d failed: %v", idx, err)
		}
	}
	if f.tracker.last != 9 {
		t.Fatalf("expected last index 9, got %d", f.tracker.last)
	}
}

func TestUnknownOrPendingSenderDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.store.CreateContact(ctx, models.Contact{PublicKey: "bob", Index: 2, Status: models.ContactStatusPending}); err != nil {
		t.Fatalf("seed pending failed: %v", err)
	}
	in := NewIngestor(IngestorDeps{Store: f.store, Tracker: f.tracker, Events: f.bus})
	for _, sender := range []string{"mallory", "bob"} {
		msg := chatMessage("u-"+sender, 3)
		msg.Sender.Pubkey = sender
		if err := in.Ingest(ctx, msg); !errors.Is(err, ErrUnknownSender) {
			t.Fatalf("expected ErrUnknownSender for %s, got %v", sender, err)
		}
	}
	if len(f.tracker.sets) != 0 {
		t.Fatal("dropped messages must not move the index")
	}
}

func TestPersistenceFailureStillNotifies(t *testing.T) {
	f := newFixture(t)
	in := NewIngestor(IngestorDeps{Store: failingMessageStore{Store: f.store}, Tracker: f.tracker, Events: f.bus})
	if err := in.Ingest(context.Background(), chatMessage("u-9", 9)); err == nil {
		t.Fatal("expected persistence error")
	}
	ev := <-f.events
	got, ok := ev.Payload.(models.HandshakeMessage)
	if !ok || got.UUID != "u-9" {
		t.Fatalf("expected raw message notification, got %+v", ev)
	}
	if len(f.tracker.sets) != 0 {
		t.Fatal("index must only advance after a successful write")
	}
}

func TestBalanceNotifierRequiresUTF8(t *testing.T) {
	bus := events.NewBus(4, nil)
	_, ch, cancel := bus.Subscribe(0, 4)
	defer cancel()
	n := NewBalanceNotifier(bus, nil)
	if n.Notify([]byte{0xff, 0xfe}) {
		t.Fatal("invalid utf-8 must be dropped")
	}
	if !n.Notify([]byte("21000")) {
		t.Fatal("valid payload must be published")
	}
	ev := <-ch
	if ev.Kind != events.KindBalanceChanged || ev.Payload != "21000" {
		t.Fatalf("unexpected event %+v", ev)
	}
}
