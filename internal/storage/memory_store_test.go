package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"sphinx-onion/go-core/internal/securestore"
	"sphinx-onion/go-core/pkg/models"
)

func pendingContact(pub string, index uint32) models.Contact {
	return models.Contact{
		PublicKey:      pub,
		ChildPublicKey: "child-" + pub,
		Index:          index,
		Status:         models.ContactStatusPending,
	}
}

func TestNextAvailableIndexSkipsSelf(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	idx, err := s.NextAvailableIndex(ctx)
	if err != nil || idx != 1 {
		t.Fatalf("expected first index 1, got %d err=%v", idx, err)
	}
	if _, err := s.CreateContact(ctx, models.Contact{PublicKey: "self", Index: 0, IsOwner: true, Status: models.ContactStatusConfirmed}); err != nil {
		t.Fatalf("create self failed: %v", err)
	}
	if _, err := s.CreateContact(ctx, pendingContact("a", 1)); err != nil {
		t.Fatalf("create contact failed: %v", err)
	}
	idx, _ = s.NextAvailableIndex(ctx)
	if idx != 2 {
		t.Fatalf("expected next index 2, got %d", idx)
	}
	if _, err := s.CreateContact(ctx, pendingContact("b", 1)); !errors.Is(err, ErrIndexTaken) {
		t.Fatalf("expected ErrIndexTaken, got %v", err)
	}
	if _, err := s.CreateContact(ctx, pendingContact("a", 5)); !errors.Is(err, ErrContactExists) {
		t.Fatalf("expected ErrContactExists, got %v", err)
	}
}

func TestGetContactOnlyReturnsConfirmed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.CreateContact(ctx, pendingContact("peer", 1)); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, ok, _ := s.GetContact(ctx, "peer"); ok {
		t.Fatal("pending contact must not be returned by GetContact")
	}
	if c, ok, _ := s.GetContactDisregardingStatus(ctx, "peer"); !ok || c.Status != models.ContactStatusPending {
		t.Fatalf("expected pending contact, got %+v ok=%v", c, ok)
	}

	confirmed, chat, err := s.ConfirmContact(ctx, "peer", Confirmation{ContactKey: "ck", RouteHint: "rh", ContactRouteHint: "crh", Nickname: "bob"})
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if !confirmed.IsConfirmed() || confirmed.ContactKey != "ck" || chat.ContactID != confirmed.ID {
		t.Fatalf("unexpected confirmation result: %+v %+v", confirmed, chat)
	}
	if _, _, err := s.ConfirmContact(ctx, "peer", Confirmation{}); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending on second confirm, got %v", err)
	}
	if _, ok, _ := s.GetContact(ctx, "peer"); !ok {
		t.Fatal("confirmed contact must be returned")
	}
}

func TestMessageExistsMatchesUUIDOrIndex(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.CreateMessage(ctx, models.Message{UUID: "u1", Index: 7, ChatID: 1}); err != nil {
		t.Fatalf("create message failed: %v", err)
	}
	cases := []struct {
		uuid  string
		index uint64
		want  bool
	}{
		{"u1", 0, true},
		{"other", 7, true},
		{"other", 8, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, err := s.MessageExists(ctx, tc.uuid, tc.index)
		if err != nil || got != tc.want {
			t.Fatalf("MessageExists(%q,%d)=%v err=%v, want %v", tc.uuid, tc.index, got, err, tc.want)
		}
	}
	if _, err := s.CreateMessage(ctx, models.Message{UUID: "u1", Index: 9}); !errors.Is(err, ErrMessageExists) {
		t.Fatalf("expected ErrMessageExists, got %v", err)
	}
}

func TestPersistentStoreRestoresEncryptedSnapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.enc")
	s, err := NewPersistentMemoryStore(path, "pass")
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	created, _, err := s.CreateContactWithChat(ctx, models.Contact{PublicKey: "peer", Index: 1, Status: models.ContactStatusConfirmed})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.SaveServer(ctx, models.Server{PublicKey: "lsp", Host: "localhost", Port: 1883}); err != nil {
		t.Fatalf("save server failed: %v", err)
	}

	reopened, err := NewPersistentMemoryStore(path, "pass")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, ok, _ := reopened.GetContact(ctx, "peer")
	if !ok || got.ID != created.ID {
		t.Fatalf("contact not restored: %+v ok=%v", got, ok)
	}
	if _, ok, _ := reopened.ChatForContact(ctx, created.ID); !ok {
		t.Fatal("chat not restored")
	}
	if server, ok, _ := reopened.CurrentServer(ctx); !ok || server.PublicKey != "lsp" {
		t.Fatalf("server not restored: %+v", server)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file failed: %v", err)
	}
	data[len(data)-3] ^= 0xFF
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write tampered file failed: %v", err)
	}
	_, err = NewPersistentMemoryStore(path, "pass")
	if !errors.Is(err, securestore.ErrAuthFailed) && !errors.Is(err, securestore.ErrInvalid) {
		t.Fatalf("expected ErrAuthFailed or ErrInvalid, got %v", err)
	}
}

func TestCreateContactWithChatRollbackOnPersistError(t *testing.T) {
	ctx := context.Background()
	store := &MemoryStore{
		state: emptySnapshot(),
		path:  t.TempDir(), // directory path forces the rename to fail
		now:   NewMemoryStore().now,
	}
	if _, _, err := store.CreateContactWithChat(ctx, pendingContact("peer", 1)); err == nil {
		t.Fatal("expected create error")
	}
	if _, ok, _ := store.GetContactDisregardingStatus(ctx, "peer"); ok {
		t.Fatal("contact must not stay in memory after persist failure")
	}
	if _, ok, _ := store.ChatForContact(ctx, 1); ok {
		t.Fatal("chat must not stay in memory after persist failure")
	}
}

func TestCreateMessageRollbackOnPersistError(t *testing.T) {
	ctx := context.Background()
	store := &MemoryStore{
		state: emptySnapshot(),
		path:  t.TempDir(), // directory path forces the rename to fail
		now:   NewMemoryStore().now,
	}
	if _, err := store.CreateMessage(ctx, models.Message{UUID: "u1", Index: 3, ChatID: 1}); err == nil {
		t.Fatal("expected create error")
	}
	if ok, _ := store.MessageExists(ctx, "u1", 3); ok {
		t.Fatal("message must not stay in memory after persist failure")
	}
	if ok, _ := store.MessageExists(ctx, "other", 3); ok {
		t.Fatal("index must not stay claimed after persist failure")
	}
	if store.state.NextMessageID != 0 {
		t.Fatalf("message id must be released, got %d", store.state.NextMessageID)
	}
}

func TestMessageIndexSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")
	s, err := NewPersistentMemoryStore(path, "")
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	for i, uuid := range []string{"a", "b", "c"} {
		if _, err := s.CreateMessage(ctx, models.Message{UUID: uuid, Index: uint64(10 + i), ChatID: 1}); err != nil {
			t.Fatalf("create %s failed: %v", uuid, err)
		}
	}
	if _, err := s.CreateMessage(ctx, models.Message{Index: 20, ChatID: 1}); err != nil {
		t.Fatalf("create index-only message failed: %v", err)
	}

	reopened, err := NewPersistentMemoryStore(path, "")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	for _, index := range []uint64{10, 11, 12, 20} {
		if ok, _ := reopened.MessageExists(ctx, "", index); !ok {
			t.Fatalf("index %d not found after reopen", index)
		}
	}
	if ok, _ := reopened.MessageExists(ctx, "", 13); ok {
		t.Fatal("unused index reported as stored")
	}
	if _, err := reopened.CreateMessage(ctx, models.Message{UUID: "d", Index: 11}); !errors.Is(err, ErrMessageExists) {
		t.Fatalf("expected ErrMessageExists for a reused index, got %v", err)
	}
	next, err := reopened.CreateMessage(ctx, models.Message{UUID: "d", Index: 14, ChatID: 1})
	if err != nil || next.ID != 5 {
		t.Fatalf("expected id 5 after reopen, got %+v err=%v", next, err)
	}
	msgs, _ := reopened.ListMessages(ctx, 1)
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
}
