package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"sphinx-onion/go-core/internal/securestore"
	"sphinx-onion/go-core/pkg/models"
)

type snapshot struct {
	Contacts      map[string]models.Contact `json:"contacts"`
	Chats         map[int64]models.Chat     `json:"chats"`
	Messages      map[string]models.Message `json:"messages"`
	Server        *models.Server            `json:"server,omitempty"`
	NextContactID int64                     `json:"next_contact_id"`
	NextChatID    int64                     `json:"next_chat_id"`
	NextMessageID int64                     `json:"next_message_id"`

	// byIndex maps a message index to its key in Messages.
	byIndex map[uint64]string
}

func emptySnapshot() snapshot {
	return snapshot{
		Contacts: make(map[string]models.Contact),
		Chats:    make(map[int64]models.Chat),
		Messages: make(map[string]models.Message),
		byIndex:  make(map[uint64]string),
	}
}

func (s snapshot) clone() snapshot {
	out := snapshot{
		Contacts:      make(map[string]models.Contact, len(s.Contacts)),
		Chats:         make(map[int64]models.Chat, len(s.Chats)),
		Messages:      make(map[string]models.Message, len(s.Messages)),
		byIndex:       make(map[uint64]string, len(s.byIndex)),
		NextContactID: s.NextContactID,
		NextChatID:    s.NextChatID,
		NextMessageID: s.NextMessageID,
	}
	for k, v := range s.Contacts {
		out.Contacts[k] = v
	}
	for k, v := range s.Chats {
		out.Chats[k] = v
	}
	for k, v := range s.Messages {
		out.Messages[k] = v
	}
	for k, v := range s.byIndex {
		out.byIndex[k] = v
	}
	if s.Server != nil {
		server := *s.Server
		out.Server = &server
	}
	return out
}

// MemoryStore keeps records in copy-on-write maps. Messages are appended in
// place and undone if persisting fails. With a path it persists every
// committed change as a JSON snapshot, sealed when a passphrase is set.
type MemoryStore struct {
	mu    sync.RWMutex
	state snapshot
	path  string
	key   *securestore.Key
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: emptySnapshot(), now: time.Now}
}

func NewPersistentMemoryStore(path, passphrase string) (*MemoryStore, error) {
	s := &MemoryStore{state: emptySnapshot(), path: path, now: time.Now}
	if err := s.load(passphrase); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MemoryStore) GetContact(_ context.Context, publicKey string) (models.Contact, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.state.Contacts[publicKey]
	if !ok || !c.IsConfirmed() {
		return models.Contact{}, false, nil
	}
	return c, true, nil
}

func (s *MemoryStore) GetContactDisregardingStatus(_ context.Context, publicKey string) (models.Contact, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.state.Contacts[publicKey]
	return c, ok, nil
}

func (s *MemoryStore) SelfContact(_ context.Context) (models.Contact, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.state.Contacts {
		if c.IsOwner {
			return c, true, nil
		}
	}
	return models.Contact{}, false, nil
}

func (s *MemoryStore) GetAllContacts(_ context.Context) ([]models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Contact, 0, len(s.state.Contacts))
	for _, c := range s.state.Contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *MemoryStore) NextAvailableIndex(_ context.Context) (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	next := uint32(1)
	for _, c := range s.state.Contacts {
		if c.Index >= next {
			next = c.Index + 1
		}
	}
	return next, nil
}

func (s *MemoryStore) CreateContact(_ context.Context, contact models.Contact) (models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state.clone()
	created, err := next.addContact(contact, s.now().UTC())
	if err != nil {
		return models.Contact{}, err
	}
	if err := s.commitLocked(next); err != nil {
		return models.Contact{}, err
	}
	return created, nil
}

func (s *MemoryStore) CreateContactWithChat(_ context.Context, contact models.Contact) (models.Contact, models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	next := s.state.clone()
	created, err := next.addContact(contact, now)
	if err != nil {
		return models.Contact{}, models.Chat{}, err
	}
	chat := next.addChat(created, now)
	if err := s.commitLocked(next); err != nil {
		return models.Contact{}, models.Chat{}, err
	}
	return created, chat, nil
}

func (s *MemoryStore) ConfirmContact(_ context.Context, publicKey string, c Confirmation) (models.Contact, models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	contact, ok := s.state.Contacts[publicKey]
	if !ok {
		return models.Contact{}, models.Chat{}, ErrNotFound
	}
	if contact.Status != models.ContactStatusPending {
		return models.Contact{}, models.Chat{}, ErrNotPending
	}
	now := s.now().UTC()
	contact.ContactKey = c.ContactKey
	contact.RouteHint = c.RouteHint
	contact.ContactRouteHint = c.ContactRouteHint
	if c.Nickname != "" {
		contact.Nickname = c.Nickname
	}
	contact.Status = models.ContactStatusConfirmed
	contact.UpdatedAt = now

	next := s.state.clone()
	next.Contacts[publicKey] = contact
	chat, exists := next.Chats[contact.ID]
	if !exists {
		chat = next.addChat(contact, now)
	}
	if err := s.commitLocked(next); err != nil {
		return models.Contact{}, models.Chat{}, err
	}
	return contact, chat, nil
}

func (s *MemoryStore) CreateChat(_ context.Context, contact models.Contact) (models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chat, ok := s.state.Chats[contact.ID]; ok {
		return chat, nil
	}
	if _, ok := s.state.Contacts[contact.PublicKey]; !ok {
		return models.Chat{}, ErrNotFound
	}
	next := s.state.clone()
	chat := next.addChat(contact, s.now().UTC())
	if err := s.commitLocked(next); err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

func (s *MemoryStore) ChatForContact(_ context.Context, contactID int64) (models.Chat, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chat, ok := s.state.Chats[contactID]
	return chat, ok, nil
}

func (s *MemoryStore) MessageExists(_ context.Context, uuid string, index uint64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.messageExists(uuid, index), nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, msg models.Message) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.messageExists(msg.UUID, msg.Index) {
		return models.Message{}, ErrMessageExists
	}
	msg.ID = s.state.NextMessageID + 1
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = s.now().UTC()
	}
	key := messageKey(msg)
	s.state.NextMessageID = msg.ID
	s.state.putMessage(key, msg)
	if err := s.persistSnapshotLocked(s.state); err != nil {
		s.state.NextMessageID = msg.ID - 1
		s.state.removeMessage(key, msg.Index)
		return models.Message{}, err
	}
	return msg, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, chatID int64) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, 0)
	for _, m := range s.state.Messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SaveServer(_ context.Context, server models.Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if server.CreatedAt.IsZero() {
		server.CreatedAt = s.now().UTC()
	}
	next := s.state.clone()
	next.Server = &server
	return s.commitLocked(next)
}

func (s *MemoryStore) CurrentServer(_ context.Context) (models.Server, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.Server == nil {
		return models.Server{}, false, nil
	}
	return *s.state.Server, true, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *snapshot) addContact(contact models.Contact, now time.Time) (models.Contact, error) {
	if _, ok := s.Contacts[contact.PublicKey]; ok {
		return models.Contact{}, ErrContactExists
	}
	for _, existing := range s.Contacts {
		if existing.Index == contact.Index {
			return models.Contact{}, ErrIndexTaken
		}
	}
	s.NextContactID++
	contact.ID = s.NextContactID
	contact.CreatedAt = now
	contact.UpdatedAt = now
	s.Contacts[contact.PublicKey] = contact
	return contact, nil
}

func (s *snapshot) addChat(contact models.Contact, now time.Time) models.Chat {
	s.NextChatID++
	chat := models.Chat{
		ID:               s.NextChatID,
		ContactID:        contact.ID,
		ContactPublicKey: contact.PublicKey,
		CreatedAt:        now,
	}
	s.Chats[contact.ID] = chat
	return chat
}

func (s snapshot) messageExists(uuid string, index uint64) bool {
	if uuid != "" {
		if _, ok := s.Messages[uuid]; ok {
			return true
		}
	}
	if index == 0 {
		return false
	}
	_, ok := s.byIndex[index]
	return ok
}

func (s *snapshot) putMessage(key string, msg models.Message) {
	s.Messages[key] = msg
	if msg.Index != 0 {
		s.byIndex[msg.Index] = key
	}
}

func (s *snapshot) removeMessage(key string, index uint64) {
	delete(s.Messages, key)
	if index != 0 && s.byIndex[index] == key {
		delete(s.byIndex, index)
	}
}

func (s *snapshot) reindex() {
	s.byIndex = make(map[uint64]string, len(s.Messages))
	for key, m := range s.Messages {
		if m.Index != 0 {
			s.byIndex[m.Index] = key
		}
	}
}

func messageKey(msg models.Message) string {
	if msg.UUID != "" {
		return msg.UUID
	}
	return "index:" + strconv.FormatUint(msg.Index, 10)
}

func (s *MemoryStore) commitLocked(next snapshot) error {
	if err := s.persistSnapshotLocked(next); err != nil {
		return err
	}
	s.state = next
	return nil
}

func (s *MemoryStore) load(passphrase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if len(data) == 0 {
		if passphrase != "" {
			key, err := securestore.NewKey(passphrase)
			if err != nil {
				return err
			}
			s.key = key
		}
		return nil
	}
	if passphrase != "" {
		plaintext, key, err := securestore.Open(passphrase, data)
		if err != nil {
			return err
		}
		data = plaintext
		s.key = key
	}
	loaded := emptySnapshot()
	if err := json.Unmarshal(data, &loaded); err != nil {
		return err
	}
	if loaded.Contacts == nil {
		loaded.Contacts = make(map[string]models.Contact)
	}
	if loaded.Chats == nil {
		loaded.Chats = make(map[int64]models.Chat)
	}
	if loaded.Messages == nil {
		loaded.Messages = make(map[string]models.Message)
	}
	loaded.reindex()
	s.state = loaded
	return nil
}

func (s *MemoryStore) persistSnapshotLocked(next snapshot) error {
	if s.path == "" {
		return nil
	}
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	if s.key != nil {
		data, err = s.key.Seal(data)
		if err != nil {
			return err
		}
	}
	return securestore.WriteFileAtomic(s.path, data)
}
