// Package contacts allocates derivation indexes and keeps contact and chat
// records consistent on top of the durable store.
package contacts

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"sphinx-onion/go-core/internal/storage"
	"sphinx-onion/go-core/pkg/models"
)

// Highest non-hardened child index.
const maxIndex = uint32(1<<31 - 1)

var ErrIndexExhausted = errors.New("no derivation index left")

// ChildKeyFunc derives the child public key for an allocated index.
type ChildKeyFunc func(index uint32) (string, error)

type Directory struct {
	mu    sync.Mutex
	store storage.Store
}

func NewDirectory(store storage.Store) *Directory {
	return &Directory{store: store}
}

func (d *Directory) Store() storage.Store {
	return d.store
}

func (d *Directory) Confirmed(ctx context.Context, publicKey string) (models.Contact, bool, error) {
	return d.store.GetContact(ctx, publicKey)
}

func (d *Directory) Lookup(ctx context.Context, publicKey string) (models.Contact, bool, error) {
	return d.store.GetContactDisregardingStatus(ctx, publicKey)
}

func (d *Directory) Self(ctx context.Context) (models.Contact, bool, error) {
	return d.store.SelfContact(ctx)
}

func (d *Directory) All(ctx context.Context) ([]models.Contact, error) {
	return d.store.GetAllContacts(ctx)
}

func (d *Directory) ChatFor(ctx context.Context, contact models.Contact) (models.Chat, bool, error) {
	return d.store.ChatForContact(ctx, contact.ID)
}

// CreatePending allocates an index for an outgoing handshake.
func (d *Directory) CreatePending(ctx context.Context, template models.Contact, child ChildKeyFunc) (models.Contact, error) {
	template.Status = models.ContactStatusPending
	c, _, err := d.allocate(ctx, template, child, false)
	return c, err
}

// CreateConfirmed allocates an index and creates the contact with its chat in
// one step, as the responder of a handshake does.
func (d *Directory) CreateConfirmed(ctx context.Context, template models.Contact, child ChildKeyFunc) (models.Contact, models.Chat, error) {
	template.Status = models.ContactStatusConfirmed
	return d.allocate(ctx, template, child, true)
}

func (d *Directory) Confirm(ctx context.Context, publicKey string, c storage.Confirmation) (models.Contact, models.Chat, error) {
	return d.store.ConfirmContact(ctx, publicKey, c)
}

// EnsureSelf creates the owner contact at index 0 unless one exists. The
// second result reports whether this call created it.
func (d *Directory) EnsureSelf(ctx context.Context, self models.Contact) (models.Contact, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, ok, err := d.store.SelfContact(ctx)
	if err != nil {
		return models.Contact{}, false, err
	}
	if ok {
		return existing, false, nil
	}
	self.Index = 0
	self.IsOwner = true
	self.Status = models.ContactStatusConfirmed
	created, err := d.store.CreateContact(ctx, self)
	if err != nil {
		return models.Contact{}, false, err
	}
	return created, true, nil
}

func (d *Directory) allocate(ctx context.Context, template models.Contact, child ChildKeyFunc, withChat bool) (models.Contact, models.Chat, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	index, err := d.store.NextAvailableIndex(ctx)
	if err != nil {
		return models.Contact{}, models.Chat{}, fmt.Errorf("next index: %w", err)
	}
	if index == 0 || index > maxIndex {
		return models.Contact{}, models.Chat{}, ErrIndexExhausted
	}
	childKey, err := child(index)
	if err != nil {
		return models.Contact{}, models.Chat{}, fmt.Errorf("derive child %d: %w", index, err)
	}
	template.Index = index
	template.ChildPublicKey = childKey

	if withChat {
		return d.store.CreateContactWithChat(ctx, template)
	}
	c, err := d.store.CreateContact(ctx, template)
	return c, models.Chat{}, err
}
