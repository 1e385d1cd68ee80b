package storage

import (
	"context"
	"errors"

	"sphinx-onion/go-core/pkg/models"
)

var (
	ErrContactExists = errors.New("contact already exists")
	ErrIndexTaken    = errors.New("contact index already allocated")
	ErrNotPending    = errors.New("contact is not pending")
	ErrNotFound      = errors.New("record not found")
	ErrMessageExists = errors.New("message already stored")
)

// Confirmation carries the reciprocal fields a peer reveals when a handshake
// completes.
type Confirmation struct {
	ContactKey       string
	RouteHint        string
	ContactRouteHint string
	Nickname         string
}

// Store is the durable record keeping for contacts, chats, messages and the
// LSP server. A contact created together with its chat, or confirmed together
// with its chat, is visible to later reads as one unit.
type Store interface {
	// GetContact only returns confirmed contacts.
	GetContact(ctx context.Context, publicKey string) (models.Contact, bool, error)
	GetContactDisregardingStatus(ctx context.Context, publicKey string) (models.Contact, bool, error)
	SelfContact(ctx context.Context) (models.Contact, bool, error)
	GetAllContacts(ctx context.Context) ([]models.Contact, error)
	// NextAvailableIndex never returns 0, which belongs to the account itself.
	NextAvailableIndex(ctx context.Context) (uint32, error)
	CreateContact(ctx context.Context, contact models.Contact) (models.Contact, error)
	CreateContactWithChat(ctx context.Context, contact models.Contact) (models.Contact, models.Chat, error)
	// ConfirmContact flips a pending contact to confirmed and creates its chat.
	ConfirmContact(ctx context.Context, publicKey string, c Confirmation) (models.Contact, models.Chat, error)

	CreateChat(ctx context.Context, contact models.Contact) (models.Chat, error)
	ChatForContact(ctx context.Context, contactID int64) (models.Chat, bool, error)

	// MessageExists reports whether a message with the uuid, or the non-zero index, is stored.
	MessageExists(ctx context.Context, uuid string, index uint64) (bool, error)
	CreateMessage(ctx context.Context, msg models.Message) (models.Message, error)
	ListMessages(ctx context.Context, chatID int64) ([]models.Message, error)

	SaveServer(ctx context.Context, server models.Server) error
	CurrentServer(ctx context.Context) (models.Server, bool, error)

	Close() error
}
