package sqlstore

import (
	"time"

	"sphinx-onion/go-core/pkg/models"

	"github.com/uptrace/bun"
)

// index is reserved in SQL, hence the idx column.
type contactRow struct {
	bun.BaseModel `bun:"table:contacts"`

	ID               int64     `bun:"id,pk,autoincrement"`
	PublicKey        string    `bun:"public_key,notnull"`
	ChildPublicKey   string    `bun:"child_public_key"`
	Index            uint32    `bun:"idx,notnull"`
	RouteHint        string    `bun:"route_hint"`
	ContactRouteHint string    `bun:"contact_route_hint"`
	ContactKey       string    `bun:"contact_key"`
	Nickname         string    `bun:"nickname"`
	Status           string    `bun:"status,notnull"`
	IsOwner          bool      `bun:"is_owner,notnull"`
	SCID             string    `bun:"scid"`
	CreatedAt        time.Time `bun:"created_at,notnull"`
	UpdatedAt        time.Time `bun:"updated_at,notnull"`
}

type chatRow struct {
	bun.BaseModel `bun:"table:chats"`

	ID               int64     `bun:"id,pk,autoincrement"`
	ContactID        int64     `bun:"contact_id,notnull"`
	ContactPublicKey string    `bun:"contact_public_key"`
	CreatedAt        time.Time `bun:"created_at,notnull"`
}

type messageRow struct {
	bun.BaseModel `bun:"table:messages"`

	ID           int64     `bun:"id,pk,autoincrement"`
	UUID         string    `bun:"uuid"`
	Index        uint64    `bun:"idx"`
	ChatID       int64     `bun:"chat_id,notnull"`
	SenderPubkey string    `bun:"sender_pubkey"`
	Content      string    `bun:"content"`
	Type         int       `bun:"type"`
	ReceivedAt   time.Time `bun:"received_at,notnull"`
}

type serverRow struct {
	bun.BaseModel `bun:"table:servers"`

	ID        int64     `bun:"id,pk"`
	PublicKey string    `bun:"public_key"`
	Host      string    `bun:"host"`
	Port      int       `bun:"port"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

func contactToRow(c models.Contact) contactRow {
	return contactRow{
		ID:               c.ID,
		PublicKey:        c.PublicKey,
		ChildPublicKey:   c.ChildPublicKey,
		Index:            c.Index,
		RouteHint:        c.RouteHint,
		ContactRouteHint: c.ContactRouteHint,
		ContactKey:       c.ContactKey,
		Nickname:         c.Nickname,
		Status:           string(c.Status),
		IsOwner:          c.IsOwner,
		SCID:             c.SCID,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

func (r contactRow) model() models.Contact {
	return models.Contact{
		ID:               r.ID,
		PublicKey:        r.PublicKey,
		ChildPublicKey:   r.ChildPublicKey,
		Index:            r.Index,
		RouteHint:        r.RouteHint,
		ContactRouteHint: r.ContactRouteHint,
		ContactKey:       r.ContactKey,
		Nickname:         r.Nickname,
		Status:           models.ContactStatus(r.Status),
		IsOwner:          r.IsOwner,
		SCID:             r.SCID,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func (r chatRow) model() models.Chat {
	return models.Chat{ID: r.ID, ContactID: r.ContactID, ContactPublicKey: r.ContactPublicKey, CreatedAt: r.CreatedAt}
}

func (r messageRow) model() models.Message {
	return models.Message{
		ID:           r.ID,
		UUID:         r.UUID,
		Index:        r.Index,
		ChatID:       r.ChatID,
		SenderPubkey: r.SenderPubkey,
		Content:      r.Content,
		Type:         r.Type,
		ReceivedAt:   r.ReceivedAt,
	}
}
