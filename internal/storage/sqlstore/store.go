// Package sqlstore implements storage.Store on SQLite through bun.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"sphinx-onion/go-core/internal/storage"
	"sphinx-onion/go-core/pkg/models"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"
)

const serverRowID = 1

type Store struct {
	db  *bun.DB
	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open connects to the SQLite database at dsn and creates the schema. A
// single connection is used so ":memory:" databases see one schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = ":memory:"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	s := &Store{db: bun.NewDB(sqlDB, sqlitedialect.New()), now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = s.db.Close()
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	tables := []any{(*contactRow)(nil), (*chatRow)(nil), (*messageRow)(nil), (*serverRow)(nil)}
	for _, model := range tables {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}
	indexes := []struct {
		model  any
		name   string
		column string
	}{
		{(*contactRow)(nil), "contacts_public_key_uq", "public_key"},
		{(*contactRow)(nil), "contacts_idx_uq", "idx"},
		{(*chatRow)(nil), "chats_contact_id_uq", "contact_id"},
	}
	for _, ix := range indexes {
		if _, err := s.db.NewCreateIndex().Model(ix.model).Index(ix.name).Column(ix.column).Unique().IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}
	_, err := s.db.NewCreateIndex().Model((*messageRow)(nil)).Index("messages_uuid_idx").Column("uuid").IfNotExists().Exec(ctx)
	return err
}

func (s *Store) GetContact(ctx context.Context, publicKey string) (models.Contact, bool, error) {
	c, ok, err := s.findContact(ctx, s.db, publicKey)
	if err != nil || !ok || !c.IsConfirmed() {
		return models.Contact{}, false, err
	}
	return c, true, nil
}

func (s *Store) GetContactDisregardingStatus(ctx context.Context, publicKey string) (models.Contact, bool, error) {
	return s.findContact(ctx, s.db, publicKey)
}

func (s *Store) SelfContact(ctx context.Context) (models.Contact, bool, error) {
	var row contactRow
	err := s.db.NewSelect().Model(&row).Where("is_owner = ?", true).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Contact{}, false, nil
	}
	if err != nil {
		return models.Contact{}, false, err
	}
	return row.model(), true, nil
}

func (s *Store) GetAllContacts(ctx context.Context) ([]models.Contact, error) {
	var rows []contactRow
	if err := s.db.NewSelect().Model(&rows).Order("idx ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]models.Contact, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (s *Store) NextAvailableIndex(ctx context.Context) (uint32, error) {
	return nextIndex(ctx, s.db)
}

func (s *Store) CreateContact(ctx context.Context, contact models.Contact) (models.Contact, error) {
	var created models.Contact
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		created, err = s.insertContact(ctx, tx, contact)
		return err
	})
	return created, err
}

func (s *Store) CreateContactWithChat(ctx context.Context, contact models.Contact) (models.Contact, models.Chat, error) {
	var (
		created models.Contact
		chat    models.Chat
	)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		if created, err = s.insertContact(ctx, tx, contact); err != nil {
			return err
		}
		chat, err = s.insertChat(ctx, tx, created)
		return err
	})
	if err != nil {
		return models.Contact{}, models.Chat{}, err
	}
	return created, chat, nil
}

func (s *Store) ConfirmContact(ctx context.Context, publicKey string, c storage.Confirmation) (models.Contact, models.Chat, error) {
	var (
		contact models.Contact
		chat    models.Chat
	)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing, ok, err := s.findContact(ctx, tx, publicKey)
		if err != nil {
			return err
		}
		if !ok {
			return storage.ErrNotFound
		}
		if existing.Status != models.ContactStatusPending {
			return storage.ErrNotPending
		}
		existing.ContactKey = c.ContactKey
		existing.RouteHint = c.RouteHint
		existing.ContactRouteHint = c.ContactRouteHint
		if c.Nickname != "" {
			existing.Nickname = c.Nickname
		}
		existing.Status = models.ContactStatusConfirmed
		existing.UpdatedAt = s.now().UTC()
		row := contactToRow(existing)
		if _, err := tx.NewUpdate().Model(&row).
			Column("contact_key", "route_hint", "contact_route_hint", "nickname", "status", "updated_at").
			WherePK().Exec(ctx); err != nil {
			return err
		}
		contact = existing

		found, ok, err := s.findChat(ctx, tx, existing.ID)
		if err != nil {
			return err
		}
		if ok {
			chat = found
			return nil
		}
		chat, err = s.insertChat(ctx, tx, existing)
		return err
	})
	if err != nil {
		return models.Contact{}, models.Chat{}, err
	}
	return contact, chat, nil
}

func (s *Store) CreateChat(ctx context.Context, contact models.Contact) (models.Chat, error) {
	var chat models.Chat
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		found, ok, err := s.findChat(ctx, tx, contact.ID)
		if err != nil {
			return err
		}
		if ok {
			chat = found
			return nil
		}
		chat, err = s.insertChat(ctx, tx, contact)
		return err
	})
	return chat, err
}

func (s *Store) ChatForContact(ctx context.Context, contactID int64) (models.Chat, bool, error) {
	return s.findChat(ctx, s.db, contactID)
}

func (s *Store) MessageExists(ctx context.Context, uuid string, index uint64) (bool, error) {
	return messageExists(ctx, s.db, uuid, index)
}

func (s *Store) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := messageExists(ctx, tx, msg.UUID, msg.Index)
		if err != nil {
			return err
		}
		if exists {
			return storage.ErrMessageExists
		}
		if msg.ReceivedAt.IsZero() {
			msg.ReceivedAt = s.now().UTC()
		}
		row := messageRow{
			UUID:         msg.UUID,
			Index:        msg.Index,
			ChatID:       msg.ChatID,
			SenderPubkey: msg.SenderPubkey,
			Content:      msg.Content,
			Type:         msg.Type,
			ReceivedAt:   msg.ReceivedAt,
		}
		res, err := tx.NewInsert().Model(&row).Exec(ctx)
		if err != nil {
			return err
		}
		msg.ID = insertedID(row.ID, res)
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

func (s *Store) ListMessages(ctx context.Context, chatID int64) ([]models.Message, error) {
	var rows []messageRow
	if err := s.db.NewSelect().Model(&rows).Where("chat_id = ?", chatID).Order("id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]models.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (s *Store) SaveServer(ctx context.Context, server models.Server) error {
	if server.CreatedAt.IsZero() {
		server.CreatedAt = s.now().UTC()
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*serverRow)(nil)).Where("id = ?", serverRowID).Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewInsert().Model(&serverRow{
			ID:        serverRowID,
			PublicKey: server.PublicKey,
			Host:      server.Host,
			Port:      server.Port,
			CreatedAt: server.CreatedAt,
		}).Exec(ctx)
		return err
	})
}

func (s *Store) CurrentServer(ctx context.Context) (models.Server, bool, error) {
	var row serverRow
	err := s.db.NewSelect().Model(&row).Where("id = ?", serverRowID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Server{}, false, nil
	}
	if err != nil {
		return models.Server{}, false, err
	}
	return models.Server{PublicKey: row.PublicKey, Host: row.Host, Port: row.Port, CreatedAt: row.CreatedAt}, true, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) findContact(ctx context.Context, db bun.IDB, publicKey string) (models.Contact, bool, error) {
	var row contactRow
	err := db.NewSelect().Model(&row).Where("public_key = ?", publicKey).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Contact{}, false, nil
	}
	if err != nil {
		return models.Contact{}, false, err
	}
	return row.model(), true, nil
}

func (s *Store) findChat(ctx context.Context, db bun.IDB, contactID int64) (models.Chat, bool, error) {
	var row chatRow
	err := db.NewSelect().Model(&row).Where("contact_id = ?", contactID).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, false, nil
	}
	if err != nil {
		return models.Chat{}, false, err
	}
	return row.model(), true, nil
}

func (s *Store) insertContact(ctx context.Context, tx bun.Tx, contact models.Contact) (models.Contact, error) {
	taken, err := tx.NewSelect().Model((*contactRow)(nil)).Where("public_key = ?", contact.PublicKey).Exists(ctx)
	if err != nil {
		return models.Contact{}, err
	}
	if taken {
		return models.Contact{}, storage.ErrContactExists
	}
	taken, err = tx.NewSelect().Model((*contactRow)(nil)).Where("idx = ?", contact.Index).Exists(ctx)
	if err != nil {
		return models.Contact{}, err
	}
	if taken {
		return models.Contact{}, storage.ErrIndexTaken
	}

	now := s.now().UTC()
	contact.CreatedAt = now
	contact.UpdatedAt = now
	row := contactToRow(contact)
	row.ID = 0
	res, err := tx.NewInsert().Model(&row).Exec(ctx)
	if err != nil {
		return models.Contact{}, err
	}
	contact.ID = insertedID(row.ID, res)
	return contact, nil
}

func (s *Store) insertChat(ctx context.Context, tx bun.Tx, contact models.Contact) (models.Chat, error) {
	row := chatRow{ContactID: contact.ID, ContactPublicKey: contact.PublicKey, CreatedAt: s.now().UTC()}
	res, err := tx.NewInsert().Model(&row).Exec(ctx)
	if err != nil {
		return models.Chat{}, err
	}
	row.ID = insertedID(row.ID, res)
	return row.model(), nil
}

func nextIndex(ctx context.Context, db bun.IDB) (uint32, error) {
	var maxIdx sql.NullInt64
	if err := db.NewSelect().Model((*contactRow)(nil)).ColumnExpr("MAX(idx)").Scan(ctx, &maxIdx); err != nil {
		return 0, err
	}
	if !maxIdx.Valid {
		return 1, nil
	}
	return uint32(maxIdx.Int64) + 1, nil
}

func messageExists(ctx context.Context, db bun.IDB, uuid string, index uint64) (bool, error) {
	if uuid == "" && index == 0 {
		return false, nil
	}
	q := db.NewSelect().Model((*messageRow)(nil))
	switch {
	case uuid != "" && index != 0:
		q = q.Where("uuid = ? OR idx = ?", uuid, index)
	case uuid != "":
		q = q.Where("uuid = ?", uuid)
	default:
		q = q.Where("idx = ?", index)
	}
	return q.Exists(ctx)
}

func insertedID(scanned int64, res sql.Result) int64 {
	if scanned != 0 || res == nil {
		return scanned
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0
	}
	return id
}
