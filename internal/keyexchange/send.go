package keyexchange

import (
	"context"
	"fmt"
	"strings"

	"sphinx-onion/go-core/internal/contracts"
	"sphinx-onion/go-core/pkg/models"

	"github.com/google/uuid"
)

// SendMessage seals a chat message to a confirmed contact and keeps a local
// copy in the contact's chat.
func (p *Protocol) SendMessage(ctx context.Context, contactPubkey, content string) (models.HandshakeMessage, error) {
	contactPubkey = strings.TrimSpace(contactPubkey)
	id, err := p.me()
	if err != nil {
		return models.HandshakeMessage{}, err
	}
	contact, ok, err := p.deps.Directory.Confirmed(ctx, contactPubkey)
	if err != nil {
		return models.HandshakeMessage{}, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	if !ok || contact.ContactKey == "" {
		return models.HandshakeMessage{}, fmt.Errorf("%w: %s", ErrUnknownContact, contactPubkey)
	}
	chat, ok, err := p.deps.Directory.ChatFor(ctx, contact)
	if err != nil {
		return models.HandshakeMessage{}, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	if !ok {
		return models.HandshakeMessage{}, fmt.Errorf("%w: no chat for %s", ErrUnknownContact, contactPubkey)
	}
	self, _, err := p.deps.Directory.Self(ctx)
	if err != nil {
		return models.HandshakeMessage{}, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}

	msg := models.HandshakeMessage{
		Type:    models.MessageTypeChat,
		Sender:  p.senderFor(id, self, contact.ChildPublicKey),
		Content: content,
		UUID:    uuid.NewString(),
	}
	if err := p.sendSealed(contact.ChildPublicKey, contact.Index, contact.ContactKey, msg); err != nil {
		p.deps.Metrics.RecordError(err)
		return models.HandshakeMessage{}, err
	}

	if _, err := p.deps.Directory.Store().CreateMessage(ctx, models.Message{
		UUID:         msg.UUID,
		ChatID:       chat.ID,
		SenderPubkey: id.PublicKey,
		Content:      content,
		Type:         models.MessageTypeChat,
		ReceivedAt:   p.deps.Now().UTC(),
	}); err != nil {
		err = contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
		p.deps.Metrics.RecordError(err)
		p.deps.Logger.Warn("sent message not stored",
			"component", componentName, "operation", "send_message", "uuid", msg.UUID, "error", err.Error())
	}
	p.deps.Logger.Info("chat message sent",
		"component", componentName, "operation", "send_message", "contact_key", contactPubkey, "uuid", msg.UUID)
	return msg, nil
}
