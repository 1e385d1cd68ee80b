package keyexchange

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sphinx-onion/go-core/internal/contracts"
	"sphinx-onion/go-core/internal/storage"
	"sphinx-onion/go-core/pkg/models"
)

// Initiate starts a handshake with the peer named by the invite. A confirmed
// contact is returned unchanged. A contact still pending gets its request
// re-sent from the child key it already owns, so a failed publish can be
// retried without allocating a new index.
func (p *Protocol) Initiate(ctx context.Context, invite Invite) (models.Contact, error) {
	invite.PublicKey = strings.TrimSpace(invite.PublicKey)
	if invite.PublicKey == "" {
		return models.Contact{}, fmt.Errorf("%w: invite lacks pubkey", ErrMalformedEnvelope)
	}
	id, err := p.me()
	if err != nil {
		return models.Contact{}, err
	}
	if invite.PublicKey == id.PublicKey {
		return models.Contact{}, fmt.Errorf("%w: cannot add own key", ErrMalformedEnvelope)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	self, ok, err := p.deps.Directory.Self(ctx)
	if err != nil {
		return models.Contact{}, p.fail("initiate", contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err))
	}
	if !ok {
		return models.Contact{}, ErrNotProvisioned
	}
	contact, found, err := p.deps.Directory.Lookup(ctx, invite.PublicKey)
	if err != nil {
		return models.Contact{}, p.fail("initiate", contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err))
	}
	switch {
	case found && contact.IsConfirmed():
		return contact, nil
	case found:
		p.deps.Metrics.Handshake("resent")
	default:
		contact, err = p.deps.Directory.CreatePending(ctx, models.Contact{
			PublicKey: invite.PublicKey,
			RouteHint: invite.RouteHint,
			Nickname:  invite.Alias,
		}, p.deps.Keys.ChildPublicKey)
		if err != nil {
			return models.Contact{}, p.fail("initiate", contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err))
		}
		p.deps.Metrics.Handshake("initiated")
	}

	if err := p.listen(contact.ChildPublicKey, contact.Index); err != nil {
		return contact, p.fail("initiate", err)
	}
	request := models.HandshakeMessage{
		Type:   models.MessageTypeKeyExchange,
		Sender: p.senderFor(id, self, contact.ChildPublicKey),
	}
	if err := p.sendSealed(contact.ChildPublicKey, contact.Index, invite.PublicKey, request); err != nil {
		return contact, p.fail("initiate", err)
	}
	p.deps.Logger.Info("key exchange initiated",
		"component", componentName, "operation", "initiate", "contact_key", invite.PublicKey, "index", contact.Index, "resent", found)
	return contact, nil
}

// HandleRequest answers a type-10 request. Invalid requests are dropped; a
// repeated request for a confirmed contact is answered again without state
// changes.
func (p *Protocol) HandleRequest(ctx context.Context, msg models.HandshakeMessage) error {
	const op = "handle_request"
	if err := validateSender(msg.Sender); err != nil {
		return p.drop(op, "malformed", err, msg.Sender.Pubkey)
	}
	id, err := p.me()
	if err != nil {
		return p.drop(op, "no_identity", err, msg.Sender.Pubkey)
	}
	if msg.Sender.Pubkey == id.PublicKey {
		return p.drop(op, "self", fmt.Errorf("%w: request from own key", ErrMalformedEnvelope), msg.Sender.Pubkey)
	}
	if !p.limiter.Allow(msg.Sender.Pubkey, p.deps.Now()) {
		return p.drop(op, "rate_limited", ErrRateLimited, msg.Sender.Pubkey)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	self, ok, err := p.deps.Directory.Self(ctx)
	if err != nil {
		return p.fail(op, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err))
	}
	if !ok {
		return p.drop(op, "not_provisioned", ErrNotProvisioned, msg.Sender.Pubkey)
	}

	existing, found, err := p.deps.Directory.Lookup(ctx, msg.Sender.Pubkey)
	if err != nil {
		return p.fail(op, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err))
	}
	var contact models.Contact
	switch {
	case found && existing.IsConfirmed():
		// The peer is still waiting: answer again from the same child key,
		// without touching the contact or its chat.
		p.deps.Metrics.Handshake("duplicate")
		if err := p.listen(existing.ChildPublicKey, existing.Index); err != nil {
			return p.fail(op, err)
		}
		reply := models.HandshakeMessage{
			Type:   models.MessageTypeKeyExchangeAck,
			Sender: p.senderFor(id, self, existing.ChildPublicKey),
		}
		if err := p.sendSealed(existing.ChildPublicKey, existing.Index, msg.Sender.ContactPubkey, reply); err != nil {
			return p.fail(op, err)
		}
		p.deps.Logger.Debug("handshake confirmation re-sent",
			"component", componentName, "operation", op, "contact_key", existing.PublicKey, "index", existing.Index)
		return nil
	case found:
		// Both sides initiated: complete our pending contact with the
		// peer's fields and answer with the child key we already sent.
		contact, _, err = p.deps.Directory.Confirm(ctx, msg.Sender.Pubkey, confirmationFrom(msg.Sender))
		if err != nil {
			return p.fail(op, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err))
		}
	default:
		contact, _, err = p.deps.Directory.CreateConfirmed(ctx, models.Contact{
			PublicKey:        msg.Sender.Pubkey,
			ContactKey:       msg.Sender.ContactPubkey,
			RouteHint:        msg.Sender.RouteHint,
			ContactRouteHint: msg.Sender.ContactRouteHint,
			Nickname:         msg.Sender.Alias,
		}, p.deps.Keys.ChildPublicKey)
		if err != nil {
			return p.fail(op, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err))
		}
		if err := p.listen(contact.ChildPublicKey, contact.Index); err != nil {
			p.deps.Metrics.RecordError(err)
			p.deps.Logger.Warn("child topic registration failed",
				"component", componentName, "operation", op, "index", contact.Index, "error", err.Error())
		}
	}

	reply := models.HandshakeMessage{
		Type:   models.MessageTypeKeyExchangeAck,
		Sender: p.senderFor(id, self, contact.ChildPublicKey),
	}
	if err := p.sendSealed(contact.ChildPublicKey, contact.Index, msg.Sender.ContactPubkey, reply); err != nil {
		p.deps.Metrics.RecordError(err)
		p.deps.Logger.Warn("handshake confirmation not sent",
			"component", componentName, "operation", op, "contact_key", contact.PublicKey, "error", err.Error())
	}
	p.deps.Metrics.Handshake("responded")
	p.deps.Logger.Info("key exchange responded",
		"component", componentName, "operation", op, "contact_key", contact.PublicKey, "index", contact.Index)
	p.emitResponded()
	return nil
}

// HandleConfirmation completes a handshake this account initiated. Only a
// pending contact is completed; anything else is a no-op.
func (p *Protocol) HandleConfirmation(ctx context.Context, msg models.HandshakeMessage) error {
	const op = "handle_confirmation"
	if err := validateSender(msg.Sender); err != nil {
		return p.drop(op, "malformed", err, msg.Sender.Pubkey)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	existing, found, err := p.deps.Directory.Lookup(ctx, msg.Sender.Pubkey)
	if err != nil {
		return p.fail(op, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err))
	}
	if !found || existing.IsConfirmed() {
		p.deps.Metrics.Handshake("ignored")
		p.deps.Logger.Debug("confirmation without pending contact ignored",
			"component", componentName, "operation", op, "sender", msg.Sender.Pubkey)
		return nil
	}
	contact, _, err := p.deps.Directory.Confirm(ctx, msg.Sender.Pubkey, confirmationFrom(msg.Sender))
	if errors.Is(err, storage.ErrNotPending) {
		p.deps.Metrics.Handshake("ignored")
		return nil
	}
	if err != nil {
		return p.fail(op, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err))
	}
	p.deps.Metrics.Handshake("confirmed")
	p.deps.Logger.Info("key exchange confirmed",
		"component", componentName, "operation", op, "contact_key", contact.PublicKey, "index", contact.Index)
	p.emitResponded()
	return nil
}

func confirmationFrom(s models.Sender) storage.Confirmation {
	return storage.Confirmation{
		ContactKey:       s.ContactPubkey,
		RouteHint:        s.RouteHint,
		ContactRouteHint: s.ContactRouteHint,
		Nickname:         s.Alias,
	}
}
