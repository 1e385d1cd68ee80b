package keyexchange

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"sphinx-onion/go-core/internal/contracts"
	"sphinx-onion/go-core/internal/router"
	"sphinx-onion/go-core/pkg/models"
)

// OnConnected registers the account topic with the LSP, asks for the server
// pubkey and balance, and resubscribes the child topics of known contacts.
func (p *Protocol) OnConnected(ctx context.Context) error {
	id, err := p.me()
	if err != nil {
		return err
	}
	if err := p.deps.Broker.Subscribe(router.ResponsePattern(id.PublicKey, 0)); err != nil {
		return err
	}
	for _, verb := range []string{router.VerbRegister, router.VerbPubkey, router.VerbBalance} {
		if err := p.deps.Broker.Publish(router.BuildTopic(id.PublicKey, 0, router.DirectionRequest, verb), nil); err != nil {
			return err
		}
	}

	all, err := p.deps.Directory.All(ctx)
	if err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	for _, c := range all {
		if c.IsOwner || c.Index == 0 || c.ChildPublicKey == "" {
			continue
		}
		if err := p.listen(c.ChildPublicKey, c.Index); err != nil {
			return err
		}
	}
	p.deps.Logger.Info("self registration requested",
		"component", componentName, "operation", "bootstrap", "contacts", len(all))
	return nil
}

// OnRegisterAck handles `res/register`. On index 0 it provisions the account:
// the self contact and the server record are created the first time only.
func (p *Protocol) OnRegisterAck(ctx context.Context, index uint32, payload []byte) {
	if index != 0 {
		p.deps.Logger.Debug("child key registered",
			"component", componentName, "operation", "register_ack", "index", index)
		return
	}
	var resp models.RegisterResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		_ = p.drop("register_ack", "malformed", err, "")
		return
	}
	resp.SCID = strings.TrimSpace(resp.SCID)
	resp.ServerPubkey = strings.TrimSpace(resp.ServerPubkey)
	if resp.SCID == "" || resp.ServerPubkey == "" {
		_ = p.drop("register_ack", "malformed", errors.New("register response lacks scid or server_pubkey"), "")
		return
	}
	if err := p.provision(ctx, resp); err != nil {
		p.deps.Metrics.RecordError(err)
		p.deps.Logger.Warn("provisioning failed",
			"component", componentName, "operation", "register_ack", "error", err.Error())
	}
}

func (p *Protocol) provision(ctx context.Context, resp models.RegisterResponse) error {
	id, err := p.me()
	if err != nil {
		return err
	}
	store := p.deps.Directory.Store()
	_, created, err := p.deps.Directory.EnsureSelf(ctx, models.Contact{
		PublicKey:      id.PublicKey,
		ChildPublicKey: id.PublicKey,
		RouteHint:      models.RouteHint(resp.ServerPubkey, resp.SCID),
		Nickname:       p.cfg.Alias,
		SCID:           resp.SCID,
	})
	if err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}

	server, ok, err := store.CurrentServer(ctx)
	if err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	if !ok {
		server = models.Server{
			PublicKey: resp.ServerPubkey,
			Host:      p.cfg.ServerHost,
			Port:      p.cfg.ServerPort,
			CreatedAt: p.deps.Now().UTC(),
		}
		if err := store.SaveServer(ctx, server); err != nil {
			return contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
		}
	}
	if created {
		p.deps.Metrics.Handshake("provisioned")
		p.deps.Logger.Info("account provisioned",
			"component", componentName, "operation", "register_ack", "route_hint", models.RouteHint(resp.ServerPubkey, resp.SCID))
	}
	p.deps.Broker.SetServer(server)
	return nil
}
