// Package app assembles an onion node: identity, storage, broker session,
// router and key exchange wired around one event bus.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"sphinx-onion/go-core/internal/broker"
	"sphinx-onion/go-core/internal/config"
	"sphinx-onion/go-core/internal/contacts"
	"sphinx-onion/go-core/internal/contracts"
	"sphinx-onion/go-core/internal/crypto"
	"sphinx-onion/go-core/internal/events"
	"sphinx-onion/go-core/internal/identity"
	"sphinx-onion/go-core/internal/keyexchange"
	"sphinx-onion/go-core/internal/messaging"
	"sphinx-onion/go-core/internal/metrics"
	"sphinx-onion/go-core/internal/router"
	"sphinx-onion/go-core/internal/securestore"
	"sphinx-onion/go-core/internal/storage"
	"sphinx-onion/go-core/internal/storage/sqlstore"
	"sphinx-onion/go-core/pkg/models"
)

const (
	componentName = "app"
	eventHistory  = 256
)

var ErrNotProvisioned = errors.New("node has not completed registration with the server")

type Options struct {
	Config    config.Config
	Secrets   identity.SecretStore
	Store     storage.Store
	Transport broker.Transport
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Events    *events.Bus
}

type Node struct {
	cfg    config.Config
	logger *slog.Logger

	Identity    *identity.Manager
	Directory   *contacts.Directory
	Store       storage.Store
	Session     *broker.Session
	Router      *router.Router
	KeyExchange *keyexchange.Protocol
	Ingestor    *messaging.Ingestor
	Balance     *messaging.BalanceNotifier
	Events      *events.Bus
	Metrics     *metrics.Metrics

	stopOnce sync.Once
	stopErr  error
}

// New wires a node over caller-supplied secrets, store and transport.
func New(opts Options) (*Node, error) {
	if opts.Secrets == nil || opts.Store == nil || opts.Transport == nil {
		return nil, errors.New("secrets, store and transport are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	bus := opts.Events
	if bus == nil {
		bus = events.NewBus(eventHistory, logger)
	}
	deriver, err := crypto.NewDeriver(opts.Config.Network)
	if err != nil {
		return nil, contracts.WrapCategorizedError(contracts.ErrorCategoryCrypto, err)
	}

	cfg := opts.Config
	n := &Node{
		cfg:       cfg,
		logger:    logger,
		Identity:  identity.NewManager(deriver, opts.Secrets),
		Directory: contacts.NewDirectory(opts.Store),
		Store:     opts.Store,
		Events:    bus,
		Metrics:   m,
	}

	n.Session = broker.NewSession(broker.Config{
		Host:           cfg.Broker.Host,
		Port:           cfg.Broker.Port,
		QoS:            byte(cfg.Broker.QoS),
		ConnectTimeout: cfg.Broker.ConnectTimeout,
		KeepAlive:      cfg.Broker.KeepAlive,
	}, broker.SessionDeps{
		Transport:   opts.Transport,
		Credentials: n.Identity,
		Events:      bus,
		Metrics:     m,
		Logger:      logger,
	})
	n.KeyExchange = keyexchange.New(keyexchange.Config{
		Alias:             cfg.Alias,
		RequestsPerMinute: cfg.KeyExchange.RequestsPerMinute,
		RequestBurst:      cfg.KeyExchange.Burst,
		ServerHost:        cfg.Broker.Host,
		ServerPort:        cfg.Broker.Port,
	}, keyexchange.Deps{
		Directory: n.Directory,
		Keys:      n.Identity,
		Broker:    n.Session,
		Events:    bus,
		Metrics:   m,
		Logger:    logger,
	})
	n.Ingestor = messaging.NewIngestor(messaging.IngestorDeps{
		Store:   opts.Store,
		Tracker: n.Identity,
		Events:  bus,
		Metrics: m,
		Logger:  logger,
	})
	n.Balance = messaging.NewBalanceNotifier(bus, logger)
	n.Router = router.New(router.Config{
		DedupWindow:   cfg.Router.DedupWindow,
		DedupCapacity: cfg.Router.DedupCapacity,
		MaxConcurrent: cfg.Router.MaxConcurrent,
	}, router.Deps{
		Peeler:      n.Identity,
		KeyExchange: n.KeyExchange,
		Ingestor:    n.Ingestor,
		Balance:     n.Balance,
		Metrics:     m,
		Logger:      logger,
	})

	n.Session.SetDispatcher(n.Router)
	n.Session.OnConnected(n.KeyExchange.OnConnected)
	return n, nil
}

// Open builds a node from configuration: the encrypted vault and store live
// in the data directory and the transport comes from the broker settings.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Node, error) {
	if strings.EqualFold(cfg.Broker.Transport, broker.TransportMemory) {
		return nil, fmt.Errorf("broker transport %q only exists in-process", cfg.Broker.Transport)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	passphrase, err := VaultPassphrase(cfg.DataDir, cfg.VaultPassphrase)
	if err != nil {
		return nil, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	vault, err := securestore.OpenVault(cfg.VaultPath(), passphrase)
	if err != nil {
		return nil, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, fmt.Errorf("open vault: %w", err))
	}
	store, err := OpenStore(ctx, cfg, passphrase)
	if err != nil {
		return nil, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	transport, err := broker.NewTransport(broker.TransportConfig{
		Kind:           cfg.Broker.Transport,
		WakuPort:       cfg.Broker.WakuPort,
		BootstrapNodes: cfg.Broker.BootstrapNodes,
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, err)
	}
	n, err := New(Options{Config: cfg, Secrets: vault, Store: store, Transport: transport, Logger: logger})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return n, nil
}

// OpenStore returns the configured storage backend.
func OpenStore(ctx context.Context, cfg config.Config, passphrase string) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case config.StorageSQLite:
		return sqlstore.Open(ctx, cfg.SQLiteDSN())
	case config.StorageMemory:
		if cfg.Storage.DSN == "" {
			return storage.NewMemoryStore(), nil
		}
		return storage.NewPersistentMemoryStore(cfg.Storage.DSN, passphrase)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// Start loads the stored identity and connects the broker session.
func (n *Node) Start(ctx context.Context) error {
	id, ok, err := n.Identity.Load()
	if err != nil {
		return err
	}
	if !ok {
		return identity.ErrNoIdentity
	}
	n.logger.Info("node starting",
		"component", componentName, "operation", "start", "pubkey", id.PublicKey, "network", n.cfg.Network)
	if _, err := n.Session.Connect(ctx); err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, err)
	}
	return nil
}

// Run starts the node, serves metrics when configured and blocks until ctx
// is done.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		return err
	}
	var wg sync.WaitGroup
	if addr := strings.TrimSpace(n.cfg.Metrics.ListenAddress); addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := n.Metrics.Serve(ctx, addr); err != nil {
				n.logger.Error("metrics server stopped",
					"component", componentName, "operation", "metrics.serve", "error", err.Error())
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return n.Stop()
}

func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		n.Session.Disconnect()
		n.Router.Close()
		n.stopErr = n.Store.Close()
	})
	return n.stopErr
}

// MyInvite is what this node shares so a peer can add it.
func (n *Node) MyInvite(ctx context.Context) (keyexchange.Invite, error) {
	self, ok, err := n.Directory.Self(ctx)
	if err != nil {
		return keyexchange.Invite{}, err
	}
	if !ok || self.RouteHint == "" {
		return keyexchange.Invite{}, ErrNotProvisioned
	}
	alias := n.cfg.Alias
	if alias == "" {
		alias = self.Nickname
	}
	return keyexchange.Invite{PublicKey: self.PublicKey, RouteHint: self.RouteHint, Alias: alias}, nil
}

func (n *Node) Invite(ctx context.Context, invite keyexchange.Invite) (models.Contact, error) {
	return n.KeyExchange.Initiate(ctx, invite)
}

func (n *Node) Send(ctx context.Context, contactPubkey, content string) (models.HandshakeMessage, error) {
	return n.KeyExchange.SendMessage(ctx, contactPubkey, content)
}

// Messages lists the chat history with a confirmed contact.
func (n *Node) Messages(ctx context.Context, contactPubkey string) ([]models.Message, error) {
	contact, ok, err := n.Directory.Confirmed(ctx, contactPubkey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, keyexchange.ErrUnknownContact
	}
	chat, ok, err := n.Directory.ChatFor(ctx, contact)
	if err != nil || !ok {
		return nil, err
	}
	return n.Store.ListMessages(ctx, chat.ID)
}

const pollInterval = 20 * time.Millisecond

// WaitProvisioned blocks until the register ack has produced the self contact.
func (n *Node) WaitProvisioned(ctx context.Context) (keyexchange.Invite, error) {
	var invite keyexchange.Invite
	err := n.poll(ctx, func() (bool, error) {
		var err error
		invite, err = n.MyInvite(ctx)
		if errors.Is(err, ErrNotProvisioned) {
			return false, nil
		}
		return err == nil, err
	})
	return invite, err
}

// WaitConfirmed blocks until contactPubkey is a confirmed contact.
func (n *Node) WaitConfirmed(ctx context.Context, contactPubkey string) (models.Contact, error) {
	var contact models.Contact
	err := n.poll(ctx, func() (bool, error) {
		var (
			ok  bool
			err error
		)
		contact, ok, err = n.Directory.Confirmed(ctx, contactPubkey)
		return ok && contact.ContactKey != "", err
	})
	return contact, err
}

func (n *Node) poll(ctx context.Context, done func() (bool, error)) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		ok, err := done()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
