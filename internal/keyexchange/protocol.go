// Package keyexchange drives self-registration with the LSP and the
// type-10/type-11 handshake that turns a peer into a confirmed contact.
package keyexchange

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"sphinx-onion/go-core/internal/contacts"
	"sphinx-onion/go-core/internal/contracts"
	"sphinx-onion/go-core/internal/crypto"
	"sphinx-onion/go-core/internal/events"
	"sphinx-onion/go-core/internal/identity"
	"sphinx-onion/go-core/internal/metrics"
	"sphinx-onion/go-core/internal/platform/ratelimiter"
	"sphinx-onion/go-core/internal/router"
	"sphinx-onion/go-core/pkg/models"
)

const componentName = "keyexchange"

var (
	ErrMalformedEnvelope = errors.New("handshake envelope is missing required fields")
	ErrHandshake         = errors.New("handshake failed")
	ErrNotProvisioned    = errors.New("account is not registered with the LSP yet")
	ErrRateLimited       = errors.New("too many handshake requests from sender")
	ErrUnknownContact    = errors.New("no confirmed contact for public key")
)

type Keys interface {
	Current() (identity.Identity, bool)
	ChildPublicKey(index uint32) (string, error)
}

// Broker is the slice of the broker session the protocol drives.
type Broker interface {
	Subscribe(pattern string) error
	Publish(topic string, payload []byte) error
	SetServer(server models.Server)
}

type Publisher interface {
	Publish(kind events.Kind, payload any) events.Event
}

type Config struct {
	Alias             string
	RequestsPerMinute float64
	RequestBurst      int
	ServerHost        string
	ServerPort        int
}

type Deps struct {
	Directory *contacts.Directory
	Keys      Keys
	Broker    Broker
	Events    Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Invite is what a user shares out of band to be added as a contact.
type Invite struct {
	PublicKey string `json:"pubkey"`
	RouteHint string `json:"route_hint"`
	Alias     string `json:"alias"`
}

type Protocol struct {
	cfg     Config
	deps    Deps
	limiter *ratelimiter.Buckets

	// mu serializes handshake state changes so duplicate deliveries of the
	// same request see each other's writes.
	mu sync.Mutex
}

func New(cfg Config, deps Deps) *Protocol {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Protocol{
		cfg:     cfg,
		deps:    deps,
		limiter: ratelimiter.PerMinute(cfg.RequestsPerMinute, cfg.RequestBurst, 0),
	}
}

// validateSender enforces that every sender field is present.
func validateSender(s models.Sender) error {
	missing := make([]string, 0, 5)
	if strings.TrimSpace(s.Pubkey) == "" {
		missing = append(missing, "pubkey")
	}
	if strings.TrimSpace(s.RouteHint) == "" {
		missing = append(missing, "routeHint")
	}
	if strings.TrimSpace(s.ContactRouteHint) == "" {
		missing = append(missing, "contactRouteHint")
	}
	if strings.TrimSpace(s.Alias) == "" {
		missing = append(missing, "alias")
	}
	if strings.TrimSpace(s.ContactPubkey) == "" {
		missing = append(missing, "contactPubkey")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMalformedEnvelope, strings.Join(missing, ","))
	}
	return nil
}

func (p *Protocol) me() (identity.Identity, error) {
	id, ok := p.deps.Keys.Current()
	if !ok {
		return identity.Identity{}, identity.ErrNoIdentity
	}
	return id, nil
}

// senderFor describes this account to a peer, advertising child as the key
// the peer should address.
func (p *Protocol) senderFor(id identity.Identity, self models.Contact, child string) models.Sender {
	alias := p.cfg.Alias
	if alias == "" {
		alias = self.Nickname
	}
	return models.Sender{
		Pubkey:           id.PublicKey,
		RouteHint:        self.RouteHint,
		ContactRouteHint: self.RouteHint,
		Alias:            alias,
		ContactPubkey:    child,
	}
}

// sendSealed seals msg to dest and asks the LSP to forward it from the
// child topic of the given contact index.
func (p *Protocol) sendSealed(childKey string, index uint32, dest string, msg models.HandshakeMessage) error {
	plain, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	onion, err := crypto.Seal(dest, plain)
	if err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryCrypto, err)
	}
	body, err := json.Marshal(models.SendRequest{Dest: dest, Onion: base64.StdEncoding.EncodeToString(onion)})
	if err != nil {
		return err
	}
	return p.deps.Broker.Publish(router.BuildTopic(childKey, index, router.DirectionRequest, router.VerbSend), body)
}

// listen subscribes to the responses of a child key and registers it with the LSP.
func (p *Protocol) listen(childKey string, index uint32) error {
	if err := p.deps.Broker.Subscribe(router.ResponsePattern(childKey, index)); err != nil {
		return err
	}
	return p.deps.Broker.Publish(router.BuildTopic(childKey, index, router.DirectionRequest, router.VerbRegister), nil)
}

func (p *Protocol) emitResponded() {
	if p.deps.Events != nil {
		p.deps.Events.Publish(events.KindKeyExchangeResponded, nil)
	}
}

func (p *Protocol) fail(operation string, err error) error {
	p.deps.Metrics.Handshake("failed")
	p.deps.Metrics.RecordError(err)
	p.deps.Logger.Warn("handshake failed",
		"component", componentName, "operation", operation, "error", err.Error())
	return fmt.Errorf("%w: %w", ErrHandshake, err)
}

func (p *Protocol) drop(operation, reason string, err error, sender string) error {
	p.deps.Metrics.Handshake("dropped_" + reason)
	attrs := []any{"component", componentName, "operation", operation, "reason", reason, "sender", sender}
	if err != nil {
		attrs = append(attrs, "error", err.Error())
	}
	p.deps.Logger.Warn("handshake message dropped", attrs...)
	return err
}
