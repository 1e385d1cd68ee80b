// Package router classifies inbound broker envelopes by topic verb and hands
// them to the key exchange, the ingestor or the balance notifier.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"sphinx-onion/go-core/internal/metrics"
	"sphinx-onion/go-core/internal/platform/serialqueue"
	"sphinx-onion/go-core/pkg/models"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const componentName = "router"

const (
	VerbRegister = "register"
	VerbPubkey   = "pubkey"
	VerbBalance  = "balance"
	VerbSend     = "send"
	VerbStream   = "stream"
	VerbMsgs     = "msgs"
)

var (
	ErrShortTopic        = errors.New("topic has fewer than four segments")
	ErrBadIndex          = errors.New("topic index is not a child index")
	ErrUnknownVerb       = errors.New("unknown topic verb")
	ErrDuplicateEnvelope = errors.New("envelope already routed")
	ErrUndecodable       = errors.New("payload could not be peeled or decoded")
	ErrUnknownType       = errors.New("unknown handshake message type")
)

type KeyExchange interface {
	OnRegisterAck(ctx context.Context, index uint32, payload []byte)
	HandleRequest(ctx context.Context, msg models.HandshakeMessage) error
	HandleConfirmation(ctx context.Context, msg models.HandshakeMessage) error
}

type Ingestor interface {
	Ingest(ctx context.Context, msg models.HandshakeMessage) error
}

type BalanceNotifier interface {
	Notify(payload []byte) bool
}

type Peeler interface {
	Peel(index uint32, envelope []byte) ([]byte, error)
}

type Config struct {
	DedupWindow   time.Duration
	DedupCapacity int
	MaxConcurrent int
}

func DefaultConfig() Config {
	return Config{DedupWindow: 10 * time.Minute, DedupCapacity: 4096, MaxConcurrent: 4}
}

type Deps struct {
	Peeler      Peeler
	KeyExchange KeyExchange
	Ingestor    Ingestor
	Balance     BalanceNotifier
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Topic is a parsed `<key>/<index>/<req|res>/<verb>[/...]` broker topic.
type Topic struct {
	Key       string
	Index     uint32
	Direction string
	Verb      string
}

func ParseTopic(raw string) (Topic, error) {
	parts := strings.Split(raw, "/")
	if len(parts) < 4 {
		return Topic{}, ErrShortTopic
	}
	index, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil || index >= 1<<31 {
		return Topic{}, ErrBadIndex
	}
	return Topic{Key: parts[0], Index: uint32(index), Direction: parts[2], Verb: parts[3]}, nil
}

type Router struct {
	deps  Deps
	queue *serialqueue.Queue
	seen  *expirable.LRU[string, struct{}]
}

func New(cfg Config, deps Deps) *Router {
	def := DefaultConfig()
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = def.DedupWindow
	}
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = def.DedupCapacity
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Router{
		deps:  deps,
		queue: serialqueue.New(cfg.MaxConcurrent),
		seen:  expirable.NewLRU[string, struct{}](cfg.DedupCapacity, nil, cfg.DedupWindow),
	}
}

// Dispatch queues the envelope behind earlier envelopes of the same topic and
// returns immediately.
func (r *Router) Dispatch(env models.InboundEnvelope) {
	if !r.queue.Submit(env.Topic, func(ctx context.Context) { _ = r.Route(ctx, env) }) {
		r.drop("closed", env.Topic, nil)
	}
}

// Route handles one envelope synchronously. Every failure is absorbed here;
// the returned error only names the reason for callers that care.
func (r *Router) Route(ctx context.Context, env models.InboundEnvelope) error {
	topic, err := ParseTopic(env.Topic)
	if err != nil {
		if errors.Is(err, ErrShortTopic) {
			r.deps.Metrics.Dropped("short_topic")
			return err
		}
		return r.drop("bad_index", env.Topic, err)
	}

	switch topic.Verb {
	case VerbRegister:
		r.deps.Metrics.Routed(topic.Verb)
		r.deps.KeyExchange.OnRegisterAck(ctx, topic.Index, env.Payload)
		return nil
	case VerbBalance:
		r.deps.Metrics.Routed(topic.Verb)
		if !r.deps.Balance.Notify(env.Payload) {
			return r.drop("invalid_balance", env.Topic, ErrUndecodable)
		}
		return nil
	case VerbSend, VerbPubkey:
		r.deps.Metrics.Routed(topic.Verb)
		r.deps.Logger.Debug("broker ack",
			"component", componentName, "operation", "route", "verb", topic.Verb, "index", topic.Index)
		return nil
	case VerbStream, VerbMsgs:
		return r.routeOnion(ctx, topic, env)
	default:
		return r.drop("unknown_verb", env.Topic, ErrUnknownVerb)
	}
}

func (r *Router) routeOnion(ctx context.Context, topic Topic, env models.InboundEnvelope) error {
	digest := envelopeDigest(env)
	if r.seen.Contains(digest) {
		return r.drop("duplicate", env.Topic, ErrDuplicateEnvelope)
	}
	r.seen.Add(digest, struct{}{})

	plain, err := r.deps.Peeler.Peel(topic.Index, env.Payload)
	if err != nil {
		return r.drop("peel_failed", env.Topic, errors.Join(ErrUndecodable, err))
	}
	msg, err := decodeHandshake(plain)
	if err != nil {
		return r.drop("malformed", env.Topic, errors.Join(ErrUndecodable, err))
	}
	r.deps.Metrics.Routed(topic.Verb)

	switch msg.Type {
	case models.MessageTypeKeyExchange:
		err = r.deps.KeyExchange.HandleRequest(ctx, msg)
	case models.MessageTypeKeyExchangeAck:
		err = r.deps.KeyExchange.HandleConfirmation(ctx, msg)
	case models.MessageTypeChat:
		err = r.deps.Ingestor.Ingest(ctx, msg)
	default:
		return r.drop("unknown_type", env.Topic, ErrUnknownType)
	}
	if err != nil {
		r.deps.Logger.Debug("inbound message not applied",
			"component", componentName, "operation", "route", "type", msg.Type, "error", err.Error())
	}
	return err
}

func (r *Router) drop(reason, topic string, err error) error {
	r.deps.Metrics.Dropped(reason)
	attrs := []any{"component", componentName, "operation", "route", "reason", reason, "topic", topic}
	if err != nil {
		attrs = append(attrs, "error", err.Error())
	}
	r.deps.Logger.Warn("inbound envelope dropped", attrs...)
	return err
}

// Wait blocks until queued envelopes are handled. Tests only.
func (r *Router) Wait() {
	r.queue.Wait()
}

func (r *Router) Close() {
	r.queue.Close()
}

func envelopeDigest(env models.InboundEnvelope) string {
	h := sha256.New()
	h.Write([]byte(env.Topic))
	h.Write([]byte{0})
	h.Write(env.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// decodeHandshake requires an explicit type; a missing tag is not a chat message.
func decodeHandshake(plain []byte) (models.HandshakeMessage, error) {
	var tag struct {
		Type *int `json:"type"`
	}
	if err := json.Unmarshal(plain, &tag); err != nil {
		return models.HandshakeMessage{}, err
	}
	if tag.Type == nil {
		return models.HandshakeMessage{}, errors.New("missing type")
	}
	var msg models.HandshakeMessage
	if err := json.Unmarshal(plain, &msg); err != nil {
		return models.HandshakeMessage{}, err
	}
	return msg, nil
}
