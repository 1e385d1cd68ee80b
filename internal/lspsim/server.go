// Package lspsim is an in-process stand-in for the LSP and its broker: it
// authenticates sessions, answers register/pubkey/balance requests and
// forwards sealed onions between registered keys.
package lspsim

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"sphinx-onion/go-core/internal/broker"
	"sphinx-onion/go-core/internal/crypto"
	"sphinx-onion/go-core/internal/router"
	"sphinx-onion/go-core/pkg/models"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const componentName = "lspsim"

var (
	ErrStaleTimestamp = errors.New("broker credential timestamp outside allowed skew")
	ErrUnknownDest    = errors.New("destination key is not registered")
)

type Config struct {
	// MaxSkew bounds how old or early a credential timestamp may be.
	MaxSkew        time.Duration
	InitialBalance uint64
	Now            func() time.Time
}

type registration struct {
	index uint32
	scid  string
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	hub    *broker.Hub
	conn   broker.Transport
	pubkey string

	mu       sync.Mutex
	keys     map[string]registration
	balances map[string]uint64
	nextSCID uint64
	forwards int
}

func New(cfg Config, logger *slog.Logger) (*Server, error) {
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		pubkey:   hex.EncodeToString(priv.PubKey().SerializeCompressed()),
		keys:     make(map[string]registration),
		balances: make(map[string]uint64),
	}
	s.hub = broker.NewHub(s.authenticate)
	s.conn = s.hub.TrustedTransport()
	return s, nil
}

func (s *Server) Hub() *broker.Hub {
	return s.hub
}

func (s *Server) PublicKey() string {
	return s.pubkey
}

// Start attaches the server to its hub and listens for every request topic.
func (s *Server) Start(ctx context.Context) error {
	if err := s.conn.Connect(ctx, broker.ConnectOptions{ClientID: "lsp"}, s.handle, nil); err != nil {
		return err
	}
	return s.conn.Subscribe("+/+/"+router.DirectionRequest+"/#", 1)
}

func (s *Server) Stop() {
	s.conn.Disconnect()
}

// Forwarded counts onions delivered to a registered destination.
func (s *Server) Forwarded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forwards
}

// SetBalance pushes a new balance to the account registered at index 0 under key.
func (s *Server) SetBalance(key string, msat uint64) {
	s.mu.Lock()
	s.balances[key] = msat
	s.mu.Unlock()
	s.reply(key, 0, router.VerbBalance, []byte(strconv.FormatUint(msat, 10)))
}

func (s *Server) authenticate(opts broker.ConnectOptions) error {
	ms, err := strconv.ParseInt(opts.Username, 10, 64)
	if err != nil {
		return fmt.Errorf("username is not a millisecond timestamp: %w", err)
	}
	skew := s.cfg.Now().Sub(time.UnixMilli(ms))
	if skew < 0 {
		skew = -skew
	}
	if skew > s.cfg.MaxSkew {
		return ErrStaleTimestamp
	}
	if err := crypto.VerifyTimestampSignature(opts.ClientID, opts.Username, opts.Password); err != nil {
		s.logger.Warn("broker auth rejected",
			"component", componentName, "operation", "authenticate", "client_id", opts.ClientID, "error", err.Error())
		return err
	}
	return nil
}

func (s *Server) handle(topic string, payload []byte) {
	t, err := router.ParseTopic(topic)
	if err != nil || t.Direction != router.DirectionRequest {
		return
	}
	switch t.Verb {
	case router.VerbRegister:
		s.register(t)
	case router.VerbPubkey:
		s.reply(t.Key, t.Index, router.VerbPubkey, []byte(s.pubkey))
	case router.VerbBalance:
		s.mu.Lock()
		balance, ok := s.balances[t.Key]
		if !ok {
			balance = s.cfg.InitialBalance
		}
		s.mu.Unlock()
		s.reply(t.Key, t.Index, router.VerbBalance, []byte(strconv.FormatUint(balance, 10)))
	case router.VerbSend:
		s.forward(t, payload)
	default:
		s.logger.Debug("unhandled request verb",
			"component", componentName, "operation", "handle", "verb", t.Verb)
	}
}

func (s *Server) register(t router.Topic) {
	s.mu.Lock()
	reg, ok := s.keys[t.Key]
	if !ok {
		s.nextSCID++
		reg = registration{index: t.Index, scid: fmt.Sprintf("%dx%dx0", 800000+s.nextSCID, s.nextSCID)}
		s.keys[t.Key] = reg
	}
	s.mu.Unlock()

	body, _ := json.Marshal(models.RegisterResponse{SCID: reg.scid, ServerPubkey: s.pubkey})
	s.reply(t.Key, t.Index, router.VerbRegister, body)
}

func (s *Server) forward(t router.Topic, payload []byte) {
	var req models.SendRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.reply(t.Key, t.Index, router.VerbSend, []byte(`{"error":"malformed send"}`))
		return
	}
	onion, err := base64.StdEncoding.DecodeString(req.Onion)
	if err != nil {
		s.reply(t.Key, t.Index, router.VerbSend, []byte(`{"error":"malformed onion"}`))
		return
	}
	s.mu.Lock()
	dest, ok := s.keys[req.Dest]
	if ok {
		s.forwards++
	}
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("onion for unregistered key dropped",
			"component", componentName, "operation", "forward", "error", ErrUnknownDest.Error())
		s.reply(t.Key, t.Index, router.VerbSend, []byte(`{"error":"unknown dest"}`))
		return
	}
	s.hub.Publish(router.BuildTopic(req.Dest, dest.index, router.DirectionResponse, router.VerbStream), onion)
	s.reply(t.Key, t.Index, router.VerbSend, []byte(`{"ok":true}`))
}

func (s *Server) reply(key string, index uint32, verb string, body []byte) {
	s.hub.Publish(router.BuildTopic(key, index, router.DirectionResponse, verb), body)
}
