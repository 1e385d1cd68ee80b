// Package broker owns the single pub/sub session with the LSP broker:
// authenticated connect, subscriptions, fire-and-forget publishes and the
// hand-off of inbound envelopes to the router.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"sphinx-onion/go-core/internal/contracts"
	"sphinx-onion/go-core/internal/events"
	"sphinx-onion/go-core/internal/identity"
	"sphinx-onion/go-core/internal/metrics"
	"sphinx-onion/go-core/pkg/models"
)

const componentName = "broker"

var (
	ErrConnect      = errors.New("broker connect failed")
	ErrNotConnected = errors.New("broker session is not connected")
)

type CredentialSource interface {
	Credentials() (identity.Credentials, error)
}

// Dispatcher accepts inbound envelopes. Dispatch must return quickly; heavy
// work belongs on the dispatcher's own workers.
type Dispatcher interface {
	Dispatch(env models.InboundEnvelope)
}

type DispatcherFunc func(env models.InboundEnvelope)

func (f DispatcherFunc) Dispatch(env models.InboundEnvelope) { f(env) }

type Publisher interface {
	Publish(kind events.Kind, payload any) events.Event
}

// ConnectedHook runs after every transition to connected.
type ConnectedHook func(ctx context.Context) error

type Config struct {
	Host           string
	Port           int
	QoS            byte
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
}

type SessionDeps struct {
	Transport   Transport
	Credentials CredentialSource
	Dispatcher  Dispatcher
	Events      Publisher
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

type Session struct {
	cfg  Config
	deps SessionDeps

	mu         sync.RWMutex
	state      models.BrokerState
	generation uint64
	server     models.Server
	dispatcher Dispatcher
	hooks      []ConnectedHook
	subs       map[string]struct{}
}

func NewSession(cfg Config, deps SessionDeps) *Session {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}
	s := &Session{
		cfg:        cfg,
		deps:       deps,
		state:      models.BrokerStateDisconnected,
		dispatcher: deps.Dispatcher,
		subs:       make(map[string]struct{}),
		server:     models.Server{Host: cfg.Host, Port: cfg.Port},
	}
	deps.Metrics.BrokerState(s.state)
	return s
}

func (s *Session) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatcher = d
}

func (s *Session) OnConnected(hook ConnectedHook) {
	if hook == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// SetServer records the LSP identity learned from the register response and
// announces it with the current state.
func (s *Session) SetServer(server models.Server) {
	s.mu.Lock()
	if server.Host == "" {
		server.Host = s.cfg.Host
	}
	if server.Port == 0 {
		server.Port = s.cfg.Port
	}
	s.server = server
	status := models.ConnectionStatus{State: s.state, Server: server}
	s.mu.Unlock()
	s.emit(status)
}

func (s *Session) Status() models.ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return models.ConnectionStatus{State: s.state, Server: s.server}
}

func (s *Session) State() models.BrokerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Connect opens the session with fresh credentials. While connecting or
// connected it returns the current state without a new attempt. A failed
// attempt leaves the session disconnected and is not retried.
func (s *Session) Connect(ctx context.Context) (models.BrokerState, error) {
	s.mu.Lock()
	if s.state != models.BrokerStateDisconnected {
		state := s.state
		s.mu.Unlock()
		return state, nil
	}
	s.generation++
	gen := s.generation
	s.subs = make(map[string]struct{})
	status := s.transitionLocked(models.BrokerStateConnecting)
	s.mu.Unlock()
	s.emit(status)

	creds, err := s.deps.Credentials.Credentials()
	if err != nil {
		return s.failConnect(gen, contracts.WrapCategorizedError(contracts.ErrorCategoryCrypto, err))
	}
	opts := ConnectOptions{
		Host:      s.cfg.Host,
		Port:      s.cfg.Port,
		ClientID:  creds.ClientID,
		Username:  creds.Username,
		Password:  creds.Password,
		Timeout:   s.cfg.ConnectTimeout,
		KeepAlive: s.cfg.KeepAlive,
	}
	s.deps.Logger.Info("broker connecting",
		"component", componentName, "operation", "connect", "options", opts)

	err = s.deps.Transport.Connect(ctx, opts,
		func(topic string, payload []byte) { s.receive(gen, topic, payload) },
		func(cause error) { s.lost(gen, cause) },
	)
	if err != nil {
		return s.failConnect(gen, contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, err))
	}

	s.mu.Lock()
	if s.generation != gen {
		// Disconnect won the race.
		s.mu.Unlock()
		s.deps.Transport.Disconnect()
		return models.BrokerStateDisconnected, fmt.Errorf("%w: disconnected while connecting", ErrConnect)
	}
	status = s.transitionLocked(models.BrokerStateConnected)
	hooks := append([]ConnectedHook(nil), s.hooks...)
	s.mu.Unlock()
	s.emit(status)
	s.deps.Logger.Info("broker connected", "component", componentName, "operation", "connect")

	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			s.deps.Metrics.RecordError(err)
			s.deps.Logger.Warn("connected hook failed",
				"component", componentName, "operation", "on_connected", "error", err.Error())
		}
	}
	return models.BrokerStateConnected, nil
}

func (s *Session) failConnect(gen uint64, err error) (models.BrokerState, error) {
	s.deps.Metrics.RecordError(err)
	s.deps.Logger.Warn("broker connect failed",
		"component", componentName, "operation", "connect", "error", err.Error())
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return models.BrokerStateDisconnected, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	s.generation++
	status := s.transitionLocked(models.BrokerStateDisconnected)
	s.mu.Unlock()
	s.emit(status)
	return models.BrokerStateDisconnected, fmt.Errorf("%w: %w", ErrConnect, err)
}

// Subscribe registers interest in a topic pattern; repeated patterns are
// sent to the transport once per connection.
func (s *Session) Subscribe(pattern string) error {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return errors.New("empty subscription pattern")
	}
	s.mu.Lock()
	if s.state != models.BrokerStateConnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if _, ok := s.subs[pattern]; ok {
		s.mu.Unlock()
		return nil
	}
	s.subs[pattern] = struct{}{}
	s.mu.Unlock()

	if err := s.deps.Transport.Subscribe(pattern, s.cfg.QoS); err != nil {
		s.mu.Lock()
		delete(s.subs, pattern)
		s.mu.Unlock()
		return contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, err)
	}
	s.deps.Logger.Debug("subscribed", "component", componentName, "operation", "subscribe", "pattern", pattern)
	return nil
}

// Publish is fire-and-forget at the configured QoS.
func (s *Session) Publish(topic string, payload []byte) error {
	if s.State() != models.BrokerStateConnected {
		return ErrNotConnected
	}
	if err := s.deps.Transport.Publish(topic, s.cfg.QoS, payload); err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, err)
	}
	return nil
}

func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state == models.BrokerStateDisconnected {
		s.mu.Unlock()
		return
	}
	s.generation++
	status := s.transitionLocked(models.BrokerStateDisconnected)
	s.mu.Unlock()

	s.deps.Transport.Disconnect()
	s.emit(status)
	s.deps.Logger.Info("broker disconnected", "component", componentName, "operation", "disconnect")
}

func (s *Session) receive(gen uint64, topic string, payload []byte) {
	s.mu.RLock()
	current := s.generation
	d := s.dispatcher
	s.mu.RUnlock()
	if current != gen || d == nil {
		return
	}
	d.Dispatch(models.InboundEnvelope{Topic: topic, Payload: payload})
}

func (s *Session) lost(gen uint64, cause error) {
	s.mu.Lock()
	if s.generation != gen || s.state == models.BrokerStateDisconnected {
		s.mu.Unlock()
		return
	}
	s.generation++
	status := s.transitionLocked(models.BrokerStateDisconnected)
	s.mu.Unlock()

	msg := "unknown"
	if cause != nil {
		msg = cause.Error()
	}
	s.deps.Metrics.RecordError(contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, cause))
	s.deps.Logger.Warn("broker connection lost",
		"component", componentName, "operation", "connection_lost", "error", msg)
	s.emit(status)
}

func (s *Session) transitionLocked(state models.BrokerState) models.ConnectionStatus {
	s.state = state
	s.deps.Metrics.BrokerState(state)
	return models.ConnectionStatus{State: state, Server: s.server}
}

func (s *Session) emit(status models.ConnectionStatus) {
	if s.deps.Events != nil {
		s.deps.Events.Publish(events.KindConnectionStatusChanged, status)
	}
}
