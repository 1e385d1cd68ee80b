package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	TransportMemory = "memory"
	TransportMQTT   = "mqtt"
	TransportGoWaku = "go-waku"
)

var ErrTransportUnavailable = errors.New("broker transport is not available in this build")

// MessageHandler receives every inbound publish. It runs on the transport's
// receive goroutine and must not block.
type MessageHandler func(topic string, payload []byte)

type ConnectOptions struct {
	Host      string
	Port      int
	ClientID  string
	Username  string
	Password  string
	Timeout   time.Duration
	KeepAlive time.Duration
}

func (o ConnectOptions) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("host", o.Host),
		slog.Int("port", o.Port),
		slog.String("client_id", o.ClientID),
		slog.String("username", o.Username),
	)
}

// Transport is one pub/sub connection. Implementations do not reconnect on
// their own; onLost is called at most once per Connect.
type Transport interface {
	Connect(ctx context.Context, opts ConnectOptions, onMessage MessageHandler, onLost func(error)) error
	Subscribe(pattern string, qos byte) error
	Publish(topic string, qos byte, payload []byte) error
	Disconnect()
}

type TransportConfig struct {
	Kind           string
	WakuPort       int
	BootstrapNodes []string
}

// NewTransport builds a network transport by kind. The memory transport is
// obtained from a Hub instead.
func NewTransport(cfg TransportConfig, logger *slog.Logger) (Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case TransportMQTT, "":
		return NewMQTTTransport(logger), nil
	case TransportGoWaku:
		nodes, err := ParseBootstrapNodes(cfg.BootstrapNodes)
		if err != nil {
			return nil, err
		}
		t := newWakuTransport(cfg.WakuPort, nodes, logger)
		if t == nil {
			return nil, ErrTransportUnavailable
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown broker transport %q", cfg.Kind)
	}
}

// MatchTopic reports whether topic matches an MQTT subscription pattern with
// "+" (one level) and a trailing "#" (any remaining levels, including none).
func MatchTopic(pattern, topic string) bool {
	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")
	for i, seg := range p {
		if seg == "#" {
			return i == len(p)-1
		}
		if i >= len(t) {
			return false
		}
		if seg != "+" && seg != t[i] {
			return false
		}
	}
	return len(p) == len(t)
}
