package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const defaultConnectTimeout = 10 * time.Second

var errMQTTNotConnected = errors.New("mqtt client is not connected")

// MQTTTransport talks to a real broker over TCP. Reconnection is left to the
// caller.
type MQTTTransport struct {
	logger *slog.Logger

	mu      sync.RWMutex
	client  mqtt.Client
	timeout time.Duration
}

func NewMQTTTransport(logger *slog.Logger) *MQTTTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTTransport{logger: logger}
}

func (m *MQTTTransport) Connect(ctx context.Context, opts ConnectOptions, onMessage MessageHandler, onLost func(error)) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker("tcp://"+net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(timeout).
		SetOrderMatters(true).
		SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
			if onMessage != nil {
				onMessage(msg.Topic(), msg.Payload())
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			if onLost != nil {
				onLost(err)
			}
		})
	if opts.KeepAlive > 0 {
		clientOpts.SetKeepAlive(opts.KeepAlive)
	}

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return ctx.Err()
	case <-time.After(timeout):
		client.Disconnect(0)
		return fmt.Errorf("mqtt connect: timed out after %s", timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	m.mu.Lock()
	m.client = client
	m.timeout = timeout
	m.mu.Unlock()
	return nil
}

func (m *MQTTTransport) Subscribe(pattern string, qos byte) error {
	m.mu.RLock()
	client, timeout := m.client, m.timeout
	m.mu.RUnlock()
	if client == nil {
		return errMQTTNotConnected
	}
	token := client.Subscribe(pattern, qos, nil)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt subscribe %s: timed out", pattern)
	}
	return token.Error()
}

// Publish does not wait for the broker; delivery failures are only logged.
func (m *MQTTTransport) Publish(topic string, qos byte, payload []byte) error {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()
	if client == nil {
		return errMQTTNotConnected
	}
	token := client.Publish(topic, qos, false, payload)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			m.logger.Warn("mqtt publish failed",
				"component", componentName, "operation", "publish", "topic", topic, "error", err.Error())
		}
	}()
	return nil
}

func (m *MQTTTransport) Disconnect() {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
}
