package broker

import (
	"context"
	"errors"
	"sync"
)

const hubInboxSize = 1024

var (
	ErrNotAuthorized = errors.New("broker rejected credentials")
	ErrKicked        = errors.New("connection closed by broker")
	errHubNotJoined  = errors.New("memory transport is not connected")
)

// Authenticator decides whether a client may connect with the given credentials.
type Authenticator func(opts ConnectOptions) error

// Hub is an in-process broker with MQTT topic matching. Each client gets an
// ordered inbox drained by its own goroutine, so publishers never run
// subscriber code.
type Hub struct {
	mu      sync.Mutex
	auth    Authenticator
	clients map[int]*hubClient
	nextID  int
}

type hubDelivery struct {
	topic   string
	payload []byte
}

type hubClient struct {
	hub     *Hub
	trusted bool

	mu        sync.Mutex
	id        int
	clientID  string
	patterns  map[string]struct{}
	inbox     chan hubDelivery
	done      chan struct{}
	onMessage MessageHandler
	onLost    func(error)
}

func NewHub(auth Authenticator) *Hub {
	return &Hub{auth: auth, clients: make(map[int]*hubClient)}
}

// Transport returns an unconnected client subject to the authenticator.
func (h *Hub) Transport() Transport {
	return &hubClient{hub: h}
}

// TrustedTransport returns a client that skips authentication, for the
// server side of the hub.
func (h *Hub) TrustedTransport() Transport {
	return &hubClient{hub: h, trusted: true}
}

// Publish delivers payload to every client with a matching subscription and
// returns how many received it.
func (h *Hub) Publish(topic string, payload []byte) int {
	h.mu.Lock()
	targets := make([]*hubClient, 0, len(h.clients))
	for _, c := range h.clients {
		if c.matches(topic) {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.deliver(hubDelivery{topic: topic, payload: append([]byte(nil), payload...)})
	}
	return len(targets)
}

// Kick drops every connection using clientID and reports the loss to it.
func (h *Hub) Kick(clientID string) int {
	h.mu.Lock()
	victims := make([]*hubClient, 0)
	for id, c := range h.clients {
		c.mu.Lock()
		match := c.clientID == clientID
		c.mu.Unlock()
		if match {
			victims = append(victims, c)
			delete(h.clients, id)
		}
	}
	h.mu.Unlock()

	for _, c := range victims {
		if onLost := c.close(); onLost != nil {
			onLost(ErrKicked)
		}
	}
	return len(victims)
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) join(c *hubClient, opts ConnectOptions) error {
	if !c.trusted && h.auth != nil {
		if err := h.auth(opts); err != nil {
			return errors.Join(ErrNotAuthorized, err)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	c.id = h.nextID
	h.clients[c.id] = c
	return nil
}

func (h *Hub) leave(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c.id)
}

func (c *hubClient) Connect(ctx context.Context, opts ConnectOptions, onMessage MessageHandler, onLost func(error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Disconnect()

	c.mu.Lock()
	c.clientID = opts.ClientID
	c.patterns = make(map[string]struct{})
	c.inbox = make(chan hubDelivery, hubInboxSize)
	c.done = make(chan struct{})
	c.onMessage = onMessage
	c.onLost = onLost
	inbox, done := c.inbox, c.done
	c.mu.Unlock()

	if err := c.hub.join(c, opts); err != nil {
		c.close()
		return err
	}
	go func() {
		for {
			select {
			case d := <-inbox:
				if onMessage != nil {
					onMessage(d.topic, d.payload)
				}
			case <-done:
				return
			}
		}
	}()
	return nil
}

func (c *hubClient) Subscribe(pattern string, _ byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		return errHubNotJoined
	}
	c.patterns[pattern] = struct{}{}
	return nil
}

func (c *hubClient) Publish(topic string, _ byte, payload []byte) error {
	c.mu.Lock()
	joined := c.done != nil
	c.mu.Unlock()
	if !joined {
		return errHubNotJoined
	}
	c.hub.Publish(topic, payload)
	return nil
}

func (c *hubClient) Disconnect() {
	c.hub.leave(c)
	c.close()
}

// close stops delivery and returns the lost callback of the closed session.
func (c *hubClient) close() func(error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		return nil
	}
	close(c.done)
	c.done = nil
	c.inbox = nil
	onLost := c.onLost
	c.onLost = nil
	return onLost
}

func (c *hubClient) matches(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for pattern := range c.patterns {
		if MatchTopic(pattern, topic) {
			return true
		}
	}
	return false
}

func (c *hubClient) deliver(d hubDelivery) {
	c.mu.Lock()
	inbox, done := c.inbox, c.done
	c.mu.Unlock()
	if done == nil {
		return
	}
	select {
	case inbox <- d:
	case <-done:
	}
}
