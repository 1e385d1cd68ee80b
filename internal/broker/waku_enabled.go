//go:build real_waku

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"
)

var errWakuNotStarted = errors.New("go-waku node is not started")

// wakuTransport carries broker topics over waku relay. There is no broker-side
// authentication on this transport; credentials only travel as the client id.
type wakuTransport struct {
	port      int
	bootstrap []ma.Multiaddr
	logger    *slog.Logger

	mu       sync.RWMutex
	node     *wakuNode.WakuNode
	stop     context.CancelFunc
	clientID string
	patterns map[string]struct{}
	closing  bool
}

func newWakuTransport(port int, bootstrap []ma.Multiaddr, logger *slog.Logger) Transport {
	return &wakuTransport{port: port, bootstrap: bootstrap, logger: logger}
}

// Connect starts the relay node on its own run context so it outlives the
// call; opts.Timeout bounds only the bootstrap dials.
func (w *wakuTransport) Connect(ctx context.Context, opts ConnectOptions, onMessage MessageHandler, onLost func(error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(w.port)))
	if err != nil {
		return err
	}
	node, err := wakuNode.New(wakuNode.WithHostAddress(hostAddr), wakuNode.WithWakuRelay())
	if err != nil {
		return err
	}
	runCtx, stop := context.WithCancel(context.Background())
	if err := node.Start(runCtx); err != nil {
		stop()
		return err
	}

	dialCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	for _, addr := range w.bootstrap {
		if err := node.DialPeer(dialCtx, addr.String()); err != nil {
			w.logger.Warn("waku bootstrap dial failed",
				"component", componentName, "operation", "dial", "peer", addr.String(), "error", err.Error())
		}
	}

	subs, err := node.Relay().Subscribe(runCtx, protocol.NewContentFilter(wakuPubsubTopic, wakuContentTopic))
	if err != nil {
		node.Stop()
		stop()
		return err
	}

	w.mu.Lock()
	w.node = node
	w.stop = stop
	w.clientID = opts.ClientID
	w.patterns = make(map[string]struct{})
	w.closing = false
	w.mu.Unlock()

	var lostOnce sync.Once
	for _, sub := range subs {
		go func(subscription *relay.Subscription) {
			for env := range subscription.Ch {
				if env == nil || env.Message() == nil {
					continue
				}
				var frame wakuFrame
				if err := json.Unmarshal(env.Message().Payload, &frame); err != nil {
					continue
				}
				if w.matches(frame.Topic) {
					onMessage(frame.Topic, frame.Payload)
				}
			}
			w.mu.RLock()
			closing := w.closing
			w.mu.RUnlock()
			if !closing && onLost != nil {
				lostOnce.Do(func() { onLost(errors.New("waku relay subscription closed")) })
			}
		}(sub)
	}
	return nil
}

func (w *wakuTransport) matches(topic string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for pattern := range w.patterns {
		if MatchTopic(pattern, topic) {
			return true
		}
	}
	return false
}

func (w *wakuTransport) Subscribe(pattern string, _ byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.node == nil {
		return errWakuNotStarted
	}
	w.patterns[pattern] = struct{}{}
	return nil
}

func (w *wakuTransport) Publish(topic string, _ byte, payload []byte) error {
	w.mu.RLock()
	node := w.node
	clientID := w.clientID
	w.mu.RUnlock()
	if node == nil {
		return errWakuNotStarted
	}
	raw, err := json.Marshal(wakuFrame{Topic: topic, Payload: payload, ClientID: clientID})
	if err != nil {
		return err
	}
	ts := time.Now().UnixNano()
	msg := &wpb.WakuMessage{Payload: raw, ContentTopic: wakuContentTopic, Timestamp: &ts}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := node.Relay().Publish(ctx, msg, relay.WithPubSubTopic(wakuPubsubTopic)); err != nil {
			w.logger.Warn("waku publish failed",
				"component", componentName, "operation", "publish", "topic", topic, "error", err.Error())
		}
	}()
	return nil
}

func (w *wakuTransport) Disconnect() {
	w.mu.Lock()
	node, stop := w.node, w.stop
	w.node, w.stop = nil, nil
	w.closing = true
	w.mu.Unlock()
	if node != nil {
		node.Stop()
	}
	if stop != nil {
		stop()
	}
}

func (w *wakuTransport) listenAddresses() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.node == nil {
		return nil
	}
	addrs := w.node.ListenAddresses()
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	return out
}
