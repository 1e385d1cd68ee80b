//go:build real_waku

package broker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
)

type received struct {
	topic   string
	payload []byte
}

func startWaku(t *testing.T, bootstrap []ma.Multiaddr, clientID string) (*wakuTransport, <-chan received) {
	t.Helper()
	w := newWakuTransport(0, bootstrap, slog.Default()).(*wakuTransport)
	inbox := make(chan received, 16)
	onMessage := func(topic string, payload []byte) {
		select {
		case inbox <- received{topic: topic, payload: payload}:
		default:
		}
	}
	opts := ConnectOptions{ClientID: clientID, Timeout: 500 * time.Millisecond}
	if err := w.Connect(context.Background(), opts, onMessage, nil); err != nil {
		t.Fatalf("connect %s: %v", clientID, err)
	}
	t.Cleanup(w.Disconnect)
	return w, inbox
}

func firstLoopbackAddr(addrs []string) string {
	for _, addr := range addrs {
		if strings.Contains(addr, "/127.0.0.1/") && strings.Contains(addr, "/tcp/") && strings.Contains(addr, "/p2p/") {
			return addr
		}
	}
	return ""
}

func TestWakuTransportRelaysAfterConnectReturns(t *testing.T) {
	alice, _ := startWaku(t, nil, "alice")
	addr := firstLoopbackAddr(alice.listenAddresses())
	if addr == "" {
		t.Skip("no loopback listen address")
	}
	bootstrap, err := ParseBootstrapNodes([]string{addr})
	if err != nil {
		t.Fatalf("parse bootstrap: %v", err)
	}
	bob, inbox := startWaku(t, bootstrap, "bob")
	if err := bob.Subscribe("bob/0/res/#", 1); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Past the connect timeout the nodes must still be relaying.
	time.Sleep(time.Second)

	deadline := time.After(15 * time.Second)
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		if err := alice.Publish("bob/0/res/balance", 1, []byte("42")); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case msg := <-inbox:
			if msg.topic != "bob/0/res/balance" || string(msg.payload) != "42" {
				t.Fatalf("unexpected delivery %s %q", msg.topic, msg.payload)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("no message relayed between connected nodes")
		}
	}
}

func TestWakuTransportRejectsUseAfterDisconnect(t *testing.T) {
	w, _ := startWaku(t, nil, "carol")
	w.Disconnect()
	if err := w.Publish("carol/0/req/register", 1, nil); !errors.Is(err, errWakuNotStarted) {
		t.Fatalf("expected errWakuNotStarted, got %v", err)
	}
	if err := w.Subscribe("carol/0/res/#", 1); !errors.Is(err, errWakuNotStarted) {
		t.Fatalf("expected errWakuNotStarted, got %v", err)
	}
}
