package lspsim

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"sphinx-onion/go-core/internal/broker"
	"sphinx-onion/go-core/internal/crypto"
	"sphinx-onion/go-core/internal/identity"
	"sphinx-onion/go-core/internal/securestore"
	"sphinx-onion/go-core/pkg/models"
)

const testMnemonic = "artist globe myself huge wing drive bright build agree fork media gentle"

func newIdentity(t *testing.T) (*identity.Manager, identity.Identity) {
	t.Helper()
	d, err := crypto.NewDeriver(crypto.NetworkRegtest)
	if err != nil {
		t.Fatalf("deriver: %v", err)
	}
	m := identity.NewManager(d, securestore.NewMemoryVault())
	id, err := m.CreateOrImport(testMnemonic)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	return m, id
}

func TestAuthenticateAcceptsFreshSignedCredentials(t *testing.T) {
	s, err := New(Config{}, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	m, _ := newIdentity(t)
	creds, err := m.Credentials()
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	opts := broker.ConnectOptions{ClientID: creds.ClientID, Username: creds.Username, Password: creds.Password}
	if err := s.authenticate(opts); err != nil {
		t.Fatalf("fresh credentials rejected: %v", err)
	}

	other, _ := m.CredentialsAt(time.Now().Add(2 * time.Second))
	opts.Password = other.Password
	if err := s.authenticate(opts); err == nil {
		t.Fatal("signature over another timestamp accepted")
	}

	old, _ := m.CredentialsAt(time.Now().Add(-time.Hour))
	stale := broker.ConnectOptions{ClientID: old.ClientID, Username: old.Username, Password: old.Password}
	if err := s.authenticate(stale); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("expected stale timestamp, got %v", err)
	}
}

func TestRegisterAndForward(t *testing.T) {
	ctx := context.Background()
	s, err := New(Config{InitialBalance: 2100}, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	got := make(chan [2]string, 8)
	client := s.Hub().TrustedTransport()
	if err := client.Connect(ctx, broker.ConnectOptions{ClientID: "observer"}, func(topic string, payload []byte) {
		got <- [2]string{topic, string(payload)}
	}, nil); err != nil {
		t.Fatalf("client connect: %v", err)
	}
	_ = client.Subscribe("02aa/0/res/#", 1)
	_ = client.Subscribe("03bb/4/res/#", 1)

	_ = client.Publish("02aa/0/req/register", 1, nil)
	first := wait(t, got)
	if first[0] != "02aa/0/res/register" {
		t.Fatalf("unexpected topic %s", first[0])
	}
	var resp models.RegisterResponse
	if err := json.Unmarshal([]byte(first[1]), &resp); err != nil || resp.ServerPubkey != s.PublicKey() || resp.SCID == "" {
		t.Fatalf("unexpected register response %q err=%v", first[1], err)
	}

	_ = client.Publish("02aa/0/req/balance", 1, nil)
	if bal := wait(t, got); bal[1] != "2100" {
		t.Fatalf("unexpected balance %q", bal[1])
	}

	_ = client.Publish("03bb/4/req/register", 1, nil)
	_ = wait(t, got)
	_ = client.Publish("02aa/0/req/send", 1, []byte(`{"dest":"03bb","onion":"aGVsbG8="}`))
	deliveries := map[string]string{}
	for i := 0; i < 2; i++ {
		d := wait(t, got)
		deliveries[d[0]] = d[1]
	}
	if deliveries["03bb/4/res/stream"] != "hello" {
		t.Fatalf("onion not forwarded to destination index: %v", deliveries)
	}
	if _, ok := deliveries["02aa/0/res/send"]; !ok {
		t.Fatalf("sender not acked: %v", deliveries)
	}
	if s.Forwarded() != 1 {
		t.Fatalf("expected one forward, got %d", s.Forwarded())
	}
}

func wait(t *testing.T, ch <-chan [2]string) [2]string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hub delivery")
		return [2]string{}
	}
}
