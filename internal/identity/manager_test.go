package identity

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"sphinx-onion/go-core/internal/crypto"
	"sphinx-onion/go-core/internal/securestore"
)

const testMnemonic = "artist globe myself huge wing drive bright build agree fork media gentle"

func newTestManager(t *testing.T, secrets SecretStore) *Manager {
	t.Helper()
	d, err := crypto.NewDeriver(crypto.NetworkRegtest)
	if err != nil {
		t.Fatalf("new deriver failed: %v", err)
	}
	return NewManager(d, secrets)
}

type failingSecrets struct{}

func (failingSecrets) Get(string) ([]byte, bool, error) { return nil, false, errors.New("boom") }
func (failingSecrets) Put(string, []byte) error         { return errors.New("boom") }

func TestCreateOrImportDeterministic(t *testing.T) {
	mgr := newTestManager(t, securestore.NewMemoryVault())
	if _, ok := mgr.Current(); ok {
		t.Fatal("expected no identity before setup")
	}
	a, err := mgr.CreateOrImport(testMnemonic)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	b, err := newTestManager(t, securestore.NewMemoryVault()).CreateOrImport(strings.ToUpper(testMnemonic))
	if err != nil {
		t.Fatalf("second import failed: %v", err)
	}
	if a.PublicKey == "" || a.ExtendedPublicKey == "" {
		t.Fatal("expected non-empty root artifacts")
	}
	if a.PublicKey != b.PublicKey || a.ExtendedPublicKey != b.ExtendedPublicKey {
		t.Fatal("same mnemonic must yield the same identity")
	}
	current, ok := mgr.Current()
	if !ok || current.PublicKey != a.PublicKey {
		t.Fatal("imported identity must become current")
	}
}

func TestCreateOrImportRejectsInvalidMnemonic(t *testing.T) {
	mgr := newTestManager(t, securestore.NewMemoryVault())
	if _, err := mgr.CreateOrImport("not a mnemonic"); !errors.Is(err, crypto.ErrInvalidMnemonic) {
		t.Fatalf("expected ErrInvalidMnemonic, got %v", err)
	}
	if _, err := mgr.CreateOrImport("  "); !errors.Is(err, ErrMnemonicMissing) {
		t.Fatalf("expected ErrMnemonicMissing, got %v", err)
	}
	if _, ok := mgr.Current(); ok {
		t.Fatal("failed import must not set identity")
	}
}

func TestCreateOrImportSurfacesStorageFailure(t *testing.T) {
	mgr := newTestManager(t, failingSecrets{})
	if _, err := mgr.CreateOrImport(testMnemonic); !errors.Is(err, ErrSecretStore) {
		t.Fatalf("expected ErrSecretStore, got %v", err)
	}
}

func TestGenerateProducesValidPersistedMnemonic(t *testing.T) {
	vault := securestore.NewMemoryVault()
	mgr := newTestManager(t, vault)
	mnemonic, id, err := mgr.Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if words := len(strings.Fields(mnemonic)); words < 12 {
		t.Fatalf("expected at least 12 words, got %d", words)
	}
	exported, err := mgr.ExportMnemonic()
	if err != nil || exported != mnemonic {
		t.Fatalf("persisted mnemonic mismatch: %q err=%v", exported, err)
	}

	restored := newTestManager(t, vault)
	got, ok, err := restored.Load()
	if err != nil || !ok {
		t.Fatalf("load failed: ok=%v err=%v", ok, err)
	}
	if got.PublicKey != id.PublicKey {
		t.Fatal("loaded identity must match generated identity")
	}
}

func TestLastProcessedIndexNeverRegresses(t *testing.T) {
	vault := securestore.NewMemoryVault()
	mgr := newTestManager(t, vault)
	if _, err := mgr.CreateOrImport(testMnemonic); err != nil {
		t.Fatalf("import failed: %v", err)
	}
	for _, idx := range []uint64{5, 3, 9, 1} {
		if err := mgr.SetLastProcessedIndex(idx); err != nil {
			t.Fatalf("set %d failed: %v", idx, err)
		}
	}
	if got := mgr.LastProcessedIndex(); got != 9 {
		t.Fatalf("expected 9, got %d", got)
	}

	restored := newTestManager(t, vault)
	if _, _, err := restored.Load(); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got := restored.LastProcessedIndex(); got != 9 {
		t.Fatalf("expected persisted 9, got %d", got)
	}
}

func TestCredentialsReproducibleForSameTimestamp(t *testing.T) {
	mgr := newTestManager(t, securestore.NewMemoryVault())
	if _, err := mgr.Credentials(); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
	id, err := mgr.CreateOrImport(testMnemonic)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	at := time.UnixMilli(1700000000123)
	first, err := mgr.CredentialsAt(at)
	if err != nil {
		t.Fatalf("credentials failed: %v", err)
	}
	second, err := mgr.CredentialsAt(at)
	if err != nil {
		t.Fatalf("second credentials failed: %v", err)
	}
	if first != second {
		t.Fatal("credentials for the same timestamp must be reproducible")
	}
	if first.ClientID != id.ExtendedPublicKey || first.Username != "1700000000123" {
		t.Fatalf("unexpected credentials: %+v", first)
	}
	if err := crypto.VerifyTimestampSignature(first.ClientID, first.Username, first.Password); err != nil {
		t.Fatalf("broker-side verification failed: %v", err)
	}
}

func TestIdentityLogValueRedactsSeed(t *testing.T) {
	mgr := newTestManager(t, securestore.NewMemoryVault())
	id, err := mgr.CreateOrImport(testMnemonic)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	rendered := fmt.Sprint(id.LogValue())
	if strings.Contains(rendered, fmt.Sprintf("%x", id.Seed()[:8])) {
		t.Fatal("seed must not be rendered")
	}
	if !strings.Contains(rendered, "[redacted]") {
		t.Fatalf("expected redaction marker, got %s", rendered)
	}
}
