package identity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"sphinx-onion/go-core/internal/crypto"

	"github.com/tyler-smith/go-bip39"
)

const (
	secretMnemonic           = "mnemonic"
	secretLastProcessedIndex = "last_processed_index"

	entropyBits = 128
)

var (
	ErrNoIdentity      = errors.New("identity is not set up")
	ErrSecretStore     = errors.New("secret storage failed")
	ErrMnemonicMissing = errors.New("mnemonic is required")
)

// SecretStore is the opaque key-value secure storage the identity lives in.
type SecretStore interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
}

type Manager struct {
	mu        sync.RWMutex
	deriver   *crypto.Deriver
	secrets   SecretStore
	current   *Identity
	lastIndex uint64
	now       func() time.Time
}

func NewManager(deriver *crypto.Deriver, secrets SecretStore) *Manager {
	return &Manager{deriver: deriver, secrets: secrets, now: time.Now}
}

func (m *Manager) Deriver() *crypto.Deriver {
	return m.deriver
}

// Generate creates a fresh mnemonic, persists it and returns it for backup.
func (m *Manager) Generate() (string, Identity, error) {
	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return "", Identity{}, err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", Identity{}, err
	}
	id, err := m.CreateOrImport(mnemonic)
	if err != nil {
		return "", Identity{}, err
	}
	return mnemonic, id, nil
}

func (m *Manager) CreateOrImport(mnemonic string) (Identity, error) {
	if strings.TrimSpace(mnemonic) == "" {
		return Identity{}, ErrMnemonicMissing
	}
	id, normalized, err := m.derive(mnemonic)
	if err != nil {
		return Identity{}, err
	}
	if err := m.secrets.Put(secretMnemonic, []byte(normalized)); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrSecretStore, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = &id
	return id, nil
}

// Load restores the persisted identity, if any, along with the last processed index.
func (m *Manager) Load() (Identity, bool, error) {
	raw, ok, err := m.secrets.Get(secretMnemonic)
	if err != nil {
		return Identity{}, false, fmt.Errorf("%w: %v", ErrSecretStore, err)
	}
	if !ok {
		return Identity{}, false, nil
	}
	id, _, err := m.derive(string(raw))
	if err != nil {
		return Identity{}, false, err
	}
	last, err := m.loadLastIndex()
	if err != nil {
		return Identity{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = &id
	if last > m.lastIndex {
		m.lastIndex = last
	}
	return id, true, nil
}

func (m *Manager) Current() (Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return Identity{}, false
	}
	return *m.current, true
}

func (m *Manager) ExportMnemonic() (string, error) {
	raw, ok, err := m.secrets.Get(secretMnemonic)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSecretStore, err)
	}
	if !ok {
		return "", ErrNoIdentity
	}
	return string(raw), nil
}

func (m *Manager) ChildPublicKey(index uint32) (string, error) {
	id, ok := m.Current()
	if !ok {
		return "", ErrNoIdentity
	}
	return m.deriver.ChildPublicKey(id.seed, index)
}

func (m *Manager) Peel(index uint32, envelope []byte) ([]byte, error) {
	id, ok := m.Current()
	if !ok {
		return nil, ErrNoIdentity
	}
	return m.deriver.Peel(id.seed, index, envelope)
}

// Credentials signs a fresh millisecond timestamp for one connection attempt.
func (m *Manager) Credentials() (Credentials, error) {
	return m.CredentialsAt(m.now())
}

func (m *Manager) CredentialsAt(at time.Time) (Credentials, error) {
	id, ok := m.Current()
	if !ok {
		return Credentials{}, ErrNoIdentity
	}
	username := strconv.FormatInt(at.UnixMilli(), 10)
	sig, err := m.deriver.SignTimestamp(id.seed, username)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{ClientID: id.ExtendedPublicKey, Username: username, Password: sig}, nil
}

func (m *Manager) LastProcessedIndex() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastIndex
}

// SetLastProcessedIndex only moves forward; lower values are ignored.
func (m *Manager) SetLastProcessedIndex(index uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index <= m.lastIndex {
		return nil
	}
	if err := m.secrets.Put(secretLastProcessedIndex, []byte(strconv.FormatUint(index, 10))); err != nil {
		return fmt.Errorf("%w: %v", ErrSecretStore, err)
	}
	m.lastIndex = index
	return nil
}

func (m *Manager) loadLastIndex() (uint64, error) {
	raw, ok, err := m.secrets.Get(secretLastProcessedIndex)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSecretStore, err)
	}
	if !ok {
		return 0, nil
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: corrupt last processed index", ErrSecretStore)
	}
	return v, nil
}

func (m *Manager) derive(mnemonic string) (Identity, string, error) {
	seed, err := m.deriver.SeedFromMnemonic(mnemonic)
	if err != nil {
		return Identity{}, "", err
	}
	pub, err := m.deriver.ChildPublicKey(seed, 0)
	if err != nil {
		return Identity{}, "", err
	}
	xpub, err := m.deriver.ExtendedPublicKey(seed)
	if err != nil {
		return Identity{}, "", err
	}
	normalized := strings.Join(strings.Fields(strings.ToLower(mnemonic)), " ")
	return Identity{PublicKey: pub, ExtendedPublicKey: xpub, seed: seed}, normalized, nil
}
