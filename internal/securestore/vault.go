package securestore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// Vault is an encrypted key-value file for the few secrets the core keeps:
// the mnemonic and the last processed message index.
type Vault struct {
	mu     sync.Mutex
	path   string
	key    *Key
	values map[string][]byte
}

func OpenVault(path, passphrase string) (*Vault, error) {
	v := &Vault{path: path, values: make(map[string][]byte)}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) || (err == nil && len(data) == 0):
		key, kerr := NewKey(passphrase)
		if kerr != nil {
			return nil, kerr
		}
		v.key = key
		return v, nil
	case err != nil:
		return nil, err
	}

	plaintext, key, err := Open(passphrase, data)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(plaintext, &v.values); err != nil {
		return nil, ErrInvalid
	}
	v.key = key
	return v, nil
}

func (v *Vault) Get(key string) ([]byte, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	value, ok := v.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (v *Vault) Put(key string, value []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	next := make(map[string][]byte, len(v.values)+1)
	for k, val := range v.values {
		next[k] = val
	}
	next[key] = append([]byte(nil), value...)
	if err := v.persistLocked(next); err != nil {
		return err
	}
	v.values = next
	return nil
}

func (v *Vault) persistLocked(values map[string][]byte) error {
	payload, err := json.Marshal(values)
	if err != nil {
		return err
	}
	sealed, err := v.key.Seal(payload)
	if err != nil {
		return err
	}
	return WriteFileAtomic(v.path, sealed)
}

// WriteFileAtomic writes data to a sibling temp file and renames it over path.
func WriteFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// MemoryVault keeps secrets in process memory only.
type MemoryVault struct {
	mu     sync.Mutex
	values map[string][]byte
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{values: make(map[string][]byte)}
}

func (m *MemoryVault) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (m *MemoryVault) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}
