package securestore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 1
	saltSize        = 16
	filePrefix      = "SPXVLT1\n"

	kdfName     = "argon2id"
	kdfTime     = uint32(2)
	kdfMemoryKB = uint32(64 * 1024)
	kdfThreads  = uint8(1)
)

var (
	ErrAuthFailed = errors.New("securestore authentication failed")
	ErrInvalid    = errors.New("securestore envelope is invalid")
)

type Envelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// Key is a passphrase-derived sealing key. Deriving it is the expensive part,
// so long-lived writers keep one and reuse it with fresh nonces.
type Key struct {
	salt []byte
	key  []byte
}

func NewKey(passphrase string) (*Key, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, ErrInvalid
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return deriveKey(passphrase, salt), nil
}

func deriveKey(passphrase string, salt []byte) *Key {
	return &Key{
		salt: append([]byte(nil), salt...),
		key:  argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemoryKB, kdfThreads, chacha20poly1305.KeySize),
	}
}

func (k *Key) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(Envelope{
		Version:     envelopeVersion,
		KDF:         kdfName,
		KDFTime:     kdfTime,
		KDFMemoryKB: kdfMemoryKB,
		KDFThreads:  kdfThreads,
		Salt:        k.salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, plaintext, []byte(filePrefix)),
	})
	if err != nil {
		return nil, err
	}
	return append([]byte(filePrefix), raw...), nil
}

// Open decrypts data and returns the key it was sealed with so the caller can
// re-seal without another KDF run.
func Open(passphrase string, data []byte) ([]byte, *Key, error) {
	if !strings.HasPrefix(string(data), filePrefix) {
		return nil, nil, ErrInvalid
	}
	var env Envelope
	if err := json.Unmarshal(data[len(filePrefix):], &env); err != nil {
		return nil, nil, ErrInvalid
	}
	if env.Version != envelopeVersion || env.KDF != kdfName ||
		env.KDFTime != kdfTime || env.KDFMemoryKB != kdfMemoryKB || env.KDFThreads != kdfThreads {
		return nil, nil, ErrInvalid
	}
	if len(env.Salt) != saltSize || len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, nil, ErrInvalid
	}
	key := deriveKey(passphrase, env.Salt)
	aead, err := chacha20poly1305.NewX(key.key)
	if err != nil {
		return nil, nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, []byte(filePrefix))
	if err != nil {
		return nil, nil, ErrAuthFailed
	}
	return plaintext, key, nil
}

func Encrypt(passphrase string, plaintext []byte) ([]byte, error) {
	key, err := NewKey(passphrase)
	if err != nil {
		return nil, err
	}
	return key.Seal(plaintext)
}

func Decrypt(passphrase string, data []byte) ([]byte, error) {
	plaintext, _, err := Open(passphrase, data)
	return plaintext, err
}
