package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	onionVersion    = byte(0x01)
	ephemeralKeyLen = 33
	onionHeaderLen  = 1 + ephemeralKeyLen + chacha20poly1305.NonceSizeX
	onionInfo       = "sphinx-onion/peel/v1"
)

// Seal encrypts plaintext so that only the holder of recipientPubHex can peel it.
// Layout: version | ephemeral pubkey | nonce | ciphertext.
func Seal(recipientPubHex string, plaintext []byte) ([]byte, error) {
	recipient, err := ParsePublicKey(recipientPubHex)
	if err != nil {
		return nil, err
	}
	ephemeral, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	ephemeralPub := ephemeral.PubKey().SerializeCompressed()

	key, err := envelopeKey(secp256k1.GenerateSharedSecret(ephemeral, recipient), ephemeralPub)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, onionHeaderLen+len(plaintext)+aead.Overhead())
	out = append(out, onionVersion)
	out = append(out, ephemeralPub...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, recipient.SerializeCompressed()), nil
}

func open(priv *secp256k1.PrivateKey, envelope []byte) ([]byte, error) {
	if len(envelope) < onionHeaderLen+chacha20poly1305.Overhead || envelope[0] != onionVersion {
		return nil, fmt.Errorf("%w: malformed envelope", ErrPeel)
	}
	ephemeralPub := envelope[1 : 1+ephemeralKeyLen]
	nonce := envelope[1+ephemeralKeyLen : onionHeaderLen]
	ephemeral, err := secp256k1.ParsePubKey(ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeel, err)
	}

	key, err := envelopeKey(secp256k1.GenerateSharedSecret(priv, ephemeral), ephemeralPub)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, envelope[onionHeaderLen:], priv.PubKey().SerializeCompressed())
	if err != nil {
		return nil, ErrPeel
	}
	return plaintext, nil
}

func envelopeKey(shared, salt []byte) ([]byte, error) {
	defer zeroBytes(shared)
	reader := hkdf.New(sha256.New, shared, salt, []byte(onionInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
