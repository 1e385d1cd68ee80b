package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/tyler-smith/go-bip39"
)

var (
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
	ErrDerivation      = errors.New("key derivation failed")
	ErrPeel            = errors.New("envelope is not addressed to this key")
	ErrBadSignature    = errors.New("timestamp signature does not verify")
)

const (
	NetworkRegtest = "regtest"
	NetworkTestnet = "testnet"
	NetworkBitcoin = "bitcoin"
)

// accountChild is the hardened m/0' node every contact key hangs off.
const accountChild = hdkeychain.HardenedKeyStart

// Deriver turns a BIP39 seed into the account key tree. It holds no secrets:
// every call takes the seed explicitly.
type Deriver struct {
	network string
	params  *chaincfg.Params
}

func NewDeriver(network string) (*Deriver, error) {
	network = strings.ToLower(strings.TrimSpace(network))
	switch network {
	case NetworkRegtest:
		return &Deriver{network: network, params: &chaincfg.RegressionNetParams}, nil
	case NetworkTestnet:
		return &Deriver{network: network, params: &chaincfg.TestNet3Params}, nil
	case NetworkBitcoin, "mainnet":
		return &Deriver{network: NetworkBitcoin, params: &chaincfg.MainNetParams}, nil
	default:
		return nil, fmt.Errorf("%w: unknown network %q", ErrDerivation, network)
	}
}

func (d *Deriver) Network() string {
	return d.network
}

func (d *Deriver) SeedFromMnemonic(mnemonic string) ([]byte, error) {
	mnemonic = normalizeMnemonic(mnemonic)
	if mnemonic == "" || !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
	}
	return seed, nil
}

func (d *Deriver) ExtendedPublicKey(seed []byte) (string, error) {
	account, err := d.accountKey(seed)
	if err != nil {
		return "", err
	}
	public, err := account.Neuter()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDerivation, err)
	}
	return public.String(), nil
}

// ChildPublicKey returns the hex compressed key at m/0'/index.
func (d *Deriver) ChildPublicKey(seed []byte, index uint32) (string, error) {
	child, err := d.childKey(seed, index)
	if err != nil {
		return "", err
	}
	return compressedHex(child)
}

// SignTimestamp signs sha256(timestamp) with the index-0 key. The compact
// form lets the broker recover the key and compare it with the client id.
func (d *Deriver) SignTimestamp(seed []byte, timestamp string) (string, error) {
	if strings.TrimSpace(timestamp) == "" {
		return "", fmt.Errorf("%w: empty timestamp", ErrDerivation)
	}
	priv, err := d.childPrivateKey(seed, 0)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256([]byte(timestamp))
	sig := ecdsa.SignCompact(priv, digest[:], true)
	return hex.EncodeToString(sig), nil
}

func (d *Deriver) Peel(seed []byte, index uint32, envelope []byte) ([]byte, error) {
	priv, err := d.childPrivateKey(seed, index)
	if err != nil {
		return nil, err
	}
	return open(priv, envelope)
}

// ChildPublicKeyFromXpub derives the hex child key at index from an account xpub.
func ChildPublicKeyFromXpub(xpub string, index uint32) (string, error) {
	if index >= hdkeychain.HardenedKeyStart {
		return "", fmt.Errorf("%w: index %d out of range", ErrDerivation, index)
	}
	account, err := hdkeychain.NewKeyFromString(strings.TrimSpace(xpub))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDerivation, err)
	}
	if account.IsPrivate() {
		return "", fmt.Errorf("%w: expected an extended public key", ErrDerivation)
	}
	child, err := account.Derive(index)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDerivation, err)
	}
	return compressedHex(child)
}

// VerifyTimestampSignature is the broker-side check of SignTimestamp.
func VerifyTimestampSignature(xpub, timestamp, signature string) error {
	root, err := ChildPublicKeyFromXpub(xpub, 0)
	if err != nil {
		return err
	}
	raw, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	digest := sha256.Sum256([]byte(timestamp))
	recovered, _, err := ecdsa.RecoverCompact(raw, digest[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if hex.EncodeToString(recovered.SerializeCompressed()) != root {
		return ErrBadSignature
	}
	return nil
}

// ParsePublicKey validates a hex compressed secp256k1 key.
func ParsePublicKey(pubkeyHex string) (*secp256k1.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(pubkeyHex))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDerivation, err)
	}
	pub, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDerivation, err)
	}
	return pub, nil
}

func (d *Deriver) accountKey(seed []byte) (*hdkeychain.ExtendedKey, error) {
	master, err := hdkeychain.NewMaster(seed, d.params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDerivation, err)
	}
	account, err := master.Derive(accountChild)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDerivation, err)
	}
	return account, nil
}

func (d *Deriver) childKey(seed []byte, index uint32) (*hdkeychain.ExtendedKey, error) {
	if index >= hdkeychain.HardenedKeyStart {
		return nil, fmt.Errorf("%w: index %d out of range", ErrDerivation, index)
	}
	account, err := d.accountKey(seed)
	if err != nil {
		return nil, err
	}
	child, err := account.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDerivation, err)
	}
	return child, nil
}

func (d *Deriver) childPrivateKey(seed []byte, index uint32) (*secp256k1.PrivateKey, error) {
	child, err := d.childKey(seed, index)
	if err != nil {
		return nil, err
	}
	priv, err := child.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDerivation, err)
	}
	return priv, nil
}

func compressedHex(key *hdkeychain.ExtendedKey) (string, error) {
	pub, err := key.ECPubKey()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDerivation, err)
	}
	return hex.EncodeToString(pub.SerializeCompressed()), nil
}

func normalizeMnemonic(mnemonic string) string {
	return strings.Join(strings.Fields(strings.ToLower(mnemonic)), " ")
}
