package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

const testMnemonic = "artist globe myself huge wing drive bright build agree fork media gentle"

func newTestDeriver(t *testing.T) *Deriver {
	t.Helper()
	d, err := NewDeriver(NetworkRegtest)
	if err != nil {
		t.Fatalf("new deriver failed: %v", err)
	}
	return d
}

func TestSeedFromMnemonicDeterministic(t *testing.T) {
	d := newTestDeriver(t)
	seed1, err := d.SeedFromMnemonic(testMnemonic)
	if err != nil {
		t.Fatalf("seed from mnemonic failed: %v", err)
	}
	seed2, err := d.SeedFromMnemonic("  " + testMnemonic + "\n")
	if err != nil {
		t.Fatalf("seed from padded mnemonic failed: %v", err)
	}
	if len(seed1) != 64 {
		t.Fatalf("expected 64-byte seed, got %d", len(seed1))
	}
	if !bytes.Equal(seed1, seed2) {
		t.Fatal("seed must not depend on surrounding whitespace")
	}
}

func TestSeedFromMnemonicRejectsInvalidPhrase(t *testing.T) {
	d := newTestDeriver(t)
	for _, phrase := range []string{"", "not a mnemonic", "artist globe myself huge wing drive bright build agree fork media zzzz"} {
		if _, err := d.SeedFromMnemonic(phrase); !errors.Is(err, ErrInvalidMnemonic) {
			t.Fatalf("expected ErrInvalidMnemonic for %q, got %v", phrase, err)
		}
	}
}

func TestChildPublicKeyStableAndDistinct(t *testing.T) {
	d := newTestDeriver(t)
	seed, err := d.SeedFromMnemonic(testMnemonic)
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	seen := make(map[string]uint32)
	for i := uint32(0); i < 8; i++ {
		a, err := d.ChildPublicKey(seed, i)
		if err != nil {
			t.Fatalf("child %d failed: %v", i, err)
		}
		b, err := d.ChildPublicKey(seed, i)
		if err != nil {
			t.Fatalf("child %d second call failed: %v", i, err)
		}
		if a != b {
			t.Fatalf("child %d not stable: %s != %s", i, a, b)
		}
		if len(a) != 66 {
			t.Fatalf("expected 33-byte hex key, got %q", a)
		}
		if prev, dup := seen[a]; dup {
			t.Fatalf("child %d collides with child %d", i, prev)
		}
		seen[a] = i
	}
}

func TestExtendedPublicKeyMatchesBIP32Vector(t *testing.T) {
	d, err := NewDeriver(NetworkBitcoin)
	if err != nil {
		t.Fatalf("new deriver failed: %v", err)
	}
	seed, _ := hex.DecodeString("000102030405060708090a0b0c0d0e0f")
	xpub, err := d.ExtendedPublicKey(seed)
	if err != nil {
		t.Fatalf("xpub failed: %v", err)
	}
	const want = "xpub68Gmy5EdvgibQVfPdqkBBCHxA5htiqg55crXYuXoQRKfDBFA1WEjWgP6LHhwBZeNK1VTsfTFUHCdrfp1bgwQ9xv5ski8PX9rL2dZXvgGDnw"
	if xpub != want {
		t.Fatalf("unexpected m/0' xpub:\n got %s\nwant %s", xpub, want)
	}
}

func TestChildPublicKeyFromXpubMatchesPrivateDerivation(t *testing.T) {
	d := newTestDeriver(t)
	seed, err := d.SeedFromMnemonic(testMnemonic)
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	xpub, err := d.ExtendedPublicKey(seed)
	if err != nil {
		t.Fatalf("xpub failed: %v", err)
	}
	if xpub[:4] != "tpub" {
		t.Fatalf("regtest xpub should use tpub prefix, got %s", xpub[:4])
	}
	for _, idx := range []uint32{0, 1, 42} {
		fromSeed, err := d.ChildPublicKey(seed, idx)
		if err != nil {
			t.Fatalf("child from seed failed: %v", err)
		}
		fromXpub, err := ChildPublicKeyFromXpub(xpub, idx)
		if err != nil {
			t.Fatalf("child from xpub failed: %v", err)
		}
		if fromSeed != fromXpub {
			t.Fatalf("index %d: seed derivation %s != xpub derivation %s", idx, fromSeed, fromXpub)
		}
	}
}

func TestChildPublicKeyFromXpubRejectsPrivateAndHardened(t *testing.T) {
	d := newTestDeriver(t)
	seed, err := d.SeedFromMnemonic(testMnemonic)
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	account, err := d.accountKey(seed)
	if err != nil {
		t.Fatalf("account key failed: %v", err)
	}
	if _, err := ChildPublicKeyFromXpub(account.String(), 0); !errors.Is(err, ErrDerivation) {
		t.Fatalf("expected ErrDerivation for an extended private key, got %v", err)
	}
	xpub, err := d.ExtendedPublicKey(seed)
	if err != nil {
		t.Fatalf("xpub failed: %v", err)
	}
	if _, err := ChildPublicKeyFromXpub(xpub, hdkeychain.HardenedKeyStart); !errors.Is(err, ErrDerivation) {
		t.Fatalf("expected ErrDerivation for hardened index, got %v", err)
	}
	if _, err := d.ChildPublicKey(seed, hdkeychain.HardenedKeyStart+1); !errors.Is(err, ErrDerivation) {
		t.Fatalf("expected ErrDerivation for hardened child, got %v", err)
	}
	if _, err := ChildPublicKeyFromXpub("tpubnotakey", 0); !errors.Is(err, ErrDerivation) {
		t.Fatalf("expected ErrDerivation for garbage xpub, got %v", err)
	}
}

func TestMalformedSeedFailsDerivation(t *testing.T) {
	d := newTestDeriver(t)
	if _, err := d.ExtendedPublicKey([]byte{1, 2, 3}); !errors.Is(err, ErrDerivation) {
		t.Fatalf("expected ErrDerivation, got %v", err)
	}
	if _, err := NewDeriver("moonnet"); !errors.Is(err, ErrDerivation) {
		t.Fatalf("expected ErrDerivation for unknown network, got %v", err)
	}
}

func TestSignTimestampReproducibleAndVerifiable(t *testing.T) {
	d := newTestDeriver(t)
	seed, err := d.SeedFromMnemonic(testMnemonic)
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	xpub, err := d.ExtendedPublicKey(seed)
	if err != nil {
		t.Fatalf("xpub failed: %v", err)
	}
	const ts = "1700000000000"
	sig1, err := d.SignTimestamp(seed, ts)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	sig2, err := d.SignTimestamp(seed, ts)
	if err != nil {
		t.Fatalf("second sign failed: %v", err)
	}
	if sig1 != sig2 {
		t.Fatal("signature over the same timestamp must be reproducible")
	}
	if err := VerifyTimestampSignature(xpub, ts, sig1); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if err := VerifyTimestampSignature(xpub, "1700000000001", sig1); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for other timestamp, got %v", err)
	}
}

func TestSealPeelRoundTripAndWrongRecipient(t *testing.T) {
	d := newTestDeriver(t)
	seed, err := d.SeedFromMnemonic(testMnemonic)
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	pub3, err := d.ChildPublicKey(seed, 3)
	if err != nil {
		t.Fatalf("child failed: %v", err)
	}
	plaintext := []byte(`{"type":10}`)
	env, err := Seal(pub3, plaintext)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	got, err := d.Peel(seed, 3, env)
	if err != nil {
		t.Fatalf("peel failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("peel mismatch: %q", got)
	}

	if _, err := d.Peel(seed, 4, env); !errors.Is(err, ErrPeel) {
		t.Fatalf("expected ErrPeel for other index, got %v", err)
	}
	tampered := append([]byte(nil), env...)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := d.Peel(seed, 3, tampered); !errors.Is(err, ErrPeel) {
		t.Fatalf("expected ErrPeel for tampered envelope, got %v", err)
	}
	if _, err := d.Peel(seed, 3, []byte("short")); !errors.Is(err, ErrPeel) {
		t.Fatalf("expected ErrPeel for short envelope, got %v", err)
	}
}
