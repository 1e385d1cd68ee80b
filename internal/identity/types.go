package identity

import (
	"log/slog"
)

// Identity is the account root derived from a mnemonic. The seed stays inside
// the struct and is only handed out as a copy.
type Identity struct {
	PublicKey         string
	ExtendedPublicKey string
	seed              []byte
}

func (i Identity) Seed() []byte {
	return append([]byte(nil), i.seed...)
}

func (i Identity) IsZero() bool {
	return i.PublicKey == "" && len(i.seed) == 0
}

func (i Identity) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("pubkey", i.PublicKey),
		slog.String("seed", "[redacted]"),
	)
}

// Credentials authenticate one broker connection attempt. Username is the
// millisecond timestamp the password signs.
type Credentials struct {
	ClientID string
	Username string
	Password string
}

func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("client_id", c.ClientID),
		slog.String("username", c.Username),
		slog.String("password", "[redacted]"),
	)
}
