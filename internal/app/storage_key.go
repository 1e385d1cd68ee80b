package app

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"sphinx-onion/go-core/internal/securestore"
)

const (
	vaultKeyFile   = "vault.key"
	vaultFile      = "identity.vault"
	environmentEnv = "ONION_ENV"
)

var (
	ErrVaultPassphraseRequired = errors.New("vault passphrase is required for existing data")
	ErrInsecureVaultKeyMode    = errors.New("generated vault key files are forbidden in production")
)

// VaultPassphrase returns the configured passphrase, else the one kept in
// <dataDir>/vault.key, generating that file on first run.
func VaultPassphrase(dataDir, configured string) (string, error) {
	if secret := strings.TrimSpace(configured); secret != "" {
		return secret, nil
	}
	keyPath := filepath.Join(dataDir, vaultKeyFile)
	existing, err := os.ReadFile(keyPath)
	if err == nil {
		if secret := strings.TrimSpace(string(existing)); secret != "" {
			return secret, nil
		}
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	if isProductionEnv() {
		return "", fmt.Errorf("%w: set ONION_VAULT_PASSPHRASE", ErrInsecureVaultKeyMode)
	}
	if info, err := os.Stat(filepath.Join(dataDir, vaultFile)); err == nil && info.Size() > 0 {
		return "", fmt.Errorf("%w: %s exists without %s", ErrVaultPassphraseRequired, vaultFile, vaultKeyFile)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	secret := base64.RawStdEncoding.EncodeToString(buf)
	if err := securestore.WriteFileAtomic(keyPath, []byte(secret)); err != nil {
		return "", err
	}
	return secret, nil
}

func isProductionEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(environmentEnv))) {
	case "prod", "production":
		return true
	default:
		return false
	}
}
