package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
network: testnet
alias: alice
broker:
  transport: memory
  port: 8883
  connectTimeout: 3s
  bootstrapNodes:
    - /ip4/127.0.0.1/tcp/60001
router:
  maxConcurrent: 8
keyExchange:
  requestsPerMinute: 12
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Network != "testnet" || cfg.Alias != "alice" {
		t.Fatalf("unexpected top-level config: %+v", cfg)
	}
	if cfg.Broker.Transport != "memory" || cfg.Broker.Port != 8883 || cfg.Broker.ConnectTimeout != 3*time.Second {
		t.Fatalf("unexpected broker config: %+v", cfg.Broker)
	}
	if cfg.Broker.Host != "127.0.0.1" || cfg.Broker.QoS != 1 {
		t.Fatalf("defaults must survive the merge: %+v", cfg.Broker)
	}
	if cfg.Router.MaxConcurrent != 8 || cfg.Router.DedupCapacity != 4096 {
		t.Fatalf("unexpected router config: %+v", cfg.Router)
	}
	if cfg.KeyExchange.RequestsPerMinute != 12 || cfg.KeyExchange.Burst != 5 {
		t.Fatalf("unexpected key exchange config: %+v", cfg.KeyExchange)
	}
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("ONION_BROKER_HOST", "lsp.internal")
	t.Setenv("ONION_BROKER_PORT", "1884")
	t.Setenv("ONION_VAULT_PASSPHRASE", "hunter2")
	t.Setenv("ONION_STORAGE_DRIVER", "memory")

	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("explicit missing config path must fail")
	}
	cfg = Default()
	ApplyEnvOverrides(&cfg)
	if cfg.Broker.Host != "lsp.internal" || cfg.Broker.Port != 1884 {
		t.Fatalf("unexpected broker override: %+v", cfg.Broker)
	}
	if cfg.VaultPassphrase != "hunter2" || cfg.Storage.Driver != StorageMemory {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"network":   func(c *Config) { c.Network = "dogecoin" },
		"transport": func(c *Config) { c.Broker.Transport = "carrier-pigeon" },
		"qos":       func(c *Config) { c.Broker.QoS = 3 },
		"bootstrap": func(c *Config) { c.Broker.BootstrapNodes = []string{"nope"} },
		"storage":   func(c *Config) { c.Storage.Driver = "postgres" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}
