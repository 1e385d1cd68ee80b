// Package config loads the node configuration: defaults, then config.yaml,
// then ONION_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"sphinx-onion/go-core/internal/broker"
	"sphinx-onion/go-core/internal/crypto"

	"gopkg.in/yaml.v3"
)

const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
)

type Config struct {
	Network         string
	DataDir         string
	Alias           string
	VaultPassphrase string
	Log             LogConfig
	Broker          BrokerConfig
	Storage         StorageConfig
	Router          RouterConfig
	KeyExchange     KeyExchangeConfig
	Metrics         MetricsConfig
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type BrokerConfig struct {
	Transport      string        `yaml:"transport"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	QoS            int           `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	KeepAlive      time.Duration `yaml:"keepAlive"`
	WakuPort       int           `yaml:"wakuPort"`
	BootstrapNodes []string      `yaml:"bootstrapNodes"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type RouterConfig struct {
	DedupWindow   time.Duration `yaml:"dedupWindow"`
	DedupCapacity int           `yaml:"dedupCapacity"`
	MaxConcurrent int           `yaml:"maxConcurrent"`
}

type KeyExchangeConfig struct {
	RequestsPerMinute float64 `yaml:"requestsPerMinute"`
	Burst             int     `yaml:"burst"`
}

type MetricsConfig struct {
	ListenAddress string `yaml:"listenAddress"`
}

// fileConfig mirrors config.yaml; zero values leave defaults in place.
type fileConfig struct {
	Network     string            `yaml:"network"`
	DataDir     string            `yaml:"dataDir"`
	Alias       string            `yaml:"alias"`
	Log         LogConfig         `yaml:"log"`
	Broker      BrokerConfig      `yaml:"broker"`
	Storage     StorageConfig     `yaml:"storage"`
	Router      RouterConfig      `yaml:"router"`
	KeyExchange KeyExchangeConfig `yaml:"keyExchange"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

func Default() Config {
	return Config{
		Network: crypto.NetworkRegtest,
		DataDir: defaultDataDir(),
		Log:     LogConfig{Level: "info", Format: "json"},
		Broker: BrokerConfig{
			Transport:      broker.TransportMQTT,
			Host:           "127.0.0.1",
			Port:           1883,
			QoS:            1,
			ConnectTimeout: 10 * time.Second,
			KeepAlive:      30 * time.Second,
			WakuPort:       60000,
		},
		Storage:     StorageConfig{Driver: StorageSQLite},
		Router:      RouterConfig{DedupWindow: 10 * time.Minute, DedupCapacity: 4096, MaxConcurrent: 4},
		KeyExchange: KeyExchangeConfig{RequestsPerMinute: 30, Burst: 5},
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".sphinx-onion")
	}
	return ".sphinx-onion"
}

// LoadFromPath reads configPath, or the first default location that exists,
// merges it over Default and applies environment overrides. A missing file
// is not an error; an unreadable or invalid one is.
func LoadFromPath(configPath string) (Config, error) {
	cfg := Default()

	candidates := []string{configPath}
	if configPath == "" {
		candidates = []string{"configs/config.yaml", "config.yaml"}
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && configPath == "" {
				continue
			}
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		Merge(&cfg, parsed)
		break
	}

	ApplyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Merge(dst *Config, src fileConfig) {
	if src.Network != "" {
		dst.Network = src.Network
	}
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.Alias != "" {
		dst.Alias = src.Alias
	}
	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
	}
	if src.Log.Format != "" {
		dst.Log.Format = src.Log.Format
	}

	b := src.Broker
	if b.Transport != "" {
		dst.Broker.Transport = b.Transport
	}
	if b.Host != "" {
		dst.Broker.Host = b.Host
	}
	if b.Port != 0 {
		dst.Broker.Port = b.Port
	}
	if b.QoS != 0 {
		dst.Broker.QoS = b.QoS
	}
	if b.ConnectTimeout != 0 {
		dst.Broker.ConnectTimeout = b.ConnectTimeout
	}
	if b.KeepAlive != 0 {
		dst.Broker.KeepAlive = b.KeepAlive
	}
	if b.WakuPort != 0 {
		dst.Broker.WakuPort = b.WakuPort
	}
	if b.BootstrapNodes != nil {
		dst.Broker.BootstrapNodes = b.BootstrapNodes
	}

	if src.Storage.Driver != "" {
		dst.Storage.Driver = src.Storage.Driver
	}
	if src.Storage.DSN != "" {
		dst.Storage.DSN = src.Storage.DSN
	}
	if src.Router.DedupWindow != 0 {
		dst.Router.DedupWindow = src.Router.DedupWindow
	}
	if src.Router.DedupCapacity != 0 {
		dst.Router.DedupCapacity = src.Router.DedupCapacity
	}
	if src.Router.MaxConcurrent != 0 {
		dst.Router.MaxConcurrent = src.Router.MaxConcurrent
	}
	if src.KeyExchange.RequestsPerMinute != 0 {
		dst.KeyExchange.RequestsPerMinute = src.KeyExchange.RequestsPerMinute
	}
	if src.KeyExchange.Burst != 0 {
		dst.KeyExchange.Burst = src.KeyExchange.Burst
	}
	if src.Metrics.ListenAddress != "" {
		dst.Metrics.ListenAddress = src.Metrics.ListenAddress
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if v := env("ONION_NETWORK"); v != "" {
		cfg.Network = v
	}
	if v := env("ONION_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := env("ONION_ALIAS"); v != "" {
		cfg.Alias = v
	}
	if v := env("ONION_VAULT_PASSPHRASE"); v != "" {
		cfg.VaultPassphrase = v
	}
	if v := env("ONION_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := env("ONION_BROKER_TRANSPORT"); v != "" {
		cfg.Broker.Transport = v
	}
	if v := env("ONION_BROKER_HOST"); v != "" {
		cfg.Broker.Host = v
	}
	if v := env("ONION_BROKER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Broker.Port = port
		}
	}
	if v := env("ONION_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := env("ONION_METRICS_ADDR"); v != "" {
		cfg.Metrics.ListenAddress = v
	}
}

func env(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}

func (c Config) Validate() error {
	if _, err := crypto.NewDeriver(c.Network); err != nil {
		return err
	}
	switch strings.ToLower(c.Broker.Transport) {
	case broker.TransportMQTT, broker.TransportMemory, broker.TransportGoWaku:
	default:
		return fmt.Errorf("unknown broker transport %q", c.Broker.Transport)
	}
	if c.Broker.Port < 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker port %d out of range", c.Broker.Port)
	}
	if c.Broker.QoS < 0 || c.Broker.QoS > 2 {
		return fmt.Errorf("broker qos %d out of range", c.Broker.QoS)
	}
	if _, err := broker.ParseBootstrapNodes(c.Broker.BootstrapNodes); err != nil {
		return err
	}
	switch c.Storage.Driver {
	case StorageMemory, StorageSQLite:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

// SQLiteDSN is the configured DSN or a file in the data directory.
func (c Config) SQLiteDSN() string {
	if c.Storage.DSN != "" {
		return c.Storage.DSN
	}
	return "file:" + filepath.Join(c.DataDir, "onion.db") + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

func (c Config) VaultPath() string {
	return filepath.Join(c.DataDir, "identity.vault")
}
