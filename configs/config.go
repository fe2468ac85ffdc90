// Package configs loads the copytrader's configuration: a YAML file for
// structural settings and environment variables for secrets, mirroring
// the teacher's config.yml+ENC_PK/KEY split.
package configs

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Endpoints is spec.md §6's HELIUS_ENDPOINTS group: one RPC client dials
// all four roles against (possibly) distinct URLs.
type Endpoints struct {
	RPC    string `yaml:"rpc"`
	WS     string `yaml:"ws"`
	Stream string `yaml:"stream"`
	Sender string `yaml:"sender"`
}

// JanitorYAMLData configures a single price-cache janitor instance.
type JanitorYAMLData struct {
	MarketCapThreshold float64 `yaml:"mcapThreshold"`
	GraceMS            int     `yaml:"graceMs"`
}

// LeaderEndpoint maps one slot leader identity to its direct submission
// endpoint, C3's static leader->endpoint table.
type LeaderEndpoint struct {
	Leader   string `yaml:"leader"`
	Endpoint string `yaml:"endpoint"`
}

// Config is the entire YAML-sourced configuration structure.
type Config struct {
	HeliusEndpoints Endpoints `yaml:"heliusEndpoints"`

	MinBuyNative           string `yaml:"minBuyNative"`           // base units, default "1000000" (0.001 native at 9 decimals)
	MaxAgeSeconds          int    `yaml:"maxAgeSeconds"`          // default 30
	DefaultJitoTipLamports uint64 `yaml:"defaultJitoTipLamports"` // default 10000
	JitoTipAccount         string `yaml:"jitoTipAccount"`         // base58 pubkey; empty disables the tip instruction
	WorkerPoolSize         int    `yaml:"workerPoolSize"`         // default 32
	SlotDurationMS         int    `yaml:"slotDurationMs"`         // default 400

	Janitor JanitorYAMLData `yaml:"janitor"`

	LeaderEndpoints []LeaderEndpoint `yaml:"leaderEndpoints"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDb"`

	MySQLDSN string `yaml:"mysqlDsn"`
}

// LoadConfig reads and parses a YAML config file, same shape as the
// teacher's LoadConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

// Default returns spec.md §6's documented defaults, overridden field by
// field by whatever the YAML file sets.
func Default() *Config {
	return &Config{
		MinBuyNative:           "1000000",
		MaxAgeSeconds:          30,
		DefaultJitoTipLamports: 10_000,
		WorkerPoolSize:         32,
		SlotDurationMS:         400,
		RedisDB:                0,
	}
}

// MaxAge converts the YAML seconds field into a time.Duration for
// internal/filter.Config.
func (c *Config) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeSeconds) * time.Second
}

// SlotDuration converts the YAML milliseconds field for internal/filter
// and internal/leader's age-from-slot arithmetic.
func (c *Config) SlotDuration() time.Duration {
	return time.Duration(c.SlotDurationMS) * time.Millisecond
}

// JanitorGrace converts the YAML milliseconds field for internal/state's
// price-cache janitor.
func (c *Config) JanitorGrace() time.Duration {
	return time.Duration(c.Janitor.GraceMS) * time.Millisecond
}

// Secrets holds the one process-wide value that never belongs in a YAML
// file on disk: the wallet-encryption key (teacher precedent: ENC_PK/KEY
// read via os.Getenv, never from config.yml).
type Secrets struct {
	WalletEncryptionKey []byte
}

// LoadSecrets reads WALLET_ENCRYPTION_KEY from the environment, loading
// a `.env` file first if present (teacher precedent: the key is fetched
// with a bare os.Getenv and a panic-worthy check if unset).
func LoadSecrets() (*Secrets, error) {
	_ = godotenv.Load()

	raw := os.Getenv("WALLET_ENCRYPTION_KEY")
	if raw == "" {
		return nil, fmt.Errorf("configs: WALLET_ENCRYPTION_KEY not set")
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("configs: WALLET_ENCRYPTION_KEY must be exactly 32 bytes, got %d", len(raw))
	}
	return &Secrets{WalletEncryptionKey: []byte(raw)}, nil
}
