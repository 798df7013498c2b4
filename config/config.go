// Package config loads the arcaded runtime configuration from YAML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the runtime settings for the settlement service.
type Config struct {
	ListenAddress string         `yaml:"listen"`
	Environment   string         `yaml:"environment"`
	LogFile       string         `yaml:"log_file"`
	Database      DatabaseConfig `yaml:"database"`
	Chain         ChainConfig    `yaml:"chain"`
	Indexer       IndexerConfig  `yaml:"indexer"`
	Pool          PoolConfig     `yaml:"pool"`
	Identity      IdentityConfig `yaml:"identity"`
	Notify        NotifyConfig   `yaml:"notify"`
}

// DatabaseConfig describes the Postgres connection. The DSN may be supplied
// inline or through the environment variable named by dsn_env.
type DatabaseConfig struct {
	DSN    string `yaml:"dsn"`
	DSNEnv string `yaml:"dsn_env"`
}

// ChainConfig describes the RPC endpoint and the monitored contracts. The
// operator key is never written in the file; operator_key_env names the
// environment variable that carries it.
type ChainConfig struct {
	RPCURL            string        `yaml:"rpc_url"`
	ChainID           int64         `yaml:"chain_id"`
	OperatorKeyEnv    string        `yaml:"operator_key_env"`
	ArcadeContract    string        `yaml:"arcade_contract"`
	ArcadeStartBlock  uint64        `yaml:"arcade_start_block"`
	PoolContract      string        `yaml:"pool_contract"`
	PoolStartBlock    uint64        `yaml:"pool_start_block"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Confirmations     uint64        `yaml:"confirmations"`
	ReceiptTimeoutSec int           `yaml:"receipt_timeout_seconds"`
	ReceiptTimeout    time.Duration `yaml:"-"`

	resolvedOperatorKey string
}

// IndexerConfig tunes the sync loop.
type IndexerConfig struct {
	PollIntervalSec int           `yaml:"poll_interval_seconds"`
	PollInterval    time.Duration `yaml:"-"`
	BatchSize       uint64        `yaml:"batch_size"`
}

// PoolConfig tunes the shared reward pool.
type PoolConfig struct {
	CapQuarters int64 `yaml:"cap_quarters"`
}

// IdentityConfig points at the verification service that maps FIDs to wallets.
type IdentityConfig struct {
	BaseURL string `yaml:"base_url"`
}

// NotifyConfig tunes the low-balance warning.
type NotifyConfig struct {
	LowTimeThresholdSeconds uint64        `yaml:"low_time_threshold_seconds"`
	RepeatWindowMin         int           `yaml:"repeat_window_minutes"`
	RepeatWindow            time.Duration `yaml:"-"`
}

// OperatorKey returns the hex operator key resolved at load time.
func (c ChainConfig) OperatorKey() string {
	return c.resolvedOperatorKey
}

// Load reads the YAML configuration from disk, applies defaults, and
// resolves secrets referenced through the environment.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := resolveSecrets(&cfg); err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Chain.RequestsPerSecond <= 0 {
		cfg.Chain.RequestsPerSecond = 10
	}
	if cfg.Chain.Confirmations == 0 {
		cfg.Chain.Confirmations = 1
	}
	if cfg.Chain.ReceiptTimeoutSec <= 0 {
		cfg.Chain.ReceiptTimeoutSec = 45
	}
	cfg.Chain.ReceiptTimeout = time.Duration(cfg.Chain.ReceiptTimeoutSec) * time.Second
	if cfg.Indexer.PollIntervalSec <= 0 {
		cfg.Indexer.PollIntervalSec = 15
	}
	cfg.Indexer.PollInterval = time.Duration(cfg.Indexer.PollIntervalSec) * time.Second
	if cfg.Indexer.BatchSize == 0 {
		cfg.Indexer.BatchSize = 500
	}
	if cfg.Pool.CapQuarters <= 0 {
		cfg.Pool.CapQuarters = 2500
	}
	if cfg.Notify.LowTimeThresholdSeconds == 0 {
		cfg.Notify.LowTimeThresholdSeconds = 120
	}
	if cfg.Notify.RepeatWindowMin <= 0 {
		cfg.Notify.RepeatWindowMin = 360
	}
	cfg.Notify.RepeatWindow = time.Duration(cfg.Notify.RepeatWindowMin) * time.Minute
}

func resolveSecrets(cfg *Config) error {
	if env := strings.TrimSpace(cfg.Database.DSNEnv); env != "" {
		value := strings.TrimSpace(os.Getenv(env))
		if value == "" {
			return fmt.Errorf("database dsn env %s is empty", env)
		}
		cfg.Database.DSN = value
	}
	if env := strings.TrimSpace(cfg.Chain.OperatorKeyEnv); env != "" {
		value := strings.TrimSpace(os.Getenv(env))
		if value == "" {
			return fmt.Errorf("operator key env %s is empty", env)
		}
		cfg.Chain.resolvedOperatorKey = value
	}
	return nil
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database dsn is required")
	}
	if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
		return fmt.Errorf("chain rpc_url is required")
	}
	if cfg.Chain.ChainID == 0 {
		return fmt.Errorf("chain chain_id is required")
	}
	if strings.TrimSpace(cfg.Chain.ArcadeContract) == "" {
		return fmt.Errorf("chain arcade_contract is required")
	}
	if cfg.Chain.resolvedOperatorKey == "" {
		return fmt.Errorf("chain operator_key_env is required")
	}
	return nil
}
