package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config captures the runtime settings for the lending service daemon.
type Config struct {
	ListenAddress string            `yaml:"listen"`
	Environment   string            `yaml:"environment"`
	LogLevel      string            `yaml:"log_level"`
	DataDir       string            `yaml:"data_dir"`
	ParamsPath    string            `yaml:"params"`
	Chain         ChainConfig       `yaml:"chain"`
	Auth          AuthConfig        `yaml:"auth"`
	Collections   []string          `yaml:"collections"`
	Oracle        OracleConfig      `yaml:"oracle"`
	Watcher       WatcherConfig     `yaml:"watcher"`
	Liquidation   LiquidationConfig `yaml:"liquidation"`
	RateLimit     RateLimitConfig   `yaml:"rate_limit"`
}

// ChainConfig describes the chain endpoint and the signing material for the
// custody and funding accounts.
type ChainConfig struct {
	RPCURL      string `yaml:"rpc_url"`
	ChainID     int64  `yaml:"chain_id"`
	KeyPath     string `yaml:"key"`
	AdminKeyEnv string `yaml:"admin_key_env"`
}

// AuthConfig lists the bearer tokens accepted on administrative endpoints.
type AuthConfig struct {
	APITokens []string `yaml:"api_tokens"`
}

// OracleConfig bounds the floor-price aggregation and lists its feeds.
type OracleConfig struct {
	Feeds           []FeedConfig  `yaml:"feeds"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxQuoteAge     time.Duration `yaml:"max_quote_age"`
	MaxDeviationBps uint64        `yaml:"max_deviation_bps"`
	MinSources      int           `yaml:"min_sources"`
}

// FeedConfig names one HTTP floor-price feed.
type FeedConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// WatcherConfig tunes the on-chain approval watcher. The quota fields bound
// per-borrower originations per epoch; zero disables the bound.
type WatcherConfig struct {
	PollInterval         time.Duration `yaml:"poll_interval"`
	Confirmations        uint64        `yaml:"confirmations"`
	StartBlock           uint64        `yaml:"start_block"`
	MaxLoansPerEpoch     uint32        `yaml:"max_loans_per_epoch"`
	MaxPrincipalPerEpoch uint64        `yaml:"max_principal_per_epoch_wei"`
	QuotaEpochSeconds    uint32        `yaml:"quota_epoch_seconds"`
}

// LiquidationConfig tunes the underwater-position sweep.
type LiquidationConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RateLimitConfig bounds the request rate on the HTTP API.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Load reads the YAML configuration from disk and validates the result.
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

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8440"
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.LogLevel = strings.TrimSpace(cfg.LogLevel)
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	if cfg.DataDir == "" {
		cfg.DataDir = "./lendingd-data"
	}
	cfg.ParamsPath = strings.TrimSpace(cfg.ParamsPath)
	cfg.Chain.normalize()
	cfg.Auth.normalize()

	collections := make([]string, 0, len(cfg.Collections))
	for _, addr := range cfg.Collections {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			collections = append(collections, trimmed)
		}
	}
	cfg.Collections = collections

	cfg.Oracle.normalize()
	cfg.Watcher.normalize()
	cfg.Liquidation.normalize()
	cfg.RateLimit.normalize()
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if err := cfg.Chain.validate(); err != nil {
		return fmt.Errorf("chain: %w", err)
	}
	if err := cfg.Auth.validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	for _, addr := range cfg.Collections {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("collections: %q is not a hex address", addr)
		}
	}
	if err := cfg.Oracle.validate(); err != nil {
		return fmt.Errorf("oracle: %w", err)
	}
	return nil
}

// CollectionAddresses returns the configured collections as parsed addresses.
func (cfg Config) CollectionAddresses() []common.Address {
	out := make([]common.Address, 0, len(cfg.Collections))
	for _, addr := range cfg.Collections {
		out = append(out, common.HexToAddress(addr))
	}
	return out
}

func (cfg *ChainConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.RPCURL = strings.TrimSpace(cfg.RPCURL)
	cfg.KeyPath = strings.TrimSpace(cfg.KeyPath)
	cfg.AdminKeyEnv = strings.TrimSpace(cfg.AdminKeyEnv)
	if cfg.AdminKeyEnv == "" {
		cfg.AdminKeyEnv = "LENDINGD_ADMIN_KEY"
	}
}

func (cfg ChainConfig) validate() error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc_url required")
	}
	if cfg.ChainID <= 0 {
		return fmt.Errorf("chain_id must be positive")
	}
	if cfg.KeyPath == "" {
		return fmt.Errorf("key required")
	}
	return nil
}

func (cfg *AuthConfig) normalize() {
	if cfg == nil {
		return
	}
	tokens := make([]string, 0, len(cfg.APITokens))
	for _, token := range cfg.APITokens {
		if trimmed := strings.TrimSpace(token); trimmed != "" {
			tokens = append(tokens, trimmed)
		}
	}
	cfg.APITokens = tokens
}

func (cfg AuthConfig) validate() error {
	if len(cfg.APITokens) == 0 {
		return fmt.Errorf("at least one api token must be configured")
	}
	return nil
}

func (cfg *OracleConfig) normalize() {
	if cfg == nil {
		return
	}
	feeds := make([]FeedConfig, 0, len(cfg.Feeds))
	for _, feed := range cfg.Feeds {
		feed.Name = strings.TrimSpace(feed.Name)
		feed.URL = strings.TrimSpace(feed.URL)
		if feed.Name == "" && feed.URL == "" {
			continue
		}
		feeds = append(feeds, feed)
	}
	cfg.Feeds = feeds
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.MaxQuoteAge <= 0 {
		cfg.MaxQuoteAge = 5 * time.Minute
	}
	if cfg.MaxDeviationBps == 0 {
		cfg.MaxDeviationBps = 1_000
	}
	if cfg.MinSources <= 0 {
		cfg.MinSources = 1
	}
}

func (cfg OracleConfig) validate() error {
	for _, feed := range cfg.Feeds {
		if feed.Name == "" || feed.URL == "" {
			return fmt.Errorf("feeds require both name and url")
		}
	}
	if len(cfg.Feeds) < cfg.MinSources {
		return fmt.Errorf("min_sources %d exceeds the %d configured feeds", cfg.MinSources, len(cfg.Feeds))
	}
	return nil
}

func (cfg *WatcherConfig) normalize() {
	if cfg == nil {
		return
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 3
	}
}

func (cfg *LiquidationConfig) normalize() {
	if cfg == nil {
		return
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
}

func (cfg *RateLimitConfig) normalize() {
	if cfg == nil {
		return
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
}
