// Package config defines all configuration for the subscription client.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via POLY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults applied when the corresponding field is absent from the file.
const (
	DefaultCLOBBaseURL  = "https://clob.polymarket.com"
	DefaultGammaBaseURL = "https://gamma-api.polymarket.com"
	DefaultWSMarketURL  = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	DefaultWSUserURL    = "wss://ws-subscriptions-clob.polymarket.com/ws/user"

	DefaultMaxMarketsPerWS   = 100
	DefaultReconnectInterval = 10 * time.Second
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Wallet  WalletConfig  `mapstructure:"wallet"`
	API     APIConfig     `mapstructure:"api"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// WalletConfig holds the optional Ethereum wallet used to derive L2 API
// credentials via L1 (EIP-712) auth. Leave empty when api.api_key etc. are
// supplied directly, or when only the public market channel is used.
type WalletConfig struct {
	PrivateKey string `mapstructure:"private_key"`
	ChainID    int    `mapstructure:"chain_id"`
}

// APIConfig holds Polymarket endpoints and optional pre-derived L2 credentials.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	WSUserURL    string `mapstructure:"ws_user_url"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// FeedConfig tunes the WebSocket subscription layer.
//
//   - MaxMarketsPerWS: capacity limit per market-channel connection; asset
//     sets larger than this are sharded across connections.
//   - ReconnectInterval: period of the reconnect-and-cleanup tick that
//     revives DEAD/PENDING groups and removes retired ones.
type FeedConfig struct {
	MaxMarketsPerWS   int           `mapstructure:"max_markets_per_ws"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_API_KEY, POLY_API_SECRET, POLY_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("api.clob_base_url", DefaultCLOBBaseURL)
	v.SetDefault("api.gamma_base_url", DefaultGammaBaseURL)
	v.SetDefault("api.ws_market_url", DefaultWSMarketURL)
	v.SetDefault("api.ws_user_url", DefaultWSUserURL)
	v.SetDefault("feed.max_markets_per_ws", DefaultMaxMarketsPerWS)
	v.SetDefault("feed.reconnect_interval", DefaultReconnectInterval)
	v.SetDefault("wallet.chain_id", 137)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.API.WSMarketURL == "" {
		return fmt.Errorf("api.ws_market_url is required")
	}
	if c.API.WSUserURL == "" {
		return fmt.Errorf("api.ws_user_url is required")
	}
	if c.Feed.MaxMarketsPerWS <= 0 {
		return fmt.Errorf("feed.max_markets_per_ws must be > 0")
	}
	if c.Feed.ReconnectInterval <= 0 {
		return fmt.Errorf("feed.reconnect_interval must be > 0")
	}
	if c.Wallet.PrivateKey != "" && c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required when wallet.private_key is set (137 for mainnet)")
	}
	return nil
}
