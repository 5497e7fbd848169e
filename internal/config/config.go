// Package config loads the walletcore configuration from a YAML file and
// applies defaults for anything the file omits.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full daemon configuration.
type Config struct {
	Listen      string   `yaml:"listen"`
	LogLevel    string   `yaml:"logLevel"`
	CORSOrigins []string `yaml:"corsOrigins"`

	Chains  []ChainConfig  `yaml:"chains"`
	RPC     RPCConfig      `yaml:"rpc"`
	Wallets []WalletConfig `yaml:"wallets"`
	Session SessionConfig  `yaml:"session"`
	Store   StoreConfig    `yaml:"store"`
}

// ChainConfig lists the public JSON-RPC endpoints for one chain.
type ChainConfig struct {
	ChainID   uint64   `yaml:"chainId"`
	Name      string   `yaml:"name"`
	Endpoints []string `yaml:"endpoints"`
}

// RPCConfig tunes the resilient RPC client. Duration fields are given as
// strings in the file ("10s", "500ms") and parsed into the companion fields.
type RPCConfig struct {
	RequestTimeoutStr   string `yaml:"requestTimeout"`
	FailureThreshold    int    `yaml:"failureThreshold"`
	CircuitResetStr     string `yaml:"circuitReset"`
	MaxRetries          int    `yaml:"maxRetries"`
	RetryBaseDelayStr   string `yaml:"retryBaseDelay"`
	RetryMaxDelayStr    string `yaml:"retryMaxDelay"`
	DedupTTLStr         string `yaml:"dedupTTL"`

	RequestTimeout time.Duration `yaml:"-"`
	CircuitReset   time.Duration `yaml:"-"`
	RetryBaseDelay time.Duration `yaml:"-"`
	RetryMaxDelay  time.Duration `yaml:"-"`
	DedupTTL       time.Duration `yaml:"-"`
}

// WalletConfig describes one supported wallet app and how to deep-link into
// it during pairing.
type WalletConfig struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Scheme        string `yaml:"scheme"`        // native scheme, e.g. "metamask://"
	UniversalLink string `yaml:"universalLink"` // https fallback
}

// SessionConfig tunes the wallet session manager and health monitor.
type SessionConfig struct {
	RelayURL             string `yaml:"relayUrl"`
	ProjectID            string `yaml:"projectId"`
	RelaySessionPath     string `yaml:"relaySessionPath"`
	ConnectTimeoutStr    string `yaml:"connectTimeout"`
	ProbeIntervalStr     string `yaml:"probeInterval"`
	KeepAliveIntervalStr string `yaml:"keepAliveInterval"`

	ConnectTimeout    time.Duration `yaml:"-"`
	ProbeInterval     time.Duration `yaml:"-"`
	KeepAliveInterval time.Duration `yaml:"-"`
}

// StoreConfig selects the session store backend.
type StoreConfig struct {
	Backend   string `yaml:"backend"` // file | memory | redis
	Path      string `yaml:"path"`
	RedisAddr string `yaml:"redisAddr"`
	RedisDB   int    `yaml:"redisDb"`
}

// Load reads and parses the configuration file, then fills in defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every tunable at its default value
// and no chains configured.
func Default() *Config {
	cfg := &Config{}
	_ = cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() error {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = []string{"*"}
	}

	if c.RPC.RequestTimeoutStr == "" {
		c.RPC.RequestTimeoutStr = "10s"
	}
	if c.RPC.FailureThreshold == 0 {
		c.RPC.FailureThreshold = 3
	}
	if c.RPC.CircuitResetStr == "" {
		c.RPC.CircuitResetStr = "30s"
	}
	if c.RPC.MaxRetries == 0 {
		c.RPC.MaxRetries = 3
	}
	if c.RPC.RetryBaseDelayStr == "" {
		c.RPC.RetryBaseDelayStr = "500ms"
	}
	if c.RPC.RetryMaxDelayStr == "" {
		c.RPC.RetryMaxDelayStr = "5s"
	}
	if c.RPC.DedupTTLStr == "" {
		c.RPC.DedupTTLStr = "1s"
	}

	if c.Session.ConnectTimeoutStr == "" {
		c.Session.ConnectTimeoutStr = "120s"
	}
	if c.Session.ProbeIntervalStr == "" {
		c.Session.ProbeIntervalStr = "2m"
	}
	if c.Session.KeepAliveIntervalStr == "" {
		c.Session.KeepAliveIntervalStr = "30s"
	}
	if c.Session.RelayURL == "" {
		c.Session.RelayURL = "wss://relay.walletconnect.com"
	}
	if c.Session.RelaySessionPath == "" {
		c.Session.RelaySessionPath = "walletcore-relay-session.json"
	}

	if c.Store.Backend == "" {
		c.Store.Backend = "file"
	}
	if c.Store.Path == "" {
		c.Store.Path = "walletcore-session.json"
	}

	if len(c.Wallets) == 0 {
		c.Wallets = DefaultWallets()
	}

	var err error
	parse := func(name, s string) time.Duration {
		if err != nil {
			return 0
		}
		var d time.Duration
		d, err = time.ParseDuration(s)
		if err != nil {
			err = fmt.Errorf("invalid %s duration %q: %w", name, s, err)
		}
		return d
	}

	c.RPC.RequestTimeout = parse("requestTimeout", c.RPC.RequestTimeoutStr)
	c.RPC.CircuitReset = parse("circuitReset", c.RPC.CircuitResetStr)
	c.RPC.RetryBaseDelay = parse("retryBaseDelay", c.RPC.RetryBaseDelayStr)
	c.RPC.RetryMaxDelay = parse("retryMaxDelay", c.RPC.RetryMaxDelayStr)
	c.RPC.DedupTTL = parse("dedupTTL", c.RPC.DedupTTLStr)
	c.Session.ConnectTimeout = parse("connectTimeout", c.Session.ConnectTimeoutStr)
	c.Session.ProbeInterval = parse("probeInterval", c.Session.ProbeIntervalStr)
	c.Session.KeepAliveInterval = parse("keepAliveInterval", c.Session.KeepAliveIntervalStr)
	if err != nil {
		return err
	}

	for _, chain := range c.Chains {
		if chain.ChainID == 0 {
			return fmt.Errorf("chain %q: chainId is required", chain.Name)
		}
		if len(chain.Endpoints) == 0 {
			return fmt.Errorf("chain %d: at least one endpoint is required", chain.ChainID)
		}
	}
	return nil
}

// Chain returns the chain configuration for id, if present.
func (c *Config) Chain(id uint64) (ChainConfig, bool) {
	for _, chain := range c.Chains {
		if chain.ChainID == id {
			return chain, true
		}
	}
	return ChainConfig{}, false
}

// Wallet returns the wallet configuration for id, if present.
func (c *Config) Wallet(id string) (WalletConfig, bool) {
	for _, w := range c.Wallets {
		if w.ID == id {
			return w, true
		}
	}
	return WalletConfig{}, false
}

// DefaultWallets returns the built-in wallet registry used when the config
// file does not define one.
func DefaultWallets() []WalletConfig {
	return []WalletConfig{
		{ID: "metamask", Name: "MetaMask", Scheme: "metamask://wc", UniversalLink: "https://metamask.app.link/wc"},
		{ID: "trust", Name: "Trust Wallet", Scheme: "trust://wc", UniversalLink: "https://link.trustwallet.com/wc"},
		{ID: "rainbow", Name: "Rainbow", Scheme: "rainbow://wc", UniversalLink: "https://rnbwapp.com/wc"},
	}
}
