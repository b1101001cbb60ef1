package config

import (
	"os"
)

import (
	"gopkg.in/yaml.v3"
)

import (
	"github.com/nanjiek/pixiu-gateway/internal/rule"
)

// ServerCfg holds the listen addresses for the two planes.
type ServerCfg struct {
	PublicAddr string `yaml:"publicAddr"` // data plane, e.g. ":8080"
	AdminAddr  string `yaml:"adminAddr"`  // admin plane, loopback-bound, e.g. "127.0.0.1:9090"
}

// RedisCfg holds the shared-state connection settings.
type RedisCfg struct {
	Addr               string   `yaml:"addr"`               // Redis address, e.g. "127.0.0.1:6379"
	Addrs              []string `yaml:"addrs"`              // Optional addresses for cluster mode
	Password           string   `yaml:"password"`           // Redis password
	DB                 int      `yaml:"db"`                 // Redis DB index (single-node only)
	UpdatesChannel     string   `yaml:"updatesChannel"`     // Pub/Sub channel for rule updates
	PoolSize           int      `yaml:"poolSize"`           // Connection pool size
	MinIdleConns       int      `yaml:"minIdleConns"`       // Minimum idle connections
	MaxRetries         int      `yaml:"maxRetries"`         // Command retry count
	ReadTimeoutMs      int      `yaml:"readTimeoutMs"`      // Read timeout (ms)
	WriteTimeoutMs     int      `yaml:"writeTimeoutMs"`     // Write timeout (ms)
	DialTimeoutMs      int      `yaml:"dialTimeoutMs"`      // Dial timeout (ms)
	ConnMaxIdleTimeSec int      `yaml:"connMaxIdleTimeSec"` // Max idle time (sec)
}

// GatewayCfg tunes the data-plane filter chain.
type GatewayCfg struct {
	MaxBodyBytes   int64  `yaml:"maxBodyBytes"`   // write-body capture cap; larger requests get 413
	DefaultTarget  string `yaml:"defaultTarget"`  // upstream when no matched rule names one
	AdminPathGuard string `yaml:"adminPathGuard"` // admin path prefix rejected on the public port
}

// Config is the full bootstrap configuration loaded at startup.
// Runtime-mutable settings live in the system_config hash instead.
type Config struct {
	Server         ServerCfg   `yaml:"server"`
	Redis          RedisCfg    `yaml:"redis"`
	Gateway        GatewayCfg  `yaml:"gateway"`
	BootstrapRules []rule.Rule `yaml:"bootstrapRules"` // seeded into the store on first start, never overwriting
}

const (
	DefaultPublicAddr     = ":8080"
	DefaultAdminAddr      = "127.0.0.1:9090"
	DefaultMaxBodyBytes   = 1 << 20 // 1 MiB
	DefaultAdminPathGuard = "/poormansRateLimit/api/admin/"
)

// Load reads a YAML config file, expanding ${ENV} references first.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	expanded := os.ExpandEnv(string(b))
	var c Config
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	return &c, nil
}

// Default returns a config with built-in defaults, used when no file is given.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Server.PublicAddr == "" {
		c.Server.PublicAddr = DefaultPublicAddr
	}
	if c.Server.AdminAddr == "" {
		c.Server.AdminAddr = DefaultAdminAddr
	}
	if c.Redis.Addr == "" && len(c.Redis.Addrs) == 0 {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Redis.UpdatesChannel == "" {
		c.Redis.UpdatesChannel = "pixiu:rules:updates"
	}
	if c.Gateway.MaxBodyBytes <= 0 {
		c.Gateway.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Gateway.AdminPathGuard == "" {
		c.Gateway.AdminPathGuard = DefaultAdminPathGuard
	}
}
