// Package config loads the gateway's YAML configuration file.
package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Limits    LimitsConfig    `yaml:"limits"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Auth      AuthConfig      `yaml:"auth"`
	Audit     AuditConfig     `yaml:"audit"`

	Origins            []string `yaml:"origins"`
	ExposeErrorDetails *bool    `yaml:"exposeErrorDetails"` // nil defaults to true
	BlacklistTTLMs     int      `yaml:"blacklistTtlMs"`
}

type ServerConfig struct {
	Name string `yaml:"name"`
	Port int    `yaml:"port"`
	Env  string `yaml:"env"`
}

type LimitsConfig struct {
	MaxConnectionsPerIP           int `yaml:"maxConnectionsPerIP"`
	MaxSubscriptionsPerConnection int `yaml:"maxSubscriptionsPerConnection"`
	MaxTotalSubscriptions         int `yaml:"maxTotalSubscriptions"`
}

type RateLimitConfig struct {
	MaxRequests int `yaml:"maxRequests"`
	WindowMs    int `yaml:"windowMs"`
}

type HeartbeatConfig struct {
	IntervalMs int `yaml:"intervalMs"`
	TimeoutMs  int `yaml:"timeoutMs"`
}

type AuthConfig struct {
	Mode           string               `yaml:"mode"` // "", "external", "builtin"
	Required       *bool                `yaml:"required"`
	AdminSecret    string               `yaml:"adminSecret"`
	SessionTTLMs   int                  `yaml:"sessionTtlMs"`
	JWTSecret      string               `yaml:"jwtSecret"`
	LoginRateLimit LoginRateLimitConfig `yaml:"loginRateLimit"`
}

type LoginRateLimitConfig struct {
	MaxAttempts int `yaml:"maxAttempts"`
	WindowMs    int `yaml:"windowMs"`
}

type AuditConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Capacity  int    `yaml:"capacity"`
	RedisAddr string `yaml:"redisAddr"`
	RedisList string `yaml:"redisList"`
}

// Required reports the effective auth-required flag: configured auth is
// required unless explicitly turned off.
func (a AuthConfig) IsRequired() bool {
	if a.Required == nil {
		return a.Mode != ""
	}
	return *a.Required
}

// ExposeDetails reports the effective error-detail policy (default true).
func (c *Config) ExposeDetails() bool {
	if c.ExposeErrorDetails == nil {
		return true
	}
	return *c.ExposeErrorDetails
}

func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	if secret := os.Getenv("GATEWAY_ADMIN_SECRET"); secret != "" {
		cfg.Auth.AdminSecret = secret
	}
	if secret := os.Getenv("GATEWAY_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	return &cfg, nil
}
