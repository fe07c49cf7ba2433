// Package config provides the configuration schema and loading for the
// key service. Configuration comes from a YAML file plus KEYMINT_*
// environment overrides; every field has a working default so the
// service starts with an empty config in dev mode.
package config

import (
	"time"
)

// Config is the top-level configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Store configures the Redis backend and its two principals.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Admin configures the shared-secret gate on admin endpoints.
	Admin AdminConfig `yaml:"admin" mapstructure:"admin"`

	// Rate configures the per-key fixed-window limiter.
	Rate RateConfig `yaml:"rate" mapstructure:"rate"`

	// Verifier configures the Argon2id hashing cost.
	Verifier VerifierConfig `yaml:"verifier" mapstructure:"verifier"`

	// DevMode switches to the in-memory store and verbose logging.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server listener.
type ServerConfig struct {
	// Addr is the listen address. Default binds localhost only.
	Addr string `yaml:"addr" mapstructure:"addr"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	// RequestTimeout is the per-request deadline, e.g. "5s".
	RequestTimeout string `yaml:"request_timeout" mapstructure:"request_timeout" validate:"omitempty,duration"`
}

// PrincipalConfig is one set of store credentials. The backend enforces
// what each principal may do; the service only routes operations to the
// right pool.
type PrincipalConfig struct {
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
}

// StoreConfig configures the Redis backend.
type StoreConfig struct {
	// Host empty means no backend: dev mode uses the in-memory store,
	// any other mode refuses to start.
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port" validate:"omitempty,min=1,max=65535"`
	DB       int    `yaml:"db" mapstructure:"db" validate:"min=0"`
	PoolSize int    `yaml:"pool_size" mapstructure:"pool_size" validate:"min=0"`

	// Validator is the read-mostly principal the validation pipeline
	// uses; Manager is the admin principal that may create and disable.
	Validator PrincipalConfig `yaml:"validator" mapstructure:"validator"`
	Manager   PrincipalConfig `yaml:"manager" mapstructure:"manager"`
}

// AdminConfig configures the admin gate.
type AdminConfig struct {
	// SharedSecret gates the admin endpoints. Empty disables them:
	// admin routes answer 503 rather than running ungated.
	SharedSecret string `yaml:"shared_secret" mapstructure:"shared_secret"`
}

// RateConfig configures the fixed-window limiter.
type RateConfig struct {
	// RequestsPerMinute is the per-key admission threshold.
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute" validate:"min=0"`
	// CounterTTLSeconds is the expiry on window counters. Must exceed
	// the 60s window and stay within 300s.
	CounterTTLSeconds int `yaml:"counter_ttl_seconds" mapstructure:"counter_ttl_seconds" validate:"omitempty,gt=60,lte=300"`
}

// VerifierConfig configures Argon2id. Zero fields take the production
// defaults; lowering them is for tests only.
type VerifierConfig struct {
	TimeCost    int `yaml:"time_cost" mapstructure:"time_cost" validate:"min=0"`
	MemoryKiB   int `yaml:"memory_kib" mapstructure:"memory_kib" validate:"min=0"`
	Parallelism int `yaml:"parallelism" mapstructure:"parallelism" validate:"min=0,max=255"`
}

// SetDefaults applies defaults to unset fields.
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.RequestTimeout == "" {
		c.Server.RequestTimeout = "5s"
	}

	if c.Store.Port == 0 {
		c.Store.Port = 6379
	}
	if c.Store.PoolSize == 0 {
		c.Store.PoolSize = 10
	}

	if c.Rate.RequestsPerMinute == 0 {
		c.Rate.RequestsPerMinute = 100
	}
	if c.Rate.CounterTTLSeconds == 0 {
		c.Rate.CounterTTLSeconds = 120
	}

	if c.Verifier.TimeCost == 0 {
		c.Verifier.TimeCost = 3
	}
	if c.Verifier.MemoryKiB == 0 {
		c.Verifier.MemoryKiB = 64 * 1024
	}
	if c.Verifier.Parallelism == 0 {
		c.Verifier.Parallelism = 1
	}
}

// SetDevDefaults applies dev-mode relaxations. Called after CLI flags
// may have flipped DevMode.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	if c.Server.LogLevel == "info" {
		c.Server.LogLevel = "debug"
	}
}

// RequestTimeoutDuration returns the parsed request timeout. Validate
// guarantees the field parses.
func (c *Config) RequestTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Server.RequestTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// CounterTTL returns the counter expiry as a duration.
func (c *Config) CounterTTL() time.Duration {
	return time.Duration(c.Rate.CounterTTLSeconds) * time.Second
}
