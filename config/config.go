// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package config loads service configuration from a YAML file, environment
// overrides and defaults, in that order of precedence (environment wins).
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"axonflow/tenantdb/connections/base"
	"axonflow/tenantdb/connections/breaker"
	"axonflow/tenantdb/connections/manager"
	"axonflow/tenantdb/connections/pool"
	"axonflow/tenantdb/sessions"
	"axonflow/tenantdb/sessions/cache"
)

// Backend type keys used in the breakers section.
const (
	BreakerRelational = "relational"
	BreakerDocument   = "document"
	BreakerKeyValue   = "key_value"
)

// Secret sources for the vault.
const (
	SecretFromEnv    = "env"
	SecretFromAWS    = "aws"
	SecretFromStatic = "static"
)

// Config is the full service configuration.
type Config struct {
	Server         ServerConfig             `yaml:"server"`
	Platform       PlatformConfig           `yaml:"platform"`
	Vault          VaultConfig              `yaml:"vault"`
	Pools          map[string]pool.Bounds   `yaml:"pools"`
	AcquireTimeout time.Duration            `yaml:"acquire_timeout"`
	DialTimeout    time.Duration            `yaml:"dial_timeout"`
	Breakers       map[string]BreakerConfig `yaml:"breakers"`
	Cache          CacheConfig              `yaml:"cache"`
	Sessions       SessionConfig            `yaml:"sessions"`
	Health         HealthConfig             `yaml:"health"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

// PlatformConfig points at the platform's own database, which holds
// connection records, sessions and memberships. An empty DatabaseURL runs
// everything in memory.
type PlatformConfig struct {
	DatabaseURL  string     `yaml:"database_url"`
	ConnectionID string     `yaml:"connection_id"`
	Pool         pool.Bounds `yaml:"pool"`
}

// VaultConfig selects where the process secret comes from.
type VaultConfig struct {
	Salt         string `yaml:"salt"`
	SecretSource string `yaml:"secret_source"`
	SecretEnv    string `yaml:"secret_env"`
	StaticSecret string `yaml:"static_secret"`
	AWSRegion    string `yaml:"aws_region"`
	AWSSecretID  string `yaml:"aws_secret_id"`
	AWSField     string `yaml:"aws_field"`
}

// BreakerConfig mirrors breaker.Settings.
type BreakerConfig struct {
	FailureThreshold  float64       `yaml:"failure_threshold"`
	MinimumRequests   int           `yaml:"minimum_requests"`
	WindowSize        int           `yaml:"window_size"`
	Window            time.Duration `yaml:"window"`
	ResetTimeout      time.Duration `yaml:"reset_timeout"`
	HalfOpenMaxTrials int           `yaml:"half_open_max_trials"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
}

// CacheConfig configures the session cache. An empty RedisURL uses an
// in-process cache.
type CacheConfig struct {
	RedisURL    string        `yaml:"redis_url"`
	TTL         time.Duration `yaml:"ttl"`
	OpTimeout   time.Duration `yaml:"op_timeout"`
	TouchOnMiss *bool         `yaml:"touch_on_miss"`
	Breaker     BreakerConfig `yaml:"breaker"`
}

// SessionConfig configures session issue and validation.
type SessionConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	StoreTimeout time.Duration `yaml:"store_timeout"`
	SigningKey   string        `yaml:"signing_key"`
	Issuer       string        `yaml:"issuer"`
}

// HealthConfig configures the periodic connection sweep.
type HealthConfig struct {
	Interval        time.Duration `yaml:"interval"`
	Concurrency     int           `yaml:"concurrency"`
	ProbesPerSecond float64       `yaml:"probes_per_second"`
}

// Default returns a configuration that runs locally without external
// services.
func Default() *Config {
	mc := manager.DefaultConfig()
	cc := cache.DefaultConfig()
	touch := cc.TouchOnMiss

	cfg := &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Platform: PlatformConfig{
			ConnectionID: "platform",
			Pool:         pool.Bounds{Min: 1, Max: 10},
		},
		Vault: VaultConfig{
			SecretSource: SecretFromEnv,
			SecretEnv:    "TENANTDB_VAULT_SECRET",
		},
		Pools:          make(map[string]pool.Bounds, len(mc.Tiers)),
		AcquireTimeout: mc.AcquireTimeout,
		DialTimeout:    mc.DialTimeout,
		Breakers:       make(map[string]BreakerConfig, len(mc.Breakers)),
		Cache: CacheConfig{
			TTL:         cc.TTL,
			OpTimeout:   cc.OpTimeout,
			TouchOnMiss: &touch,
			Breaker:     fromSettings(cc.Breaker),
		},
		Sessions: SessionConfig{
			TTL:          sessions.DefaultTTL,
			StoreTimeout: 2 * time.Second,
			Issuer:       "tenantdb",
		},
		Health: HealthConfig{
			Interval:        30 * time.Second,
			Concurrency:     8,
			ProbesPerSecond: 20,
		},
	}
	for tier, b := range mc.Tiers {
		cfg.Pools[tier] = b
	}
	for t, s := range mc.Breakers {
		cfg.Breakers[breakerKey(t)] = fromSettings(s)
	}
	return cfg
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if len(c.Pools) == 0 {
		return fmt.Errorf("pools: at least one tier is required")
	}
	for tier, b := range c.Pools {
		if err := validBounds(b); err != nil {
			return fmt.Errorf("pools.%s: %w", tier, err)
		}
	}
	if c.Platform.DatabaseURL != "" {
		if _, err := url.Parse(c.Platform.DatabaseURL); err != nil {
			return fmt.Errorf("platform.database_url: %w", err)
		}
		if err := validBounds(c.Platform.Pool); err != nil {
			return fmt.Errorf("platform.pool: %w", err)
		}
	}
	if c.AcquireTimeout <= 0 {
		return fmt.Errorf("acquire_timeout must be positive")
	}
	for key, b := range c.Breakers {
		if _, ok := backendType(key); !ok {
			return fmt.Errorf("breakers.%s: unknown backend type", key)
		}
		if err := b.validate(); err != nil {
			return fmt.Errorf("breakers.%s: %w", key, err)
		}
	}
	if err := c.Cache.Breaker.validate(); err != nil {
		return fmt.Errorf("cache.breaker: %w", err)
	}
	if c.Cache.TTL <= 0 || c.Cache.OpTimeout <= 0 {
		return fmt.Errorf("cache.ttl and cache.op_timeout must be positive")
	}
	if c.Sessions.TTL <= 0 {
		return fmt.Errorf("sessions.ttl must be positive")
	}
	if len(c.Sessions.SigningKey) < sessions.MinSigningKeySize {
		return fmt.Errorf("sessions.signing_key must be at least %d bytes", sessions.MinSigningKeySize)
	}
	if c.Vault.Salt == "" {
		return fmt.Errorf("vault.salt is required")
	}
	switch c.Vault.SecretSource {
	case SecretFromEnv:
		if c.Vault.SecretEnv == "" {
			return fmt.Errorf("vault.secret_env is required for the env source")
		}
	case SecretFromAWS:
		if c.Vault.AWSSecretID == "" {
			return fmt.Errorf("vault.aws_secret_id is required for the aws source")
		}
	case SecretFromStatic:
		if c.Vault.StaticSecret == "" {
			return fmt.Errorf("vault.static_secret is required for the static source")
		}
	default:
		return fmt.Errorf("vault.secret_source %q is not one of env, aws, static", c.Vault.SecretSource)
	}
	if c.Health.Concurrency <= 0 || c.Health.ProbesPerSecond < 0 {
		return fmt.Errorf("health.concurrency must be positive and health.probes_per_second non-negative")
	}
	return nil
}

func validBounds(b pool.Bounds) error {
	if b.Max <= 0 {
		return fmt.Errorf("max must be positive")
	}
	if b.Min < 0 || b.Min > b.Max {
		return fmt.Errorf("min %d must be between 0 and max %d", b.Min, b.Max)
	}
	return nil
}

func (b BreakerConfig) validate() error {
	if b.FailureThreshold <= 0 || b.FailureThreshold > 100 {
		return fmt.Errorf("failure_threshold %.1f must be in (0, 100]", b.FailureThreshold)
	}
	if b.MinimumRequests < 1 {
		return fmt.Errorf("minimum_requests must be at least 1")
	}
	if b.WindowSize > 0 && b.WindowSize < b.MinimumRequests {
		return fmt.Errorf("window_size %d is smaller than minimum_requests %d", b.WindowSize, b.MinimumRequests)
	}
	if b.ResetTimeout <= 0 {
		return fmt.Errorf("reset_timeout must be positive")
	}
	return nil
}

// Settings converts b for the breaker package.
func (b BreakerConfig) Settings() breaker.Settings {
	return breaker.Settings{
		FailureThreshold:  b.FailureThreshold,
		MinimumRequests:   b.MinimumRequests,
		WindowSize:        b.WindowSize,
		Window:            b.Window,
		ResetTimeout:      b.ResetTimeout,
		HalfOpenMaxTrials: b.HalfOpenMaxTrials,
		CallTimeout:       b.CallTimeout,
	}
}

func fromSettings(s breaker.Settings) BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  s.FailureThreshold,
		MinimumRequests:   s.MinimumRequests,
		WindowSize:        s.WindowSize,
		Window:            s.Window,
		ResetTimeout:      s.ResetTimeout,
		HalfOpenMaxTrials: s.HalfOpenMaxTrials,
		CallTimeout:       s.CallTimeout,
	}
}

func breakerKey(t base.BackendType) string {
	if t == base.KeyValue {
		return BreakerKeyValue
	}
	return string(t)
}

func backendType(key string) (base.BackendType, bool) {
	switch key {
	case BreakerRelational:
		return base.Relational, true
	case BreakerDocument:
		return base.Document, true
	case BreakerKeyValue:
		return base.KeyValue, true
	}
	return "", false
}

// Manager returns the connection manager configuration.
func (c *Config) Manager() manager.Config {
	mc := manager.Config{
		Tiers:          make(map[string]pool.Bounds, len(c.Pools)),
		AcquireTimeout: c.AcquireTimeout,
		DialTimeout:    c.DialTimeout,
		Breakers:       make(map[base.BackendType]breaker.Settings, len(c.Breakers)),
	}
	for tier, b := range c.Pools {
		mc.Tiers[tier] = b
	}
	for key, b := range c.Breakers {
		if t, ok := backendType(key); ok {
			mc.Breakers[t] = b.Settings()
		}
	}
	return mc
}

// SessionCache returns the session cache configuration.
func (c *Config) SessionCache() cache.Config {
	cc := cache.Config{
		TTL:       c.Cache.TTL,
		OpTimeout: c.Cache.OpTimeout,
		Breaker:   c.Cache.Breaker.Settings(),
	}
	if c.Cache.TouchOnMiss != nil {
		cc.TouchOnMiss = *c.Cache.TouchOnMiss
	}
	return cc
}

// PlatformEndpoint converts Platform.DatabaseURL into an endpoint for the
// connection manager.
func (c *Config) PlatformEndpoint() (base.Endpoint, error) {
	u, err := url.Parse(c.Platform.DatabaseURL)
	if err != nil {
		return base.Endpoint{}, fmt.Errorf("parse platform database url: %w", err)
	}
	ep := base.Endpoint{
		Engine:      base.Engine(u.Scheme),
		Host:        u.Hostname(),
		Database:    trimSlash(u.Path),
		Credentials: make(map[string]string),
		Options:     make(map[string]string),
		DialTimeout: c.DialTimeout,
	}
	if ep.Engine == "postgresql" {
		ep.Engine = base.Postgres
	}
	if p := u.Port(); p != "" {
		if ep.Port, err = strconv.Atoi(p); err != nil {
			return base.Endpoint{}, fmt.Errorf("parse platform database port: %w", err)
		}
	}
	if u.User != nil {
		ep.Credentials["username"] = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			ep.Credentials["password"] = pw
		}
	}
	for k, v := range u.Query() {
		if len(v) > 0 {
			ep.Options[k] = v[0]
		}
	}
	return ep, nil
}

func trimSlash(p string) string {
	if len(p) > 0 && p[0] == '/' {
		return p[1:]
	}
	return p
}
