// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/tenantdb/connections/base"
	"axonflow/tenantdb/connections/pool"
)

var signingKey = strings.Repeat("k", 32)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenantdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func requiredEnv(t *testing.T) {
	t.Setenv("TENANTDB_VAULT_SALT", "salt")
	t.Setenv("TENANTDB_SESSION_SIGNING_KEY", signingKey)
}

func TestLoad_DefaultsOnly(t *testing.T) {
	requiredEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, pool.Bounds{Min: 0, Max: 5}, cfg.Pools["free"])
	assert.Equal(t, pool.Bounds{Min: 5, Max: 50}, cfg.Pools["enterprise"])
	assert.Equal(t, 2*time.Second, cfg.AcquireTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	require.Contains(t, cfg.Breakers, BreakerKeyValue)
	assert.Equal(t, 50.0, cfg.Breakers[BreakerRelational].FailureThreshold)

	mc := cfg.Manager()
	assert.Equal(t, 50.0, mc.Breakers[base.Relational].FailureThreshold)
	assert.Equal(t, cfg.Breakers[BreakerKeyValue].ResetTimeout, mc.Breakers[base.KeyValue].ResetTimeout)
	assert.True(t, cfg.SessionCache().TouchOnMiss)
}

func TestLoad_FileWithExpansion(t *testing.T) {
	requiredEnv(t)
	t.Setenv("REDIS_HOST", "cache.internal")
	path := writeConfig(t, `
server:
  port: 9090
  cors_origins: ["https://app.example.com"]
pools:
  standard: {min: 4, max: 40}
breakers:
  relational:
    failure_threshold: 40
    reset_timeout: 45s
cache:
  redis_url: redis://${REDIS_HOST}:${REDIS_PORT:-6379}/0
  ttl: 2m
  touch_on_miss: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, pool.Bounds{Min: 4, Max: 40}, cfg.Pools["standard"])
	assert.Equal(t, pool.Bounds{Min: 0, Max: 5}, cfg.Pools["free"], "tiers absent from the file keep their defaults")
	assert.Equal(t, "redis://cache.internal:6379/0", cfg.Cache.RedisURL)
	assert.Equal(t, 2*time.Minute, cfg.SessionCache().TTL)
	assert.False(t, cfg.SessionCache().TouchOnMiss)

	rel := cfg.Breakers[BreakerRelational]
	assert.Equal(t, 40.0, rel.FailureThreshold)
	assert.Equal(t, 45*time.Second, rel.ResetTimeout)
	assert.Equal(t, 10, rel.MinimumRequests, "unset breaker fields keep their defaults")
	assert.Contains(t, cfg.Breakers, BreakerDocument)
}

func TestLoad_EnvironmentWins(t *testing.T) {
	requiredEnv(t)
	t.Setenv("TENANTDB_PORT", "7070")
	t.Setenv("TENANTDB_CACHE_TTL", "90s")
	t.Setenv("TENANTDB_CORS_ORIGINS", "https://a.test, https://b.test")
	t.Setenv("DATABASE_URL", "postgres://fallback/db")
	t.Setenv("TENANTDB_PLATFORM_DATABASE_URL", "postgres://platform:pw@db.internal:5433/platform?sslmode=require")
	path := writeConfig(t, "server:\n  port: 9090\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.Server.CORSOrigins)

	ep, err := cfg.PlatformEndpoint()
	require.NoError(t, err)
	assert.Equal(t, base.Postgres, ep.Engine)
	assert.Equal(t, "db.internal", ep.Host)
	assert.Equal(t, 5433, ep.Port)
	assert.Equal(t, "platform", ep.Database)
	assert.Equal(t, "platform", ep.Username())
	assert.Equal(t, "pw", ep.Password())
	assert.Equal(t, "require", ep.Options["sslmode"])
}

func TestLoad_BadDurationInEnvironment(t *testing.T) {
	requiredEnv(t)
	t.Setenv("TENANTDB_SESSION_TTL", "forever")
	_, err := Load("")
	assert.ErrorContains(t, err, "TENANTDB_SESSION_TTL")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Vault.Salt = "salt"
		cfg.Sessions.SigningKey = signingKey
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"min above max", func(c *Config) { c.Pools["free"] = pool.Bounds{Min: 6, Max: 5} }, "pools.free"},
		{"zero max", func(c *Config) { c.Pools["free"] = pool.Bounds{} }, "max must be positive"},
		{"threshold above 100", func(c *Config) {
			b := c.Breakers[BreakerDocument]
			b.FailureThreshold = 150
			c.Breakers[BreakerDocument] = b
		}, "breakers.document"},
		{"zero threshold", func(c *Config) { c.Cache.Breaker.FailureThreshold = 0 }, "cache.breaker"},
		{"unknown backend type", func(c *Config) { c.Breakers["graph"] = c.Breakers[BreakerRelational] }, "unknown backend type"},
		{"window below volume", func(c *Config) {
			b := c.Breakers[BreakerRelational]
			b.WindowSize = 3
			c.Breakers[BreakerRelational] = b
		}, "window_size"},
		{"short signing key", func(c *Config) { c.Sessions.SigningKey = "short" }, "signing_key"},
		{"missing salt", func(c *Config) { c.Vault.Salt = "" }, "vault.salt"},
		{"aws without secret id", func(c *Config) { c.Vault.SecretSource = SecretFromAWS }, "aws_secret_id"},
		{"unknown secret source", func(c *Config) { c.Vault.SecretSource = "file" }, "secret_source"},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"no acquire timeout", func(c *Config) { c.AcquireTimeout = 0 }, "acquire_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}
