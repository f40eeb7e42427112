// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TENANTDB_"

// Load reads path (optional), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse expands environment references in data and decodes it over cfg.
// Breaker sections only need the fields they change.
func Parse(data []byte, cfg *Config) error {
	defaults := Default()
	cacheBreaker := cfg.Cache.Breaker
	cfg.Breakers = make(map[string]BreakerConfig)

	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	for key, def := range defaults.Breakers {
		b, ok := cfg.Breakers[key]
		if !ok {
			cfg.Breakers[key] = def
			continue
		}
		cfg.Breakers[key] = b.withDefaults(def)
	}
	cfg.Cache.Breaker = cfg.Cache.Breaker.withDefaults(cacheBreaker)
	return nil
}

func (b BreakerConfig) withDefaults(def BreakerConfig) BreakerConfig {
	if b.FailureThreshold == 0 {
		b.FailureThreshold = def.FailureThreshold
	}
	if b.MinimumRequests == 0 {
		b.MinimumRequests = def.MinimumRequests
	}
	if b.WindowSize == 0 {
		b.WindowSize = def.WindowSize
	}
	if b.Window == 0 {
		b.Window = def.Window
	}
	if b.ResetTimeout == 0 {
		b.ResetTimeout = def.ResetTimeout
	}
	if b.HalfOpenMaxTrials == 0 {
		b.HalfOpenMaxTrials = def.HalfOpenMaxTrials
	}
	if b.CallTimeout == 0 {
		b.CallTimeout = def.CallTimeout
	}
	return b
}

// envVarRegex matches ${VAR_NAME} or $VAR_NAME patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars expands ${VAR}, ${VAR:-default} and $VAR. Undefined
// variables without a default expand to "".
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		defaultVal := ""
		if idx := strings.Index(varName, ":-"); idx != -1 {
			defaultVal = varName[idx+2:]
			varName = varName[:idx]
		}
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultVal
	})
}

func applyEnv(cfg *Config) error {
	var err error
	setString := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	setDuration := func(name string, dst *time.Duration) {
		v := os.Getenv(EnvPrefix + name)
		if v == "" || err != nil {
			return
		}
		d, perr := time.ParseDuration(v)
		if perr != nil {
			err = fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, perr)
			return
		}
		*dst = d
	}

	if v := os.Getenv(EnvPrefix + "PORT"); v != "" {
		port, perr := strconv.Atoi(v)
		if perr != nil {
			return fmt.Errorf("invalid %sPORT: %w", EnvPrefix, perr)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv(EnvPrefix + "CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitList(v)
	}

	if cfg.Platform.DatabaseURL == "" {
		cfg.Platform.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	setString("PLATFORM_DATABASE_URL", &cfg.Platform.DatabaseURL)

	setString("VAULT_SALT", &cfg.Vault.Salt)
	setString("VAULT_SECRET_SOURCE", &cfg.Vault.SecretSource)
	setString("VAULT_SECRET_ENV", &cfg.Vault.SecretEnv)
	setString("VAULT_AWS_REGION", &cfg.Vault.AWSRegion)
	setString("VAULT_AWS_SECRET_ID", &cfg.Vault.AWSSecretID)

	setString("REDIS_URL", &cfg.Cache.RedisURL)
	setDuration("CACHE_TTL", &cfg.Cache.TTL)
	setDuration("CACHE_OP_TIMEOUT", &cfg.Cache.OpTimeout)

	setString("SESSION_SIGNING_KEY", &cfg.Sessions.SigningKey)
	setDuration("SESSION_TTL", &cfg.Sessions.TTL)

	setDuration("ACQUIRE_TIMEOUT", &cfg.AcquireTimeout)
	setDuration("DIAL_TIMEOUT", &cfg.DialTimeout)
	setDuration("HEALTH_INTERVAL", &cfg.Health.Interval)
	return err
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
