// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/stacklok/delegator/pkg/audit"
	"github.com/stacklok/delegator/pkg/errors"
	"github.com/stacklok/delegator/pkg/logger"
	"github.com/stacklok/delegator/pkg/secrets"
)

// EnvPrefix is the prefix of environment variables overriding file values,
// e.g. DELEGATOR_CACHE_ENABLED=false.
const EnvPrefix = "DELEGATOR"

// Load reads the YAML file at path, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.Newf(errors.CodeInvalidConfig, "no configuration file specified")
	}

	v := newViper()
	v.SetConfigFile(filepath.Clean(path))
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.New(errors.CodeInvalidConfig, fmt.Sprintf("failed to read configuration %s", path), err)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Debugw("configuration loaded", "path", path, "issuers", len(cfg.Issuers), "modules", len(cfg.Modules.All()))
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// setDefaults registers every key that may be overridden from the
// environment. Viper only consults the environment for known keys.
func setDefaults(v *viper.Viper) {
	v.SetDefault("development", false)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.ttl", "60s")
	v.SetDefault("cache.max_entries_per_session", 10)
	v.SetDefault("cache.max_total_entries", 1000)
	v.SetDefault("cache.session_timeout", "15m")
	v.SetDefault("cache.cleanup_interval", "1m")

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.sink", audit.SinkLog)
	v.SetDefault("audit.log_file", "")
	v.SetDefault("audit.retention", 10000)
	v.SetDefault("audit.redis.addr", "")
	v.SetDefault("audit.redis.password", "")
	v.SetDefault("audit.redis.stream", "")

	v.SetDefault("jwks.refresh_cooldown", "30s")
	v.SetDefault("jwks.timeout", "10s")
	v.SetDefault("jwks.ca_bundle", "")

	v.SetDefault("token_exchange.timeout", "30s")
	v.SetDefault("token_exchange.ca_bundle", "")

	v.SetDefault("session.require_legacy_username", false)
	v.SetDefault("session.allow_default_role", false)

	v.SetDefault("secrets.keyring_service", secrets.DefaultKeyringService)

	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.metrics_enabled", false)
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.sampling_rate", 0.05)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.New(errors.CodeInvalidConfig, "failed to decode configuration", err)
	}
	return &cfg, nil
}
