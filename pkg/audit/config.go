// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/stacklok/delegator/pkg/errors"
)

// Sink kinds accepted by Config.Sink.
const (
	SinkLog    = "log"
	SinkMemory = "memory"
	SinkRedis  = "redis"
)

// Config represents the audit configuration.
type Config struct {
	// Enabled turns auditing on. When false every entry goes to a NopSink.
	Enabled bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	// Sink selects where entries go: "log" (default), "memory" or "redis".
	Sink string `json:"sink,omitempty" yaml:"sink,omitempty" mapstructure:"sink"`
	// LogFile is the file the log sink appends to. Empty means stdout.
	LogFile string `json:"log_file,omitempty" yaml:"log_file,omitempty" mapstructure:"log_file"`
	// Retention is the number of entries kept by the memory and redis sinks.
	Retention int `json:"retention,omitempty" yaml:"retention,omitempty" mapstructure:"retention"`
	// Redis configures the redis sink.
	Redis RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty" mapstructure:"redis"`
}

// RedisConfig holds the redis sink connection settings.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr" mapstructure:"addr"`
	Username string `json:"username,omitempty" yaml:"username,omitempty" mapstructure:"username"`
	Password string `json:"-" yaml:"password,omitempty" mapstructure:"password"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty" mapstructure:"db"`
	Stream   string `json:"stream,omitempty" yaml:"stream,omitempty" mapstructure:"stream"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}
	switch c.Sink {
	case "", SinkLog, SinkMemory:
	case SinkRedis:
		if c.Redis.Addr == "" {
			return errors.Newf(errors.CodeInvalidConfig, "audit redis sink requires an address")
		}
	default:
		return errors.Newf(errors.CodeInvalidConfig, "unknown audit sink %q", c.Sink)
	}
	if c.Retention < 0 {
		return errors.Newf(errors.CodeInvalidConfig, "audit retention must not be negative")
	}
	return nil
}

// NewSink builds the sink described by cfg. A nil or disabled config yields NopSink.
func NewSink(ctx context.Context, cfg *Config) (Sink, error) {
	if cfg == nil || !cfg.Enabled {
		return NopSink{}, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Sink {
	case SinkMemory:
		return NewMemorySink(cfg.Retention), nil
	case SinkRedis:
		return NewRedisSink(ctx, cfg.Redis, cfg.Retention)
	default:
		if cfg.LogFile == "" {
			return NewSlogSink(os.Stdout), nil
		}
		file, err := os.OpenFile(filepath.Clean(cfg.LogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file %s: %w", cfg.LogFile, err)
		}
		s := NewSlogSink(file)
		s.closer = file
		return s, nil
	}
}
