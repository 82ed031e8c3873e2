// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// DefaultStream is the stream entries are appended to when none is configured.
const DefaultStream = "delegator:audit"

// RedisSink appends entries to a Redis stream, trimming it to a retention length.
type RedisSink struct {
	client    redis.UniversalClient
	stream    string
	retention int64
}

// NewRedisSinkWithClient creates a sink over an existing client. A retention of
// zero or less disables trimming.
func NewRedisSinkWithClient(client redis.UniversalClient, stream string, retention int) *RedisSink {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisSink{
		client:    client,
		stream:    stream,
		retention: int64(retention),
	}
}

// NewRedisSink dials cfg.Addr and verifies the connection.
func NewRedisSink(ctx context.Context, cfg RedisConfig, retention int) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  DefaultDialTimeout,
		WriteTimeout: DefaultWriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return NewRedisSinkWithClient(client, cfg.Stream, retention), nil
}

// Log implements Sink.
func (s *RedisSink) Log(ctx context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"id":     entry.ID,
			"action": entry.Action,
			"entry":  string(data),
		},
	}
	if s.retention > 0 {
		args.MaxLen = s.retention
		args.Approx = false
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
