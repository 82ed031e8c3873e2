// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package cache stores delegation tokens per requestor session, encrypted with
// a per-session key and bound to the exact requestor token that created them.
package cache

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/stacklok/delegator/pkg/audit"
	"github.com/stacklok/delegator/pkg/errors"
	"github.com/stacklok/delegator/pkg/logger"
	"github.com/stacklok/delegator/pkg/sessionstore"
)

const (
	// DefaultTTL caps the lifetime of a cached delegation token.
	DefaultTTL = 60 * time.Second

	sessionKeyDomain = "delegator/cache/session\x00"
	aadDomain        = "delegator/cache/aad\x00"

	// entryOverhead approximates per-entry bookkeeping for memory estimates.
	entryOverhead = 96
)

// Config configures the cache.
type Config struct {
	Enabled              bool          `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	TTL                  time.Duration `json:"ttl,omitempty" yaml:"ttl,omitempty" mapstructure:"ttl"`
	MaxEntriesPerSession int           `json:"max_entries_per_session,omitempty" yaml:"max_entries_per_session,omitempty" mapstructure:"max_entries_per_session"`
	MaxTotalEntries      int           `json:"max_total_entries,omitempty" yaml:"max_total_entries,omitempty" mapstructure:"max_total_entries"`
	SessionTimeout       time.Duration `json:"session_timeout,omitempty" yaml:"session_timeout,omitempty" mapstructure:"session_timeout"`
	CleanupInterval      time.Duration `json:"cleanup_interval,omitempty" yaml:"cleanup_interval,omitempty" mapstructure:"cleanup_interval"`
}

// Validate checks the configuration for negative bounds.
func (c *Config) Validate() error {
	if c.TTL < 0 || c.SessionTimeout < 0 {
		return errors.Newf(errors.CodeInvalidConfig, "cache durations must not be negative")
	}
	if c.MaxEntriesPerSession < 0 || c.MaxTotalEntries < 0 {
		return errors.Newf(errors.CodeInvalidConfig, "cache capacity limits must not be negative")
	}
	return nil
}

// Metrics is a snapshot of cache counters.
type Metrics struct {
	Hits               int64 `json:"hits"`
	Misses             int64 `json:"misses"`
	DecryptionFailures int64 `json:"decryption_failures"`
	Evictions          int64 `json:"evictions"`
	ActiveSessions     int   `json:"active_sessions"`
	TotalEntries       int   `json:"total_entries"`
	MemoryUsageBytes   int64 `json:"memory_usage_bytes"`
}

type sessionState struct {
	aead   cipher.AEAD
	userID string
}

// Cache is the encrypted delegation token cache. A disabled cache is a no-op.
type Cache struct {
	enabled bool
	ttl     time.Duration
	now     func() time.Time
	sink    audit.Sink
	store   *sessionstore.Store[*sessionState, []byte]

	hits               atomic.Int64
	misses             atomic.Int64
	decryptionFailures atomic.Int64
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	sink audit.Sink
	now  func() time.Time
}

// WithAuditSink sets the sink cache invalidation events are emitted to.
func WithAuditSink(s audit.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates a cache. When cfg.Enabled is false the returned cache ignores
// every call.
func New(cfg Config, opts ...Option) *Cache {
	o := &options{sink: audit.NopSink{}, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	if o.sink == nil {
		o.sink = audit.NopSink{}
	}

	c := &Cache{enabled: cfg.Enabled, ttl: cfg.TTL, now: o.now, sink: o.sink}
	if !c.enabled {
		return c
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}

	c.store = sessionstore.New[*sessionState, []byte](
		sessionstore.Config{
			MaxEntriesPerSession: cfg.MaxEntriesPerSession,
			MaxTotalEntries:      cfg.MaxTotalEntries,
			SessionTimeout:       cfg.SessionTimeout,
			CleanupInterval:      cfg.CleanupInterval,
		},
		sessionstore.WithClock[*sessionState, []byte](o.now),
		sessionstore.WithSizer[*sessionState, []byte](func(v []byte) int { return len(v) + entryOverhead }),
		sessionstore.WithOnSessionClose[*sessionState, []byte](func(key string, _ *sessionState) {
			logger.Debugw("cache session closed", "session", shortKey(key))
		}),
	)
	return c
}

// Enabled reports whether the cache stores anything.
func (c *Cache) Enabled() bool {
	return c != nil && c.enabled
}

// SessionKey derives the deterministic session key for requestorToken.
func SessionKey(requestorToken string) string {
	sum := sha256.Sum256([]byte(sessionKeyDomain + requestorToken))
	return hex.EncodeToString(sum[:])
}

// ActivateSession returns the session key for requestorToken, creating the
// session and its encryption key on first use. It returns "" when the cache
// is disabled or the token is empty.
func (c *Cache) ActivateSession(requestorToken, userID string) string {
	if !c.Enabled() || requestorToken == "" {
		return ""
	}

	key := SessionKey(requestorToken)
	var initErr error
	state, created := c.store.Activate(key, func() *sessionState {
		aead, err := newSessionAEAD()
		if err != nil {
			initErr = err
			return nil
		}
		return &sessionState{aead: aead, userID: userID}
	})
	if initErr != nil || state == nil {
		logger.Errorw("failed to create cache session key", "error", initErr)
		c.store.ClearSession(key)
		return ""
	}
	if created {
		logger.Debugw("cache session activated", "session", shortKey(key), "user_id", userID)
	}
	return key
}

func newSessionAEAD() (cipher.AEAD, error) {
	key := make([]byte, 32)
	defer clear(key)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Set encrypts delegationToken under entryKey. The ciphertext is bound to
// requestorToken. Entries already expired are not cached.
func (c *Cache) Set(sessionKey, entryKey, delegationToken, requestorToken string, expiresAt time.Time) error {
	if !c.Enabled() || sessionKey == "" {
		return nil
	}

	now := c.now()
	effective := now.Add(c.ttl)
	if !expiresAt.IsZero() {
		if !expiresAt.After(now) {
			return nil
		}
		if expiresAt.Before(effective) {
			effective = expiresAt
		}
	}

	state, ok := c.store.State(sessionKey)
	if !ok || state == nil || state.aead == nil {
		return sessionstore.ErrSessionNotFound
	}

	nonce := make([]byte, state.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := state.aead.Seal(nonce, nonce, []byte(delegationToken), additionalData(requestorToken, sessionKey, entryKey))

	return c.store.Set(sessionKey, entryKey, sealed, effective)
}

// Get returns the delegation token stored under entryKey if requestorToken is
// the token it was stored with. It never fails: absence, expiry and
// decryption failure all report a miss. An entry that fails to decrypt is
// removed.
func (c *Cache) Get(ctx context.Context, sessionKey, entryKey, requestorToken string) (string, bool) {
	if !c.Enabled() || sessionKey == "" {
		return "", false
	}

	state, ok := c.store.State(sessionKey)
	if !ok || state == nil || state.aead == nil {
		c.misses.Add(1)
		return "", false
	}
	item, ok := c.store.Get(sessionKey, entryKey)
	if !ok {
		c.misses.Add(1)
		return "", false
	}

	ns := state.aead.NonceSize()
	if len(item.Value) < ns {
		c.invalidated(ctx, sessionKey, state, entryKey, "ciphertext too short")
		return "", false
	}
	plain, err := state.aead.Open(nil, item.Value[:ns], item.Value[ns:], additionalData(requestorToken, sessionKey, entryKey))
	if err != nil {
		c.invalidated(ctx, sessionKey, state, entryKey, "requestor token does not match")
		return "", false
	}

	c.hits.Add(1)
	return string(plain), true
}

// invalidated drops an entry that failed to decrypt and records the failure.
func (c *Cache) invalidated(ctx context.Context, sessionKey string, state *sessionState, entryKey, reason string) {
	c.store.Delete(sessionKey, entryKey)
	c.decryptionFailures.Add(1)
	logger.Debugw("cache entry could not be decrypted", "entry", entryKey, "reason", reason)

	err := errors.Newf(errors.CodeCacheInvalidation, "%s", reason)
	entry := audit.NewEntry(audit.SourceCache, errors.CodeCacheInvalidation, state.userID).
		Failed(err).
		WithReason(errors.CodeCacheInvalidation).
		WithMetadata("entry_key", entryKey)
	audit.Emit(ctx, c.sink, entry)
}

// Heartbeat marks the session as active. Unknown or empty keys are ignored.
func (c *Cache) Heartbeat(sessionKey string) {
	if !c.Enabled() || sessionKey == "" {
		return
	}
	c.store.Heartbeat(sessionKey)
}

// ClearSession removes the session and destroys its encryption key.
func (c *Cache) ClearSession(sessionKey string) {
	if !c.Enabled() || sessionKey == "" {
		return
	}
	c.store.ClearSession(sessionKey)
}

// Sweep removes idle sessions and expired entries.
func (c *Cache) Sweep() {
	if !c.Enabled() {
		return
	}
	c.store.Sweep()
}

// Metrics returns a snapshot of the cache counters.
func (c *Cache) Metrics() Metrics {
	if !c.Enabled() {
		return Metrics{}
	}
	sm := c.store.Metrics()
	return Metrics{
		Hits:               c.hits.Load(),
		Misses:             c.misses.Load(),
		DecryptionFailures: c.decryptionFailures.Load(),
		Evictions:          sm.Evictions,
		ActiveSessions:     sm.ActiveSessions,
		TotalEntries:       sm.TotalEntries,
		MemoryUsageBytes:   sm.SizeBytes,
	}
}

// Close stops the sweeper and destroys every session.
func (c *Cache) Close() {
	if !c.Enabled() {
		return
	}
	c.store.Close()
}

// additionalData binds a ciphertext to the requestor token, session and entry.
func additionalData(requestorToken, sessionKey, entryKey string) []byte {
	sum := sha256.Sum256([]byte(aadDomain + requestorToken))
	aad := make([]byte, 0, len(sum)+len(sessionKey)+len(entryKey)+2)
	aad = append(aad, sum[:]...)
	aad = append(aad, 0)
	aad = append(aad, sessionKey...)
	aad = append(aad, 0)
	aad = append(aad, entryKey...)
	return aad
}

func shortKey(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}
