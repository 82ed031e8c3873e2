// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package kerberos

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/delegator/pkg/logger"
	"github.com/stacklok/delegator/pkg/sessionstore"
)

const (
	defaultTicketTTL        = 10 * time.Hour
	defaultRenewalThreshold = 5 * time.Minute
	renewalTimeout          = 30 * time.Second
	renewalMaxTries         = 3
)

// TicketCacheConfig configures the per-session ticket cache.
type TicketCacheConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// TTL caps how long a ticket is served from the cache. The ticket end
	// time always applies as well.
	TTL time.Duration `mapstructure:"ttl"`
	// RenewalThreshold is the remaining lifetime below which a cached ticket
	// is refreshed in the background.
	RenewalThreshold     time.Duration `mapstructure:"renewal_threshold"`
	MaxEntriesPerSession int           `mapstructure:"max_entries_per_session"`
	MaxTotalEntries      int           `mapstructure:"max_total_entries"`
	SessionTimeout       time.Duration `mapstructure:"session_timeout"`
	CleanupInterval      time.Duration `mapstructure:"cleanup_interval"`
}

func (c TicketCacheConfig) withDefaults() TicketCacheConfig {
	if c.TTL <= 0 {
		c.TTL = defaultTicketTTL
	}
	if c.RenewalThreshold <= 0 {
		c.RenewalThreshold = defaultRenewalThreshold
	}
	return c
}

// TicketCache caches delegated tickets per session. Tickets close to expiry
// are still served while a single background renewal refreshes them.
type TicketCache struct {
	cfg   TicketCacheConfig
	now   func() time.Time
	store *sessionstore.Store[struct{}, *Ticket]

	renewals singleflight.Group
	ctx      context.Context
	cancel   context.CancelFunc
	backoff  func() backoff.BackOff

	// mu orders wg.Add against Close; no renewal starts once closed is set.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// TicketCacheOption configures a TicketCache.
type TicketCacheOption func(*TicketCache)

// WithTicketClock overrides the clock.
func WithTicketClock(now func() time.Time) TicketCacheOption {
	return func(c *TicketCache) { c.now = now }
}

// WithRenewalBackOff overrides the retry policy of background renewals.
func WithRenewalBackOff(fn func() backoff.BackOff) TicketCacheOption {
	return func(c *TicketCache) { c.backoff = fn }
}

// NewTicketCache creates a ticket cache. A disabled cache stores nothing.
func NewTicketCache(cfg TicketCacheConfig, opts ...TicketCacheOption) *TicketCache {
	c := &TicketCache{
		cfg: cfg.withDefaults(),
		now: time.Now,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	if !c.cfg.Enabled {
		return c
	}
	c.store = sessionstore.New[struct{}, *Ticket](
		sessionstore.Config{
			MaxEntriesPerSession: c.cfg.MaxEntriesPerSession,
			MaxTotalEntries:      c.cfg.MaxTotalEntries,
			SessionTimeout:       c.cfg.SessionTimeout,
			CleanupInterval:      c.cfg.CleanupInterval,
		},
		sessionstore.WithClock[struct{}, *Ticket](c.now),
		sessionstore.WithSizer[struct{}, *Ticket](func(t *Ticket) int { return len(t.Raw) + len(t.SessionKey) + 256 }),
	)
	return c
}

// Enabled reports whether the cache stores tickets.
func (c *TicketCache) Enabled() bool {
	return c != nil && c.store != nil
}

// Get returns the cached ticket and whether it should be renewed.
func (c *TicketCache) Get(sessionKey, entryKey string) (*Ticket, bool, bool) {
	if !c.Enabled() {
		return nil, false, false
	}
	item, ok := c.store.Get(sessionKey, entryKey)
	if !ok {
		return nil, false, false
	}
	now := c.now()
	if item.Value.Expired(now) {
		c.store.Delete(sessionKey, entryKey)
		return nil, false, false
	}
	return item.Value, item.Value.NeedsRenewal(now, c.cfg.RenewalThreshold), true
}

// Put stores t until the earlier of its end time and the cache TTL. Put
// after Close is a no-op.
func (c *TicketCache) Put(sessionKey, entryKey string, t *Ticket) {
	if !c.Enabled() || t == nil || c.isClosed() {
		return
	}
	expires := c.now().Add(c.cfg.TTL)
	if t.EndTime.Before(expires) {
		expires = t.EndTime
	}
	c.store.Activate(sessionKey, nil)
	if err := c.store.Set(sessionKey, entryKey, t, expires); err != nil {
		logger.Debugw("failed to cache ticket", "entry", entryKey, "error", err)
	}
}

// Renew refreshes an entry in the background. Concurrent renewals of the
// same entry are collapsed into one; failures are logged and the cached
// ticket keeps being served until it expires.
func (c *TicketCache) Renew(sessionKey, entryKey string, fetch func(context.Context) (*Ticket, error)) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		_, _, _ = c.renewals.Do(sessionKey+"\x00"+entryKey, func() (any, error) {
			ctx, cancel := context.WithTimeout(c.ctx, renewalTimeout)
			defer cancel()

			t, err := backoff.Retry(ctx, func() (*Ticket, error) { return fetch(ctx) },
				backoff.WithBackOff(c.backoff()),
				backoff.WithMaxTries(renewalMaxTries),
				backoff.WithNotify(func(err error, d time.Duration) {
					logger.Debugw("retrying ticket renewal", "entry", entryKey, "after", d, "error", err)
				}),
			)
			if err != nil {
				logger.Warnw("ticket renewal failed", "entry", entryKey, "error", err)
				return nil, err
			}
			c.Put(sessionKey, entryKey, t)
			logger.Debugw("renewed ticket", "entry", entryKey, "until", t.EndTime)
			return nil, nil
		})
	}()
}

// Metrics returns the store counters.
func (c *TicketCache) Metrics() sessionstore.Metrics {
	if !c.Enabled() {
		return sessionstore.Metrics{}
	}
	return c.store.Metrics()
}

func (c *TicketCache) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close stops renewals, waits for running ones and drops every ticket. It is
// safe to call more than once.
func (c *TicketCache) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
	if c.store != nil {
		c.store.Close()
	}
}
