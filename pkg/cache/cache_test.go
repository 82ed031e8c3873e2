// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/delegator/pkg/audit"
	"github.com/stacklok/delegator/pkg/errors"
	"github.com/stacklok/delegator/pkg/sessionstore"
)

const (
	requestorJWT = "eyJhbGciOiJSUzI1NiJ9.eyJzdWIiOiJ1MSJ9.sig-one"
	otherJWT     = "eyJhbGciOiJSUzI1NiJ9.eyJzdWIiOiJ1MSJ9.sig-two"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(t *testing.T, cfg Config, opts ...Option) (*Cache, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	cfg.Enabled = true
	cfg.CleanupInterval = -1
	c := New(cfg, append([]Option{WithClock(clock.Now)}, opts...)...)
	t.Cleanup(c.Close)
	return c, clock
}

func TestCache_RoundTrip(t *testing.T) {
	t.Parallel()

	c, clock := newTestCache(t, Config{})
	key := c.ActivateSession(requestorJWT, "u1")
	require.NotEmpty(t, key)

	require.NoError(t, c.Set(key, "rest:api", "delegation-token", requestorJWT, clock.Now().Add(time.Hour)))

	got, ok := c.Get(context.Background(), key, "rest:api", requestorJWT)
	require.True(t, ok)
	assert.Equal(t, "delegation-token", got)

	m := c.Metrics()
	assert.Equal(t, int64(1), m.Hits)
	assert.Equal(t, 1, m.ActiveSessions)
	assert.Equal(t, 1, m.TotalEntries)
	assert.Positive(t, m.MemoryUsageBytes)
}

func TestCache_WrongRequestorTokenFailsClosed(t *testing.T) {
	t.Parallel()

	sink := audit.NewMemorySink(0)
	c, clock := newTestCache(t, Config{}, WithAuditSink(sink))
	key := c.ActivateSession(requestorJWT, "u1")
	require.NoError(t, c.Set(key, "rest:api", "delegation-token", requestorJWT, clock.Now().Add(time.Hour)))

	got, ok := c.Get(context.Background(), key, "rest:api", otherJWT)
	assert.False(t, ok)
	assert.Empty(t, got)
	assert.Equal(t, int64(1), c.Metrics().DecryptionFailures)

	entries := sink.Find("cache:" + errors.CodeCacheInvalidation)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
	assert.Equal(t, "u1", entries[0].UserID)
	assert.Equal(t, errors.CodeCacheInvalidation, entries[0].Reason)
	assert.NotContains(t, fmt.Sprint(entries[0]), "delegation-token")

	assert.Zero(t, c.Metrics().TotalEntries, "undecryptable entries are dropped")
	_, ok = c.Get(context.Background(), key, "rest:api", requestorJWT)
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Metrics().DecryptionFailures, "a dropped entry is a plain miss")
}

func TestCache_EntryKeyIsBound(t *testing.T) {
	t.Parallel()

	c, clock := newTestCache(t, Config{})
	key := c.ActivateSession(requestorJWT, "u1")
	require.NoError(t, c.Set(key, "a", "token-a", requestorJWT, clock.Now().Add(time.Hour)))

	_, ok := c.Get(context.Background(), key, "b", requestorJWT)
	assert.False(t, ok)
	assert.Zero(t, c.Metrics().DecryptionFailures)
	assert.Equal(t, int64(1), c.Metrics().Misses)
}

func TestCache_ActivateSessionIsDeterministic(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, Config{})
	a1 := c.ActivateSession(requestorJWT, "u1")
	a2 := c.ActivateSession(requestorJWT, "u1")
	b := c.ActivateSession(otherJWT, "u1")

	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)
	assert.Equal(t, SessionKey(requestorJWT), a1)
	assert.NotContains(t, a1, requestorJWT)
	assert.Equal(t, 2, c.Metrics().ActiveSessions)
}

func TestCache_EffectiveTTL(t *testing.T) {
	t.Parallel()

	c, clock := newTestCache(t, Config{TTL: time.Minute})
	key := c.ActivateSession(requestorJWT, "u1")
	ctx := context.Background()

	// Token outlives the TTL: the TTL wins.
	require.NoError(t, c.Set(key, "long", "t", requestorJWT, clock.Now().Add(time.Hour)))
	// Token expires before the TTL: the token expiry wins.
	require.NoError(t, c.Set(key, "short", "t", requestorJWT, clock.Now().Add(10*time.Second)))
	// Already expired: not cached.
	require.NoError(t, c.Set(key, "dead", "t", requestorJWT, clock.Now().Add(-time.Second)))

	assert.Equal(t, 2, c.Metrics().TotalEntries)

	clock.Advance(11 * time.Second)
	_, ok := c.Get(ctx, key, "short", requestorJWT)
	assert.False(t, ok)
	_, ok = c.Get(ctx, key, "long", requestorJWT)
	assert.True(t, ok)

	clock.Advance(50 * time.Second)
	_, ok = c.Get(ctx, key, "long", requestorJWT)
	assert.False(t, ok)
}

func TestCache_PerSessionCapacity(t *testing.T) {
	t.Parallel()

	const maxEntries = 4
	c, clock := newTestCache(t, Config{MaxEntriesPerSession: maxEntries})
	key := c.ActivateSession(requestorJWT, "u1")
	exp := clock.Now().Add(time.Hour)
	ctx := context.Background()

	for i := range maxEntries + 1 {
		require.NoError(t, c.Set(key, fmt.Sprintf("k%d", i), fmt.Sprintf("t%d", i), requestorJWT, exp))
	}

	_, ok := c.Get(ctx, key, "k0", requestorJWT)
	assert.False(t, ok, "least recently used entry is evicted")
	for i := 1; i <= maxEntries; i++ {
		got, ok := c.Get(ctx, key, fmt.Sprintf("k%d", i), requestorJWT)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("t%d", i), got)
	}
	assert.Equal(t, int64(1), c.Metrics().Evictions)
}

func TestCache_GlobalCapacity(t *testing.T) {
	t.Parallel()

	c, clock := newTestCache(t, Config{MaxEntriesPerSession: 10, MaxTotalEntries: 2})
	a := c.ActivateSession(requestorJWT, "u1")
	b := c.ActivateSession(otherJWT, "u2")
	exp := clock.Now().Add(time.Hour)

	require.NoError(t, c.Set(a, "k", "ta", requestorJWT, exp))
	require.NoError(t, c.Set(b, "k", "tb", otherJWT, exp))
	require.NoError(t, c.Set(b, "k2", "tb2", otherJWT, exp))

	_, ok := c.Get(context.Background(), a, "k", requestorJWT)
	assert.False(t, ok)
	assert.Equal(t, 2, c.Metrics().TotalEntries)
}

func TestCache_ClearSessionDestroysEntries(t *testing.T) {
	t.Parallel()

	c, clock := newTestCache(t, Config{})
	key := c.ActivateSession(requestorJWT, "u1")
	require.NoError(t, c.Set(key, "k", "t", requestorJWT, clock.Now().Add(time.Hour)))

	c.ClearSession(key)
	_, ok := c.Get(context.Background(), key, "k", requestorJWT)
	assert.False(t, ok)
	assert.ErrorIs(t, c.Set(key, "k", "t", requestorJWT, clock.Now().Add(time.Hour)), sessionstore.ErrSessionNotFound)

	// Reactivation yields the same session key with a new encryption key.
	again := c.ActivateSession(requestorJWT, "u1")
	assert.Equal(t, key, again)
	_, ok = c.Get(context.Background(), again, "k", requestorJWT)
	assert.False(t, ok)
}

func TestCache_IdleSweep(t *testing.T) {
	t.Parallel()

	c, clock := newTestCache(t, Config{SessionTimeout: time.Minute})
	idle := c.ActivateSession(requestorJWT, "u1")
	active := c.ActivateSession(otherJWT, "u2")

	clock.Advance(45 * time.Second)
	c.Heartbeat(active)
	c.Heartbeat("")
	clock.Advance(30 * time.Second)
	c.Sweep()

	m := c.Metrics()
	assert.Equal(t, 1, m.ActiveSessions)
	assert.Error(t, c.Set(idle, "k", "t", requestorJWT, time.Time{}))
	assert.NoError(t, c.Set(active, "k", "t", otherJWT, time.Time{}))
}

func TestCache_Disabled(t *testing.T) {
	t.Parallel()

	c := New(Config{Enabled: false})
	assert.False(t, c.Enabled())
	assert.Empty(t, c.ActivateSession(requestorJWT, "u1"))
	assert.NoError(t, c.Set("k", "e", "t", requestorJWT, time.Now().Add(time.Hour)))
	_, ok := c.Get(context.Background(), "k", "e", requestorJWT)
	assert.False(t, ok)
	c.Heartbeat("k")
	c.ClearSession("k")
	c.Sweep()
	assert.Equal(t, Metrics{}, c.Metrics())
	c.Close()

	var nilCache *Cache
	assert.False(t, nilCache.Enabled())
	assert.Empty(t, nilCache.ActivateSession(requestorJWT, "u1"))
}

func TestCache_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	c, clock := newTestCache(t, Config{MaxEntriesPerSession: 8})
	key := c.ActivateSession(requestorJWT, "u1")
	exp := clock.Now().Add(time.Hour)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				k := fmt.Sprintf("w%d-%d", w, i%4)
				_ = c.Set(key, k, k, requestorJWT, exp)
				if got, ok := c.Get(ctx, key, k, requestorJWT); ok {
					assert.Equal(t, k, got)
				}
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Metrics().TotalEntries, 8)
	assert.Zero(t, c.Metrics().DecryptionFailures)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, (&Config{}).Validate())
	assert.ErrorIs(t, (&Config{TTL: -time.Second}).Validate(), errors.ErrInvalidConfig)
	assert.ErrorIs(t, (&Config{MaxTotalEntries: -1}).Validate(), errors.ErrInvalidConfig)
}
