// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sessionstore provides an in-memory, session-partitioned LRU store
// with per-entry expiry, per-session and global capacity limits, and a
// background sweep of idle sessions.
package sessionstore

import (
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/stacklok/delegator/pkg/logger"
)

const (
	// DefaultMaxEntriesPerSession is used when Config.MaxEntriesPerSession is unset.
	DefaultMaxEntriesPerSession = 10
	// DefaultMaxTotalEntries is used when Config.MaxTotalEntries is unset.
	DefaultMaxTotalEntries = 1000
	// DefaultSessionTimeout is used when Config.SessionTimeout is unset.
	DefaultSessionTimeout = 15 * time.Minute
	// DefaultCleanupInterval is used when Config.CleanupInterval is unset.
	DefaultCleanupInterval = time.Minute
)

// ErrSessionNotFound is returned when operating on a session that was never
// activated or has already been cleared.
var ErrSessionNotFound = errors.New("session not found")

// Config bounds a Store.
type Config struct {
	MaxEntriesPerSession int
	MaxTotalEntries      int
	SessionTimeout       time.Duration
	// CleanupInterval is the sweep period. A negative value disables the
	// background sweeper; Sweep can still be called directly.
	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxEntriesPerSession <= 0 {
		c.MaxEntriesPerSession = DefaultMaxEntriesPerSession
	}
	if c.MaxTotalEntries <= 0 {
		c.MaxTotalEntries = DefaultMaxTotalEntries
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	return c
}

// Item is a stored value with its bookkeeping.
type Item[V any] struct {
	Value      V
	ExpiresAt  time.Time
	CreatedAt  time.Time
	LastAccess time.Time
	Hits       int64
}

func (i *Item[V]) expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// Metrics is a point-in-time snapshot of store counters.
type Metrics struct {
	Hits           int64
	Misses         int64
	Evictions      int64
	Expirations    int64
	ActiveSessions int
	TotalEntries   int
	SizeBytes      int64
}

type entryRef struct {
	session string
	key     string
}

type session[S, V any] struct {
	state         S
	entries       *simplelru.LRU[string, *Item[V]]
	lastHeartbeat time.Time
}

// Store is a session-partitioned LRU store. S is per-session state kept for
// the lifetime of the session, V is the entry value type. All methods are
// safe for concurrent use.
type Store[S, V any] struct {
	cfg Config
	now func() time.Time

	onClose func(key string, state S)
	sizer   func(V) int

	mu       sync.Mutex
	sessions map[string]*session[S, V]
	// global orders every entry across sessions for the total capacity limit.
	global *simplelru.LRU[entryRef, struct{}]

	hits        int64
	misses      int64
	evictions   int64
	expirations int64

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once
}

// Option configures a Store.
type Option[S, V any] func(*Store[S, V])

// WithClock overrides the time source.
func WithClock[S, V any](now func() time.Time) Option[S, V] {
	return func(s *Store[S, V]) { s.now = now }
}

// WithOnSessionClose registers a hook run whenever a session is removed,
// whether explicitly, by idle sweep or on Close. It runs without the store lock.
func WithOnSessionClose[S, V any](fn func(key string, state S)) Option[S, V] {
	return func(s *Store[S, V]) { s.onClose = fn }
}

// WithSizer sets the function used to estimate memory footprint of values.
func WithSizer[S, V any](fn func(V) int) Option[S, V] {
	return func(s *Store[S, V]) { s.sizer = fn }
}

// New creates a store and starts its background sweeper.
func New[S, V any](cfg Config, opts ...Option[S, V]) *Store[S, V] {
	cfg = cfg.withDefaults()
	global, _ := simplelru.NewLRU[entryRef, struct{}](cfg.MaxTotalEntries, nil)

	s := &Store[S, V]{
		cfg:         cfg,
		now:         time.Now,
		sessions:    make(map[string]*session[S, V]),
		global:      global,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.CleanupInterval > 0 {
		go s.cleanupLoop()
	} else {
		close(s.cleanupDone)
	}
	return s
}

// Activate returns the state of session key, creating it with init if absent.
// The second return value reports whether the session was created.
func (s *Store[S, V]) Activate(key string, init func() S) (S, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[key]; ok {
		sess.lastHeartbeat = s.now()
		return sess.state, false
	}

	entries, _ := simplelru.NewLRU[string, *Item[V]](s.cfg.MaxEntriesPerSession, nil)
	sess := &session[S, V]{
		entries:       entries,
		lastHeartbeat: s.now(),
	}
	if init != nil {
		sess.state = init()
	}
	s.sessions[key] = sess
	return sess.state, true
}

// State returns the state of session key.
func (s *Store[S, V]) State(key string) (S, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		var zero S
		return zero, false
	}
	return sess.state, true
}

// Heartbeat marks session key as active. It reports whether the session exists.
func (s *Store[S, V]) Heartbeat(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if ok {
		sess.lastHeartbeat = s.now()
	}
	return ok
}

// Set stores value under entryKey in session key, evicting the least recently
// used entry of the session or of the whole store when a limit is reached.
func (s *Store[S, V]) Set(key, entryKey string, value V, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return ErrSessionNotFound
	}

	now := s.now()
	ref := entryRef{session: key, key: entryKey}

	if existing, ok := sess.entries.Peek(entryKey); ok {
		existing.Value = value
		existing.ExpiresAt = expiresAt
		existing.CreatedAt = now
		existing.LastAccess = now
		sess.entries.Get(entryKey)
		s.global.Get(ref)
		return nil
	}

	if sess.entries.Len() >= s.cfg.MaxEntriesPerSession {
		if oldest, _, ok := sess.entries.RemoveOldest(); ok {
			s.global.Remove(entryRef{session: key, key: oldest})
			s.evictions++
		}
	}
	if s.global.Len() >= s.cfg.MaxTotalEntries {
		if oldest, _, ok := s.global.RemoveOldest(); ok {
			if victim, ok := s.sessions[oldest.session]; ok {
				victim.entries.Remove(oldest.key)
			}
			s.evictions++
		}
	}

	sess.entries.Add(entryKey, &Item[V]{
		Value:      value,
		ExpiresAt:  expiresAt,
		CreatedAt:  now,
		LastAccess: now,
	})
	s.global.Add(ref, struct{}{})
	sess.lastHeartbeat = now
	return nil
}

// Get returns a copy of the entry stored under entryKey in session key.
// Expired entries are removed and reported as misses.
func (s *Store[S, V]) Get(key, entryKey string) (Item[V], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		s.misses++
		return Item[V]{}, false
	}
	now := s.now()
	sess.lastHeartbeat = now

	item, ok := sess.entries.Get(entryKey)
	if !ok {
		s.misses++
		return Item[V]{}, false
	}
	ref := entryRef{session: key, key: entryKey}
	if item.expired(now) {
		sess.entries.Remove(entryKey)
		s.global.Remove(ref)
		s.expirations++
		s.misses++
		return Item[V]{}, false
	}

	s.global.Get(ref)
	item.Hits++
	item.LastAccess = now
	s.hits++
	return *item, true
}

// Delete removes entryKey from session key.
func (s *Store[S, V]) Delete(key, entryKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return false
	}
	s.global.Remove(entryRef{session: key, key: entryKey})
	return sess.entries.Remove(entryKey)
}

// ClearSession removes session key and all of its entries.
func (s *Store[S, V]) ClearSession(key string) bool {
	s.mu.Lock()
	sess, ok := s.removeSessionLocked(key)
	s.mu.Unlock()

	if ok {
		s.closed(key, sess)
	}
	return ok
}

func (s *Store[S, V]) removeSessionLocked(key string) (*session[S, V], bool) {
	sess, ok := s.sessions[key]
	if !ok {
		return nil, false
	}
	for _, k := range sess.entries.Keys() {
		s.global.Remove(entryRef{session: key, key: k})
	}
	sess.entries.Purge()
	delete(s.sessions, key)
	return sess, true
}

func (s *Store[S, V]) closed(key string, sess *session[S, V]) {
	if s.onClose != nil {
		s.onClose(key, sess.state)
	}
}

// Sweep removes idle sessions and expired entries. Each session is processed
// under its own short critical section. It returns the number of sessions removed.
func (s *Store[S, V]) Sweep() int {
	s.mu.Lock()
	keys := make([]string, 0, len(s.sessions))
	for k := range s.sessions {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	removed := 0
	for _, key := range keys {
		if s.sweepSession(key) {
			removed++
		}
	}
	if removed > 0 {
		logger.Debugw("swept idle sessions", "removed", removed)
	}
	return removed
}

func (s *Store[S, V]) sweepSession(key string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[key]
	if !ok {
		s.mu.Unlock()
		return false
	}

	now := s.now()
	if now.Sub(sess.lastHeartbeat) > s.cfg.SessionTimeout {
		s.removeSessionLocked(key)
		s.mu.Unlock()
		s.closed(key, sess)
		return true
	}

	for _, k := range sess.entries.Keys() {
		if item, ok := sess.entries.Peek(k); ok && item.expired(now) {
			sess.entries.Remove(k)
			s.global.Remove(entryRef{session: key, key: k})
			s.expirations++
		}
	}
	s.mu.Unlock()
	return false
}

// Metrics returns a snapshot of the store counters.
func (s *Store[S, V]) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := Metrics{
		Hits:           s.hits,
		Misses:         s.misses,
		Evictions:      s.evictions,
		Expirations:    s.expirations,
		ActiveSessions: len(s.sessions),
		TotalEntries:   s.global.Len(),
	}
	if s.sizer != nil {
		for _, sess := range s.sessions {
			for _, item := range sess.entries.Values() {
				m.SizeBytes += int64(s.sizer(item.Value))
			}
		}
	}
	return m
}

// Close stops the sweeper and removes every session.
func (s *Store[S, V]) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone

		s.mu.Lock()
		removed := make(map[string]*session[S, V], len(s.sessions))
		for key := range s.sessions {
			if sess, ok := s.removeSessionLocked(key); ok {
				removed[key] = sess
			}
		}
		s.mu.Unlock()

		for key, sess := range removed {
			s.closed(key, sess)
		}
	})
}

func (s *Store[S, V]) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
