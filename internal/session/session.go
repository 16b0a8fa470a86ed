// Package session implements the REST admin plane's SessionCache: a
// bounded, lifespan/idle-evicting table of Noise-authenticated
// administrative sessions (§4.12, §3).
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/primetype-labs/asmtpd/internal/identity"
	"github.com/primetype-labs/asmtpd/internal/lru"
)

// Default lifecycle timings (§4.12).
const (
	DefaultMaxActive   = 10000
	DefaultMaxIdle     = 1800 * time.Second
	DefaultMaxLifespan = 7200 * time.Second
)

var (
	ErrExpired     = errors.New("session: expired")
	ErrIdleTooLong = errors.New("session: idle too long")
	ErrNotFound    = errors.New("session: not found")
)

// Config carries the cache's tunables.
type Config struct {
	MaxActive   int
	MaxIdle     time.Duration
	MaxLifespan time.Duration
}

// DefaultConfig returns spec §4.12's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxActive:   DefaultMaxActive,
		MaxIdle:     DefaultMaxIdle,
		MaxLifespan: DefaultMaxLifespan,
	}
}

// Session is one authenticated administrative context, keyed by its
// 64-byte Noise channel-binding hash.
type Session struct {
	id       [64]byte
	remote   identity.PublicIdentity
	started  time.Time
	lastUsed time.Time
}

// ID returns the session identifier the client discovers from its
// handshake's channel-binding hash — no cookie or header leaks it.
func (s *Session) ID() [64]byte { return s.id }

// RemotePublicIdentity returns the identity this session authenticated
// as, used by admin-only handlers to check passport membership.
func (s *Session) RemotePublicIdentity() identity.PublicIdentity { return s.remote }

// New builds a Session for a just-completed handshake.
func New(id [64]byte, remote identity.PublicIdentity, now time.Time) *Session {
	return &Session{id: id, remote: remote, started: now, lastUsed: now}
}

// Cache is the bounded session table. Safe for concurrent use.
type Cache struct {
	mu     sync.Mutex
	config Config
	lru    *lru.Cache[[64]byte, *Session]
}

// NewCache builds an empty Cache. Non-positive config fields fall back
// to their §4.12 defaults.
func NewCache(config Config) *Cache {
	if config.MaxActive <= 0 {
		config.MaxActive = DefaultMaxActive
	}
	if config.MaxIdle <= 0 {
		config.MaxIdle = DefaultMaxIdle
	}
	if config.MaxLifespan <= 0 {
		config.MaxLifespan = DefaultMaxLifespan
	}
	return &Cache{
		config: config,
		lru:    lru.New[[64]byte, *Session](config.MaxActive),
	}
}

// Insert registers a newly authenticated session.
func (c *Cache) Insert(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Put(s.id, s)
}

// Lookup resolves id, checking lifespan first and idle second (§4.12),
// and refreshes last_used on success. A session evicted by either check
// is removed from the cache before the error is returned.
func (c *Cache) Lookup(id [64]byte, now time.Time) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.lru.Get(id)
	if !ok {
		return nil, ErrNotFound
	}

	if now.Sub(s.started) > c.config.MaxLifespan {
		c.lru.Remove(id)
		return nil, ErrExpired
	}
	if now.Sub(s.lastUsed) > c.config.MaxIdle {
		c.lru.Remove(id)
		return nil, ErrIdleTooLong
	}

	s.lastUsed = now
	return s, nil
}

// Clear force-terminates every active session, the admin `DELETE
// /sessions` operation.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru = lru.New[[64]byte, *Session](c.config.MaxActive)
}

// Len reports the number of sessions currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
