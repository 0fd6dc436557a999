// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package login

import (
	"context"
	"sync"
	"time"
)

// Default cache settings.
const (
	DefaultCacheTTL           = 5 * time.Minute
	DefaultCacheSweepInterval = time.Minute
)

// CacheEntry grants trusted re-entry to one identity from one address.
type CacheEntry struct {
	Name      string
	Address   string
	ExpiresAt time.Time
}

// CacheConfig configures a Cache.
type CacheConfig struct {
	// TTL is used by Put when it is given a zero ttl.
	// Defaults to DefaultCacheTTL.
	TTL time.Duration

	// SweepInterval is how often Run purges expired entries.
	// Defaults to DefaultCacheSweepInterval.
	SweepInterval time.Duration

	// RequireSameAddress makes Lookup match only the address the entry was
	// created for.
	RequireSameAddress bool

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Cache remembers recently authenticated identities so they can
// reconnect without a credential prompt. It is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]CacheEntry

	ttl         time.Duration
	sweep       time.Duration
	sameAddress bool
	now         func() time.Time
}

// NewCache creates an empty Cache.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultCacheSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		entries:     make(map[string]CacheEntry),
		ttl:         cfg.TTL,
		sweep:       cfg.SweepInterval,
		sameAddress: cfg.RequireSameAddress,
		now:         cfg.Now,
	}
}

// Lookup returns the entry for name if it is unexpired and, when the cache
// requires it, was created for address. Expired entries are purged.
func (c *Cache) Lookup(name, address string) (CacheEntry, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return CacheEntry{}, false
	}
	if !now.Before(e.ExpiresAt) {
		delete(c.entries, name)
		return CacheEntry{}, false
	}
	if c.sameAddress && e.Address != address {
		return CacheEntry{}, false
	}
	return e, true
}

// Put trusts name from address for ttl, or the configured TTL if ttl is
// zero. An existing entry is replaced.
func (c *Cache) Put(name, address string, ttl time.Duration) CacheEntry {
	if ttl <= 0 {
		ttl = c.ttl
	}
	e := CacheEntry{Name: name, Address: address, ExpiresAt: c.now().Add(ttl)}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = e
	return e
}

// Invalidate removes any entry for name.
func (c *Cache) Invalidate(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[name]
	delete(c.entries, name)
	return ok
}

// Sweep removes entries that expired at or before now and returns how many
// were removed.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for name, e := range c.entries {
		if !now.Before(e.ExpiresAt) {
			delete(c.entries, name)
			n++
		}
	}
	return n
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Run sweeps every SweepInterval until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(c.now())
		}
	}
}
