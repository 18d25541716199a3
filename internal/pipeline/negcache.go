package pipeline

import (
    "sync"
    "time"
)

// NegativeCache remembers recent rejection causes per signaling
// identity so that repeated attempts from the same source are refused
// without touching the database. Only causes with a configured TTL are
// cached.
type NegativeCache struct {
    mu      sync.RWMutex
    entries map[string]negEntry
    ttls    map[int]time.Duration
    now     func() time.Time
}

type negEntry struct {
    cause   int
    expires time.Time
}

func NewNegativeCache(ttls map[int]time.Duration) *NegativeCache {
    return &NegativeCache{
        entries: make(map[string]negEntry),
        ttls:    ttls,
        now:     time.Now,
    }
}

// Get returns the cached cause for a key, if present and fresh.
func (c *NegativeCache) Get(key string) (int, bool) {
    c.mu.RLock()
    e, ok := c.entries[key]
    c.mu.RUnlock()

    if !ok || c.now().After(e.expires) {
        return 0, false
    }
    return e.cause, true
}

// Set stores a rejection cause. Causes without a configured TTL are
// not cached; returns whether the entry was stored.
func (c *NegativeCache) Set(key string, cause int) bool {
    ttl, ok := c.ttls[cause]
    if !ok || ttl <= 0 || key == "" {
        return false
    }

    c.mu.Lock()
    c.entries[key] = negEntry{cause: cause, expires: c.now().Add(ttl)}
    c.mu.Unlock()
    return true
}

// Purge drops expired entries and returns how many were removed.
func (c *NegativeCache) Purge() int {
    now := c.now()

    c.mu.Lock()
    defer c.mu.Unlock()

    removed := 0
    for key, e := range c.entries {
        if now.After(e.expires) {
            delete(c.entries, key)
            removed++
        }
    }
    return removed
}

// Len returns the number of entries, expired ones included.
func (c *NegativeCache) Len() int {
    c.mu.RLock()
    defer c.mu.RUnlock()
    return len(c.entries)
}
