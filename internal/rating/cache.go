package rating

import (
    "context"
    "sync"
    "time"

    "github.com/hamzaKhattat/voip-billing-engine/internal/models"
    "github.com/hamzaKhattat/voip-billing-engine/pkg/errors"
    "github.com/hamzaKhattat/voip-billing-engine/pkg/logger"
)

// RateStore resolves a destination number to its best (longest
// matching, currently effective) rate within a tariff.
type RateStore interface {
    LookupRate(ctx context.Context, tariffID int, number string) (*models.Rate, error)
}

type tariffTrie struct {
    mu       sync.RWMutex
    trie     *Trie
    loadedAt time.Time
}

// Cache keeps one trie per tariff with TTL-based expiry. Lookups hit
// the trie; misses fall back to the store and the answer is inserted
// so a prefix is fetched once per TTL window.
type Cache struct {
    mu      sync.RWMutex
    tariffs map[int]*tariffTrie
    store   RateStore
    ttl     time.Duration
}

func NewCache(store RateStore, ttl time.Duration) *Cache {
    if ttl <= 0 {
        ttl = 5 * time.Minute
    }
    return &Cache{
        tariffs: make(map[int]*tariffTrie),
        store:   store,
        ttl:     ttl,
    }
}

// Resolve returns the rate for a number within a tariff. A cached
// prefix answers immediately; otherwise the store is consulted and the
// result cached. Missing rates return ErrRateNotFound.
func (c *Cache) Resolve(ctx context.Context, tariffID int, number string) (models.Rate, error) {
    tt := c.tariff(tariffID)

    tt.mu.RLock()
    rate, ok := tt.trie.LongestMatch(number)
    tt.mu.RUnlock()

    if ok {
        return rate, nil
    }

    stored, err := c.store.LookupRate(ctx, tariffID, number)
    if err != nil {
        return models.Rate{}, errors.Wrap(err, errors.ErrDatabase, "rate lookup failed")
    }
    if stored == nil {
        return models.Rate{}, errors.New(errors.ErrRateNotFound, "no rate for destination").
            WithContext("tariff_id", tariffID).
            WithContext("number", number)
    }

    tt.mu.Lock()
    tt.trie.Insert(stored.Prefix, *stored)
    tt.mu.Unlock()

    logger.WithContext(ctx).
        WithField("tariff_id", tariffID).
        WithField("prefix", stored.Prefix).
        WithField("rate", stored.Rate).
        Debug("Rate cached")

    return *stored, nil
}

func (c *Cache) tariff(tariffID int) *tariffTrie {
    c.mu.RLock()
    tt := c.tariffs[tariffID]
    c.mu.RUnlock()

    if tt != nil {
        return tt
    }

    c.mu.Lock()
    defer c.mu.Unlock()

    if tt = c.tariffs[tariffID]; tt == nil {
        tt = &tariffTrie{trie: NewTrie(), loadedAt: time.Now()}
        c.tariffs[tariffID] = tt
    }
    return tt
}

// evictExpired drops whole tariff tries past their TTL. A dropped trie
// rebuilds lazily from store lookups.
func (c *Cache) evictExpired() int {
    now := time.Now()
    evicted := 0

    c.mu.Lock()
    for id, tt := range c.tariffs {
        if now.Sub(tt.loadedAt) > c.ttl {
            delete(c.tariffs, id)
            evicted++
        }
    }
    c.mu.Unlock()

    return evicted
}

// StartRefresh runs TTL eviction until the context is cancelled.
func (c *Cache) StartRefresh(ctx context.Context) {
    ticker := time.NewTicker(c.ttl)
    defer ticker.Stop()

    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            if n := c.evictExpired(); n > 0 {
                logger.WithField("tariffs", n).Debug("Expired rate tries evicted")
            }
        }
    }
}

// CachedTariffs returns how many tariff tries are resident.
func (c *Cache) CachedTariffs() int {
    c.mu.RLock()
    defer c.mu.RUnlock()
    return len(c.tariffs)
}
