package rating

import (
    "context"
    "testing"
    "time"

    "github.com/hamzaKhattat/voip-billing-engine/internal/models"
    "github.com/hamzaKhattat/voip-billing-engine/pkg/errors"
)

type fakeRateStore struct {
    rates   map[string]models.Rate
    lookups int
}

func (s *fakeRateStore) LookupRate(ctx context.Context, tariffID int, number string) (*models.Rate, error) {
    s.lookups++
    for prefix, rate := range s.rates {
        if len(number) >= len(prefix) && number[:len(prefix)] == prefix {
            r := rate
            return &r, nil
        }
    }
    return nil, nil
}

func TestResolveCachesPrefix(t *testing.T) {
    store := &fakeRateStore{rates: map[string]models.Rate{
        "1212": {Prefix: "1212", Rate: 0.02},
    }}
    c := NewCache(store, time.Minute)
    ctx := context.Background()

    rate, err := c.Resolve(ctx, 1, "12125551234")
    if err != nil {
        t.Fatalf("Resolve failed: %v", err)
    }
    if rate.Prefix != "1212" {
        t.Fatalf("rate.Prefix = %q, want 1212", rate.Prefix)
    }

    // Second number under the same prefix answers from the trie.
    if _, err := c.Resolve(ctx, 1, "12129990000"); err != nil {
        t.Fatalf("cached Resolve failed: %v", err)
    }
    if store.lookups != 1 {
        t.Fatalf("store lookups = %d, want 1", store.lookups)
    }
}

func TestResolveMissingRate(t *testing.T) {
    c := NewCache(&fakeRateStore{}, time.Minute)

    _, err := c.Resolve(context.Background(), 1, "99912345")
    if !errors.Is(err, errors.ErrRateNotFound) {
        t.Fatalf("err = %v, want ErrRateNotFound", err)
    }
}

func TestTariffsIsolated(t *testing.T) {
    store := &fakeRateStore{rates: map[string]models.Rate{
        "44": {Prefix: "44", Rate: 0.05},
    }}
    c := NewCache(store, time.Minute)
    ctx := context.Background()

    c.Resolve(ctx, 1, "442071234")
    c.Resolve(ctx, 2, "442071234")

    if store.lookups != 2 {
        t.Fatalf("store lookups = %d, want one per tariff", store.lookups)
    }
    if c.CachedTariffs() != 2 {
        t.Fatalf("CachedTariffs = %d, want 2", c.CachedTariffs())
    }
}
