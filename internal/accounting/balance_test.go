package accounting

import (
    "context"
    "errors"
    "sync"
    "testing"

    "github.com/hamzaKhattat/voip-billing-engine/internal/models"
)

type fakeAccountStore struct {
    mu       sync.Mutex
    accounts map[int]models.UserAccount
    writes   []float64
    failNext bool
}

func newFakeAccountStore() *fakeAccountStore {
    return &fakeAccountStore{accounts: make(map[int]models.UserAccount)}
}

func (s *fakeAccountStore) GetAccount(ctx context.Context, userID int) (*models.UserAccount, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    acct, ok := s.accounts[userID]
    if !ok {
        return nil, nil
    }
    return &acct, nil
}

func (s *fakeAccountStore) AddBalance(ctx context.Context, userID int, delta float64) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.failNext {
        s.failNext = false
        return errors.New("store unavailable")
    }
    s.writes = append(s.writes, delta)
    return nil
}

func TestApplyChargesBothParties(t *testing.T) {
    store := newFakeAccountStore()
    store.accounts[1] = models.UserAccount{ID: 1, Balance: 100}
    store.accounts[2] = models.UserAccount{ID: 2, Balance: 50}

    b := NewBalances(store, false)
    ctx := context.Background()

    if err := b.Apply(ctx, 1, 2, 0.5, 0.3); err != nil {
        t.Fatalf("Apply failed: %v", err)
    }

    op, _ := b.Snapshot(ctx, 1)
    tp, _ := b.Snapshot(ctx, 2)
    if op.Balance != 99.5 {
        t.Errorf("originator balance = %v, want 99.5", op.Balance)
    }
    if tp.Balance != 50.3 {
        t.Errorf("terminator balance = %v, want 50.3", tp.Balance)
    }
    if len(store.writes) != 2 {
        t.Errorf("expected 2 store writes, got %d", len(store.writes))
    }
}

func TestApplySelfCancel(t *testing.T) {
    store := newFakeAccountStore()
    store.accounts[1] = models.UserAccount{ID: 1, Balance: 100}

    b := NewBalances(store, false)
    ctx := context.Background()

    if err := b.Apply(ctx, 1, 1, 0.7, 0.7); err != nil {
        t.Fatalf("Apply failed: %v", err)
    }

    acct, _ := b.Snapshot(ctx, 1)
    if acct.Balance != 100 {
        t.Errorf("self-cancelling charge moved the balance: %v", acct.Balance)
    }
    if len(store.writes) != 0 {
        t.Errorf("self-cancelling charge wrote to the store %d times", len(store.writes))
    }
}

func TestDeferredFlush(t *testing.T) {
    store := newFakeAccountStore()
    store.accounts[1] = models.UserAccount{ID: 1, Balance: 10}
    store.accounts[2] = models.UserAccount{ID: 2, Balance: 0}

    b := NewBalances(store, true)
    ctx := context.Background()

    b.Apply(ctx, 1, 2, 1, 0.8)
    b.Apply(ctx, 1, 2, 1, 0.8)

    if len(store.writes) != 0 {
        t.Fatalf("deferred mode wrote before the flush: %d writes", len(store.writes))
    }

    acct, _ := b.Snapshot(ctx, 1)
    if acct.Balance != 8 {
        t.Errorf("in-memory balance = %v, want 8", acct.Balance)
    }

    b.FlushDeltas(ctx)
    if len(store.writes) != 2 {
        t.Fatalf("expected one write per account, got %d", len(store.writes))
    }

    b.FlushDeltas(ctx)
    if len(store.writes) != 2 {
        t.Errorf("flush with no pending delta wrote again")
    }
}

func TestDeferredFlushFailureRecredits(t *testing.T) {
    store := newFakeAccountStore()
    store.accounts[1] = models.UserAccount{ID: 1, Balance: 10}

    b := NewBalances(store, true)
    ctx := context.Background()

    b.apply(ctx, 1, -2)

    store.mu.Lock()
    store.failNext = true
    store.mu.Unlock()

    b.FlushDeltas(ctx)
    if len(store.writes) != 0 {
        t.Fatal("failed flush should not record a write")
    }

    // The delta stays pending and goes through on the next period.
    b.FlushDeltas(ctx)
    if len(store.writes) != 1 || store.writes[0] != -2 {
        t.Fatalf("retried flush writes = %v, want [-2]", store.writes)
    }
}

func TestConcurrencyCounters(t *testing.T) {
    store := newFakeAccountStore()
    store.accounts[1] = models.UserAccount{ID: 1, Balance: 10, MaxInCalls: 2}

    b := NewBalances(store, false)
    ctx := context.Background()

    for i := 0; i < 2; i++ {
        over, err := b.OverConcurrencyLimit(ctx, 1, true)
        if err != nil || over {
            t.Fatalf("call %d should fit: over=%v err=%v", i+1, over, err)
        }
        b.IncrCalls(ctx, 1, true)
    }

    over, _ := b.OverConcurrencyLimit(ctx, 1, true)
    if !over {
        t.Fatal("third call should exceed the cap")
    }

    b.DecrCalls(ctx, 1, true)
    over, _ = b.OverConcurrencyLimit(ctx, 1, true)
    if over {
        t.Fatal("freed slot should admit again")
    }

    // Counters stay at zero on over-release.
    b.DecrCalls(ctx, 1, true)
    b.DecrCalls(ctx, 1, true)
    acct, _ := b.Snapshot(ctx, 1)
    if acct.InCalls != 0 {
        t.Fatalf("InCalls = %d, want 0", acct.InCalls)
    }
}

func TestUnknownAccount(t *testing.T) {
    b := NewBalances(newFakeAccountStore(), false)

    if _, err := b.Snapshot(context.Background(), 99); err == nil {
        t.Fatal("unknown account should return an error")
    }
}
