package accounting

import (
    "context"
    "sync"

    "github.com/hamzaKhattat/voip-billing-engine/internal/models"
    "github.com/hamzaKhattat/voip-billing-engine/pkg/errors"
    "github.com/hamzaKhattat/voip-billing-engine/pkg/logger"
)

// AccountStore persists account balances.
type AccountStore interface {
    GetAccount(ctx context.Context, userID int) (*models.UserAccount, error)
    AddBalance(ctx context.Context, userID int, delta float64) error
}

type accountEntry struct {
    mu   sync.Mutex
    acct models.UserAccount
}

// Balances is the single lock domain for per-account balances and
// concurrency counters. Balance and counter mutation for one account
// is never observed half-applied.
type Balances struct {
    mu       sync.RWMutex
    accounts map[int]*accountEntry
    store    AccountStore

    // When deferred is set balance changes accumulate into a pending
    // delta per account, flushed by the period timer.
    deferred bool
}

func NewBalances(store AccountStore, deferred bool) *Balances {
    return &Balances{
        accounts: make(map[int]*accountEntry),
        store:    store,
        deferred: deferred,
    }
}

func (b *Balances) entry(ctx context.Context, userID int) (*accountEntry, error) {
    b.mu.RLock()
    e := b.accounts[userID]
    b.mu.RUnlock()

    if e != nil {
        return e, nil
    }

    acct, err := b.store.GetAccount(ctx, userID)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "account lookup failed")
    }
    if acct == nil {
        return nil, errors.New(errors.ErrAccountNotFound, "unknown billing account").
            WithContext("user_id", userID)
    }

    b.mu.Lock()
    defer b.mu.Unlock()

    if e = b.accounts[userID]; e == nil {
        e = &accountEntry{acct: *acct}
        b.accounts[userID] = e
    }
    return e, nil
}

// Snapshot returns a copy of the account's current in-memory state.
func (b *Balances) Snapshot(ctx context.Context, userID int) (models.UserAccount, error) {
    e, err := b.entry(ctx, userID)
    if err != nil {
        return models.UserAccount{}, err
    }

    e.mu.Lock()
    defer e.mu.Unlock()
    return e.acct, nil
}

// Apply settles a completed call between the originator and the
// termination account. When both legs resolve to the same account with
// equal price the charge self-cancels and nothing is written.
func (b *Balances) Apply(ctx context.Context, opUserID, tpUserID int, opPrice, tpPrice float64) error {
    if opUserID == tpUserID && opPrice == tpPrice {
        logger.WithContext(ctx).WithField("user_id", opUserID).
            Debug("Same account on both legs with equal price, balance unchanged")
        return nil
    }

    if err := b.apply(ctx, opUserID, -opPrice); err != nil {
        return err
    }
    return b.apply(ctx, tpUserID, tpPrice)
}

func (b *Balances) apply(ctx context.Context, userID int, delta float64) error {
    if delta == 0 {
        return nil
    }

    e, err := b.entry(ctx, userID)
    if err != nil {
        return err
    }

    e.mu.Lock()
    e.acct.Balance += delta
    if b.deferred {
        e.acct.PendingDelta += delta
        e.mu.Unlock()
        return nil
    }
    e.mu.Unlock()

    if err := b.store.AddBalance(ctx, userID, delta); err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "balance write failed")
    }
    return nil
}

// FlushDeltas writes accumulated pending deltas through to the store.
// Per-account errors are logged and the flush continues; the delta
// stays pending for the next period.
func (b *Balances) FlushDeltas(ctx context.Context) {
    b.mu.RLock()
    ids := make([]int, 0, len(b.accounts))
    for id := range b.accounts {
        ids = append(ids, id)
    }
    b.mu.RUnlock()

    for _, id := range ids {
        b.mu.RLock()
        e := b.accounts[id]
        b.mu.RUnlock()
        if e == nil {
            continue
        }

        e.mu.Lock()
        delta := e.acct.PendingDelta
        e.acct.PendingDelta = 0
        e.mu.Unlock()

        if delta == 0 {
            continue
        }

        if err := b.store.AddBalance(ctx, id, delta); err != nil {
            logger.WithError(err).WithField("user_id", id).Error("Deferred balance flush failed")
            e.mu.Lock()
            e.acct.PendingDelta += delta
            e.mu.Unlock()
        }
    }
}

// IncrCalls bumps the account's concurrency counter for one direction.
func (b *Balances) IncrCalls(ctx context.Context, userID int, inbound bool) error {
    e, err := b.entry(ctx, userID)
    if err != nil {
        return err
    }

    e.mu.Lock()
    if inbound {
        e.acct.InCalls++
    } else {
        e.acct.OutCalls++
    }
    e.mu.Unlock()
    return nil
}

// DecrCalls reverses IncrCalls. Counters never go below zero.
func (b *Balances) DecrCalls(ctx context.Context, userID int, inbound bool) {
    b.mu.RLock()
    e := b.accounts[userID]
    b.mu.RUnlock()
    if e == nil {
        return
    }

    e.mu.Lock()
    if inbound {
        if e.acct.InCalls > 0 {
            e.acct.InCalls--
        }
    } else {
        if e.acct.OutCalls > 0 {
            e.acct.OutCalls--
        }
    }
    e.mu.Unlock()
}

// OverConcurrencyLimit reports whether admitting one more call in the
// given direction would exceed the account cap. Zero caps are
// unlimited.
func (b *Balances) OverConcurrencyLimit(ctx context.Context, userID int, inbound bool) (bool, error) {
    e, err := b.entry(ctx, userID)
    if err != nil {
        return false, err
    }

    e.mu.Lock()
    defer e.mu.Unlock()

    if inbound {
        return e.acct.MaxInCalls > 0 && e.acct.InCalls >= e.acct.MaxInCalls, nil
    }
    return e.acct.MaxOutCalls > 0 && e.acct.OutCalls >= e.acct.MaxOutCalls, nil
}
