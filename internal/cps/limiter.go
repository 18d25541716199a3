package cps

import (
    "sync"
    "time"

    "github.com/hamzaKhattat/voip-billing-engine/pkg/logger"
)

// window tracks recent admission timestamps for one entity in a ring
// buffer sized to the configured limit. Timestamps are microseconds.
type window struct {
    mu     sync.Mutex
    limit  int
    period time.Duration
    stamps []int64
    head   int
    count  int
}

// Limiter is a sliding-window calls-per-period admission gate. Each
// entity (originator or termination point id) has an independent
// window, so one entity's churn never contends with another's beyond
// the map lookup.
type Limiter struct {
    mu      sync.RWMutex
    entries map[int]*window

    now func() time.Time
}

func NewLimiter() *Limiter {
    return &Limiter{
        entries: make(map[int]*window),
        now:     time.Now,
    }
}

// Update records the entity's current limit and period. Called on
// every admission so configuration changes take effect without a
// restart. Zero limit or period means unlimited and removes nothing;
// unknown entities with zero config are not tracked at all.
func (l *Limiter) Update(entityID, limit, period int) {
    if limit < 0 {
        limit = 0
    }
    if period < 0 {
        period = 0
    }

    l.mu.RLock()
    w := l.entries[entityID]
    l.mu.RUnlock()

    if w == nil {
        if limit == 0 || period == 0 {
            return
        }

        l.mu.Lock()
        if w = l.entries[entityID]; w == nil {
            w = &window{
                limit:  limit,
                period: time.Duration(period) * time.Second,
                stamps: make([]int64, limit),
            }
            l.entries[entityID] = w
            logger.WithField("entity_id", entityID).
                WithField("limit", limit).
                WithField("period", period).
                Debug("CPS window created")
        }
        l.mu.Unlock()
        return
    }

    w.mu.Lock()
    if w.limit != limit {
        w.stamps = make([]int64, limit)
        w.head = 0
        w.count = 0
        w.limit = limit
    }
    w.period = time.Duration(period) * time.Second
    w.mu.Unlock()
}

// Admit reports whether the entity may place another call now. On
// admit the current timestamp joins the window. Entities without a
// configured window are always admitted.
func (l *Limiter) Admit(entityID int) bool {
    l.mu.RLock()
    w := l.entries[entityID]
    l.mu.RUnlock()

    if w == nil {
        return true
    }

    nowUS := l.now().UnixMicro()

    w.mu.Lock()
    defer w.mu.Unlock()

    if w.limit == 0 || w.period == 0 {
        return true
    }

    w.prune(nowUS)

    if w.count <= w.limit-1 {
        w.push(nowUS)
        return true
    }

    logger.WithField("entity_id", entityID).
        WithField("limit", w.limit).
        WithField("period", w.period.Seconds()).
        Warn("CPS limit reached")
    return false
}

// prune drops timestamps older than the period. Entries are stored in
// arrival order, so eviction only walks from the oldest end.
func (w *window) prune(nowUS int64) {
    periodUS := w.period.Microseconds()
    for w.count > 0 {
        oldest := w.stamps[w.tailIndex()]
        if nowUS-oldest <= periodUS {
            break
        }
        w.count--
    }
}

func (w *window) push(stamp int64) {
    if w.count == w.limit {
        // Full window should not happen after an admit decision, keep
        // the newest entries anyway.
        w.count--
    }
    w.stamps[w.head] = stamp
    w.head = (w.head + 1) % len(w.stamps)
    w.count++
}

// tailIndex locates the oldest retained entry.
func (w *window) tailIndex() int {
    idx := w.head - w.count
    if idx < 0 {
        idx += len(w.stamps)
    }
    return idx
}

// Size returns the number of timestamps currently retained for the
// entity. Used by metrics and tests.
func (l *Limiter) Size(entityID int) int {
    l.mu.RLock()
    w := l.entries[entityID]
    l.mu.RUnlock()

    if w == nil {
        return 0
    }

    w.mu.Lock()
    defer w.mu.Unlock()
    return w.count
}

// Tracked returns how many entities currently hold a window.
func (l *Limiter) Tracked() int {
    l.mu.RLock()
    defer l.mu.RUnlock()
    return len(l.entries)
}
