package quality

import (
    "context"
    "sync"

    "github.com/hamzaKhattat/voip-billing-engine/internal/models"
    "github.com/hamzaKhattat/voip-billing-engine/pkg/logger"
)

// HistoryStore supplies persisted call outcomes for cold-started
// (dial peer, termination point) pairs.
type HistoryStore interface {
    RecentOutcomes(ctx context.Context, tpID, limit int) ([]models.QualitySample, error)
}

type pairKey struct {
    dpID int
    tpID int
}

// history is a bounded sample list ordered newest first. Capacity is
// fixed at table construction; the oldest sample is evicted on
// overflow.
type history struct {
    samples []models.QualitySample
}

// Table holds per (dial peer, TP) outcome history feeding the quality
// scorer. One lock guards the whole table; accesses are short.
type Table struct {
    mu    sync.Mutex
    pairs map[pairKey]*history
    limit int
    store HistoryStore
}

func NewTable(limit int, store HistoryStore) *Table {
    if limit <= 0 {
        limit = 100
    }
    return &Table{
        pairs: make(map[pairKey]*history),
        limit: limit,
        store: store,
    }
}

// Record inserts an outcome sample keeping timestamp-descending order.
// Out-of-order arrivals walk forward until their position is found.
func (t *Table) Record(dpID, tpID, billsec int, answered bool, timestamp int64) {
    t.mu.Lock()
    defer t.mu.Unlock()
    t.record(dpID, tpID, billsec, answered, timestamp)
}

func (t *Table) record(dpID, tpID, billsec int, answered bool, timestamp int64) {
    key := pairKey{dpID: dpID, tpID: tpID}
    h := t.pairs[key]
    if h == nil {
        h = &history{samples: make([]models.QualitySample, 0, t.limit)}
        t.pairs[key] = h
    }

    sample := models.QualitySample{Billsec: billsec, Answered: answered, Timestamp: timestamp}

    pos := 0
    for pos < len(h.samples) && h.samples[pos].Timestamp >= timestamp {
        pos++
    }

    h.samples = append(h.samples, models.QualitySample{})
    copy(h.samples[pos+1:], h.samples[pos:])
    h.samples[pos] = sample

    if len(h.samples) > t.limit {
        h.samples = h.samples[:t.limit]
    }
}

// Samples returns a copy of the pair's history, newest first.
func (t *Table) Samples(dpID, tpID int) []models.QualitySample {
    t.mu.Lock()
    defer t.mu.Unlock()

    h := t.pairs[pairKey{dpID: dpID, tpID: tpID}]
    if h == nil {
        return nil
    }

    out := make([]models.QualitySample, len(h.samples))
    copy(out, h.samples)
    return out
}

// EnsureSeeded guarantees the pair has history before first scoring.
// Unknown pairs are seeded from recent persisted outcomes; when none
// exist a single synthetic zero-outcome sample marks the pair as
// known-empty so it is never re-seeded per call.
func (t *Table) EnsureSeeded(ctx context.Context, dpID, tpID int) {
    t.mu.Lock()
    _, known := t.pairs[pairKey{dpID: dpID, tpID: tpID}]
    t.mu.Unlock()

    if known {
        return
    }

    log := logger.WithContext(ctx)

    var samples []models.QualitySample
    if t.store != nil {
        var err error
        samples, err = t.store.RecentOutcomes(ctx, tpID, t.limit)
        if err != nil {
            log.WithError(err).WithField("tp_id", tpID).Warn("Quality history lookup failed")
            samples = nil
        }
    }

    if len(samples) == 0 {
        log.WithField("dp_id", dpID).WithField("tp_id", tpID).
            Warn("No quality history found, seeding synthetic sample")

        // Timestamp -1 marks the synthetic known-empty sample.
        samples = []models.QualitySample{{Timestamp: -1}}
    }

    t.seed(dpID, tpID, samples)
}

// seed installs the fetched samples unless a concurrent caller already
// seeded the pair while the store lookup was in flight.
func (t *Table) seed(dpID, tpID int, samples []models.QualitySample) {
    t.mu.Lock()
    defer t.mu.Unlock()

    if _, known := t.pairs[pairKey{dpID: dpID, tpID: tpID}]; known {
        return
    }
    for _, s := range samples {
        t.record(dpID, tpID, s.Billsec, s.Answered, s.Timestamp)
    }
}
