package accounting

import (
    "context"
    "sync"
    "time"

    "github.com/hamzaKhattat/voip-billing-engine/internal/models"
    "github.com/hamzaKhattat/voip-billing-engine/pkg/logger"
)

// RecordStore persists call records and active-call snapshots. Batch
// rows are independent, so a retried batch is safe.
type RecordStore interface {
    InsertCDRs(ctx context.Context, batch []models.CDR) error
    UpsertSnapshots(ctx context.Context, batch []models.ActiveCallSnapshot) error
    DeleteSnapshots(ctx context.Context, callIDs []string) error
}

// Writer batches call records and active-call snapshot changes. Each
// buffer flushes when it reaches the batch size or when the period
// timer fires, whichever comes first. In async mode the buffer is
// copied and reset under the lock and the write runs detached, so new
// accumulation never waits on the store.
type Writer struct {
    store         RecordStore
    batchSize     int
    flushInterval time.Duration
    async         bool

    mu        sync.Mutex
    cdrs      []models.CDR
    upserts   []models.ActiveCallSnapshot
    deletes   []string
    detached  sync.WaitGroup
}

func NewWriter(store RecordStore, batchSize int, flushInterval time.Duration, async bool) *Writer {
    if batchSize <= 0 {
        batchSize = 100
    }
    if flushInterval <= 0 {
        flushInterval = time.Second
    }
    return &Writer{
        store:         store,
        batchSize:     batchSize,
        flushInterval: flushInterval,
        async:         async,
    }
}

// EnqueueCDR queues one completed attempt for persistence.
func (w *Writer) EnqueueCDR(ctx context.Context, cdr models.CDR) {
    w.mu.Lock()
    w.cdrs = append(w.cdrs, cdr)
    full := len(w.cdrs) >= w.batchSize
    w.mu.Unlock()

    if full {
        w.FlushCDRs(ctx)
    }
}

// EnqueueSnapshot queues an active-call snapshot write.
func (w *Writer) EnqueueSnapshot(ctx context.Context, snap models.ActiveCallSnapshot) {
    w.mu.Lock()
    w.upserts = append(w.upserts, snap)
    full := len(w.upserts) >= w.batchSize
    w.mu.Unlock()

    if full {
        w.FlushSnapshots(ctx)
    }
}

// EnqueueSnapshotDelete queues removal of an active-call snapshot.
func (w *Writer) EnqueueSnapshotDelete(ctx context.Context, callID string) {
    w.mu.Lock()
    w.deletes = append(w.deletes, callID)
    full := len(w.deletes) >= w.batchSize
    w.mu.Unlock()

    if full {
        w.FlushSnapshots(ctx)
    }
}

// FlushCDRs drains the record buffer through the store.
func (w *Writer) FlushCDRs(ctx context.Context) {
    w.mu.Lock()
    batch := w.cdrs
    w.cdrs = nil
    w.mu.Unlock()

    if len(batch) == 0 {
        return
    }

    w.dispatch(ctx, func(ctx context.Context) {
        if err := w.store.InsertCDRs(ctx, batch); err != nil {
            logger.WithError(err).WithField("count", len(batch)).Error("CDR batch insert failed")
            return
        }
        logger.WithField("count", len(batch)).Debug("CDR batch flushed")
    })
}

// FlushSnapshots drains both snapshot buffers.
func (w *Writer) FlushSnapshots(ctx context.Context) {
    w.mu.Lock()
    upserts := w.upserts
    deletes := w.deletes
    w.upserts = nil
    w.deletes = nil
    w.mu.Unlock()

    if len(upserts) == 0 && len(deletes) == 0 {
        return
    }

    w.dispatch(ctx, func(ctx context.Context) {
        if len(upserts) > 0 {
            if err := w.store.UpsertSnapshots(ctx, upserts); err != nil {
                logger.WithError(err).WithField("count", len(upserts)).Error("Active call upsert failed")
            }
        }
        if len(deletes) > 0 {
            if err := w.store.DeleteSnapshots(ctx, deletes); err != nil {
                logger.WithError(err).WithField("count", len(deletes)).Error("Active call delete failed")
            }
        }
    })
}

// dispatch runs a flush either inline or detached per the async flag.
func (w *Writer) dispatch(ctx context.Context, fn func(context.Context)) {
    if !w.async {
        fn(ctx)
        return
    }

    w.detached.Add(1)
    go func() {
        defer w.detached.Done()
        // Detached writes outlive the caller's request context.
        flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
        defer cancel()
        fn(flushCtx)
    }()
}

// Start flushes on the period timer until the context is cancelled,
// then drains both buffers one last time.
func (w *Writer) Start(ctx context.Context) {
    ticker := time.NewTicker(w.flushInterval)
    defer ticker.Stop()

    for {
        select {
        case <-ctx.Done():
            drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
            w.FlushCDRs(drainCtx)
            w.FlushSnapshots(drainCtx)
            w.detached.Wait()
            cancel()
            return
        case <-ticker.C:
            w.FlushCDRs(ctx)
            w.FlushSnapshots(ctx)
        }
    }
}

// Pending returns the buffered CDR count. Used by metrics.
func (w *Writer) Pending() int {
    w.mu.Lock()
    defer w.mu.Unlock()
    return len(w.cdrs)
}
