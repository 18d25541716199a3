package quality

import (
    "context"
    "errors"
    "sync"
    "testing"

    "github.com/hamzaKhattat/voip-billing-engine/internal/models"
)

type fakeHistoryStore struct {
    samples []models.QualitySample
    err     error
    calls   int
}

func (s *fakeHistoryStore) RecentOutcomes(ctx context.Context, tpID, limit int) ([]models.QualitySample, error) {
    s.calls++
    return s.samples, s.err
}

func TestRecordKeepsNewestFirst(t *testing.T) {
    table := NewTable(10, nil)

    table.Record(1, 2, 30, true, 100)
    table.Record(1, 2, 0, false, 300)
    table.Record(1, 2, 60, true, 200)

    samples := table.Samples(1, 2)
    if len(samples) != 3 {
        t.Fatalf("len = %d, want 3", len(samples))
    }
    for i, want := range []int64{300, 200, 100} {
        if samples[i].Timestamp != want {
            t.Errorf("samples[%d].Timestamp = %d, want %d", i, samples[i].Timestamp, want)
        }
    }
}

func TestRecordEvictsOldest(t *testing.T) {
    table := NewTable(3, nil)

    for ts := int64(1); ts <= 5; ts++ {
        table.Record(1, 2, 10, true, ts)
    }

    samples := table.Samples(1, 2)
    if len(samples) != 3 {
        t.Fatalf("len = %d, want limit 3", len(samples))
    }
    if samples[0].Timestamp != 5 || samples[2].Timestamp != 3 {
        t.Fatalf("retained window = %v, want timestamps 5..3", samples)
    }
}

func TestEnsureSeededFromStore(t *testing.T) {
    store := &fakeHistoryStore{samples: []models.QualitySample{
        {Billsec: 30, Answered: true, Timestamp: 100},
        {Billsec: 0, Answered: false, Timestamp: 90},
    }}
    table := NewTable(10, store)
    ctx := context.Background()

    table.EnsureSeeded(ctx, 1, 2)
    if got := len(table.Samples(1, 2)); got != 2 {
        t.Fatalf("seeded samples = %d, want 2", got)
    }

    table.EnsureSeeded(ctx, 1, 2)
    if store.calls != 1 {
        t.Fatalf("store queried %d times, want 1", store.calls)
    }
}

func TestEnsureSeededSyntheticFallback(t *testing.T) {
    store := &fakeHistoryStore{err: errors.New("db down")}
    table := NewTable(10, store)
    ctx := context.Background()

    table.EnsureSeeded(ctx, 1, 2)

    samples := table.Samples(1, 2)
    if len(samples) != 1 {
        t.Fatalf("synthetic seed samples = %d, want 1", len(samples))
    }
    if samples[0].Timestamp != -1 || samples[0].Answered {
        t.Fatalf("synthetic sample = %+v", samples[0])
    }

    // Known-empty pairs are never re-seeded per call.
    table.EnsureSeeded(ctx, 1, 2)
    if store.calls != 1 {
        t.Fatalf("store queried %d times, want 1", store.calls)
    }
}

// gatedHistoryStore blocks lookups until released so the test can
// force two seeders past the unknown-pair check at the same time.
type gatedHistoryStore struct {
    mu      sync.Mutex
    calls   int
    entered chan struct{}
    release chan struct{}
    samples []models.QualitySample
}

func (s *gatedHistoryStore) RecentOutcomes(ctx context.Context, tpID, limit int) ([]models.QualitySample, error) {
    s.mu.Lock()
    s.calls++
    s.mu.Unlock()
    s.entered <- struct{}{}
    <-s.release
    return s.samples, nil
}

func TestEnsureSeededConcurrentSeedsOnce(t *testing.T) {
    store := &gatedHistoryStore{
        entered: make(chan struct{}),
        release: make(chan struct{}),
        samples: []models.QualitySample{
            {Billsec: 30, Answered: true, Timestamp: 100},
            {Billsec: 0, Answered: false, Timestamp: 90},
        },
    }
    table := NewTable(10, store)

    var wg sync.WaitGroup
    for i := 0; i < 2; i++ {
        wg.Add(1)
        go func() {
            defer wg.Done()
            table.EnsureSeeded(context.Background(), 1, 2)
        }()
    }

    // Both callers are now past the unknown-pair check; only one may
    // install its samples.
    <-store.entered
    <-store.entered
    close(store.release)
    wg.Wait()

    if got := len(table.Samples(1, 2)); got != 2 {
        t.Fatalf("seeded samples = %d, want 2 without duplication", got)
    }
    if store.calls != 2 {
        t.Fatalf("store queried %d times, want 2", store.calls)
    }
}

func TestComputeMetricsWindows(t *testing.T) {
    profile := models.QualityProfile{
        ASRCalls:          4,
        ACDCalls:          2,
        TotalCalls:        4,
        AnsweredCalls:     4,
        FailedCalls:       4,
        TotalBillsecCalls: 4,
    }

    // Newest first: answered 60s, answered 30s, failed, answered 10s.
    samples := []models.QualitySample{
        {Billsec: 60, Answered: true, Timestamp: 400},
        {Billsec: 30, Answered: true, Timestamp: 300},
        {Billsec: 0, Answered: false, Timestamp: 200},
        {Billsec: 10, Answered: true, Timestamp: 100},
    }

    m := computeMetrics(profile, samples)

    if m.TotalCalls != 4 || m.TotalAnswered != 3 || m.TotalFailed != 1 {
        t.Errorf("totals = %+v, want 4 calls / 3 answered / 1 failed", m)
    }
    if m.ASR != 75 {
        t.Errorf("ASR = %v, want 75", m.ASR)
    }
    // ACD window is the 2 newest samples, both answered.
    if m.ACD != 45 {
        t.Errorf("ACD = %v, want 45", m.ACD)
    }
    if m.TotalBillsec != 100 {
        t.Errorf("TotalBillsec = %v, want 100", m.TotalBillsec)
    }
}

func TestScorerEvaluatesFormula(t *testing.T) {
    table := NewTable(10, nil)
    table.Record(1, 2, 60, true, 200)
    table.Record(1, 2, 0, false, 100)

    scorer := NewScorer(table, NewEvaluator())

    profile := models.QualityProfile{
        Formula:           "ASR + ACD - PRICE * 10",
        ASRCalls:          10,
        ACDCalls:          10,
        TotalCalls:        10,
        AnsweredCalls:     10,
        FailedCalls:       10,
        TotalBillsecCalls: 10,
    }

    // ASR 50, ACD 60, price penalty 5.
    score := scorer.Score(profile, 1, 2, 0.5, 1, 0)
    if score != 105 {
        t.Fatalf("score = %v, want 105", score)
    }
}

func TestScorerDegradesToZero(t *testing.T) {
    table := NewTable(10, nil)
    table.Record(1, 2, 60, true, 100)
    scorer := NewScorer(table, NewEvaluator())

    profile := models.QualityProfile{Formula: "ASR +* bogus", ASRCalls: 10}
    if score := scorer.Score(profile, 1, 2, 0, 0, 0); score != 0 {
        t.Fatalf("broken formula score = %v, want 0", score)
    }
}
