package pipeline

import (
    "context"
    "fmt"
    "sync"
    "testing"
    "time"

    "github.com/hamzaKhattat/voip-billing-engine/internal/accounting"
    "github.com/hamzaKhattat/voip-billing-engine/internal/config"
    "github.com/hamzaKhattat/voip-billing-engine/internal/models"
    "github.com/hamzaKhattat/voip-billing-engine/internal/quality"
    "github.com/hamzaKhattat/voip-billing-engine/internal/registry"
)

type stubAccountStore struct{}

func (stubAccountStore) GetAccount(ctx context.Context, userID int) (*models.UserAccount, error) {
    return &models.UserAccount{ID: userID, Balance: 1000}, nil
}

func (stubAccountStore) AddBalance(ctx context.Context, userID int, delta float64) error {
    return nil
}

type stubRecordStore struct{}

func (stubRecordStore) InsertCDRs(ctx context.Context, batch []models.CDR) error { return nil }

func (stubRecordStore) UpsertSnapshots(ctx context.Context, batch []models.ActiveCallSnapshot) error {
    return nil
}

func (stubRecordStore) DeleteSnapshots(ctx context.Context, callIDs []string) error { return nil }

func lifecycleEngine(capacity int) *Engine {
    balances := accounting.NewBalances(stubAccountStore{}, false)
    writer := accounting.NewWriter(stubRecordStore{}, 1000, time.Hour, false)
    return &Engine{
        cfg:      config.EngineConfig{GlobalCallTimeout: 3600},
        registry: registry.New(capacity),
        quality:  quality.NewTable(50, nil),
        accounts: accounting.NewEngine(balances, writer),
        negcache: NewNegativeCache(nil),
        shedder:  NewShedder(0, 0),
    }
}

func registeredCall(e *Engine, id string) *models.Call {
    call := &models.Call{
        ID:         id,
        State:      models.CallStateRouting,
        Originator: &models.OriginatorProfile{ID: 1, UserID: 1},
        Routes: []*models.RouteEntry{{
            DP: &models.DialPeer{ID: 1},
            TP: &models.TerminationPoint{ID: 2, UserID: 2, Rate: models.Rate{Rate: 0.01}},
        }},
        OPRate:    models.Rate{Rate: 0.01},
        Timeout:   3600,
        StartTime: time.Now(),
    }
    if e.registry.Allocate(call) == 0 {
        return nil
    }
    return call
}

// The lifecycle handlers and the maintenance sweep touch the same
// registered calls from different goroutines; both sides must hold the
// call lock so the interleaving stays clean.
func TestConcurrentLifecycleAndBudgetSweep(t *testing.T) {
    e := lifecycleEngine(64)
    ctx := context.Background()

    var ids []string
    for i := 0; i < 32; i++ {
        call := registeredCall(e, fmt.Sprintf("call-%d", i))
        if call == nil {
            t.Fatal("slot allocation failed")
        }
        ids = append(ids, call.ID)
    }

    var wg sync.WaitGroup
    wg.Add(2)

    go func() {
        defer wg.Done()
        for _, id := range ids {
            if err := e.ProcessAnswer(ctx, id); err != nil {
                t.Errorf("ProcessAnswer(%s) failed: %v", id, err)
            }
        }
        for _, id := range ids {
            if err := e.ProcessHangup(ctx, id, 10, 10, 16); err != nil {
                t.Errorf("ProcessHangup(%s) failed: %v", id, err)
            }
        }
    }()

    go func() {
        defer wg.Done()
        for i := 0; i < 200; i++ {
            e.enforceBudgets()
            e.inFlightCost(1)
        }
    }()

    wg.Wait()

    if got := len(e.registry.Sweep()); got != len(ids) {
        t.Fatalf("reclaimed %d calls, want %d", got, len(ids))
    }
}

func TestEnforceBudgetsFlagsTimeoutExpired(t *testing.T) {
    e := lifecycleEngine(4)

    call := registeredCall(e, "overdue")
    if call == nil {
        t.Fatal("slot allocation failed")
    }

    past := time.Now().Add(-2 * time.Minute)
    call.Lock()
    call.State = models.CallStateAnswered
    call.AnswerTime = &past
    call.Timeout = 60
    call.Unlock()

    e.enforceBudgets()

    call.Lock()
    flagged := call.SystemHangup
    call.Unlock()
    if !flagged {
        t.Fatal("overdue call not flagged for system hangup")
    }

    e.killMu.Lock()
    queued := len(e.killQueue)
    e.killMu.Unlock()
    if queued != 1 {
        t.Fatalf("kill queue length = %d, want 1", queued)
    }

    // A flagged call is handed over exactly once.
    e.enforceBudgets()
    e.killMu.Lock()
    queued = len(e.killQueue)
    e.killMu.Unlock()
    if queued != 1 {
        t.Fatalf("kill queue length after second pass = %d, want 1", queued)
    }
}
