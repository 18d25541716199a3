package pipeline

import (
    "fmt"
    "testing"
    "time"

    "github.com/hamzaKhattat/voip-billing-engine/internal/config"
    "github.com/hamzaKhattat/voip-billing-engine/internal/models"
    "github.com/hamzaKhattat/voip-billing-engine/internal/registry"
    "github.com/hamzaKhattat/voip-billing-engine/pkg/errors"
)

func TestCodecsCompatible(t *testing.T) {
    tests := []struct {
        name    string
        allowed []string
        offered []string
        want    bool
    }{
        {"both empty", nil, nil, true},
        {"allowed empty accepts anything", nil, []string{"opus"}, true},
        {"offered empty accepts anything", []string{"ulaw"}, nil, true},
        {"shared codec", []string{"ulaw", "alaw"}, []string{"g729", "alaw"}, true},
        {"case insensitive", []string{"ULAW"}, []string{"ulaw"}, true},
        {"no intersection", []string{"ulaw"}, []string{"g729", "opus"}, false},
    }

    for _, tt := range tests {
        t.Run(tt.name, func(t *testing.T) {
            if got := codecsCompatible(tt.allowed, tt.offered); got != tt.want {
                t.Errorf("codecsCompatible(%v, %v) = %v, want %v",
                    tt.allowed, tt.offered, got, tt.want)
            }
        })
    }
}

func budgetEngine(globalTimeout int) *Engine {
    return &Engine{
        cfg:      config.EngineConfig{GlobalCallTimeout: globalTimeout},
        registry: registry.New(10),
    }
}

func TestTimeoutBudget(t *testing.T) {
    tests := []struct {
        name    string
        op      models.OriginatorProfile
        acct    models.UserAccount
        rate    models.Rate
        global  int
        want    int
    }{
        {
            name: "balance converts to seconds",
            acct: models.UserAccount{Balance: 10},
            rate: models.Rate{Rate: 1.2, Increment: 1},
            global: 7200, want: 500,
        },
        {
            name: "free rate gets the global ceiling",
            acct: models.UserAccount{Balance: 10},
            rate: models.Rate{Increment: 1},
            global: 7200, want: 7200,
        },
        {
            name: "originator maximum clamps",
            op:   models.OriginatorProfile{MaxTimeout: 300},
            acct: models.UserAccount{Balance: 10},
            rate: models.Rate{Rate: 1.2, Increment: 1},
            global: 7200, want: 300,
        },
        {
            name: "global ceiling clamps",
            acct: models.UserAccount{Balance: 1000},
            rate: models.Rate{Rate: 1.2, Increment: 1},
            global: 3600, want: 3600,
        },
        {
            name: "budget truncated to increment multiple",
            acct: models.UserAccount{Balance: 10},
            rate: models.Rate{Rate: 1.2, Increment: 30},
            global: 7200, want: 480,
        },
        {
            name: "balance at the limit is broke",
            acct: models.UserAccount{Balance: 5, BalanceLimit: 5},
            rate: models.Rate{Rate: 1.2, Increment: 1},
            global: 7200, want: 0,
        },
        {
            name: "budget below minimum time zeroes",
            acct: models.UserAccount{Balance: 0.5},
            rate: models.Rate{Rate: 1.2, MinTime: 60, Increment: 1},
            global: 7200, want: 0,
        },
        {
            name: "exchange rate scales the spend",
            acct: models.UserAccount{Balance: 10},
            rate: models.Rate{Rate: 2.4, ExchangeRate: 2, Increment: 1},
            global: 7200, want: 500,
        },
    }

    for _, tt := range tests {
        t.Run(tt.name, func(t *testing.T) {
            e := budgetEngine(tt.global)
            got := e.timeoutBudget(&tt.op, &tt.acct, tt.rate)
            if got != tt.want {
                t.Errorf("timeoutBudget = %d, want %d", got, tt.want)
            }
        })
    }
}

func TestInFlightCostCountsAnsweredCalls(t *testing.T) {
    e := budgetEngine(7200)

    answerTime := time.Now().Add(-60 * time.Second)
    e.registry.Allocate(&models.Call{
        ID:         "answered",
        State:      models.CallStateAnswered,
        AnswerTime: &answerTime,
        Originator: &models.OriginatorProfile{UserID: 1},
        OPRate:     models.Rate{Rate: 1.0},
    })
    e.registry.Allocate(&models.Call{
        ID:         "ringing",
        State:      models.CallStateRinging,
        Originator: &models.OriginatorProfile{UserID: 1},
        OPRate:     models.Rate{Rate: 1.0},
    })
    e.registry.Allocate(&models.Call{
        ID:         "other-user",
        State:      models.CallStateAnswered,
        AnswerTime: &answerTime,
        Originator: &models.OriginatorProfile{UserID: 2},
        OPRate:     models.Rate{Rate: 1.0},
    })

    // One answered minute at 1.0/min, with a little scheduling slack.
    cost := e.inFlightCost(1)
    if cost < 0.99 || cost > 1.1 {
        t.Fatalf("inFlightCost = %v, want about 1.0", cost)
    }

    if other := e.inFlightCost(3); other != 0 {
        t.Fatalf("inFlightCost for idle user = %v, want 0", other)
    }
}

func TestNegKey(t *testing.T) {
    if negKey("10.0.0.1", 5060, "99") != "10.0.0.1:5060:99" {
        t.Fatal("unexpected negative cache key format")
    }
}

func TestOriginatorCause(t *testing.T) {
    tests := []struct {
        name string
        err  error
        want int
    }{
        {"tech prefix mismatch", errors.New(errors.ErrTechPrefixMismatch, "wrong prefix"), models.CauseTechPrefixMismatch},
        {"port mismatch", errors.New(errors.ErrPortMismatch, "wrong port"), models.CausePortMismatch},
        {"database failure", errors.New(errors.ErrDatabase, "lookup failed"), models.CauseAuthNotFound},
        {"plain error", fmt.Errorf("boom"), models.CauseAuthNotFound},
    }

    for _, tt := range tests {
        t.Run(tt.name, func(t *testing.T) {
            if got := originatorCause(tt.err); got != tt.want {
                t.Errorf("originatorCause(%v) = %d, want %d", tt.err, got, tt.want)
            }
        })
    }
}
