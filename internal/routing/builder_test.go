package routing

import (
    "context"
    "testing"

    "github.com/hamzaKhattat/voip-billing-engine/internal/models"
)

type fakeSource struct {
    tiers map[int][]*models.DialPeer
}

func (s *fakeSource) DialPeers(ctx context.Context, groupID, tier int, call *models.Call) ([]*models.DialPeer, error) {
    return s.tiers[tier], nil
}

type fakeScorer struct {
    scores map[int]float64
}

func (s *fakeScorer) EnsureSeeded(ctx context.Context, dpID, tpID int) {}

func (s *fakeScorer) Score(profile models.QualityProfile, dpID, tpID int, price float64, weight, percent int) float64 {
    return s.scores[tpID]
}

func tp(id int, rate float64) *models.TerminationPoint {
    return &models.TerminationPoint{ID: id, Rate: models.Rate{Rate: rate}}
}

func testCall(algo models.OrderPolicy) *models.Call {
    return &models.Call{
        ID:         "test-call",
        Dst:        "12125551234",
        Originator: &models.OriginatorProfile{RouteGroupID: 1, RoutingAlgorithm: algo},
    }
}

func TestBuildOrdersByPrice(t *testing.T) {
    source := &fakeSource{tiers: map[int][]*models.DialPeer{
        0: {{
            ID:            1,
            PrimaryPolicy: models.OrderByPrice,
            TPs:           []*models.TerminationPoint{tp(1, 0.03), tp(2, 0.01), tp(3, 0.02)},
        }},
    }}

    b := NewBuilder(source, &fakeScorer{}, 10, 1)
    table := b.Build(context.Background(), testCall(models.OrderByPrice), nil)

    if len(table) != 3 {
        t.Fatalf("table size = %d, want 3", len(table))
    }
    for i, want := range []int{2, 3, 1} {
        if table[i].TP.ID != want {
            t.Errorf("table[%d].TP.ID = %d, want %d", i, table[i].TP.ID, want)
        }
    }
}

func TestBuildNoFollowKeepsTopCandidate(t *testing.T) {
    source := &fakeSource{tiers: map[int][]*models.DialPeer{
        0: {{
            ID:            1,
            NoFollow:      true,
            PrimaryPolicy: models.OrderByPrice,
            TPs:           []*models.TerminationPoint{tp(1, 0.05), tp(2, 0.01)},
        }},
    }}

    b := NewBuilder(source, &fakeScorer{}, 10, 1)
    table := b.Build(context.Background(), testCall(models.OrderByPrice), nil)

    if len(table) != 1 || table[0].TP.ID != 2 {
        t.Fatalf("no-follow table = %v, want only the cheapest candidate", table)
    }
}

func TestBuildKeepsDialPeersContiguous(t *testing.T) {
    source := &fakeSource{tiers: map[int][]*models.DialPeer{
        0: {
            {
                ID:            1,
                PrimaryPolicy: models.OrderByPrice,
                TPs:           []*models.TerminationPoint{tp(1, 0.03), tp(2, 0.01), tp(3, 0.05)},
            },
            {
                ID:            2,
                PrimaryPolicy: models.OrderByPrice,
                TPs:           []*models.TerminationPoint{tp(4, 0.02), tp(5, 0.04)},
            },
        },
    }}

    b := NewBuilder(source, &fakeScorer{}, 10, 1)
    table := b.Build(context.Background(), testCall(models.OrderByPrice), nil)

    if len(table) != 5 {
        t.Fatalf("table size = %d, want 5", len(table))
    }

    // A global price sort would interleave the peers; each dial peer
    // must stay a contiguous block, ordered by price inside it.
    for i, want := range []int{2, 1, 3, 4, 5} {
        if table[i].TP.ID != want {
            t.Errorf("table[%d].TP.ID = %d, want %d", i, table[i].TP.ID, want)
        }
    }

    seen := make(map[int]bool)
    last := 0
    for i, entry := range table {
        id := entry.DP.ID
        if id != last {
            if seen[id] {
                t.Fatalf("dial peer %d split across non-contiguous positions (index %d)", id, i)
            }
            seen[id] = true
            last = id
        }
    }
}

func TestBuildNoFollowUsesGroupKey(t *testing.T) {
    cheap := tp(1, 0.01)
    cheap.Weight = 9
    expensive := tp(2, 0.05)
    expensive.Weight = 1

    source := &fakeSource{tiers: map[int][]*models.DialPeer{
        0: {{
            ID:            1,
            NoFollow:      true,
            PrimaryPolicy: models.OrderByWeight,
            TPs:           []*models.TerminationPoint{cheap, expensive},
        }},
    }}

    // Weight ordering favors the expensive candidate, but the group
    // key is price; no-follow must keep the candidate that leads after
    // the group-level pass.
    b := NewBuilder(source, &fakeScorer{}, 10, 1)
    table := b.Build(context.Background(), testCall(models.OrderByPrice), nil)

    if len(table) != 1 || table[0].TP.ID != 1 {
        t.Fatalf("no-follow table = %v, want only the cheapest candidate", table)
    }
}

func TestBuildDeduplicatesAcrossTiers(t *testing.T) {
    shared := tp(7, 0.02)
    source := &fakeSource{tiers: map[int][]*models.DialPeer{
        0: {{ID: 1, TPs: []*models.TerminationPoint{shared}}},
        1: {{ID: 2, TPs: []*models.TerminationPoint{shared, tp(8, 0.03)}}},
    }}

    b := NewBuilder(source, &fakeScorer{}, 10, 1)
    table := b.Build(context.Background(), testCall(models.OrderByPrice), nil)

    if len(table) != 2 {
        t.Fatalf("table size = %d, want 2 unique termination points", len(table))
    }
    if table[0].TP.ID != 7 || table[1].TP.ID != 8 {
        t.Fatalf("table order = [%d %d], want [7 8]", table[0].TP.ID, table[1].TP.ID)
    }
    if table[0].FailoverTier != 0 || table[1].FailoverTier != 1 {
        t.Fatalf("tiers = [%d %d], want [0 1]",
            table[0].FailoverTier, table[1].FailoverTier)
    }
}

func TestBuildTruncatesAtMaxAttempts(t *testing.T) {
    source := &fakeSource{tiers: map[int][]*models.DialPeer{
        0: {{ID: 1, TPs: []*models.TerminationPoint{
            tp(1, 0.01), tp(2, 0.02), tp(3, 0.03), tp(4, 0.04),
        }}},
    }}

    b := NewBuilder(source, &fakeScorer{}, 2, 1)
    table := b.Build(context.Background(), testCall(models.OrderByPrice), nil)

    if len(table) != 2 {
        t.Fatalf("table size = %d, want attempt limit 2", len(table))
    }
}

func TestBuildQualityOrdering(t *testing.T) {
    source := &fakeSource{tiers: map[int][]*models.DialPeer{
        0: {{
            ID:            1,
            PrimaryPolicy: models.OrderByQuality,
            TPs:           []*models.TerminationPoint{tp(1, 0.01), tp(2, 0.01), tp(3, 0.01)},
        }},
    }}
    scorer := &fakeScorer{scores: map[int]float64{1: 10, 2: 90, 3: 50}}
    profile := &models.QualityProfile{Formula: "ASR"}

    b := NewBuilder(source, scorer, 10, 1)
    table := b.Build(context.Background(), testCall(models.OrderByQuality), profile)

    for i, want := range []int{2, 3, 1} {
        if table[i].TP.ID != want {
            t.Errorf("table[%d].TP.ID = %d, want %d (best score first)", i, table[i].TP.ID, want)
        }
    }
}

func TestBuildEmptyTableIsValid(t *testing.T) {
    b := NewBuilder(&fakeSource{tiers: map[int][]*models.DialPeer{}}, &fakeScorer{}, 10, 1)

    table := b.Build(context.Background(), testCall(models.OrderByPrice), nil)
    if len(table) != 0 {
        t.Fatalf("table = %v, want empty", table)
    }
}

func TestPercentDistribution(t *testing.T) {
    heavy := &models.TerminationPoint{ID: 1, Percent: 90, Rate: models.Rate{Rate: 0.01}}
    light := &models.TerminationPoint{ID: 2, Percent: 10, Rate: models.Rate{Rate: 0.01}}

    source := &fakeSource{tiers: map[int][]*models.DialPeer{
        0: {{
            ID:            1,
            PrimaryPolicy: models.OrderByPercent,
            TPs:           []*models.TerminationPoint{heavy, light},
        }},
    }}

    b := NewBuilder(source, &fakeScorer{}, 10, 42)

    heavyFirst := 0
    const draws = 400
    for i := 0; i < draws; i++ {
        table := b.Build(context.Background(), testCall(models.OrderByPercent), nil)
        if len(table) != 2 {
            t.Fatalf("table size = %d, want 2", len(table))
        }
        if table[0].TP.ID == 1 {
            heavyFirst++
        }
    }

    // 90/10 split; anything between 75% and 99% first place for the
    // heavy candidate is comfortably within sampling noise.
    if heavyFirst < draws*75/100 || heavyFirst > draws*99/100 {
        t.Fatalf("heavy candidate led %d/%d draws, want roughly 90%%", heavyFirst, draws)
    }
}

func TestPercentZeroFillsTail(t *testing.T) {
    weighted := &models.TerminationPoint{ID: 1, Percent: 100}
    zeroA := &models.TerminationPoint{ID: 2}
    zeroB := &models.TerminationPoint{ID: 3}

    b := NewBuilder(&fakeSource{}, &fakeScorer{}, 10, 1)
    ranks := b.assignPercentRanks([]*models.TerminationPoint{weighted, zeroA, zeroB})

    if ranks[1] != 1 {
        t.Fatalf("weighted candidate rank = %d, want 1", ranks[1])
    }
    if ranks[2] != 2 || ranks[3] != 3 {
        t.Fatalf("zero-percent tail ranks = %d/%d, want 2/3 in list order", ranks[2], ranks[3])
    }
}
