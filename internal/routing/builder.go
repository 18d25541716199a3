package routing

import (
    "context"
    "math/rand"
    "sort"
    "sync"

    "github.com/hamzaKhattat/voip-billing-engine/internal/models"
    "github.com/hamzaKhattat/voip-billing-engine/pkg/logger"
)

// CandidateSource retrieves eligible dial peers for one failover tier
// of a route group. Returned termination points are already filtered
// for rate validity, capacity, regexp and CPS by the retrieval layer.
type CandidateSource interface {
    DialPeers(ctx context.Context, groupID, tier int, call *models.Call) ([]*models.DialPeer, error)
}

// QualityScorer supplies quality ranking values for candidates.
type QualityScorer interface {
    EnsureSeeded(ctx context.Context, dpID, tpID int)
    Score(profile models.QualityProfile, dpID, tpID int, price float64, weight, percent int) float64
}

const maxFailoverTiers = 2

// Builder assembles the ordered attempt table for an admitted call.
type Builder struct {
    source      CandidateSource
    scorer      QualityScorer
    maxAttempts int

    mu  sync.Mutex
    rnd *rand.Rand
}

func NewBuilder(source CandidateSource, scorer QualityScorer, maxAttempts int, seed int64) *Builder {
    if maxAttempts <= 0 {
        maxAttempts = 10
    }
    return &Builder{
        source:      source,
        scorer:      scorer,
        maxAttempts: maxAttempts,
        rnd:         rand.New(rand.NewSource(seed)),
    }
}

// Build produces the routing table for the call: the primary tier
// first, failover tiers appended while the table stays short of the
// attempt limit. Entries are globally unique by termination point id.
// An empty table is a valid result, not an error.
func (b *Builder) Build(ctx context.Context, call *models.Call, profile *models.QualityProfile) []*models.RouteEntry {
    log := logger.WithContext(ctx)

    var table []*models.RouteEntry
    seen := make(map[int]bool)

    for tier := 0; tier <= maxFailoverTiers; tier++ {
        if len(table) >= b.maxAttempts {
            break
        }

        peers, err := b.source.DialPeers(ctx, call.Originator.RouteGroupID, tier, call)
        if err != nil {
            log.WithError(err).WithField("tier", tier).Error("Dial peer retrieval failed")
            continue
        }
        if len(peers) == 0 {
            continue
        }

        entries := b.buildTier(ctx, call, peers, profile)

        for _, entry := range entries {
            if seen[entry.TP.ID] {
                continue
            }
            seen[entry.TP.ID] = true
            entry.FailoverTier = tier
            table = append(table, entry)
            if len(table) >= b.maxAttempts {
                break
            }
        }
    }

    log.WithField("entries", len(table)).Debug("Routing table built")
    return table
}

// buildTier ranks one tier's dial peers and flattens them in dial-peer
// id order with no-follow applied.
func (b *Builder) buildTier(ctx context.Context, call *models.Call, peers []*models.DialPeer, profile *models.QualityProfile) []*models.RouteEntry {
    opAlgo := call.Originator.RoutingAlgorithm

    sort.SliceStable(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })

    var flat []*models.RouteEntry

    for _, dp := range peers {
        if len(dp.TPs) == 0 {
            continue
        }

        usePercent := opAlgo == models.OrderByPercent ||
            dp.PrimaryPolicy == models.OrderByPercent ||
            dp.SecondaryPolicy == models.OrderByPercent

        var ranks map[int]int
        if usePercent {
            ranks = b.assignPercentRanks(dp.TPs)
        }

        entries := make([]*models.RouteEntry, 0, len(dp.TPs))
        for _, tp := range dp.TPs {
            entry := &models.RouteEntry{
                DP:     dp,
                TP:     tp,
                Price:  tp.Rate.EffectiveRate(),
                Weight: tp.Weight,
            }
            if ranks != nil {
                entry.PercentRank = ranks[tp.ID]
            }
            if needsQuality(opAlgo, dp) && profile != nil {
                b.scorer.EnsureSeeded(ctx, dp.ID, tp.ID)
                entry.QualityScore = b.scorer.Score(*profile, dp.ID, tp.ID, entry.Price, tp.Weight, tp.Percent)
            }
            entries = append(entries, entry)
        }

        // Per-peer ordering: the secondary policy first, the primary
        // on top of it, then the group-level key. All three passes
        // stay inside the peer's own range, so every dial peer is a
        // contiguous block in the flattened table. Percent ranking
        // already encodes the randomized order, so the peer policies
        // are skipped then.
        if opAlgo != models.OrderByPercent {
            exchangeSort(entries, dp.SecondaryPolicy)
            exchangeSort(entries, dp.PrimaryPolicy)
        }
        if opAlgo != models.OrderByDialPeer {
            exchangeSort(entries, opAlgo)
        }

        // No-follow keeps whichever candidate came out on top of the
        // final ordering.
        if dp.NoFollow && len(entries) > 1 {
            entries = entries[:1]
        }

        flat = append(flat, entries...)
    }

    return flat
}

func needsQuality(opAlgo models.OrderPolicy, dp *models.DialPeer) bool {
    return opAlgo == models.OrderByQuality ||
        dp.PrimaryPolicy == models.OrderByQuality ||
        dp.SecondaryPolicy == models.OrderByQuality
}

// exchangeSort is a stable exchange sort: adjacent swaps on strict
// inequality only, so equal keys keep their insertion order.
func exchangeSort(entries []*models.RouteEntry, policy models.OrderPolicy) {
    if policy == models.OrderNone || policy == "" || len(entries) < 2 {
        return
    }

    for i := 0; i < len(entries)-1; i++ {
        for j := 0; j < len(entries)-1-i; j++ {
            if outOfOrder(entries[j], entries[j+1], policy) {
                entries[j], entries[j+1] = entries[j+1], entries[j]
            }
        }
    }
}

func outOfOrder(a, b *models.RouteEntry, policy models.OrderPolicy) bool {
    switch policy {
    case models.OrderByPrice:
        return a.Price > b.Price
    case models.OrderByWeight:
        return a.Weight > b.Weight
    case models.OrderByPercent:
        return a.PercentRank > b.PercentRank
    case models.OrderByQuality:
        return a.QualityScore < b.QualityScore
    }
    return false
}

// assignPercentRanks performs weighted random sampling without
// replacement: cumulative buckets over the unconsumed candidates, a
// uniform draw in [1, total], repeat until every candidate holds a
// rank. Candidates with zero percent fill the tail in list order.
func (b *Builder) assignPercentRanks(tps []*models.TerminationPoint) map[int]int {
    ranks := make(map[int]int, len(tps))
    remaining := make([]*models.TerminationPoint, len(tps))
    copy(remaining, tps)

    rank := 1
    for len(remaining) > 0 {
        total := 0
        for _, tp := range remaining {
            if tp.Percent > 0 {
                total += tp.Percent
            }
        }

        if total <= 0 {
            for _, tp := range remaining {
                ranks[tp.ID] = rank
                rank++
            }
            break
        }

        b.mu.Lock()
        draw := b.rnd.Intn(total) + 1
        b.mu.Unlock()

        cum := 0
        picked := -1
        for i, tp := range remaining {
            if tp.Percent <= 0 {
                continue
            }
            lo := cum + 1
            cum += tp.Percent
            if draw >= lo && draw <= cum {
                picked = i
                break
            }
        }

        if picked == -1 {
            picked = len(remaining) - 1
        }

        ranks[remaining[picked].ID] = rank
        rank++
        remaining = append(remaining[:picked], remaining[picked+1:]...)
    }

    return ranks
}
