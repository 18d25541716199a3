package directory

import (
    "context"
    "database/sql"
    "fmt"
    "regexp"

    "github.com/hamzaKhattat/voip-billing-engine/internal/models"
    "github.com/hamzaKhattat/voip-billing-engine/pkg/errors"
    "github.com/hamzaKhattat/voip-billing-engine/pkg/logger"
)

// RateResolver resolves termination rates through the rate trie cache.
type RateResolver interface {
    Resolve(ctx context.Context, tariffID int, number string) (models.Rate, error)
}

// CPSGate admits candidates against their calls-per-period windows.
type CPSGate interface {
    Update(entityID, limit, period int)
    Admit(entityID int) bool
}

// Candidates fetches and filters dial peers for the routing table
// builder. Termination points leave here already checked for rate
// validity, destination regexp, capacity and CPS, so the builder only
// orders them.
type Candidates struct {
    store   *Store
    rates   RateResolver
    cps     CPSGate
    counter func(deviceID int) int
}

func NewCandidates(store *Store, rates RateResolver, cps CPSGate, counter func(deviceID int) int) *Candidates {
    if counter == nil {
        counter = func(int) int { return 0 }
    }
    return &Candidates{store: store, rates: rates, cps: cps, counter: counter}
}

// DialPeers returns one tier's eligible dial peers for the call's
// destination. Peers whose every termination point filters out are
// dropped silently.
func (c *Candidates) DialPeers(ctx context.Context, groupID, tier int, call *models.Call) ([]*models.DialPeer, error) {
    query := `
        SELECT dp.id, dp.name, dp.no_follow, dp.primary_policy, dp.secondary_policy,
               d.id, d.user_id, d.name, d.host, d.port, d.tech_prefix, d.capacity,
               d.cps_limit, d.cps_period, dpd.tp_weight, dpd.tp_percent,
               d.tariff_id, d.dst_regexp, d.grace_time
        FROM dial_peers dp
        JOIN dial_peer_devices dpd ON dpd.dial_peer_id = dp.id
        JOIN devices d ON d.id = dpd.device_id
        WHERE dp.route_group_id = ? AND dp.failover_tier = ? AND dp.enabled = TRUE
          AND (dp.prefix = '' OR ? LIKE CONCAT(dp.prefix, '%'))
          AND d.blocked = FALSE
          AND d.direction IN ('termination', 'both')
        ORDER BY dp.id, d.id`

    rows, err := c.store.db.QueryContext(ctx, query, groupID, tier, call.Dst)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "dial peer lookup failed")
    }
    defer rows.Close()

    log := logger.WithContext(ctx)
    peers := make(map[int]*models.DialPeer)
    var order []int

    for rows.Next() {
        var dp models.DialPeer
        var tp models.TerminationPoint
        var dstRegexp sql.NullString

        if err := rows.Scan(
            &dp.ID, &dp.Name, &dp.NoFollow, &dp.PrimaryPolicy, &dp.SecondaryPolicy,
            &tp.ID, &tp.UserID, &tp.Name, &tp.Host, &tp.Port, &tp.TechPrefix, &tp.Capacity,
            &tp.CPSLimit, &tp.CPSPeriod, &tp.Weight, &tp.Percent,
            &tp.TariffID, &dstRegexp, &tp.GraceTime,
        ); err != nil {
            log.WithError(err).Warn("Dial peer row scan failed")
            continue
        }
        if dstRegexp.Valid {
            tp.DstRegexp = dstRegexp.String
        }

        peer := peers[dp.ID]
        if peer == nil {
            copied := dp
            copied.FailoverTier = tier
            peer = &copied
            peers[dp.ID] = peer
            order = append(order, dp.ID)
        }

        if !c.eligible(ctx, call, peer, &tp) {
            continue
        }

        peer.TPs = append(peer.TPs, &tp)
    }
    if err := rows.Err(); err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "dial peer iteration failed")
    }

    var result []*models.DialPeer
    for _, id := range order {
        if len(peers[id].TPs) > 0 {
            result = append(result, peers[id])
        }
    }

    return result, nil
}

// eligible applies the per-candidate filters. Each rejection is logged
// at debug level and, for traced calls, appended to the call trace.
func (c *Candidates) eligible(ctx context.Context, call *models.Call, dp *models.DialPeer, tp *models.TerminationPoint) bool {
    log := logger.WithContext(ctx).WithField("dp_id", dp.ID).WithField("tp_id", tp.ID)

    rate, err := c.rates.Resolve(ctx, tp.TariffID, call.Dst)
    if err != nil {
        c.trace(call, "TP %d dropped: no rate", tp.ID)
        log.WithError(err).Debug("TP dropped, rate unavailable")
        return false
    }
    if rate.Blocked {
        c.trace(call, "TP %d dropped: rate blocked", tp.ID)
        log.Debug("TP dropped, rate blocked")
        return false
    }
    tp.Rate = rate

    if tp.DstRegexp != "" {
        matched, err := regexp.MatchString(tp.DstRegexp, call.Dst)
        if err != nil || !matched {
            c.trace(call, "TP %d dropped: destination regexp", tp.ID)
            log.Debug("TP dropped, destination regexp mismatch")
            return false
        }
    }

    if tp.Capacity > 0 && c.counter(tp.ID) >= tp.Capacity {
        c.trace(call, "TP %d dropped: capacity", tp.ID)
        log.Debug("TP dropped, capacity reached")
        return false
    }

    c.cps.Update(tp.ID, tp.CPSLimit, tp.CPSPeriod)
    if !c.cps.Admit(tp.ID) {
        c.trace(call, "TP %d dropped: CPS", tp.ID)
        log.Debug("TP dropped, CPS limit reached")
        return false
    }

    return true
}

func (c *Candidates) trace(call *models.Call, format string, args ...interface{}) {
    if !call.TraceEnabled {
        return
    }
    call.TraceLog = append(call.TraceLog, fmt.Sprintf(format, args...))
}
