package pipeline

import (
    "context"
    "fmt"
    "math"
    "regexp"
    "strings"
    "sync"
    "sync/atomic"
    "time"

    "github.com/hamzaKhattat/voip-billing-engine/internal/accounting"
    "github.com/hamzaKhattat/voip-billing-engine/internal/config"
    "github.com/hamzaKhattat/voip-billing-engine/internal/cps"
    "github.com/hamzaKhattat/voip-billing-engine/internal/directory"
    "github.com/hamzaKhattat/voip-billing-engine/internal/models"
    "github.com/hamzaKhattat/voip-billing-engine/internal/quality"
    "github.com/hamzaKhattat/voip-billing-engine/internal/rating"
    "github.com/hamzaKhattat/voip-billing-engine/internal/registry"
    "github.com/hamzaKhattat/voip-billing-engine/internal/routing"
    "github.com/hamzaKhattat/voip-billing-engine/pkg/errors"
    "github.com/hamzaKhattat/voip-billing-engine/pkg/logger"
)

// Intra/inter tariff classification compares this many leading digits.
const defaultAreaDigits = 3

// Metrics is the subset of the metrics service the pipeline emits to.
type Metrics interface {
    IncrementCounter(name string, labels map[string]string)
    ObserveHistogram(name string, value float64, labels map[string]string)
    SetGauge(name string, value float64, labels map[string]string)
}

// Terminator pushes hangup commands to the call control switch.
type Terminator interface {
    Kill(ctx context.Context, callID string) error
}

// StartRequest carries the signaling attributes of an arriving call.
type StartRequest struct {
    CallID     string
    Host       string
    Port       int
    TechPrefix string
    Src        string
    Dst        string
    Codecs     []string
}

// RouteStep is one dialable destination handed back to the switch.
type RouteStep struct {
    DeviceID   int
    Host       string
    Port       int
    TechPrefix string
}

// Decision is the admission verdict for one call.
type Decision struct {
    Admitted  bool
    Cause     int
    CauseText string
    Timeout   int
    Routes    []RouteStep
    Cached    bool
}

// Engine is the admission pipeline. Every arriving call passes its
// ordered check sequence; survivors get a routing table, a slot in the
// registry and a balance backed timeout budget.
type Engine struct {
    cfg      config.EngineConfig
    store    *directory.Store
    builder  *routing.Builder
    registry *registry.Registry
    cps      *cps.Limiter
    rates    *rating.Cache
    quality  *quality.Table
    accounts *accounting.Engine
    negcache *NegativeCache
    shedder  *Shedder
    metrics  Metrics
    term     Terminator
    counter  func(deviceID int) int

    killMu    sync.Mutex
    killQueue []string

    admitted int64
    rejected int64
}

func NewEngine(
    cfg config.EngineConfig,
    store *directory.Store,
    builder *routing.Builder,
    reg *registry.Registry,
    limiter *cps.Limiter,
    rates *rating.Cache,
    qual *quality.Table,
    accounts *accounting.Engine,
    metrics Metrics,
    term Terminator,
) *Engine {
    return &Engine{
        cfg:      cfg,
        store:    store,
        builder:  builder,
        registry: reg,
        cps:      limiter,
        rates:    rates,
        quality:  qual,
        accounts: accounts,
        negcache: NewNegativeCache(cfg.HGCCacheTTL),
        shedder:  NewShedder(cfg.ShedThreshold, cfg.ShedDelay),
        metrics:  metrics,
        term:     term,
        counter:  DeviceCounter(reg),
    }
}

// DeviceCounter builds a per-device active call counter over the
// registry. A device participates in a call either as its originator
// or as the currently dialed termination point.
func DeviceCounter(reg *registry.Registry) func(deviceID int) int {
    return func(deviceID int) int {
        count := 0
        reg.ForEach(func(c *models.Call) bool {
            c.Lock()
            if c.Originator != nil && c.Originator.ID == deviceID {
                count++
            } else if rt := c.ActiveRoute(); rt != nil && rt.TP.ID == deviceID {
                count++
            }
            c.Unlock()
            return true
        })
        return count
    }
}

func negKey(host string, port int, techPrefix string) string {
    return fmt.Sprintf("%s:%d:%s", host, port, techPrefix)
}

// originatorCause maps a failed device lookup to its rejection cause.
// Host matches with the wrong tech prefix or port get their own codes;
// anything else counts as originator-not-found.
func originatorCause(err error) int {
    switch {
    case errors.Is(err, errors.ErrTechPrefixMismatch):
        return models.CauseTechPrefixMismatch
    case errors.Is(err, errors.ErrPortMismatch):
        return models.CausePortMismatch
    }
    return models.CauseAuthNotFound
}

// ProcessStart runs the admission sequence for one arriving call. The
// returned decision always carries a cause when the call is refused;
// an admitted call carries its routing table and timeout budget.
func (e *Engine) ProcessStart(ctx context.Context, req StartRequest) *Decision {
    began := time.Now()
    log := logger.WithContext(ctx).WithField("call_id", req.CallID)

    defer func() {
        if e.metrics != nil {
            e.metrics.ObserveHistogram("admission_duration_seconds",
                time.Since(began).Seconds(), nil)
        }
    }()

    switch e.shedder.Observe() {
    case VerdictDelay:
        time.Sleep(e.shedder.Delay())
    case VerdictDrop:
        log.Warn("Call dropped by overload protection")
        return e.reject(ctx, nil, nil, "", models.CauseOverload)
    }

    if req.Host == "" {
        return e.reject(ctx, nil, nil, "", models.CauseEmptyHost)
    }

    key := negKey(req.Host, req.Port, req.TechPrefix)
    if cause, ok := e.negcache.Get(key); ok {
        atomic.AddInt64(&e.rejected, 1)
        if e.metrics != nil {
            e.metrics.IncrementCounter("call_rejected_cached_total", nil)
        }
        log.WithField("cause", cause).Debug("Rejected from negative cache")
        return &Decision{Cause: cause, CauseText: models.CauseText(cause), Cached: true}
    }

    op, err := e.store.GetOriginator(ctx, req.Host, req.Port, req.TechPrefix)
    if err != nil {
        if cause := originatorCause(err); cause != models.CauseAuthNotFound {
            log.WithField("cause", cause).Debug("Originator matched host only")
            return e.reject(ctx, nil, nil, key, cause)
        }
        log.WithError(err).Error("Originator lookup failed")
        return e.reject(ctx, nil, nil, "", models.CauseAuthNotFound)
    }
    if op == nil {
        return e.reject(ctx, nil, nil, key, models.CauseAuthNotFound)
    }

    e.cps.Update(op.ID, op.CPSLimit, op.CPSPeriod)

    if op.Blocked {
        return e.reject(ctx, nil, op, key, models.CauseBlocked)
    }
    if !codecsCompatible(op.Codecs, req.Codecs) {
        return e.reject(ctx, nil, op, key, models.CauseCodecMismatch)
    }

    call := &models.Call{
        ID:           req.CallID,
        State:        models.CallStateProcessing,
        Originator:   op,
        Src:          req.Src,
        Dst:          strings.TrimPrefix(req.Dst, op.TechPrefix),
        OriginalDst:  req.Dst,
        StartTime:    time.Now(),
        TraceEnabled: op.TraceEnabled,
    }
    e.trace(call, "call %s from %s: src=%s dst=%s", call.ID, op.Name, call.Src, call.Dst)

    if e.registry.Allocate(call) == 0 {
        return e.reject(ctx, nil, op, key, models.CauseGlobalLimit)
    }

    if cause := e.checkNumberLists(ctx, call, op); cause != 0 {
        return e.reject(ctx, call, op, key, cause)
    }

    balances := e.accounts.Balances()

    over, err := balances.OverConcurrencyLimit(ctx, op.UserID, true)
    if err != nil {
        log.WithError(err).Error("Account lookup failed")
        return e.reject(ctx, call, op, "", models.CauseAuthNotFound)
    }
    if over {
        return e.reject(ctx, call, op, key, models.CauseConcurrencyLimit)
    }

    // The call being admitted already holds a slot, so strictly greater
    // means someone else filled the capacity.
    if op.Capacity > 0 && e.counter(op.ID) > op.Capacity {
        return e.reject(ctx, call, op, key, models.CauseOriginatorCapacity)
    }

    if !e.cps.Admit(op.ID) {
        return e.reject(ctx, call, op, key, models.CauseCPSLimit)
    }

    if cause := checkSrcRegexp(op, call.Src); cause != 0 {
        return e.reject(ctx, call, op, key, cause)
    }

    acct, err := balances.Snapshot(ctx, op.UserID)
    if err != nil {
        log.WithError(err).Error("Balance snapshot failed")
        return e.reject(ctx, call, op, "", models.CauseAuthNotFound)
    }
    if acct.Balance <= acct.BalanceLimit {
        return e.reject(ctx, call, op, key, models.CauseBalanceLimit)
    }

    tariffID := rating.SelectTariff(op, call.Src, call.Dst, defaultAreaDigits)
    rate, err := e.rates.Resolve(ctx, tariffID, call.Dst)
    if err != nil {
        e.trace(call, "no rate in tariff %d for %s", tariffID, call.Dst)
        return e.reject(ctx, call, op, key, models.CauseNoRate)
    }
    if rate.Blocked {
        return e.reject(ctx, call, op, key, models.CauseBlockedRate)
    }
    call.Lock()
    call.OPRate = rate
    e.trace(call, "rate %s: %.6f/min min=%d inc=%d", rate.Prefix,
        rate.EffectiveRate(), rate.MinTime, rate.Increment)
    call.Unlock()

    if op.MaxCallRate > 0 && rate.EffectiveRate() > op.MaxCallRate {
        return e.reject(ctx, call, op, key, models.CauseMaxCallRate)
    }

    timeout := e.timeoutBudget(op, &acct, rate)
    if timeout <= 1 {
        return e.reject(ctx, call, op, key, models.CauseBalanceTooLow)
    }
    call.Lock()
    call.Timeout = timeout
    e.trace(call, "timeout budget %ds", timeout)
    call.Unlock()

    var profile *models.QualityProfile
    if op.QualityRoutingID > 0 {
        profile, err = e.store.QualityProfile(ctx, op.QualityRoutingID)
        if err != nil {
            log.WithError(err).Warn("Quality profile lookup failed, routing without quality")
        }
    }

    routes := e.builder.Build(ctx, call, profile)
    call.Lock()
    call.Routes = routes
    if len(routes) == 0 {
        e.trace(call, "no route for %s in group %d", call.Dst, op.RouteGroupID)
        call.Unlock()
        return e.reject(ctx, call, op, key, models.CauseNoRoute)
    }
    call.State = models.CallStateRouting
    call.Unlock()

    if err := balances.IncrCalls(ctx, op.UserID, true); err != nil {
        log.WithError(err).Warn("Concurrency counter update failed")
    }
    e.accounts.Snapshot(ctx, call)

    atomic.AddInt64(&e.admitted, 1)
    if e.metrics != nil {
        e.metrics.IncrementCounter("call_admitted_total", nil)
        e.metrics.SetGauge("active_calls", float64(e.registry.Active()), nil)
    }
    log.WithField("routes", len(routes)).
        WithField("timeout", timeout).
        Info("Call admitted")

    decision := &Decision{Admitted: true, Timeout: timeout}
    for _, entry := range routes {
        decision.Routes = append(decision.Routes, RouteStep{
            DeviceID:   entry.TP.ID,
            Host:       entry.TP.Host,
            Port:       entry.TP.Port,
            TechPrefix: entry.TP.TechPrefix,
        })
    }
    return decision
}

// reject finalizes a refused call. The negative cache key is empty for
// infrastructure failures so transient errors are never cached. A call
// already holding a slot is marked failed and released for the sweeper.
func (e *Engine) reject(ctx context.Context, call *models.Call, op *models.OriginatorProfile, key string, cause int) *Decision {
    atomic.AddInt64(&e.rejected, 1)
    if key != "" {
        e.negcache.Set(key, cause)
    }

    if call != nil {
        call.Lock()
        call.State = models.CallStateFailed
        call.HangupCause = cause
        e.trace(call, "rejected: %d %s", cause, models.CauseText(cause))
        traceLines := call.TraceLog
        call.Unlock()

        if call.SlotID > 0 {
            e.registry.Release(call.SlotID)
        }
        if call.TraceEnabled {
            e.store.SaveTrace(ctx, call.ID, traceLines)
        }
    }

    if e.metrics != nil {
        e.metrics.IncrementCounter("call_rejected_total",
            map[string]string{"cause": fmt.Sprintf("%d", cause)})
    }

    mapped := cause
    if op != nil {
        mapped = MapCause(op.HGCMapping, cause)
    }
    return &Decision{Cause: mapped, CauseText: models.CauseText(cause)}
}

// checkNumberLists applies the originator's source and destination
// lists. Returns the rejection cause or zero.
func (e *Engine) checkNumberLists(ctx context.Context, call *models.Call, op *models.OriginatorProfile) int {
    if op.StaticListID > 0 {
        matched, err := e.store.NumberListMatch(ctx, op.StaticListID, call.Src)
        if err == nil {
            if op.StaticListMode == "whitelist" && !matched {
                return models.CauseSrcNotWhitelisted
            }
            if op.StaticListMode != "whitelist" && matched {
                return models.CauseSrcBlacklisted
            }
        }
    }

    if op.DstListID > 0 {
        matched, err := e.store.NumberListMatch(ctx, op.DstListID, call.Dst)
        if err == nil {
            if op.DstListMode == "whitelist" && !matched {
                return models.CauseDstNotWhitelisted
            }
            if op.DstListMode != "whitelist" && matched {
                return models.CauseDstBlacklisted
            }
        }
    }

    return 0
}

func checkSrcRegexp(op *models.OriginatorProfile, src string) int {
    if op.SrcAllowRegexp != "" {
        matched, err := regexp.MatchString(op.SrcAllowRegexp, src)
        if err != nil || !matched {
            return models.CauseSourceRegex
        }
    }
    if op.SrcDenyRegexp != "" {
        matched, err := regexp.MatchString(op.SrcDenyRegexp, src)
        if err == nil && matched {
            return models.CauseSourceRegex
        }
    }
    return 0
}

// codecsCompatible requires at least one shared codec when both sides
// declare a list. An empty list on either side accepts anything.
func codecsCompatible(allowed, offered []string) bool {
    if len(allowed) == 0 || len(offered) == 0 {
        return true
    }
    for _, o := range offered {
        for _, a := range allowed {
            if strings.EqualFold(o, a) {
                return true
            }
        }
    }
    return false
}

// timeoutBudget converts the account's spendable balance into seconds
// of talk time at the resolved rate. The budget is clamped to the
// global ceiling and the originator's own maximum, truncated to a
// whole billing increment, and zeroed when it cannot cover the rate's
// minimum billable time.
func (e *Engine) timeoutBudget(op *models.OriginatorProfile, acct *models.UserAccount, rate models.Rate) int {
    budget := e.cfg.GlobalCallTimeout

    eff := rate.EffectiveRate()
    if eff > 0 {
        avail := acct.Balance - e.inFlightCost(op.UserID) - acct.BalanceLimit
        budget = int(math.Floor(avail / eff * 60))
    }

    if budget > e.cfg.GlobalCallTimeout {
        budget = e.cfg.GlobalCallTimeout
    }
    if op.MaxTimeout > 0 && budget > op.MaxTimeout {
        budget = op.MaxTimeout
    }
    if budget < 0 {
        budget = 0
    }

    if rate.Increment > 1 {
        budget -= budget % rate.Increment
    }
    if budget < rate.MinTime {
        return 0
    }
    return budget
}

// inFlightCost estimates what the account's answered calls have
// already consumed, so concurrent calls cannot jointly overdraw it.
func (e *Engine) inFlightCost(userID int) float64 {
    now := time.Now()
    cost := 0.0

    e.registry.ForEach(func(c *models.Call) bool {
        c.Lock()
        if c.Originator == nil || c.Originator.UserID != userID ||
            c.State != models.CallStateAnswered || c.AnswerTime == nil {
            c.Unlock()
            return true
        }
        elapsed := now.Sub(*c.AnswerTime).Seconds()
        cost += elapsed * c.OPRate.EffectiveRate() / 60
        c.Unlock()
        return true
    })

    return cost
}

func (e *Engine) trace(call *models.Call, format string, args ...interface{}) {
    if !call.TraceEnabled {
        return
    }
    call.TraceLog = append(call.TraceLog, fmt.Sprintf(format, args...))
}
