package pipeline

import (
    "context"
    "sync/atomic"
    "time"

    "github.com/hamzaKhattat/voip-billing-engine/internal/models"
    "github.com/hamzaKhattat/voip-billing-engine/pkg/errors"
    "github.com/hamzaKhattat/voip-billing-engine/pkg/logger"
)

// ProcessAnswer marks a registered call as answered. The answer time
// anchors both billing and the timeout enforcement in the sweeper.
func (e *Engine) ProcessAnswer(ctx context.Context, callID string) error {
    call := e.registry.Lookup(callID)
    if call == nil {
        return errors.New(errors.ErrCallNotFound, "answer for unknown call "+callID)
    }

    now := time.Now()
    call.Lock()
    call.AnswerTime = &now
    call.State = models.CallStateAnswered
    call.Answered = true
    e.trace(call, "answered by TP %d", activeTPID(call))
    call.Unlock()

    e.accounts.Snapshot(ctx, call)

    logger.WithContext(ctx).WithField("call_id", callID).Debug("Call answered")
    return nil
}

// ProcessLegFailure records a failed dial attempt and advances the
// route cursor. It returns the next step to dial, or nil when the
// table is exhausted; the final cause is then the switch supplied one
// or, absent that, no-valid-terminator.
func (e *Engine) ProcessLegFailure(ctx context.Context, callID string, cause int) (*RouteStep, error) {
    call := e.registry.Lookup(callID)
    if call == nil {
        return nil, errors.New(errors.ErrCallNotFound, "leg failure for unknown call "+callID)
    }

    call.Lock()
    if rt := call.ActiveRoute(); rt != nil {
        e.quality.Record(rt.DP.ID, rt.TP.ID, 0, false, time.Now().Unix())
        e.trace(call, "TP %d failed with cause %d", rt.TP.ID, cause)
    }

    call.DialCount++
    next := call.ActiveRoute()
    if next == nil {
        if cause != 0 {
            call.HangupCause = cause
        } else {
            call.HangupCause = models.CauseNoTerminator
        }
        e.trace(call, "route table exhausted")
        call.Unlock()
        return nil, nil
    }

    call.State = models.CallStateRouting
    call.Unlock()

    e.accounts.Snapshot(ctx, call)

    return &RouteStep{
        DeviceID:   next.TP.ID,
        Host:       next.TP.Host,
        Port:       next.TP.Port,
        TechPrefix: next.TP.TechPrefix,
    }, nil
}

// ProcessHangup finalizes a call: quality sample, billing settlement,
// concurrency counters, slot release and trace persistence. Duration
// and billsec come from the switch; billsec only counts for answered
// calls.
func (e *Engine) ProcessHangup(ctx context.Context, callID string, duration, billsec, cause int) error {
    call := e.registry.Lookup(callID)
    if call == nil {
        return errors.New(errors.ErrCallNotFound, "hangup for unknown call "+callID)
    }

    now := time.Now()
    call.Lock()
    call.EndTime = &now
    call.Duration = duration
    if call.Answered {
        call.Billsec = billsec
    }
    if call.HangupCause == 0 {
        call.HangupCause = cause
    }
    call.State = models.CallStateFinished
    rt := call.ActiveRoute()
    call.Unlock()

    if rt != nil {
        e.quality.Record(rt.DP.ID, rt.TP.ID, call.Billsec, call.Answered, now.Unix())
    }

    e.accounts.Settle(ctx, call)
    e.accounts.Balances().DecrCalls(ctx, call.Originator.UserID, true)

    e.registry.Release(call.SlotID)

    if call.TraceEnabled {
        e.trace(call, "finished: duration=%d billsec=%d cause=%d", duration, call.Billsec, call.HangupCause)
        e.store.SaveTrace(ctx, call.ID, call.TraceLog)
    }

    if e.metrics != nil {
        e.metrics.SetGauge("active_calls", float64(e.registry.Active()), nil)
    }
    logger.WithContext(ctx).WithField("call_id", callID).
        WithField("billsec", call.Billsec).
        WithField("cause", call.HangupCause).
        Info("Call finished")
    return nil
}

// Stats returns the aggregate counters exposed over the API.
func (e *Engine) Stats() models.EngineStats {
    return models.EngineStats{
        ActiveCalls:    e.registry.Active(),
        SlotCapacity:   e.registry.Capacity(),
        TotalAdmitted:  atomic.LoadInt64(&e.admitted),
        TotalRejected:  atomic.LoadInt64(&e.rejected),
        CallsPerSecond: e.shedder.Rate(),
        Shedding:       e.shedder.Shedding(),
    }
}

// ActiveCalls returns a snapshot of all registered calls.
func (e *Engine) ActiveCalls() []*models.Call {
    var calls []*models.Call
    e.registry.ForEach(func(c *models.Call) bool {
        calls = append(calls, c)
        return true
    })
    return calls
}

func activeTPID(call *models.Call) int {
    if rt := call.ActiveRoute(); rt != nil {
        return rt.TP.ID
    }
    return 0
}
