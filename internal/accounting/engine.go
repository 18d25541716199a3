package accounting

import (
    "context"
    "time"

    "github.com/hamzaKhattat/voip-billing-engine/internal/models"
    "github.com/hamzaKhattat/voip-billing-engine/pkg/logger"
)

// Engine ties pricing, balance application and record persistence
// together for completed calls.
type Engine struct {
    balances *Balances
    writer   *Writer
}

func NewEngine(balances *Balances, writer *Writer) *Engine {
    return &Engine{balances: balances, writer: writer}
}

func (e *Engine) Balances() *Balances {
    return e.balances
}

func (e *Engine) Writer() *Writer {
    return e.writer
}

// Settle prices both legs of a finished call, applies the balances and
// queues the call record. Billing faults are logged, never propagated;
// the record is emitted regardless so traffic stays auditable.
func (e *Engine) Settle(ctx context.Context, call *models.Call) {
    log := logger.WithContext(ctx).WithField("call_id", call.ID)

    var opPrice, tpPrice float64
    var billed int

    grace := 0
    if call.Originator != nil {
        grace = call.Originator.GraceTime
    }

    if call.Answered && call.Billsec > 0 {
        opRate := call.OPRate
        billed, opPrice = Price(call.Duration, call.Billsec, opRate.Rate,
            opRate.MinTime, opRate.Increment, opRate.ConnectionFee, opRate.ExchangeRate, grace)

        if route := settledRoute(call); route != nil {
            tpRate := route.TP.Rate
            _, tpPrice = Price(call.Duration, call.Billsec, tpRate.Rate,
                tpRate.MinTime, tpRate.Increment, tpRate.ConnectionFee, tpRate.ExchangeRate, route.TP.GraceTime)
        }
    }

    call.OPPrice = opPrice
    call.TPPrice = tpPrice

    log.WithField("billsec", call.Billsec).
        WithField("billed", billed).
        WithField("op_price", opPrice).
        WithField("tp_price", tpPrice).
        Info("Call settled")

    if call.Answered {
        opUser, tpUser := billingParties(call)
        if opUser > 0 && tpUser > 0 {
            if err := e.balances.Apply(ctx, opUser, tpUser, opPrice, tpPrice); err != nil {
                log.WithError(err).Error("Balance application failed")
            }
        }
    }

    e.writer.EnqueueCDR(ctx, buildCDR(call))
    if call.SnapshotSaved {
        e.writer.EnqueueSnapshotDelete(ctx, call.ID)
    }
}

func settledRoute(call *models.Call) *models.RouteEntry {
    // The answered leg is the one the dial cursor last pointed at.
    idx := call.DialCount
    if idx >= len(call.Routes) {
        idx = len(call.Routes) - 1
    }
    if idx < 0 {
        return nil
    }
    return call.Routes[idx]
}

func billingParties(call *models.Call) (int, int) {
    opUser := 0
    if call.Originator != nil {
        opUser = call.Originator.UserID
    }
    tpUser := 0
    if route := settledRoute(call); route != nil {
        tpUser = route.TP.UserID
    }
    return opUser, tpUser
}

func buildCDR(call *models.Call) models.CDR {
    disposition := "FAILED"
    if call.Answered {
        disposition = "ANSWERED"
    } else if call.HangupCause == 0 {
        disposition = "NO ANSWER"
    }

    srcDevice := 0
    if call.Originator != nil {
        srcDevice = call.Originator.ID
    }
    dstDevice := 0
    if route := settledRoute(call); route != nil {
        dstDevice = route.TP.ID
    }

    return models.CDR{
        CallID:      call.ID,
        Calldate:    call.StartTime,
        Src:         call.Src,
        Dst:         call.OriginalDst,
        SrcDeviceID: srcDevice,
        DstDeviceID: dstDevice,
        Duration:    call.Duration,
        Billsec:     call.Billsec,
        HangupCause: call.HangupCause,
        Disposition: disposition,
        OPPrice:     call.OPPrice,
        TPPrice:     call.TPPrice,
    }
}

// Snapshot queues an active-call snapshot for a freshly routed call.
func (e *Engine) Snapshot(ctx context.Context, call *models.Call) {
    srcDevice := 0
    if call.Originator != nil {
        srcDevice = call.Originator.ID
    }
    dstDevice := 0
    if route := call.ActiveRoute(); route != nil {
        dstDevice = route.TP.ID
    }

    e.writer.EnqueueSnapshot(ctx, models.ActiveCallSnapshot{
        CallID:      call.ID,
        SrcDeviceID: srcDevice,
        DstDeviceID: dstDevice,
        Src:         call.Src,
        Dst:         call.Dst,
        State:       call.State,
        StartTime:   call.StartTime,
    })
    call.SnapshotSaved = true
}

// StartBalanceFlush runs the deferred balance period timer.
func (e *Engine) StartBalanceFlush(ctx context.Context, period time.Duration) {
    if period <= 0 {
        period = 10 * time.Second
    }

    ticker := time.NewTicker(period)
    defer ticker.Stop()

    for {
        select {
        case <-ctx.Done():
            e.balances.FlushDeltas(context.Background())
            return
        case <-ticker.C:
            e.balances.FlushDeltas(ctx)
        }
    }
}
