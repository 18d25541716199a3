package pipeline

import (
    "context"
    "time"

    "github.com/hamzaKhattat/voip-billing-engine/internal/models"
    "github.com/hamzaKhattat/voip-billing-engine/pkg/logger"
)

// Run is the maintenance loop. Each tick reclaims finished slots,
// enforces timeout and balance budgets on answered calls, purges the
// negative cache and drains the system hangup queue. It blocks until
// the context is canceled.
func (e *Engine) Run(ctx context.Context) {
    interval := e.cfg.SweepInterval
    if interval <= 0 {
        interval = time.Second
    }

    ticker := time.NewTicker(interval)
    defer ticker.Stop()

    logger.Info("Maintenance loop started")
    for {
        select {
        case <-ctx.Done():
            logger.Info("Maintenance loop stopped")
            return
        case <-ticker.C:
            e.sweep(ctx)
            e.enforceBudgets()
            e.negcache.Purge()
            e.drainKillQueue(ctx)
        }
    }
}

func (e *Engine) sweep(ctx context.Context) {
    reclaimed := e.registry.Sweep()
    for _, call := range reclaimed {
        if call.TraceEnabled && call.State == models.CallStateFailed {
            e.store.SaveTrace(ctx, call.ID, call.TraceLog)
        }
    }

    if e.metrics != nil {
        e.metrics.SetGauge("active_calls", float64(e.registry.Active()), nil)
        e.metrics.SetGauge("slot_capacity", float64(e.registry.Capacity()), nil)
    }
}

// enforceBudgets flags answered calls that outran their timeout or
// whose account can no longer pay for them. Flagged calls are handed
// to the kill queue exactly once.
func (e *Engine) enforceBudgets() {
    now := time.Now()
    spent := make(map[int]float64)
    available := make(map[int]float64)

    e.registry.ForEach(func(c *models.Call) bool {
        c.Lock()
        if c.State != models.CallStateAnswered || c.AnswerTime == nil || c.SystemHangup {
            c.Unlock()
            return true
        }

        elapsed := int(now.Sub(*c.AnswerTime).Seconds())
        if c.Timeout > 0 && elapsed >= c.Timeout {
            e.flagForHangup(c, "timeout budget exhausted")
            c.Unlock()
            return true
        }

        if c.Originator == nil {
            c.Unlock()
            return true
        }
        userID := c.Originator.UserID
        rate := c.OPRate.EffectiveRate()
        c.Unlock()

        if _, ok := available[userID]; !ok {
            acct, err := e.accounts.Balances().Snapshot(context.Background(), userID)
            if err != nil {
                return true
            }
            available[userID] = acct.Balance - acct.BalanceLimit
        }
        spent[userID] += float64(elapsed) * rate / 60
        if spent[userID] >= available[userID] && rate > 0 {
            c.Lock()
            if !c.SystemHangup {
                e.flagForHangup(c, "balance depleted")
            }
            c.Unlock()
        }
        return true
    })
}

// flagForHangup queues the call for termination. The caller holds the
// call's lock.
func (e *Engine) flagForHangup(call *models.Call, reason string) {
    call.SystemHangup = true
    e.trace(call, "system hangup: %s", reason)
    logger.WithField("call_id", call.ID).WithField("reason", reason).
        Info("Call flagged for system hangup")

    e.killMu.Lock()
    e.killQueue = append(e.killQueue, call.ID)
    e.killMu.Unlock()

    if e.metrics != nil {
        e.metrics.IncrementCounter("system_hangup_total",
            map[string]string{"reason": reason})
    }
}

// drainKillQueue fires termination commands for flagged calls. The
// command channel is fire and forget; a failed kill is retried on the
// next flagging, never from here.
func (e *Engine) drainKillQueue(ctx context.Context) {
    e.killMu.Lock()
    queue := e.killQueue
    e.killQueue = nil
    e.killMu.Unlock()

    if len(queue) == 0 || e.term == nil {
        return
    }

    for _, callID := range queue {
        killCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
        if err := e.term.Kill(killCtx, callID); err != nil {
            logger.WithError(err).WithField("call_id", callID).
                Warn("Termination command failed")
        }
        cancel()
    }
}
