package quality

import (
    "context"
    "sync"

    "github.com/Knetic/govaluate"
    "github.com/hamzaKhattat/voip-billing-engine/internal/models"
    "github.com/hamzaKhattat/voip-billing-engine/pkg/errors"
    "github.com/hamzaKhattat/voip-billing-engine/pkg/logger"
)

// Evaluator abstracts the formula language so the scoring algorithm
// does not depend on a particular expression engine.
type Evaluator interface {
    Evaluate(formula string, vars map[string]interface{}) (float64, error)
}

// GovaluateEvaluator evaluates arithmetic formulas with a compiled
// expression cache.
type GovaluateEvaluator struct {
    mu    sync.RWMutex
    exprs map[string]*govaluate.EvaluableExpression
}

func NewEvaluator() *GovaluateEvaluator {
    return &GovaluateEvaluator{
        exprs: make(map[string]*govaluate.EvaluableExpression),
    }
}

func (e *GovaluateEvaluator) Evaluate(formula string, vars map[string]interface{}) (float64, error) {
    e.mu.RLock()
    expr := e.exprs[formula]
    e.mu.RUnlock()

    if expr == nil {
        parsed, err := govaluate.NewEvaluableExpression(formula)
        if err != nil {
            return 0, errors.Wrap(err, errors.ErrFormulaInvalid, "cannot parse quality formula")
        }

        e.mu.Lock()
        e.exprs[formula] = parsed
        e.mu.Unlock()
        expr = parsed
    }

    result, err := expr.Evaluate(vars)
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrFormulaInvalid, "cannot evaluate quality formula")
    }

    value, ok := result.(float64)
    if !ok {
        return 0, errors.New(errors.ErrFormulaInvalid, "quality formula did not produce a number")
    }

    return value, nil
}

// Metrics are the windowed aggregates bound into the formula.
type Metrics struct {
    ASR           float64
    ACD           float64
    TotalCalls    int
    TotalAnswered int
    TotalFailed   int
    TotalBillsec  int
}

// Scorer turns a pair's sample history into a ranking value.
type Scorer struct {
    table     *Table
    evaluator Evaluator
}

func NewScorer(table *Table, evaluator Evaluator) *Scorer {
    return &Scorer{table: table, evaluator: evaluator}
}

// EnsureSeeded exposes the table's cold-start seeding to the routing
// layer.
func (s *Scorer) EnsureSeeded(ctx context.Context, dpID, tpID int) {
    s.table.EnsureSeeded(ctx, dpID, tpID)
}

// Score evaluates the profile's formula for a (dial peer, TP) pair.
// Higher is better. Any failure degrades to 0 and is logged; scoring
// must never reject a call.
func (s *Scorer) Score(profile models.QualityProfile, dpID, tpID int, price float64, weight, percent int) float64 {
    samples := s.table.Samples(dpID, tpID)
    if len(samples) == 0 {
        logger.WithField("dp_id", dpID).WithField("tp_id", tpID).
            Warn("Quality data not found for pair")
    }

    m := computeMetrics(profile, samples)

    if len(samples) > 0 && m.TotalCalls == 0 {
        logger.WithField("dp_id", dpID).WithField("tp_id", tpID).Warn("Pair has no calls in window")
    } else if len(samples) > 0 && m.TotalAnswered == 0 {
        logger.WithField("dp_id", dpID).WithField("tp_id", tpID).Warn("Pair has no answered calls in window")
    }

    vars := map[string]interface{}{
        "ASR":            m.ASR,
        "ACD":            m.ACD,
        "TOTAL_CALLS":    float64(m.TotalCalls),
        "TOTAL_ANSWERED": float64(m.TotalAnswered),
        "TOTAL_FAILED":   float64(m.TotalFailed),
        "TOTAL_BILLSEC":  float64(m.TotalBillsec),
        "PRICE":          price,
        "WEIGHT":         float64(weight),
        "PERCENT":        float64(percent),
    }

    score, err := s.evaluator.Evaluate(profile.Formula, vars)
    if err != nil {
        logger.WithError(err).WithField("formula", profile.Formula).Error("Quality formula evaluation failed")
        return 0
    }

    logger.WithField("dp_id", dpID).
        WithField("tp_id", tpID).
        WithField("asr", m.ASR).
        WithField("acd", m.ACD).
        WithField("score", score).
        Debug("Quality score computed")

    return score
}

// computeMetrics walks the newest-first sample list once. Every metric
// has its own window size; the walk stops at the widest one. The
// synthetic known-empty sample (timestamp -1, not answered, zero
// billsec) counts as a failed call, which matches a cold pair scoring
// conservatively.
func computeMetrics(profile models.QualityProfile, samples []models.QualitySample) Metrics {
    var m Metrics

    maxWindow := profile.MaxWindow()
    asrTotal := 0
    asrAnswered := 0
    acdAnswered := 0
    acdBillsec := 0

    for i, sample := range samples {
        if i >= maxWindow {
            break
        }

        if i < profile.TotalCalls {
            m.TotalCalls++
        }
        if i < profile.TotalBillsecCalls {
            m.TotalBillsec += sample.Billsec
        }
        if i < profile.ASRCalls {
            asrTotal++
            if sample.Answered {
                asrAnswered++
            }
        }
        if i < profile.ACDCalls && sample.Answered {
            acdAnswered++
            acdBillsec += sample.Billsec
        }
        if i < profile.AnsweredCalls && sample.Answered {
            m.TotalAnswered++
        }
        if i < profile.FailedCalls && !sample.Answered {
            m.TotalFailed++
        }
    }

    if acdAnswered > 0 {
        m.ACD = float64(acdBillsec) / float64(acdAnswered)
    }
    if asrAnswered > 0 {
        m.ASR = float64(asrAnswered) / float64(asrTotal) * 100.0
    }

    return m
}
