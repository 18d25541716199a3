package pipeline

import (
    "sync"
    "time"
)

// Verdict is the overload protection outcome for one arriving call.
type Verdict int

const (
    VerdictAdmit Verdict = iota
    VerdictDelay
    VerdictDrop
)

// Shedder protects the engine from call storms. Arrivals are counted
// over a one second window; the first call past the threshold pays a
// fixed delay, every further call in the same window is dropped. The
// window reset returns the shedder to normal operation.
type Shedder struct {
    mu          sync.Mutex
    threshold   float64
    delay       time.Duration
    windowStart time.Time
    count       int
    shedding    bool
    now         func() time.Time
}

// NewShedder creates a shedder. A threshold of zero disables it.
func NewShedder(threshold float64, delay time.Duration) *Shedder {
    return &Shedder{
        threshold: threshold,
        delay:     delay,
        now:       time.Now,
    }
}

// Observe registers one arriving call and returns the verdict.
func (s *Shedder) Observe() Verdict {
    if s.threshold <= 0 {
        return VerdictAdmit
    }

    s.mu.Lock()
    defer s.mu.Unlock()

    now := s.now()
    if now.Sub(s.windowStart) >= time.Second {
        s.windowStart = now
        s.count = 0
        s.shedding = false
    }

    s.count++
    if float64(s.count) > s.threshold {
        if !s.shedding {
            s.shedding = true
            return VerdictDelay
        }
        return VerdictDrop
    }
    return VerdictAdmit
}

// Delay is the penalty applied to the call that trips the threshold.
func (s *Shedder) Delay() time.Duration {
    return s.delay
}

// Shedding reports whether the current window is over the threshold.
func (s *Shedder) Shedding() bool {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.shedding
}

// Rate returns the arrival count of the current window.
func (s *Shedder) Rate() float64 {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.now().Sub(s.windowStart) >= time.Second {
        return 0
    }
    return float64(s.count)
}
