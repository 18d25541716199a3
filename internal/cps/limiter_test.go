package cps

import (
    "testing"
    "time"
)

func TestAdmitWithinLimit(t *testing.T) {
    l := NewLimiter()
    l.Update(1, 3, 1)

    for i := 0; i < 3; i++ {
        if !l.Admit(1) {
            t.Fatalf("call %d should be admitted", i+1)
        }
    }
    if l.Admit(1) {
        t.Fatal("call over the limit should be refused")
    }
}

func TestAdmitAfterPeriodExpires(t *testing.T) {
    l := NewLimiter()
    base := time.Now()
    now := base
    l.now = func() time.Time { return now }

    l.Update(1, 2, 1)

    if !l.Admit(1) || !l.Admit(1) {
        t.Fatal("first two calls should be admitted")
    }
    if l.Admit(1) {
        t.Fatal("third call in the same period should be refused")
    }

    now = base.Add(1100 * time.Millisecond)
    if !l.Admit(1) {
        t.Fatal("call after the period should be admitted")
    }
}

func TestUnconfiguredEntityAlwaysAdmitted(t *testing.T) {
    l := NewLimiter()

    for i := 0; i < 100; i++ {
        if !l.Admit(42) {
            t.Fatal("unconfigured entity must never be limited")
        }
    }
    if l.Tracked() != 0 {
        t.Fatalf("expected no tracked entities, got %d", l.Tracked())
    }
}

func TestZeroLimitMeansUnlimited(t *testing.T) {
    l := NewLimiter()
    l.Update(1, 0, 1)

    for i := 0; i < 10; i++ {
        if !l.Admit(1) {
            t.Fatal("zero limit must admit everything")
        }
    }
}

func TestLimitChangeResetsWindow(t *testing.T) {
    l := NewLimiter()
    l.Update(1, 2, 10)

    l.Admit(1)
    l.Admit(1)
    if l.Admit(1) {
        t.Fatal("window should be full")
    }

    l.Update(1, 5, 10)
    if l.Size(1) != 0 {
        t.Fatalf("limit change should reset the window, size=%d", l.Size(1))
    }
    if !l.Admit(1) {
        t.Fatal("call after limit raise should be admitted")
    }
}
