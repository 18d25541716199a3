package pipeline

import (
    "testing"
    "time"
)

func TestShedderDisabled(t *testing.T) {
    s := NewShedder(0, time.Millisecond)

    for i := 0; i < 1000; i++ {
        if s.Observe() != VerdictAdmit {
            t.Fatal("disabled shedder must admit everything")
        }
    }
}

func TestShedderDelaysThenDrops(t *testing.T) {
    base := time.Now()
    now := base
    s := NewShedder(3, 50*time.Millisecond)
    s.now = func() time.Time { return now }

    for i := 0; i < 3; i++ {
        if v := s.Observe(); v != VerdictAdmit {
            t.Fatalf("call %d verdict = %v, want admit", i+1, v)
        }
    }

    // First call over the threshold pays the delay, the rest of the
    // window is dropped.
    if v := s.Observe(); v != VerdictDelay {
        t.Fatalf("threshold call verdict = %v, want delay", v)
    }
    if v := s.Observe(); v != VerdictDrop {
        t.Fatalf("storm call verdict = %v, want drop", v)
    }
    if !s.Shedding() {
        t.Fatal("Shedding should report true inside the storm window")
    }

    now = base.Add(1100 * time.Millisecond)
    if v := s.Observe(); v != VerdictAdmit {
        t.Fatalf("verdict after window reset = %v, want admit", v)
    }
    if s.Shedding() {
        t.Fatal("window rollover should clear the shedding state")
    }
}

func TestShedderRate(t *testing.T) {
    base := time.Now()
    now := base
    s := NewShedder(100, time.Millisecond)
    s.now = func() time.Time { return now }

    for i := 0; i < 5; i++ {
        s.Observe()
    }
    if s.Rate() != 5 {
        t.Fatalf("Rate = %v, want 5", s.Rate())
    }

    now = base.Add(2 * time.Second)
    if s.Rate() != 0 {
        t.Fatalf("Rate after window = %v, want 0", s.Rate())
    }
}
