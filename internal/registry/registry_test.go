package registry

import (
    "fmt"
    "testing"

    "github.com/hamzaKhattat/voip-billing-engine/internal/models"
)

func TestAllocateAssignsUniqueSlots(t *testing.T) {
    r := New(5)

    seen := make(map[int]bool)
    for i := 0; i < 5; i++ {
        call := &models.Call{ID: fmt.Sprintf("call-%d", i)}
        slot := r.Allocate(call)
        if slot == 0 {
            t.Fatalf("allocation %d failed with free capacity", i)
        }
        if seen[slot] {
            t.Fatalf("slot %d handed out twice", slot)
        }
        seen[slot] = true
        if call.SlotID != slot {
            t.Fatalf("call.SlotID = %d, want %d", call.SlotID, slot)
        }
    }

    if slot := r.Allocate(&models.Call{ID: "overflow"}); slot != 0 {
        t.Fatalf("exhausted table returned slot %d", slot)
    }
    if r.Active() != 5 {
        t.Fatalf("Active = %d, want 5", r.Active())
    }
}

func TestReleasedSlotVisibleUntilSweep(t *testing.T) {
    r := New(2)
    call := &models.Call{ID: "call-1"}
    slot := r.Allocate(call)

    r.Release(slot)

    // The finished call stays resolvable until the sweeper runs.
    if r.Lookup("call-1") == nil {
        t.Fatal("released call should stay in the index until sweep")
    }

    reclaimed := r.Sweep()
    if len(reclaimed) != 1 || reclaimed[0].ID != "call-1" {
        t.Fatalf("Sweep returned %v, want the released call", reclaimed)
    }
    if r.Lookup("call-1") != nil {
        t.Fatal("swept call should leave the index")
    }
    if r.Active() != 0 {
        t.Fatalf("Active after sweep = %d, want 0", r.Active())
    }

    if slot2 := r.Allocate(&models.Call{ID: "call-2"}); slot2 == 0 {
        t.Fatal("reclaimed slot should be reusable")
    }
}

func TestSweepWithNothingFinished(t *testing.T) {
    r := New(3)
    r.Allocate(&models.Call{ID: "call-1"})

    if reclaimed := r.Sweep(); reclaimed != nil {
        t.Fatalf("Sweep reclaimed %v with nothing finished", reclaimed)
    }
    if r.Lookup("call-1") == nil {
        t.Fatal("active call disappeared after no-op sweep")
    }
}

func TestForEachVisitsTakenOnly(t *testing.T) {
    r := New(4)
    a := &models.Call{ID: "a"}
    b := &models.Call{ID: "b"}
    r.Allocate(a)
    slotB := r.Allocate(b)
    r.Release(slotB)

    visited := make(map[string]bool)
    r.ForEach(func(c *models.Call) bool {
        visited[c.ID] = true
        return true
    })

    if !visited["a"] || visited["b"] {
        t.Fatalf("visited = %v, want only the taken slot", visited)
    }
}

func TestReleaseOutOfRange(t *testing.T) {
    r := New(1)
    r.Release(0)
    r.Release(2)
    r.Release(-1)

    if slot := r.Allocate(&models.Call{ID: "a"}); slot != 1 {
        t.Fatalf("slot = %d, want 1", slot)
    }
}
