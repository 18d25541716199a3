package registry

import (
    "sync"

    "github.com/hamzaKhattat/voip-billing-engine/internal/models"
    "github.com/hamzaKhattat/voip-billing-engine/pkg/logger"
)

// Slot states
const (
    slotFree     int8 = 0
    slotTaken    int8 = 1
    slotFinished int8 = -1
)

type slot struct {
    status int8
    call   *models.Call
}

// Registry owns the fixed-capacity active call table and the call-id
// index. Slot mutation is guarded by one mutex; the id index has its
// own RWMutex so lookups from signaling events stay concurrent.
//
// A released slot is only recycled by Sweep, never synchronously, so a
// concurrent Lookup never observes a reclaimed call.
type Registry struct {
    mu     sync.Mutex
    slots  []slot
    cursor int
    taken  int

    indexMu sync.RWMutex
    index   map[string]*models.Call
}

func New(capacity int) *Registry {
    if capacity <= 0 {
        capacity = 1
    }
    return &Registry{
        slots: make([]slot, capacity),
        index: make(map[string]*models.Call),
    }
}

// Allocate claims a free slot for the call and registers its id.
// Returns the 1-based slot id, or 0 when the table is exhausted. The
// cursor rotates from the last given index so allocation stays O(1)
// amortized under sustained load.
func (r *Registry) Allocate(call *models.Call) int {
    r.mu.Lock()

    idx := -1
    // First pass: cursor to end. Second pass: start to cursor.
    for i := r.cursor; i < len(r.slots); i++ {
        if r.slots[i].status == slotFree {
            idx = i
            break
        }
    }
    if idx == -1 {
        for i := 0; i < r.cursor; i++ {
            if r.slots[i].status == slotFree {
                idx = i
                break
            }
        }
    }

    if idx == -1 {
        r.mu.Unlock()
        logger.WithField("capacity", len(r.slots)).Warn("Active call table exhausted")
        return 0
    }

    r.slots[idx].status = slotTaken
    r.slots[idx].call = call
    r.cursor = (idx + 1) % len(r.slots)
    r.taken++
    r.mu.Unlock()

    call.SlotID = idx + 1

    r.indexMu.Lock()
    r.index[call.ID] = call
    r.indexMu.Unlock()

    return idx + 1
}

// Lookup resolves a call by its external unique id.
func (r *Registry) Lookup(callID string) *models.Call {
    r.indexMu.RLock()
    defer r.indexMu.RUnlock()
    return r.index[callID]
}

// Release marks the slot finished. The call stays reachable through
// the index until the next sweep reclaims it.
func (r *Registry) Release(slotID int) {
    if slotID < 1 || slotID > len(r.slots) {
        return
    }

    r.mu.Lock()
    defer r.mu.Unlock()

    if r.slots[slotID-1].status == slotTaken {
        r.slots[slotID-1].status = slotFinished
    }
}

// Sweep reclaims finished slots: the call id leaves the index, the
// slot returns to the free pool. Returns the reclaimed calls so the
// caller can run post-mortem work (trace persistence, counters)
// outside the registry locks.
func (r *Registry) Sweep() []*models.Call {
    var reclaimed []*models.Call

    r.mu.Lock()
    for i := range r.slots {
        if r.slots[i].status == slotFinished {
            reclaimed = append(reclaimed, r.slots[i].call)
            r.slots[i].status = slotFree
            r.slots[i].call = nil
            r.taken--
        }
    }
    r.mu.Unlock()

    if len(reclaimed) == 0 {
        return nil
    }

    r.indexMu.Lock()
    for _, call := range reclaimed {
        if call != nil {
            delete(r.index, call.ID)
        }
    }
    r.indexMu.Unlock()

    return reclaimed
}

// ForEach visits every taken slot's call. The callback must be short;
// it runs under the slot mutex. Returning false stops the walk.
func (r *Registry) ForEach(fn func(*models.Call) bool) {
    r.mu.Lock()
    defer r.mu.Unlock()

    for i := range r.slots {
        if r.slots[i].status == slotTaken && r.slots[i].call != nil {
            if !fn(r.slots[i].call) {
                return
            }
        }
    }
}

// Active returns the number of taken slots.
func (r *Registry) Active() int {
    r.mu.Lock()
    defer r.mu.Unlock()
    return r.taken
}

// Capacity returns the size of the slot table.
func (r *Registry) Capacity() int {
    return len(r.slots)
}
