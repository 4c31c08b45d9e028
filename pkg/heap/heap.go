// Package heap implements the per-request arena model (C2): bump
// allocation, ownership tracking for the cross-heap-reference check, and
// mark/sweep collection triggered only by an explicit request, a
// high-water mark, or a memory-pressure signal — never implicitly on
// every allocation.
package heap

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Hafthor/loaf/pkg/value"
)

// ID names an arena. The zero value, value.NoArena, never names a live
// arena.
type ID = value.ArenaID

// CrossHeapReferenceError is raised when code attempts to store a Value
// owned by one arena into an aggregate owned by another.
type CrossHeapReferenceError struct {
	Owner, Target ID
}

func (e *CrossHeapReferenceError) Error() string {
	return fmt.Sprintf("cross-heap reference: value owned by arena %d stored into arena %d", e.Owner, e.Target)
}

func (e *CrossHeapReferenceError) ExceptionType() string { return "CrossHeapReference" }

// Arena is a per-request bump-allocating region. Every allocation takes
// the mutex, which guards the tracked-object list consulted by Collect and
// by Stats.
type Arena struct {
	id ID

	mu        sync.Mutex
	arrays    []*value.Array
	objects   []*value.Object
	allocated int64 // approximate bytes, for the high-water check
	highWater int64
}

// ID returns the arena's identity.
func (a *Arena) ID() ID { return a.id }

// NewArray allocates an empty array owned by a.
func (a *Arena) NewArray() *value.Array {
	arr := &value.Array{Arena: a.id}
	a.mu.Lock()
	a.arrays = append(a.arrays, arr)
	a.allocated += 48
	a.mu.Unlock()
	return arr
}

// NewObject allocates an empty object owned by a.
func (a *Arena) NewObject() *value.Object {
	obj := &value.Object{Arena: a.id}
	a.mu.Lock()
	a.objects = append(a.objects, obj)
	a.allocated += 48
	a.mu.Unlock()
	return obj
}

// CheckOwnership enforces spec §4.5: storing v into an aggregate owned by
// target is only legal if v is a primitive (NoArena) or already owned by
// target.
func (a *Arena) CheckOwnership(v value.Value, target ID) error {
	owner := v.Owner()
	if owner == value.NoArena || owner == target {
		return nil
	}
	return &CrossHeapReferenceError{Owner: owner, Target: target}
}

// Allocated returns the arena's approximate live byte count.
func (a *Arena) Allocated() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated
}

// Collect performs mark/sweep over the arena's tracked allocations,
// dropping references to anything unreachable from roots so the Go
// allocator can reclaim it on its own schedule. Called only from
// COLLECTHEAP, a high-water-mark trip, or a memory-pressure signal
// (spec §4.5's collection policy) — never implicitly.
func (a *Arena) Collect(roots []value.Value) {
	a.mu.Lock()
	defer a.mu.Unlock()

	reachable := make(map[any]bool)
	var mark func(v value.Value)
	mark = func(v value.Value) {
		switch v.Kind() {
		case value.KindArray:
			arr := v.Array()
			if arr == nil || arr.Arena != a.id || reachable[arr] {
				return
			}
			reachable[arr] = true
			for _, e := range arr.Elements {
				mark(e)
			}
		case value.KindObject:
			obj := v.Object()
			if obj == nil || obj.Arena != a.id || reachable[obj] {
				return
			}
			reachable[obj] = true
			for _, p := range obj.Pairs {
				mark(p.Key)
				mark(p.Value)
			}
		}
	}
	for _, r := range roots {
		mark(r)
	}

	live := a.allocated
	keptArrays := a.arrays[:0]
	for _, arr := range a.arrays {
		if reachable[arr] {
			keptArrays = append(keptArrays, arr)
		} else {
			live -= 48
		}
	}
	keptObjects := a.objects[:0]
	for _, obj := range a.objects {
		if reachable[obj] {
			keptObjects = append(keptObjects, obj)
		} else {
			live -= 48
		}
	}
	a.arrays = keptArrays
	a.objects = keptObjects
	a.allocated = live
}

// Manager owns the set of live arenas for the process. One Manager is
// shared across all requests; each request gets exactly one Arena.
type Manager struct {
	nextID    atomic.Uint64
	highWater int64

	mu     sync.Mutex
	arenas map[ID]*Arena
}

// NewManager creates a Manager whose arenas trigger a Collect once their
// allocated bytes exceed highWaterBytes.
func NewManager(highWaterBytes int64) *Manager {
	return &Manager{highWater: highWaterBytes, arenas: make(map[ID]*Arena)}
}

// Create allocates a fresh arena for one request.
func (m *Manager) Create() *Arena {
	id := ID(m.nextID.Add(1))
	a := &Arena{id: id}
	m.mu.Lock()
	m.arenas[id] = a
	m.mu.Unlock()
	return a
}

// Drop releases a whole arena without collection — the dominant fast path
// on normal request completion (spec §4.5).
func (m *Manager) Drop(id ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.arenas, id)
}

// CheckHighWater reports whether id's arena has crossed the manager's
// high-water mark and should be collected before continuing.
func (m *Manager) CheckHighWater(id ID) bool {
	m.mu.Lock()
	a := m.arenas[id]
	m.mu.Unlock()
	if a == nil {
		return false
	}
	return a.Allocated() > m.highWater
}

// NotifyMemoryPressure collects every live arena, mirroring the teacher's
// periodic registry sweep but triggered by a signal rather than a timer —
// the OS memory-pressure hook from spec §4.5(c). Callers pass each
// arena's current GC roots (typically the in-flight VM's locals and
// evaluation stack); an arena with no supplied roots is skipped.
func (m *Manager) NotifyMemoryPressure(roots map[ID][]value.Value) {
	m.mu.Lock()
	arenas := make([]*Arena, 0, len(m.arenas))
	for id, a := range m.arenas {
		if _, ok := roots[id]; ok {
			arenas = append(arenas, a)
		}
	}
	m.mu.Unlock()
	for _, a := range arenas {
		a.Collect(roots[a.id])
	}
}
