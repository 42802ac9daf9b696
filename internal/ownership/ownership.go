// Package ownership holds the process-wide device -> queue reservation
// map that the queue workers coordinate through. It is the only truly
// shared mutable state in the engine (spec §5); one mutex guards it.
package ownership

import "sync"

// Map is the engine's internal record of which queue currently holds
// which device. A single device maps to at most one queue; many
// devices may map to the same queue.
type Map struct {
	mu     sync.Mutex
	owners map[int]int // device id -> queue id
}

// New returns an empty ownership map.
func New() *Map {
	return &Map{owners: make(map[int]int)}
}

// TryAcquire succeeds iff none of the given devices are currently
// owned by any queue; on success it inserts all mappings atomically
// and returns true. On failure the map is left unchanged.
func (m *Map) TryAcquire(devices []int, queue int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range devices {
		if _, held := m.owners[d]; held {
			return false
		}
	}
	for _, d := range devices {
		m.owners[d] = queue
	}
	return true
}

// Release removes mappings for devices owned by queue. Devices owned by
// a different queue are left alone — releasing a device you do not own
// is a no-op, never an error (spec §4.3: "defensive").
func (m *Map) Release(devices []int, queue int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range devices {
		if owner, ok := m.owners[d]; ok && owner == queue {
			delete(m.owners, d)
		}
	}
}

// OwnerOf returns the owning queue id and true if device is currently
// reserved, or (0, false) otherwise.
func (m *Map) OwnerOf(device int) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.owners[device]
	return q, ok
}

// Held reports whether device currently appears in the ownership map,
// regardless of owner.
func (m *Map) Held(device int) bool {
	_, ok := m.OwnerOf(device)
	return ok
}

// Snapshot returns a copy of the current device->queue mapping, safe for
// the caller to range over without holding the lock.
func (m *Map) Snapshot() map[int]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[int]int, len(m.owners))
	for d, q := range m.owners {
		out[d] = q
	}
	return out
}

// Lock and Unlock expose the map's single lock so callers that need to
// perform a read-filter-acquire critical section spanning ownership and
// other state (spec §4.6 eligible_devices) can do so atomically without
// a second, inconsistent lock. Held only for O(|devices|) work, never
// across I/O or sleeps (spec §5).
func (m *Map) Lock()   { m.mu.Lock() }
func (m *Map) Unlock() { m.mu.Unlock() }

// UnsafeTryAcquire, UnsafeHeld and UnsafeCountHeldOf are the lock-held variants used by
// callers that already hold m's lock via Lock()/Unlock(). They let
// internal/queue's wait_for_devices implement the single critical
// section spec.md §4.6 describes ("under ownership lock: ...").

// UnsafeTryAcquire is TryAcquire without taking the lock; the caller
// must already hold it via Lock().
func (m *Map) UnsafeTryAcquire(devices []int, queue int) bool {
	for _, d := range devices {
		if _, held := m.owners[d]; held {
			return false
		}
	}
	for _, d := range devices {
		m.owners[d] = queue
	}
	return true
}

// UnsafeHeld is Held without taking the lock.
func (m *Map) UnsafeHeld(device int) bool {
	_, ok := m.owners[device]
	return ok
}

// UnsafeCountHeldOf counts how many of candidates are currently present
// in the map, without taking the lock.
func (m *Map) UnsafeCountHeldOf(candidates []int) int {
	n := 0
	for _, d := range candidates {
		if _, ok := m.owners[d]; ok {
			n++
		}
	}
	return n
}
