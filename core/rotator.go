package core

import "sync"

// Rotator is a generic round-robin selector over a pool of resources
// (model names, API tokens, proxies) with a configurable number of uses
// before advancing. All operations are O(1) and guarded by one mutex.
type Rotator[T any] struct {
	mu              sync.Mutex
	items           []T
	usesPerRotation int
	currentIndex    int
	currentUses     int
}

// RotatorStats is a point-in-time snapshot for dashboards.
type RotatorStats struct {
	TotalItems      int `json:"total_items"`
	CurrentIndex    int `json:"current_index"`
	CurrentUses     int `json:"current_uses"`
	RotateThreshold int `json:"rotate_threshold"`
}

// NewRotator builds a rotator over items advancing every usesPerRotation
// calls. usesPerRotation is clamped to at least 1.
func NewRotator[T any](items []T, usesPerRotation int) *Rotator[T] {
	r := &Rotator[T]{}
	r.SetItems(items, usesPerRotation)
	return r
}

// SetItems replaces the pool and resets the rotation position. Resetting
// avoids an out-of-range index when the pool shrinks.
func (r *Rotator[T]) SetItems(items []T, usesPerRotation int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if usesPerRotation < 1 {
		usesPerRotation = 1
	}
	r.items = items
	r.usesPerRotation = usesPerRotation
	r.currentIndex = 0
	r.currentUses = 0
}

// Next returns the current item and counts one use, advancing first if
// the previous window is exhausted. The threshold check happens before
// the increment so the first call of a fresh window still returns the
// current item. Returns false if the pool is empty.
func (r *Rotator[T]) Next() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if len(r.items) == 0 {
		return zero, false
	}

	if r.currentUses >= r.usesPerRotation {
		r.currentIndex = (r.currentIndex + 1) % len(r.items)
		r.currentUses = 0
	}
	r.currentUses++
	return r.items[r.currentIndex], true
}

// Peek returns the current item without counting a use.
func (r *Rotator[T]) Peek() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if len(r.items) == 0 {
		return zero, false
	}
	return r.items[r.currentIndex], true
}

// Len returns the pool size.
func (r *Rotator[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Stats returns a snapshot of the rotation state.
func (r *Rotator[T]) Stats() RotatorStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RotatorStats{
		TotalItems:      len(r.items),
		CurrentIndex:    r.currentIndex,
		CurrentUses:     r.currentUses,
		RotateThreshold: r.usesPerRotation,
	}
}
