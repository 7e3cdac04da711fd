// Package latch provides the two lock-free/spin primitives the storage
// engine builds its concurrency control on: an optimistic version lock for
// B-link tree nodes, and a fairness-aware reader/writer latch for the
// mapping table.
package latch

import (
	"sync/atomic"
)

const defaultMaxSpins = 1000

// OptimisticLock is a version-stamped exclusive lock used for Optimistic
// Lock Coupling (OLC) over inner tree nodes. The low bit of the packed word
// marks the node exclusively locked; the remaining 63 bits are a version
// counter bumped on every WUnlock. Readers never block: they snapshot the
// version, read the node, then Validate against a fresh snapshot.
type OptimisticLock struct {
	word uint64
}

const olcLockedBit = uint64(1)

// RLockOptimistic spins until no writer holds the lock and returns the
// current version. Callers must Validate before trusting anything read
// under this version.
func (l *OptimisticLock) RLockOptimistic() uint64 {
	for {
		v := atomic.LoadUint64(&l.word)
		if v&olcLockedBit == 0 {
			return v
		}
	}
}

// Validate reports whether the version snapshotted by RLockOptimistic is
// still current, i.e. no writer has taken and released the lock since.
func (l *OptimisticLock) Validate(version uint64) bool {
	return atomic.LoadUint64(&l.word) == version
}

// WLock spins (CAS) until it acquires the exclusive bit.
func (l *OptimisticLock) WLock() {
	for !l.TryWLock() {
	}
}

// TryWLock attempts to set the exclusive bit without blocking.
func (l *OptimisticLock) TryWLock() bool {
	v := atomic.LoadUint64(&l.word)
	if v&olcLockedBit != 0 {
		return false
	}
	return atomic.CompareAndSwapUint64(&l.word, v, v|olcLockedBit)
}

// WUnlock releases the exclusive bit and bumps the version, fencing any
// optimistic reader that started before this write.
func (l *OptimisticLock) WUnlock() {
	v := atomic.LoadUint64(&l.word)
	if v&olcLockedBit == 0 {
		panic("latch: WUnlock called without a held write lock")
	}
	// clear the lock bit and advance the version by one full unit (bit 1).
	atomic.StoreUint64(&l.word, (v+2)&^olcLockedBit)
}

// Version returns the current raw version word, useful for diagnostics and
// for embedding in a returned NodeRef so callers can cheaply re-check it.
func (l *OptimisticLock) Version() uint64 {
	return atomic.LoadUint64(&l.word)
}

// IsLocked reports whether a writer currently holds the lock.
func (l *OptimisticLock) IsLocked() bool {
	return atomic.LoadUint64(&l.word)&olcLockedBit != 0
}
