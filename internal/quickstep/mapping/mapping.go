// Package mapping implements the mapping table: the indirection layer
// between a logical PageId and its current physical location, which may
// be a mini-page buffer slot, a disk address, or both (a clean mini-page
// mirrors its last-flushed disk image until dirtied again). Every leaf
// access goes through here first.
//
// Grounded on the teacher's embedded/tbtree/page_cache.go (descriptor
// table with a bit-packed key, per-entry latch, two-phase allocate-or-
// evict lookup) and original_source/src/map_table.rs (flat
// indirection array, monotonically increasing next_free — a merged-away
// PageId's slot becomes NodeRef.Empty rather than being recycled by
// number, matching the prototype's behavior).
package mapping

import (
	"sync"

	"github.com/merlinai-com/quickstep/internal/quickstep/minipage"
	"github.com/merlinai-com/quickstep/internal/quickstep/pagefile"
	"github.com/merlinai-com/quickstep/pkg/latch"
)

// Location tags where a PageId's authoritative bytes currently live.
type Location uint8

const (
	// LocEmpty means the PageId has never been allocated, or was merged
	// away and its slot retired (no reuse of PageId numbers).
	LocEmpty Location = iota
	// LocMemory means the page lives only in a mini-page buffer slot; it
	// has never been flushed, or has been dirtied since its last flush.
	LocMemory
	// LocDisk means the page's only image is on disk; nothing evicted it
	// back into memory since the last read.
	LocDisk
	// LocBoth means a mini-page slot mirrors a clean, already-flushed
	// disk image; either can serve a read.
	LocBoth
)

// NodeRef is the mapping table's per-PageId value: where the page lives
// and how to find it in whichever tier(s) hold it.
type NodeRef struct {
	Loc      Location
	MiniPage minipage.Handle
	DiskAddr pagefile.Addr
}

// entry pairs a NodeRef with the latch guarding both concurrent access to
// the ref itself and to the page bytes it points at (readers take the
// latch's read side while dereferencing MiniPage's buffer; writers take
// the write side for any structural change).
type entry struct {
	latch latch.RWLatch
	ref   NodeRef
}

// Table is the PageId -> NodeRef mapping table. Slots are never reused:
// once a PageId is retired, its slot's Loc becomes LocEmpty permanently,
// matching original_source's map_table.rs.
type Table struct {
	mu      sync.RWMutex // guards growth of entries only, not per-entry state
	entries []*entry
	nextID  uint64
}

// New creates an empty mapping table sized for an initial capacity hint;
// it grows past that transparently.
func New(capacityHint int) *Table {
	return &Table{entries: make([]*entry, 0, capacityHint)}
}

// Allocate reserves a fresh PageId with an empty NodeRef and returns it.
func (t *Table) Allocate() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++
	t.entries = append(t.entries, &entry{})
	return id
}

func (t *Table) get(pageID uint64) *entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if pageID >= uint64(len(t.entries)) {
		return nil
	}
	return t.entries[pageID]
}

// HasEntry reports whether pageID has ever been allocated (regardless of
// its current Location).
func (t *Table) HasEntry(pageID uint64) bool {
	return t.get(pageID) != nil
}

// ReadLock takes the read side of pageID's latch and returns the NodeRef
// snapshot and version to validate against later, along with an unlock
// function. Callers must call unlock exactly once.
func (t *Table) ReadLock(pageID uint64) (ref NodeRef, version uint64, unlock func(), ok bool) {
	e := t.get(pageID)
	if e == nil {
		return NodeRef{}, 0, func() {}, false
	}
	version = e.latch.ReadLock()
	return e.ref, version, e.latch.ReadUnlock, true
}

// WriteLock takes the write side of pageID's latch and returns a handle
// exposing the current NodeRef (Ref, mutable through SetRef) and Unlock;
// ok is false if pageID has no entry.
func (t *Table) WriteLock(pageID uint64) (e *EntryHandle, ok bool) {
	ent := t.get(pageID)
	if ent == nil {
		return nil, false
	}
	ent.latch.WriteLock()
	return &EntryHandle{e: ent}, true
}

// EntryHandle is returned by WriteLock; it exposes the ref for reading and
// updating while the write lock is held, and must be released exactly
// once via Unlock.
type EntryHandle struct {
	e *entry
}

// Ref returns the current NodeRef.
func (h *EntryHandle) Ref() NodeRef { return h.e.ref }

// SetRef overwrites the NodeRef in place.
func (h *EntryHandle) SetRef(ref NodeRef) { h.e.ref = ref }

// Unlock releases the write lock, bumping the entry's version.
func (h *EntryHandle) Unlock() { h.e.latch.WriteUnlock() }

// TryUpgrade attempts to convert a held read lock (identified by having
// been the sole reader) directly to a write lock without an intervening
// unlock, per spec's lock-coupling fast path. On success it returns an
// EntryHandle; on failure the caller must ReadUnlock and take WriteLock
// normally.
func (t *Table) TryUpgrade(pageID uint64) (*EntryHandle, bool) {
	e := t.get(pageID)
	if e == nil {
		return nil, false
	}
	if !e.latch.TryUpgrade() {
		return nil, false
	}
	return &EntryHandle{e: e}, true
}

// Retire marks pageID permanently empty after a merge. Its slot is never
// reused for a different PageId.
func (t *Table) Retire(pageID uint64) {
	h, ok := t.WriteLock(pageID)
	if !ok {
		return
	}
	defer h.Unlock()
	h.SetRef(NodeRef{Loc: LocEmpty})
}

// Len returns the number of PageIds ever allocated.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
