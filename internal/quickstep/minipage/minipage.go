// Package minipage implements the mini-page buffer: a fixed-capacity pool
// of small in-memory leaf images, bucketed into size classes, with a
// per-class freelist and a clock/second-chance eviction scan when a class
// is exhausted. It is the in-memory tier a PageId lives in before it is
// large enough (or cold enough) to be flushed to a full 4KiB disk page.
//
// Grounded on the teacher's embedded/tbtree/write_buffer.go
// (SharedWriteBuffer's chunked circular allocation with a CAS hand
// pointer) and original_source/src/buffer.rs (freelist-pop-first-else-
// bump-tail allocation, size-class ladder, SPIN_RETRIES-bounded CAS
// retries).
package minipage

import (
	"sync"
	"sync/atomic"

	"github.com/merlinai-com/quickstep/internal/quickstep/metrics"
	"github.com/merlinai-com/quickstep/internal/quickstep/qserr"
)

// SizeClass identifies one of the fixed mini-page buffer sizes. The 4096
// class is shared between the largest mini-page tier and a full leaf page
// image, per original_source/src/types.rs's NodeSize enum.
type SizeClass int

const (
	Class64 SizeClass = iota
	Class128
	Class256
	Class512
	Class1024
	Class2048
	Class4096
	numClasses
)

var classSizes = [numClasses]int{64, 128, 256, 512, 1024, 2048, 4096}

// SizeClassFor returns the smallest class that can hold n bytes, or
// ok=false if n exceeds the largest class (4096).
func SizeClassFor(n int) (SizeClass, bool) {
	for c := Class64; c < numClasses; c++ {
		if n <= classSizes[c] {
			return c, true
		}
	}
	return 0, false
}

// Bytes returns the fixed byte size of a size class.
func (c SizeClass) Bytes() int { return classSizes[c] }

// spinRetries bounds how many times a CAS-based allocation attempt
// re-reads and retries before giving up and reporting buffer exhaustion,
// mirroring original_source's SPIN_RETRIES = 2^12 shared retry budget.
const spinRetries = 1 << 12

// slot is one mini-page buffer entry: its backing bytes, the PageId it
// currently holds (if any), and eviction bookkeeping.
type slot struct {
	buf        []byte
	pageID     uint64
	occupied   atomic.Bool
	referenced atomic.Bool // second-chance bit, set on every access
}

// classArena manages allocation within one size class: a bounded array of
// slots, a freelist of indices, and a clock hand for eviction scanning.
type classArena struct {
	class SizeClass
	slots []*slot

	mu       sync.Mutex
	freelist []int
	clock    int
}

func newClassArena(class SizeClass, count int) *classArena {
	slots := make([]*slot, count)
	freelist := make([]int, count)
	for i := range slots {
		slots[i] = &slot{buf: make([]byte, class.Bytes())}
		freelist[i] = i
	}
	return &classArena{class: class, slots: slots, freelist: freelist}
}

// alloc reserves a slot for pageID, evicting via second-chance if the
// freelist is empty. evictFn is called with the victim's current pageID
// and bytes to flush it before reuse; it returns an error only if the
// flush itself failed, in which case the victim is skipped and scanning
// continues.
func (a *classArena) alloc(pageID uint64, m metrics.MiniPageMetrics, evictFn func(pageID uint64, buf []byte) error) (*slot, error) {
	a.mu.Lock()
	if n := len(a.freelist); n > 0 {
		idx := a.freelist[n-1]
		a.freelist = a.freelist[:n-1]
		a.mu.Unlock()

		s := a.slots[idx]
		s.pageID = pageID
		s.occupied.Store(true)
		s.referenced.Store(true)
		return s, nil
	}
	a.mu.Unlock()

	for attempt := 0; attempt < spinRetries; attempt++ {
		a.mu.Lock()
		idx := a.clock
		a.clock = (a.clock + 1) % len(a.slots)
		s := a.slots[idx]
		a.mu.Unlock()

		if !s.occupied.Load() {
			continue
		}
		if s.referenced.CompareAndSwap(true, false) {
			m.IncSecondChance()
			continue
		}

		victimID := s.pageID
		if err := evictFn(victimID, s.buf); err != nil {
			continue
		}
		m.IncEviction()

		s.pageID = pageID
		s.referenced.Store(true)
		return s, nil
	}

	m.IncBufferFull()
	return nil, qserr.ErrBufferFull
}

func (a *classArena) free(idx int) {
	a.mu.Lock()
	a.freelist = append(a.freelist, idx)
	a.mu.Unlock()
}

// slotIndex returns the arena-relative index of s, or -1.
func (a *classArena) slotIndex(s *slot) int {
	for i, cand := range a.slots {
		if cand == s {
			return i
		}
	}
	return -1
}

// EvictFunc flushes pageID's current in-memory image (buf) to durable
// storage before its slot is reclaimed for a different PageId. It is
// supplied by the layer that owns disk placement (the mapping table /
// page-ops layer), keeping this package agnostic of the paged file.
type EvictFunc func(pageID uint64, buf []byte) error

// Buffer is the mini-page buffer: one classArena per size class, sized
// proportionally to totalBytes.
type Buffer struct {
	arenas  [numClasses]*classArena
	metrics metrics.MiniPageMetrics
	evict   EvictFunc
}

// New builds a Buffer of approximately totalBytes capacity, split evenly
// in bytes across the seven size classes: each class gets totalBytes/7
// bytes' worth of slots (at least one slot), so smaller classes hold more
// slots. evict is invoked whenever an occupied slot must be reclaimed for
// a different PageId.
func New(totalBytes int, m metrics.MiniPageMetrics, evict EvictFunc) *Buffer {
	if m == nil {
		m = metrics.NewNopMiniPageMetrics()
	}
	perClassBytes := totalBytes / int(numClasses)

	b := &Buffer{metrics: m, evict: evict}
	for c := Class64; c < numClasses; c++ {
		count := perClassBytes / c.Bytes()
		if count < 1 {
			count = 1
		}
		b.arenas[c] = newClassArena(c, count)
	}
	m.SetBufferSize(totalBytes)
	return b
}

// Handle identifies a live mini-page allocation: which class/slot it
// occupies, so Free/Touch/Bytes can address it directly without a lookup.
type Handle struct {
	class SizeClass
	slot  *slot
}

// Alloc reserves a mini-page of the smallest class that fits need bytes
// for pageID, returning a zero-initialized buffer of exactly that class's
// size. Returns qserr.ErrBufferFull if the class is exhausted and no
// victim could be evicted within the retry budget.
func (b *Buffer) Alloc(pageID uint64, need int) (Handle, []byte, error) {
	class, ok := SizeClassFor(need)
	if !ok {
		return Handle{}, nil, qserr.ErrValueTooLarge
	}
	s, err := b.arenas[class].alloc(pageID, b.metrics, b.evict)
	if err != nil {
		return Handle{}, nil, err
	}
	for i := range s.buf {
		s.buf[i] = 0
	}
	return Handle{class: class, slot: s}, s.buf, nil
}

// Grow reallocates the mini-page under handle into the next larger size
// class. The new buffer is zero-filled and the old slot is freed without
// its bytes being copied: the caller rebuilds the page in the wider buffer
// via ResetWithFences+ReplayEntries, since a page's directory offsets are
// relative to its own buffer length. It never grows past Class4096; the caller must treat
// that as a NeedsSplit signal instead.
func (b *Buffer) Grow(h Handle, pageID uint64) (Handle, []byte, error) {
	if h.class >= Class4096 {
		return Handle{}, nil, qserr.ErrInsufficientSpace
	}
	next := h.class + 1
	s, err := b.arenas[next].alloc(pageID, b.metrics, b.evict)
	if err != nil {
		return Handle{}, nil, err
	}
	for i := range s.buf {
		s.buf[i] = 0
	}
	b.Free(h)
	return Handle{class: next, slot: s}, s.buf, nil
}

// Bytes returns the handle's backing byte slice.
func (h Handle) Bytes() []byte { return h.slot.buf }

// Touch marks the mini-page as recently used, giving it a second chance
// against the clock eviction scan.
func (b *Buffer) Touch(h Handle) {
	h.slot.referenced.Store(true)
	b.metrics.IncHit()
}

// Free releases a mini-page back to its class's freelist without flushing
// it; used once a page has been merged away or its contents fully moved
// elsewhere (a split's overflow half, a completed flush-to-disk).
func (b *Buffer) Free(h Handle) {
	h.slot.occupied.Store(false)
	h.slot.pageID = 0
	if idx := b.arenas[h.class].slotIndex(h.slot); idx >= 0 {
		b.arenas[h.class].free(idx)
	}
}

// Miss records a mini-page buffer miss (the caller had to fall back to
// reading the page from disk).
func (b *Buffer) Miss() { b.metrics.IncMiss() }
