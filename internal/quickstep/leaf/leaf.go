// Package leaf implements the on-disk/in-memory leaf page format: a
// prefix-compressed, fence-bounded, sorted slot directory over a fixed
// byte buffer, with a heap that grows down from the tail. It is the unit
// both the mini-page buffer and the paged file store: the same byte layout
// is used whether the page currently lives in a small mini-page slot or a
// full 4KiB disk page.
//
// The header is grounded on the teacher's fixed-size binary.BigEndian
// records (embedded/tbtree/history.go) and widened from the compressed
// 16-byte layout the original prototype's NodeMeta packs via unsafe
// pointer reinterpretation (original_source/src/types.rs) to a plain
// 32-byte Go struct-style layout, since idiomatic Go does not reach for
// unsafe bit-packing where a few extra bytes buy readability.
package leaf

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/merlinai-com/quickstep/internal/quickstep/qserr"
)

// RecordType tags what kind of entry a slot holds.
type RecordType uint8

const (
	// RecordInsert is a live key/value pair.
	RecordInsert RecordType = iota
	// RecordTombstone marks a key as deleted without removing its slot,
	// so a concurrent optimistic reader sees a definitive "not found"
	// rather than racing a physical delete.
	RecordTombstone
	// RecordPhantom reserves a key range during a not-yet-committed
	// insert, e.g. for a two-phase promotion.
	RecordPhantom
	// RecordCache holds a read-through cached copy of a value whose
	// authoritative home is elsewhere (reserved for future use).
	RecordCache
)

const (
	// HeaderSize is the fixed leaf header footprint in bytes.
	HeaderSize = 32
	// SlotSize is the fixed size of one KVMeta directory entry.
	SlotSize = 8

	flagDirty              = 1 << 0
	flagEvicting           = 1 << 1
	flagInFlight           = 1 << 2
	flagTombstonesPresent  = 1 << 3

	maxKeySize   = 1 << 14 // KVMeta packs key size into 14 bits
	noDiskAddr   = -1
)

// PutResult reports what a Put call did, so callers one layer up (page
// operations, the B-link tree) know whether the page still fits within its
// current size class.
type PutResult uint8

const (
	// PutOK means the entry was written in place; no structural action
	// needed.
	PutOK PutResult = iota
	// PutNeedsCompact means the write required space that compaction (not
	// growth) could reclaim; the caller already got it, no action needed
	// beyond noting a compaction happened.
	PutNeedsCompact
	// PutNeedsSplit means the page's buffer has no room for the write even
	// after compaction: the caller must move it to a larger size class or,
	// at the largest class, split it.
	PutNeedsSplit
)

// header is the fixed 32-byte leaf preamble. Layout:
//
//	 0: version      uint64  bumped by every structural mutation
//	 8: recordCount  uint16  total slot count, including both fences
//	10: allocCursor  uint16  lowest occupied heap byte offset
//	12: flags        uint8
//	13: prefixLen    uint8   bytes of the lower fence shared by all entries
//	14: reserved     [2]byte
//	16: pageID       uint64  low 48 bits used; owning logical PageId
//	24: diskAddr     int64   pagefile.AddrNone (-1) if never flushed
type header struct {
	version     uint64
	recordCount uint16
	allocCursor uint16
	flags       uint8
	prefixLen   uint8
	pageID      uint64
	diskAddr    int64
}

// Page is a leaf page's in-memory view over a fixed-size byte buffer. It
// carries no synchronization of its own: callers hold either the owning
// mapping-table entry's write latch (mutation) or a validated optimistic
// read snapshot (IterUserEntries) around the whole lifetime of the Page.
type Page struct {
	buf []byte
	hdr header
}

// UserEntry is one logical key/value record, used by ReplayEntries and
// returned by Iterator.
type UserEntry struct {
	Key   []byte
	Value []byte
	Type  RecordType
}

// slot is the decoded form of one 8-byte KVMeta directory entry.
type slot struct {
	keyOffset uint16
	keySize   uint16
	rtype     RecordType
	valOffset uint16
	valSize   uint16
}

// NewLeaf initializes a fresh, empty leaf over buf (whose length becomes
// the page's fixed capacity) bounded by the given fences. lower/upper use
// the half-open convention [lower, upper); upper may be nil to mean "no
// upper bound" (the tree's rightmost leaf).
func NewLeaf(buf []byte, pageID uint64, lower, upper []byte) (*Page, error) {
	p := &Page{buf: buf}
	p.hdr.pageID = pageID
	p.hdr.diskAddr = noDiskAddr
	if err := p.ResetWithFences(lower, upper); err != nil {
		return nil, err
	}
	return p, nil
}

// PageFromBytes decodes an existing page image (read from a mini-page slot
// or a disk page) without copying buf.
func PageFromBytes(buf []byte) (*Page, error) {
	if len(buf) < HeaderSize+2*SlotSize {
		return nil, qserr.Corruption("leaf: buffer too small (%d bytes)", len(buf))
	}
	p := &Page{buf: buf}
	p.hdr.version = binary.BigEndian.Uint64(buf[0:8])
	p.hdr.recordCount = binary.BigEndian.Uint16(buf[8:10])
	p.hdr.allocCursor = binary.BigEndian.Uint16(buf[10:12])
	p.hdr.flags = buf[12]
	p.hdr.prefixLen = buf[13]
	p.hdr.pageID = binary.BigEndian.Uint64(buf[16:24])
	p.hdr.diskAddr = int64(binary.BigEndian.Uint64(buf[24:32]))

	if int(p.hdr.recordCount) < 2 {
		return nil, qserr.Corruption("leaf: record count %d below the two mandatory fences", p.hdr.recordCount)
	}
	if HeaderSize+int(p.hdr.recordCount)*SlotSize > int(p.hdr.allocCursor) || int(p.hdr.allocCursor) > len(buf) {
		return nil, qserr.Corruption("leaf: inconsistent header (recordCount=%d allocCursor=%d len=%d)",
			p.hdr.recordCount, p.hdr.allocCursor, len(buf))
	}
	return p, nil
}

func (p *Page) writeHeader() {
	binary.BigEndian.PutUint64(p.buf[0:8], p.hdr.version)
	binary.BigEndian.PutUint16(p.buf[8:10], p.hdr.recordCount)
	binary.BigEndian.PutUint16(p.buf[10:12], p.hdr.allocCursor)
	p.buf[12] = p.hdr.flags
	p.buf[13] = p.hdr.prefixLen
	p.buf[14] = 0
	p.buf[15] = 0
	binary.BigEndian.PutUint64(p.buf[16:24], p.hdr.pageID)
	binary.BigEndian.PutUint64(p.buf[24:32], uint64(p.hdr.diskAddr))
}

// Bytes returns the page's backing buffer, header included. The caller
// must not retain it past the lifetime of the owning latch.
func (p *Page) Bytes() []byte { return p.buf }

// Cap returns the page's fixed byte capacity.
func (p *Page) Cap() int { return len(p.buf) }

// PageID returns the owning logical PageId.
func (p *Page) PageID() uint64 { return p.hdr.pageID }

// SetIdentity stamps the page with its owning PageId and last-known disk
// address, used after allocation and after a flush to disk.
func (p *Page) SetIdentity(pageID uint64, diskAddr int64) {
	p.hdr.pageID = pageID
	p.hdr.diskAddr = diskAddr
	p.writeHeader()
}

// DiskAddr returns the page's last-known disk address, or noDiskAddr (-1)
// if it has never been flushed.
func (p *Page) DiskAddr() int64 { return p.hdr.diskAddr }

// Version returns the page's structural version counter.
func (p *Page) Version() uint64 { return p.hdr.version }

// MarkEvicting sets the Evicting bit: any Put against this exact page
// buffer fails with qserr.ErrEvicting until ClearEvicting runs, per spec
// §4.3's requirement that a concurrent writer observe and retry against an
// in-progress eviction rather than race it.
func (p *Page) MarkEvicting() {
	p.hdr.flags |= flagEvicting
	p.writeHeader()
}

// ClearEvicting clears the Evicting bit.
func (p *Page) ClearEvicting() {
	p.hdr.flags &^= flagEvicting
	p.writeHeader()
}

// IsEvicting reports whether the Evicting bit is set.
func (p *Page) IsEvicting() bool { return p.hdr.flags&flagEvicting != 0 }

// RecordCount returns the number of user entries, excluding both fences.
func (p *Page) RecordCount() int { return int(p.hdr.recordCount) - 2 }

// LiveByteSize estimates the page's current live payload footprint
// (directory + heap for user entries only, excluding fences), used to
// decide merge eligibility.
func (p *Page) LiveByteSize() int {
	total := p.RecordCount() * SlotSize
	for i := 1; i < int(p.hdr.recordCount)-1; i++ {
		s := p.readSlot(i)
		total += int(s.keySize) + int(s.valSize)
	}
	return total
}

func (p *Page) readSlot(i int) slot {
	off := HeaderSize + i*SlotSize
	b := p.buf[off : off+SlotSize]
	keyOffset := binary.BigEndian.Uint16(b[0:2])
	packed := binary.BigEndian.Uint16(b[2:4])
	valOffset := binary.BigEndian.Uint16(b[4:6])
	valSize := binary.BigEndian.Uint16(b[6:8])
	return slot{
		keyOffset: keyOffset,
		keySize:   packed & 0x3FFF,
		rtype:     RecordType(packed >> 14),
		valOffset: valOffset,
		valSize:   valSize,
	}
}

func (p *Page) writeSlot(i int, s slot) {
	off := HeaderSize + i*SlotSize
	b := p.buf[off : off+SlotSize]
	binary.BigEndian.PutUint16(b[0:2], s.keyOffset)
	binary.BigEndian.PutUint16(b[2:4], (uint16(s.rtype)<<14)|(s.keySize&0x3FFF))
	binary.BigEndian.PutUint16(b[4:6], s.valOffset)
	binary.BigEndian.PutUint16(b[6:8], s.valSize)
}

// slotKeyBytes returns the raw key bytes stored at slot i. For a fence
// slot (i==0 or the last slot) this is the full key. For a user entry this
// is only the suffix after the shared prefix; use fullKey to reconstruct.
func (p *Page) slotKeyBytes(i int) []byte {
	s := p.readSlot(i)
	return p.buf[s.keyOffset : s.keyOffset+s.keySize]
}

func (p *Page) slotValueBytes(i int) []byte {
	s := p.readSlot(i)
	if s.valSize == 0 {
		return nil
	}
	return p.buf[s.valOffset : s.valOffset+s.valSize]
}

// fullKey reconstructs the complete key for user-entry slot i (1-indexed
// among all slots, so 1 <= i <= recordCount-2) by prepending the lower
// fence's shared prefix.
func (p *Page) fullKey(i int) []byte {
	suffix := p.slotKeyBytes(i)
	if p.hdr.prefixLen == 0 {
		return suffix
	}
	lower := p.slotKeyBytes(0)
	out := make([]byte, int(p.hdr.prefixLen)+len(suffix))
	copy(out, lower[:p.hdr.prefixLen])
	copy(out[p.hdr.prefixLen:], suffix)
	return out
}

// LowerFence returns the page's inclusive lower bound.
func (p *Page) LowerFence() []byte { return append([]byte(nil), p.slotKeyBytes(0)...) }

// UpperFence returns the page's exclusive upper bound, or nil if the page
// is the tree's rightmost leaf.
func (p *Page) UpperFence() []byte {
	last := int(p.hdr.recordCount) - 1
	k := p.slotKeyBytes(last)
	if len(k) == 0 {
		return nil
	}
	return append([]byte(nil), k...)
}

// find performs a binary search among the user-entry slots [1, count-2]
// for key, returning the insertion index (1-indexed slot position) and
// whether an exact match was found there.
func (p *Page) find(key []byte) (idx int, found bool) {
	lo, hi := 1, int(p.hdr.recordCount)-1 // hi is exclusive, upper fence excluded
	for lo < hi {
		mid := (lo + hi) / 2
		cmp := bytes.Compare(p.fullKey(mid), key)
		switch {
		case cmp == 0:
			return mid, true
		case cmp < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// Get looks up key and returns its value. found is false for a missing key
// or a key whose slot is a tombstone.
func (p *Page) Get(key []byte) (value []byte, found bool) {
	idx, ok := p.find(key)
	if !ok {
		return nil, false
	}
	s := p.readSlot(idx)
	if s.rtype == RecordTombstone {
		return nil, false
	}
	return append([]byte(nil), p.slotValueBytes(idx)...), true
}

// freeSpace returns the number of contiguous bytes available between the
// end of the slot directory and the start of the heap.
func (p *Page) freeSpace() int {
	dirEnd := HeaderSize + int(p.hdr.recordCount)*SlotSize
	return int(p.hdr.allocCursor) - dirEnd
}

// Put inserts, replaces, or tombstones the entry for key. It is the single
// low-level primitive backing both an ordinary write and a delete: a
// delete of an absent key inserts a fresh RecordTombstone slot; a delete
// or overwrite of a present key rewrites that slot in place. Whether this
// leaf may even accept a structural write (the mapping table's
// NeedsPromotion check on an out-of-date NodeRef) is decided by the
// caller before Put is ever invoked.
func (p *Page) Put(key, value []byte, rt RecordType) (PutResult, error) {
	if p.hdr.flags&flagEvicting != 0 {
		return PutOK, qserr.ErrEvicting
	}
	if len(key) > maxKeySize {
		return PutOK, qserr.ErrKeyTooLarge
	}

	suffix, needsWiderPrefix := p.suffixFor(key)
	idx, exists := p.find(key)

	if exists {
		old := p.readSlot(idx)
		if len(value) <= int(old.valSize) {
			// Reuse the existing value slot in place; only the record
			// type and (possibly shrunk) size change.
			copy(p.buf[old.valOffset:old.valOffset+uint16(len(value))], value)
			old.valSize = uint16(len(value))
			old.rtype = rt
			p.writeSlot(idx, old)
			p.bumpVersion(rt)
			return PutOK, nil
		}
		// New value doesn't fit the old slot; fall through to a fresh
		// heap allocation for both key suffix and value, replacing idx.
	}

	need := len(suffix) + len(value)
	if !exists {
		need += SlotSize // a new entry also takes one directory slot
	}
	if needsWiderPrefix {
		// Shrinking the shared prefix re-materializes every existing
		// user entry's suffix; account for the worst case conservatively
		// by forcing a compaction pass below instead of trying to fit
		// this write around stale suffixes.
		return p.putWithPrefixShrink(key, value, rt)
	}

	if p.freeSpace() < need {
		if err := p.compact(); err != nil {
			return PutOK, err
		}
		if p.freeSpace() < need {
			return PutNeedsSplit, nil
		}
		return p.insertOrReplace(idx, exists, suffix, value, rt, PutNeedsCompact)
	}

	return p.insertOrReplace(idx, exists, suffix, value, rt, PutOK)
}

// insertOrReplace performs the actual heap allocation and directory update
// once space has been confirmed available. If exists is true, idx names
// the slot being replaced (its old heap bytes become garbage, reclaimed at
// the next compaction); otherwise a new slot is inserted at idx, shifting
// the directory.
func (p *Page) insertOrReplace(idx int, exists bool, suffix, value []byte, rt RecordType, result PutResult) (PutResult, error) {
	newCursor := int(p.hdr.allocCursor) - len(suffix) - len(value)
	keyOff := newCursor
	valOff := newCursor + len(suffix)
	copy(p.buf[keyOff:keyOff+len(suffix)], suffix)
	copy(p.buf[valOff:valOff+len(value)], value)
	p.hdr.allocCursor = uint16(newCursor)

	newSlot := slot{
		keyOffset: uint16(keyOff),
		keySize:   uint16(len(suffix)),
		rtype:     rt,
		valOffset: uint16(valOff),
		valSize:   uint16(len(value)),
	}

	if exists {
		p.writeSlot(idx, newSlot)
	} else {
		p.insertSlotAt(idx, newSlot)
	}

	p.bumpVersion(rt)
	return result, nil
}

// insertSlotAt shifts the directory to make room for a new slot at idx and
// writes it, growing recordCount by one.
func (p *Page) insertSlotAt(idx int, s slot) {
	count := int(p.hdr.recordCount)
	for i := count; i > idx; i-- {
		p.writeSlot(i, p.readSlot(i-1))
	}
	p.hdr.recordCount = uint16(count + 1)
	p.writeSlot(idx, s)
}

// suffixFor returns the bytes that should be stored for key given the
// page's current shared prefix, and whether storing this key would
// require narrowing that prefix (because key diverges from the lower
// fence earlier than prefixLen).
func (p *Page) suffixFor(key []byte) (suffix []byte, needsWiderPrefix bool) {
	lower := p.slotKeyBytes(0)
	pl := int(p.hdr.prefixLen)
	if pl > len(lower) {
		pl = len(lower)
	}
	common := commonPrefixLen(lower[:pl], key)
	if common < pl {
		return nil, true
	}
	if len(key) < pl {
		return nil, true
	}
	return key[pl:], false
}

// putWithPrefixShrink handles the rare case where key doesn't share the
// page's full current prefix (only possible transiently, since every key
// in [lower, upper) shares the fences' common prefix by construction;
// guarded here defensively rather than assumed away).
func (p *Page) putWithPrefixShrink(key, value []byte, rt RecordType) (PutResult, error) {
	entries := p.collectEntries()
	lower := p.LowerFence()
	upper := p.UpperFence()

	newPrefix := commonPrefixLen(lower, key)
	if u := upperBoundPrefix(upper, newPrefix); u < newPrefix {
		newPrefix = u
	}

	scratch := make([]byte, len(p.buf))
	old := p.buf
	p.buf = scratch
	if err := p.ResetWithFences(lower, upper); err != nil {
		p.buf = old
		return PutOK, err
	}
	p.hdr.prefixLen = uint8(newPrefix)
	p.writeHeader()

	entries = insertOrReplaceEntry(entries, key, value, rt)
	if err := p.replayEntriesLocked(entries); err != nil {
		p.buf = old
		return PutOK, err
	}
	copy(old, scratch)
	p.buf = old
	return PutNeedsCompact, nil
}

func insertOrReplaceEntry(entries []UserEntry, key, value []byte, rt RecordType) []UserEntry {
	for i := range entries {
		if bytes.Equal(entries[i].Key, key) {
			entries[i].Value = value
			entries[i].Type = rt
			return entries
		}
	}
	entries = append(entries, UserEntry{Key: key, Value: value, Type: rt})
	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].Key, entries[j].Key) < 0 })
	return entries
}

func upperBoundPrefix(upper []byte, max int) int {
	if upper == nil {
		return max
	}
	if len(upper) < max {
		return len(upper)
	}
	return max
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func (p *Page) bumpVersion(rt RecordType) {
	p.hdr.version++
	if rt == RecordTombstone {
		p.hdr.flags |= flagTombstonesPresent
	}
	p.hdr.flags |= flagDirty
	p.writeHeader()
}

// collectEntries returns every user entry currently stored, in sorted
// order, with full (prefix-restored) keys. Keys and values are copies, so
// the result stays valid after p's buffer is reset or reused.
func (p *Page) collectEntries() []UserEntry {
	n := int(p.hdr.recordCount) - 2
	out := make([]UserEntry, 0, n)
	for i := 1; i <= n; i++ {
		s := p.readSlot(i)
		out = append(out, UserEntry{
			Key:   append([]byte(nil), p.fullKey(i)...),
			Value: append([]byte(nil), p.slotValueBytes(i)...),
			Type:  s.rtype,
		})
	}
	return out
}

// compact rebuilds the heap in a fresh scratch buffer, reading only from
// the untouched original p.buf and writing only into scratch, then copies
// scratch back over p.buf. This sidesteps any aliasing hazard from
// repacking a heap that grows down from the tail in place.
func (p *Page) compact() error {
	scratch := make([]byte, len(p.buf))
	copy(scratch, p.buf[:HeaderSize+int(p.hdr.recordCount)*SlotSize])

	cursor := len(scratch)
	count := int(p.hdr.recordCount)
	for i := 0; i < count; i++ {
		s := p.readSlot(i)
		keyBytes := p.buf[s.keyOffset : s.keyOffset+s.keySize]
		valBytes := p.buf[s.valOffset : s.valOffset+s.valSize]

		cursor -= len(keyBytes) + len(valBytes)
		keyOff := cursor
		valOff := cursor + len(keyBytes)
		copy(scratch[keyOff:keyOff+len(keyBytes)], keyBytes)
		copy(scratch[valOff:valOff+len(valBytes)], valBytes)

		s.keyOffset = uint16(keyOff)
		s.valOffset = uint16(valOff)
		off := HeaderSize + i*SlotSize
		binary.BigEndian.PutUint16(scratch[off:off+2], s.keyOffset)
		binary.BigEndian.PutUint16(scratch[off+2:off+4], (uint16(s.rtype)<<14)|(s.keySize&0x3FFF))
		binary.BigEndian.PutUint16(scratch[off+4:off+6], s.valOffset)
		binary.BigEndian.PutUint16(scratch[off+6:off+8], s.valSize)
	}

	p.hdr.allocCursor = uint16(cursor)
	copy(p.buf, scratch)
	p.writeHeader()
	return nil
}

// ResetWithFences reinitializes the page as empty, bounded by [lower,
// upper). It is used both for a brand-new leaf and to rebuild a page in
// place ahead of ReplayEntries (splits, merges, recovery, mini-page
// regrowth).
func (p *Page) ResetWithFences(lower, upper []byte) error {
	for i := range p.buf {
		p.buf[i] = 0
	}

	p.hdr.version = 0
	p.hdr.flags = 0
	p.hdr.prefixLen = uint8(commonPrefixLen(lower, valueOr(upper, lower)))
	if upper == nil {
		p.hdr.prefixLen = 0
	}
	p.hdr.recordCount = 2
	p.hdr.allocCursor = uint16(len(p.buf))

	cursor := len(p.buf)
	cursor -= len(lower)
	lowerOff := cursor
	copy(p.buf[lowerOff:lowerOff+len(lower)], lower)

	upperOff := lowerOff
	upperLen := 0
	if upper != nil {
		cursor -= len(upper)
		upperOff = cursor
		upperLen = len(upper)
		copy(p.buf[upperOff:upperOff+upperLen], upper)
	}

	if HeaderSize+2*SlotSize > cursor {
		return qserr.Corruption("leaf: fences too large for page capacity %d", len(p.buf))
	}

	p.hdr.allocCursor = uint16(cursor)
	p.writeSlot(0, slot{keyOffset: uint16(lowerOff), keySize: uint16(len(lower))})
	p.writeSlot(1, slot{keyOffset: uint16(upperOff), keySize: uint16(upperLen)})
	p.writeHeader()
	return nil
}

func valueOr(v, fallback []byte) []byte {
	if v == nil {
		return fallback
	}
	return v
}

// ReplayEntries appends entries (already sorted by key, already within the
// page's fences) to a freshly-reset page. Used by split, merge, recovery,
// and mini-page regrowth to rebuild a page's contents from a snapshot.
func (p *Page) ReplayEntries(entries []UserEntry) error {
	return p.replayEntriesLocked(entries)
}

func (p *Page) replayEntriesLocked(entries []UserEntry) error {
	for _, e := range entries {
		suffix, needsWiderPrefix := p.suffixFor(e.Key)
		if needsWiderPrefix {
			return qserr.Corruption("leaf: entry key does not share page prefix during replay")
		}
		need := len(suffix) + len(e.Value) + SlotSize
		if p.freeSpace() < need {
			return qserr.ErrInsufficientSpace
		}
		idx := int(p.hdr.recordCount) - 1 // insert just before the upper fence
		if _, err := p.insertOrReplace(idx, false, suffix, e.Value, e.Type, PutOK); err != nil {
			return err
		}
	}
	return nil
}

// CollectEntries returns every user entry currently stored, in sorted
// order, with full (prefix-restored) keys and tombstones included. Used
// by callers that need to rebuild a page elsewhere (mini-page eviction to
// a full disk page, regrowth to a larger size class).
func (p *Page) CollectEntries() []UserEntry {
	return p.collectEntries()
}

// SplitEntries divides the page's current live entries (tombstones
// included, so a merge-in-progress delete survives the split) into a left
// and right half at their midpoint by count, along with the separator key
// the right half should use as its new lower fence. It is the page-format
// half of leaf split: the caller (page-ops layer) is responsible for
// allocating the new PageId, rebuilding both halves via ResetWithFences +
// ReplayEntries, and installing the separator into the inner tree.
func (p *Page) SplitEntries() (left, right []UserEntry, separator []byte) {
	all := p.collectEntries()
	mid := len(all) / 2
	if mid == 0 && len(all) > 0 {
		mid = 1
	}
	left = all[:mid]
	right = all[mid:]
	if len(right) > 0 {
		separator = append([]byte(nil), right[0].Key...)
	}
	return left, right, separator
}

// Iterator walks the user entries of a page in sorted order. It holds a
// direct reference into the page's buffer and must not outlive the
// validated read (optimistic snapshot or held latch) that produced it.
type Iterator struct {
	p   *Page
	idx int
	end int
}

// IterUserEntries returns an iterator over all live (non-tombstone)
// entries; callers that need tombstones too (e.g. merge planning) use
// CollectEntries.
func (p *Page) IterUserEntries() *Iterator {
	return &Iterator{p: p, idx: 1, end: int(p.hdr.recordCount) - 1}
}

// Next advances the iterator and reports whether an entry was produced.
func (it *Iterator) Next() (key, value []byte, rtype RecordType, ok bool) {
	for it.idx < it.end {
		s := it.p.readSlot(it.idx)
		k := it.p.fullKey(it.idx)
		v := it.p.slotValueBytes(it.idx)
		it.idx++
		if s.rtype == RecordTombstone {
			continue
		}
		return k, v, s.rtype, true
	}
	return nil, nil, 0, false
}
