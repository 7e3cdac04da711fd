package quickstep

import (
	"bytes"

	"github.com/merlinai-com/quickstep/internal/quickstep/leaf"
	"github.com/merlinai-com/quickstep/internal/quickstep/mapping"
	"github.com/merlinai-com/quickstep/internal/quickstep/pagefile"
	"github.com/merlinai-com/quickstep/internal/quickstep/qserr"
	"github.com/merlinai-com/quickstep/internal/quickstep/txn"
	"github.com/merlinai-com/quickstep/internal/quickstep/wal"
)

const pagefileSize = pagefile.PageSize

// Tx is an explicit, multi-operation transaction. Every write it performs
// is durable in the write-ahead log the moment the call returns. Abort
// rolls the writes back using the in-memory undo log recorded as they
// happened. Recovery redoes every logged write whether or not Commit ran
// (the engine's redo-always/undo-for-live-only policy), so a crash before
// Commit or Abort leaves the transaction's writes in place.
type Tx struct {
	db   *DB
	id   uint64
	undo txn.UndoLog
	done bool
}

// Tx begins a new explicit transaction.
func (db *DB) Tx() *Tx {
	return &Tx{db: db, id: db.nextTxnID.Add(1)}
}

// Get returns the current value for key, or found=false if it is absent
// or tombstoned. Reads inside a transaction take no transaction locks:
// they go through DB.Get, which holds only the mapping table's read latch
// while it copies the value out.
func (t *Tx) Get(key []byte) ([]byte, bool, error) {
	return t.db.Get(key)
}

// Put durably logs and applies a write, first taking an exclusive lock on
// the owning leaf for the lifetime of the transaction so a concurrent
// transaction's write to the same leaf serializes behind this one.
func (t *Tx) Put(key, value []byte) error {
	if t.done {
		return qserr.Corruption("txn: use of transaction after commit/abort")
	}
	leafID := t.db.tree.FindLeaf(key)
	t.db.locks.Acquire(t.id, leafID, txn.LockExclusive)

	prevValue, existed, _ := t.db.Get(key)
	if err := t.db.putWithTxn(leafID, key, value, t.id); err != nil {
		return err
	}
	t.undo.Record(txn.UndoEntry{PageID: leafID, Key: key, Value: prevValue, Existed: existed})
	return nil
}

// Delete durably logs and applies a tombstone.
func (t *Tx) Delete(key []byte) error {
	if t.done {
		return qserr.Corruption("txn: use of transaction after commit/abort")
	}
	leafID := t.db.tree.FindLeaf(key)
	t.db.locks.Acquire(t.id, leafID, txn.LockExclusive)

	prevValue, existed, _ := t.db.Get(key)
	if err := t.db.deleteWithTxn(leafID, key, t.id); err != nil {
		return err
	}
	t.undo.Record(txn.UndoEntry{PageID: leafID, Key: key, Value: prevValue, Existed: existed})
	return nil
}

// Commit writes the transaction's commit marker and releases its locks.
// Once this returns nil, every write the transaction made survives a
// crash.
func (t *Tx) Commit() error {
	if t.done {
		return qserr.Corruption("txn: use of transaction after commit/abort")
	}
	t.done = true
	defer t.db.locks.ReleaseAll(t.id)

	_, err := t.db.log.AppendTxnCommit(t.id)
	return err
}

// Abort rolls back every write the transaction made (using the recorded
// undo entries, most-recent-first) and then logs an abort marker. The
// compensating writes are logged as ordinary auto-committed writes, which
// recovery redoes like any other; recovery does not read the marker.
func (t *Tx) Abort() error {
	if t.done {
		return qserr.Corruption("txn: use of transaction after commit/abort")
	}
	t.done = true
	defer t.db.locks.ReleaseAll(t.id)

	for _, e := range t.undo.Entries() {
		if e.Existed {
			if err := t.db.putWithTxn(e.PageID, e.Key, e.Value, 0); err != nil {
				return err
			}
		} else {
			if err := t.db.deleteWithTxn(e.PageID, e.Key, 0); err != nil {
				return err
			}
		}
	}

	_, err := t.db.log.AppendTxnAbort(t.id)
	return err
}

// Get is the auto-committed (TxnID 0) point lookup. It takes no
// transaction lock: it holds only the mapping table's read latch for the
// duration of the copy out of the page, then releases it.
func (db *DB) Get(key []byte) ([]byte, bool, error) {
	for {
		leafID := db.tree.FindLeaf(key)
		ref, _, unlock, ok := db.mapTable.ReadLock(leafID)
		if !ok {
			return nil, false, nil
		}

		bytesView, err := db.pageBytesForRead(ref)
		if err != nil {
			unlock()
			return nil, false, err
		}
		if bytesView == nil {
			unlock()
			return nil, false, nil
		}

		p, err := leaf.PageFromBytes(bytesView)
		if err != nil {
			unlock()
			return nil, false, err
		}
		v, found := p.Get(key)
		unlock()
		return v, found, nil
	}
}

// pageBytesForRead returns the byte view to decode for ref, reading from
// disk if the page has no memory-resident copy.
func (db *DB) pageBytesForRead(ref mapping.NodeRef) ([]byte, error) {
	switch ref.Loc {
	case mapping.LocEmpty:
		return nil, nil
	case mapping.LocMemory, mapping.LocBoth:
		db.buf.Touch(ref.MiniPage)
		return ref.MiniPage.Bytes(), nil
	case mapping.LocDisk:
		db.buf.Miss()
		out := make([]byte, pagefileSize)
		if err := db.pf.ReadPage(ref.DiskAddr, out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, qserr.Corruption("mapping: unknown location %d", ref.Loc)
	}
}

// Put is the auto-committed single-operation write path used outside an
// explicit transaction.
func (db *DB) Put(key, value []byte) error {
	leafID := db.tree.FindLeaf(key)
	return db.putWithTxn(leafID, key, value, 0)
}

// Delete is the auto-committed single-operation tombstone path.
func (db *DB) Delete(key []byte) error {
	leafID := db.tree.FindLeaf(key)
	return db.deleteWithTxn(leafID, key, 0)
}

func (db *DB) putWithTxn(leafID uint64, key, value []byte, txnID uint64) error {
	return db.mutate(leafID, key, value, leaf.RecordInsert, txnID)
}

func (db *DB) deleteWithTxn(leafID uint64, key []byte, txnID uint64) error {
	return db.mutate(leafID, key, nil, leaf.RecordTombstone, txnID)
}

// mutate applies one key's write to leafID: materialize the target page,
// try the write, and only once it is known to fit does it get appended to
// the write-ahead log (logging a write that a subsequent split would
// silently drop is worse than the small risk of trying twice). A page that
// doesn't fit is first grown through its mini-page size classes
// (growToFit); only once it is full even at Class4096 is it structurally
// split and the write retried against whichever half now owns key.
func (db *DB) mutate(leafID uint64, key, value []byte, rt leaf.RecordType, txnID uint64) error {
	handle, ok := db.mapTable.WriteLock(leafID)
	if !ok {
		return qserr.Corruption("mutate: unknown leaf %d", leafID)
	}

	ref := handle.Ref()
	bytesView, err := db.materializeForWrite(leafID, &ref)
	if err != nil {
		handle.Unlock()
		return err
	}
	p, err := leaf.PageFromBytes(bytesView)
	if err != nil {
		handle.Unlock()
		return err
	}

	result, err := p.Put(key, value, rt)
	if err != nil {
		handle.Unlock()
		return err
	}

	if result == leaf.PutNeedsSplit {
		// Before treating this as a real structural split, try growing the
		// mini-page into a larger size class first: a fresh leaf starts in
		// the smallest class that fits its fences, so it can hit
		// PutNeedsSplit after only a couple of entries despite having
		// plenty of room left in the 4KiB ceiling.
		grown, gResult, gErr := db.growToFit(leafID, &ref, p, key, value, rt)
		if gErr != nil {
			handle.Unlock()
			return gErr
		}
		p, result = grown, gResult
	}

	if result != leaf.PutNeedsSplit {
		if _, err := db.appendWALRecord(leafID, p, key, value, rt, txnID); err != nil {
			handle.Unlock()
			return err
		}
		ref.Loc = mapping.LocMemory
		handle.SetRef(ref)
		live := p.LiveByteSize()
		handle.Unlock()

		if rt == leaf.RecordTombstone && live < db.cfg.MergeThresholdBytes {
			db.mergeIfUnderfull(leafID)
		}
		db.checkpointIfWALThresholdCrossed(leafID)
		return nil
	}

	// Even at its largest size class the page didn't fit; nothing was
	// written to it. Split first, then retry the write against whichever
	// half now owns key.
	ref.Loc = mapping.LocMemory
	handle.SetRef(ref)
	newID, separator, err := db.splitLeaf(leafID, p)
	handle.Unlock()
	if err != nil {
		return err
	}

	targetID := leafID
	if newID != 0 && bytes.Compare(key, separator) >= 0 {
		targetID = newID
	}
	return db.mutateAfterSplit(targetID, key, value, rt, txnID)
}

// mutateAfterSplit re-applies a write that only needed a split to fit. The
// target half is expected to have room within a size-class growth or two;
// exhausting every size class immediately after a fresh split indicates a
// logical bug (or a single value close to the page limit) rather than an
// expected outcome.
func (db *DB) mutateAfterSplit(leafID uint64, key, value []byte, rt leaf.RecordType, txnID uint64) error {
	handle, ok := db.mapTable.WriteLock(leafID)
	if !ok {
		return qserr.Corruption("mutateAfterSplit: unknown leaf %d", leafID)
	}

	ref := handle.Ref()
	bytesView, err := db.materializeForWrite(leafID, &ref)
	if err != nil {
		handle.Unlock()
		return err
	}
	p, err := leaf.PageFromBytes(bytesView)
	if err != nil {
		handle.Unlock()
		return err
	}

	result, err := p.Put(key, value, rt)
	if err != nil {
		handle.Unlock()
		return err
	}
	if result == leaf.PutNeedsSplit {
		grown, gResult, gErr := db.growToFit(leafID, &ref, p, key, value, rt)
		if gErr != nil {
			handle.Unlock()
			return gErr
		}
		p, result = grown, gResult
	}
	if result == leaf.PutNeedsSplit {
		handle.Unlock()
		return qserr.Corruption("mutate: leaf %d needs a second split immediately after splitting", leafID)
	}

	if _, err := db.appendWALRecord(leafID, p, key, value, rt, txnID); err != nil {
		handle.Unlock()
		return err
	}
	ref.Loc = mapping.LocMemory
	handle.SetRef(ref)
	handle.Unlock()

	db.checkpointIfWALThresholdCrossed(leafID)
	return nil
}

// checkpointIfWALThresholdCrossed proactively checkpoints leafID once its
// own un-checkpointed WAL record count passes cfg.WALLeafThreshold (spec
// §5, §9's per-leaf trigger, distinct from the background monitor's global
// one). Best-effort: a failed checkpoint here just means the leaf gets
// caught by the background monitor instead.
func (db *DB) checkpointIfWALThresholdCrossed(leafID uint64) {
	if db.log.PageRecordCount(leafID) < db.cfg.WALLeafThreshold {
		return
	}
	if err := db.checkpointPage(leafID); err != nil {
		db.logger.Debugf("checkpoint leaf %d skipped: %v", leafID, err)
	}
}

func (db *DB) appendWALRecord(leafID uint64, p *leaf.Page, key, value []byte, rt leaf.RecordType, txnID uint64) (int64, error) {
	lower, upper := p.LowerFence(), p.UpperFence()
	recType := wal.RecordPut
	if rt == leaf.RecordTombstone {
		recType = wal.RecordTombstone
	}
	return db.log.Append(wal.Record{
		Type:   recType,
		PageID: leafID,
		TxnID:  txnID,
		Lower:  lower,
		Upper:  upper,
		Key:    key,
		Value:  value,
	})
}

// materializeForWrite ensures ref has an in-memory, writable byte buffer,
// promoting a disk-only page into a fresh mini-page slot first if needed.
func (db *DB) materializeForWrite(leafID uint64, ref *mapping.NodeRef) ([]byte, error) {
	if ref.Loc == mapping.LocMemory || ref.Loc == mapping.LocBoth {
		return ref.MiniPage.Bytes(), nil
	}
	if ref.Loc != mapping.LocDisk {
		return nil, qserr.Corruption("materializeForWrite: leaf %d has no page image", leafID)
	}

	full := make([]byte, pagefileSize)
	if err := db.pf.ReadPage(ref.DiskAddr, full); err != nil {
		return nil, err
	}
	diskPage, err := leaf.PageFromBytes(full)
	if err != nil {
		return nil, err
	}

	h, buf, err := db.buf.Alloc(leafID, len(full))
	if err != nil {
		return nil, err
	}
	newPage, err := leaf.NewLeaf(buf, leafID, diskPage.LowerFence(), diskPage.UpperFence())
	if err != nil {
		return nil, err
	}
	if err := newPage.ReplayEntries(diskPage.CollectEntries()); err != nil {
		return nil, err
	}

	ref.Loc = mapping.LocBoth
	ref.MiniPage = h
	return buf, nil
}

// growToFit grows leafID's mini-page one size class at a time — rebuilding
// the page around each larger buffer and retrying the write — until it
// fits or Class4096 is exhausted. Put never partially mutates a page
// before returning PutNeedsSplit (that result only comes back once
// compaction still leaves too little free space), so replaying the same
// entries plus the new write into a freshly grown buffer is safe.
//
// ref is updated in place to point at whichever mini-page handle ends up
// holding the page; the caller is responsible for persisting it via
// handle.SetRef once it decides the write succeeded.
func (db *DB) growToFit(leafID uint64, ref *mapping.NodeRef, p *leaf.Page, key, value []byte, rt leaf.RecordType) (*leaf.Page, leaf.PutResult, error) {
	cur := p
	for {
		grown, buf, err := db.buf.Grow(ref.MiniPage, leafID)
		if err != nil {
			// Already at Class4096, or the next class is full: report
			// PutNeedsSplit as before, leaving cur (and ref) untouched.
			return cur, leaf.PutNeedsSplit, nil
		}
		newPage, err := leaf.NewLeaf(buf, leafID, cur.LowerFence(), cur.UpperFence())
		if err != nil {
			return cur, leaf.PutNeedsSplit, err
		}
		if err := newPage.ReplayEntries(cur.CollectEntries()); err != nil {
			return cur, leaf.PutNeedsSplit, err
		}
		ref.MiniPage = grown
		ref.Loc = mapping.LocMemory
		cur = newPage

		result, err := cur.Put(key, value, rt)
		if err != nil {
			return cur, result, err
		}
		if result != leaf.PutNeedsSplit {
			return cur, result, nil
		}
	}
}

// splitLeaf divides p's entries in half, rebuilds p in place as the left
// half, allocates a new PageId and mini-page for the right half, and
// installs the separator into the routing tree. The caller must already
// hold leafID's write lock; splitLeaf does not touch it.
//
// A split is itself WAL-logged (checkpoint-then-replay for both halves,
// the same physical-redo idiom mergeLeaves uses): the entries moving to
// the new right half were originally logged under leafID's own group, and
// nothing ever re-associates them with the new PageId otherwise. Without
// this, a crash between a split and the new leaf's first ordinary write
// would leave the right half's content unrecoverable, since recovery only
// ever groups records by the PageId already stamped on them.
func (db *DB) splitLeaf(leafID uint64, p *leaf.Page) (newID uint64, separator []byte, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	left, right, sep := p.SplitEntries()
	if sep == nil {
		// Degenerate split (e.g. a single oversized value): nothing to do,
		// the caller will see PutNeedsSplit persist and must grow the
		// value out of band; not expected on the ordinary insert path.
		return 0, nil, qserr.ErrValueTooLarge
	}

	lower, upper := p.LowerFence(), p.UpperFence()

	id, err := db.allocatePersistentID()
	if err != nil {
		return 0, nil, err
	}
	rh, rbuf, err := db.buf.Alloc(id, pagefileSize)
	if err != nil {
		return 0, nil, err
	}
	rightPage, err := leaf.NewLeaf(rbuf, id, sep, upper)
	if err != nil {
		return 0, nil, err
	}
	if err := rightPage.ReplayEntries(right); err != nil {
		return 0, nil, err
	}

	if err := db.logSplitHalf(leafID, lower, sep, left); err != nil {
		return 0, nil, err
	}
	if err := db.logSplitHalf(id, sep, upper, right); err != nil {
		return 0, nil, err
	}

	rHandle, ok := db.mapTable.WriteLock(id)
	if !ok {
		return 0, nil, qserr.Corruption("split: new leaf %d missing from mapping table", id)
	}
	rHandle.SetRef(mapping.NodeRef{Loc: mapping.LocMemory, MiniPage: rh})
	rHandle.Unlock()

	if err := p.ResetWithFences(lower, sep); err != nil {
		return 0, nil, err
	}
	if err := p.ReplayEntries(left); err != nil {
		return 0, nil, err
	}

	db.tree.InstallSplit(leafID, sep, id)
	db.treeMetrics.IncSplit()
	db.logger.Debugf("split leaf %d at %q into %d/%d", leafID, sep, leafID, id)
	return id, sep, nil
}

// logSplitHalf durably re-logs one post-split half's entries under
// pageID's own WAL group, bounded by its new fences, superseding whatever
// that PageId's group held before the split (for leafID, its pre-split
// history; for a brand-new id, this is simply its first group).
func (db *DB) logSplitHalf(pageID uint64, lower, upper []byte, entries []leaf.UserEntry) error {
	if _, err := db.log.AppendCheckpoint(pageID); err != nil {
		return err
	}
	for _, e := range entries {
		var werr error
		if e.Type == leaf.RecordTombstone {
			_, werr = db.log.AppendTombstone(pageID, lower, upper, e.Key)
		} else {
			_, werr = db.log.AppendPut(pageID, lower, upper, e.Key, e.Value)
		}
		if werr != nil {
			return werr
		}
	}
	return nil
}

// mergeIfUnderfull looks up leafID's routing-adjacent right sibling and
// attempts to fold it in, best-effort: a merge that can't be completed
// (no sibling in the same inner node, routing moved since the caller's
// tombstone write, the combined content no longer fits one page) simply
// leaves both leaves as they are rather than surfacing an error, since
// falling below the merge threshold is advisory, not a correctness
// requirement — the leaf will get another chance next time it shrinks.
func (db *DB) mergeIfUnderfull(leafID uint64) {
	rightID, ok := db.tree.RightSibling(leafID)
	if !ok {
		return
	}
	if err := db.mergeLeaves(leafID, rightID); err != nil {
		db.logger.Debugf("merge %d/%d skipped: %v", leafID, rightID, err)
	}
}

// mergeLeaves folds rightID's entries (tombstones included) into leftID and retires
// rightID, updating routing and the write-ahead log to match. leftID and
// rightID must be routing-adjacent (rightID immediately follows leftID in
// the same inner-tree node); the caller must not already hold either
// page's write lock.
func (db *DB) mergeLeaves(leftID, rightID uint64) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	// Re-check adjacency now that db.mu (which every structural change
	// serializes on) is held, since it may have changed between the
	// caller's initial check and here.
	if sib, ok := db.tree.RightSibling(leftID); !ok || sib != rightID {
		return nil
	}

	first, second := leftID, rightID
	if second < first {
		first, second = second, first
	}
	firstHandle, ok := db.mapTable.WriteLock(first)
	if !ok {
		return qserr.Corruption("merge: unknown leaf %d", first)
	}
	secondHandle, ok := db.mapTable.WriteLock(second)
	if !ok {
		firstHandle.Unlock()
		return qserr.Corruption("merge: unknown leaf %d", second)
	}
	defer firstHandle.Unlock()
	defer secondHandle.Unlock()

	leftHandle, rightHandle := firstHandle, secondHandle
	if first != leftID {
		leftHandle, rightHandle = secondHandle, firstHandle
	}

	leftRef := leftHandle.Ref()
	rightRef := rightHandle.Ref()

	leftBytes, err := db.materializeForWrite(leftID, &leftRef)
	if err != nil {
		return err
	}
	rightBytes, err := db.materializeForWrite(rightID, &rightRef)
	if err != nil {
		return err
	}
	leftPage, err := leaf.PageFromBytes(leftBytes)
	if err != nil {
		return err
	}
	rightPage, err := leaf.PageFromBytes(rightBytes)
	if err != nil {
		return err
	}

	lower := leftPage.LowerFence()
	upper := rightPage.UpperFence()
	combined := append(leftPage.CollectEntries(), rightPage.CollectEntries()...)

	need := leaf.HeaderSize + leaf.SlotSize*(len(combined)+2) + len(lower) + len(upper)
	for _, e := range combined {
		need += len(e.Key) + len(e.Value)
	}

	newHandle, newBuf, err := db.buf.Alloc(leftID, need)
	if err != nil {
		return err
	}
	merged, err := leaf.NewLeaf(newBuf, leftID, lower, upper)
	if err != nil {
		db.buf.Free(newHandle)
		return err
	}
	if err := merged.ReplayEntries(combined); err != nil {
		db.buf.Free(newHandle)
		return err
	}

	if !db.tree.InstallMerge(leftID, rightID) {
		db.buf.Free(newHandle)
		return nil
	}

	if _, err := db.log.AppendCheckpoint(leftID); err != nil {
		return err
	}
	for _, e := range combined {
		var werr error
		if e.Type == leaf.RecordTombstone {
			_, werr = db.log.AppendTombstone(leftID, lower, upper, e.Key)
		} else {
			_, werr = db.log.AppendPut(leftID, lower, upper, e.Key, e.Value)
		}
		if werr != nil {
			return werr
		}
	}
	if _, err := db.log.AppendRetire(rightID); err != nil {
		return err
	}

	if leftRef.Loc == mapping.LocMemory || leftRef.Loc == mapping.LocBoth {
		db.buf.Free(leftRef.MiniPage)
	}
	if rightRef.Loc == mapping.LocMemory || rightRef.Loc == mapping.LocBoth {
		db.buf.Free(rightRef.MiniPage)
	}

	leftHandle.SetRef(mapping.NodeRef{Loc: mapping.LocMemory, MiniPage: newHandle})
	// rightID's slot is retired in place: rightHandle already holds its
	// write lock, so mapping.Table.Retire (which takes that lock itself)
	// would deadlock here.
	rightHandle.SetRef(mapping.NodeRef{Loc: mapping.LocEmpty})

	db.treeMetrics.IncMerge()
	db.logger.Debugf("merged leaf %d into %d, retiring %d", rightID, leftID, rightID)
	return nil
}
