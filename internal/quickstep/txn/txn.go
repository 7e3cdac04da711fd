// Package txn implements the transaction and lock manager: per-transaction,
// per-PageId shared/exclusive locking with dedup/upgrade, and an undo log
// used only to roll back a live, uncommitted transaction. Recovery never
// undoes anything: it redoes every logged write unconditionally and does
// not read commit or abort markers, a simpler policy than full
// ARIES-style undo/redo.
//
// Grounded on original_source/src/lock_manager.rs (per-txn lock set with
// dedup, upgrade-in-place from read to write) and
// original_source/src/page_op.rs (the get/put/delete surface a
// transaction exposes over page operations), translated from the
// prototype's raw lock structs into Go's sync primitives since neither
// file supplies a working implementation to port directly (both are
// mostly `todo!()` stubs in the original).
package txn

import (
	"sync"

	"github.com/merlinai-com/quickstep/internal/quickstep/qserr"
)

// LockMode is the granularity a transaction requests a PageId at.
type LockMode uint8

const (
	LockShared LockMode = iota
	LockExclusive
)

// pageLock is the lock-manager's per-PageId state: how many shared
// holders, which single transaction (if any) holds it exclusively, and a
// condition variable to park waiters on.
type pageLock struct {
	cond      *sync.Cond
	sharedBy  map[uint64]bool // txnID -> held
	exclusive uint64          // txnID, 0 if none (txn ids are never 0)
}

// Manager grants and releases per-PageId locks on behalf of transactions,
// and tracks each transaction's held-lock set for bulk release at
// commit/abort.
type Manager struct {
	mu    sync.Mutex
	pages map[uint64]*pageLock

	// held[txnID][pageID] = mode, used both for dedup (already have this
	// lock, don't re-request) and for release-all on commit/abort.
	held map[uint64]map[uint64]LockMode
}

// NewManager builds an empty lock manager.
func NewManager() *Manager {
	return &Manager{
		pages: make(map[uint64]*pageLock),
		held:  make(map[uint64]map[uint64]LockMode),
	}
}

func (m *Manager) lockFor(pageID uint64) *pageLock {
	pl, ok := m.pages[pageID]
	if !ok {
		pl = &pageLock{sharedBy: make(map[uint64]bool)}
		pl.cond = sync.NewCond(&m.mu)
		m.pages[pageID] = pl
	}
	return pl
}

// Acquire blocks until txnID holds pageID at at least mode, deduplicating
// a repeated request and upgrading a held LockShared to LockExclusive
// in place rather than requesting a second lock.
func (m *Manager) Acquire(txnID, pageID uint64, mode LockMode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if txnHeld, ok := m.held[txnID]; ok {
		if cur, ok := txnHeld[pageID]; ok {
			if cur >= mode {
				return // dedup: already hold at least this strongly
			}
			m.upgradeLocked(txnID, pageID, mode)
			return
		}
	}

	pl := m.lockFor(pageID)
	for {
		if mode == LockShared {
			if pl.exclusive == 0 || pl.exclusive == txnID {
				pl.sharedBy[txnID] = true
				break
			}
		} else {
			onlySelf := len(pl.sharedBy) == 0 || (len(pl.sharedBy) == 1 && pl.sharedBy[txnID])
			if pl.exclusive == 0 && onlySelf {
				delete(pl.sharedBy, txnID)
				pl.exclusive = txnID
				break
			}
		}
		pl.cond.Wait()
	}

	if m.held[txnID] == nil {
		m.held[txnID] = make(map[uint64]LockMode)
	}
	m.held[txnID][pageID] = mode
}

// upgradeLocked converts txnID's held shared lock on pageID to exclusive,
// blocking until no other transaction holds it shared. Caller holds m.mu.
func (m *Manager) upgradeLocked(txnID, pageID uint64, mode LockMode) {
	pl := m.lockFor(pageID)
	for {
		onlySelf := len(pl.sharedBy) == 1 && pl.sharedBy[txnID]
		if pl.exclusive == 0 && onlySelf {
			delete(pl.sharedBy, txnID)
			pl.exclusive = txnID
			m.held[txnID][pageID] = mode
			return
		}
		pl.cond.Wait()
	}
}

// ReleaseAll releases every lock txnID holds, called once at commit or
// abort. It is idempotent.
func (m *Manager) ReleaseAll(txnID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for pageID := range m.held[txnID] {
		pl := m.pages[pageID]
		if pl == nil {
			continue
		}
		delete(pl.sharedBy, txnID)
		if pl.exclusive == txnID {
			pl.exclusive = 0
		}
		pl.cond.Broadcast()
	}
	delete(m.held, txnID)
}

// UndoEntry captures a page's key state before a transaction's write, so
// Abort can restore it. Value/existed being zero-value means the key did
// not exist before the write (undo should delete the slot outright, not
// merely restore an empty value).
type UndoEntry struct {
	PageID  uint64
	Key     []byte
	Value   []byte
	Existed bool
}

// UndoLog accumulates UndoEntry records for one transaction's live
// lifetime. It is discarded, never replayed, once the transaction commits.
type UndoLog struct {
	entries []UndoEntry
}

// Record appends an undo entry.
func (u *UndoLog) Record(e UndoEntry) {
	u.entries = append(u.entries, e)
}

// Entries returns the recorded undo entries in reverse (most-recent-first)
// order, the order Abort must apply them in to correctly unwind a
// sequence of writes to the same key within one transaction.
func (u *UndoLog) Entries() []UndoEntry {
	out := make([]UndoEntry, len(u.entries))
	for i, e := range u.entries {
		out[len(u.entries)-1-i] = e
	}
	return out
}

// ErrLockTimeout is reserved for a future bounded-wait Acquire variant;
// the current Acquire blocks indefinitely, matching spec's assumption
// that the engine has no deadlock detector and callers order their lock
// acquisitions to avoid cycles (e.g. always lock in ascending PageId
// order across a multi-leaf transaction).
var ErrLockTimeout = qserr.ErrContention
