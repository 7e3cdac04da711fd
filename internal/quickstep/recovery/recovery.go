// Package recovery rebuilds the engine's leaf pages from the write-ahead
// log at startup: group every record by PageId, discard whatever a
// checkpoint record superseded, and replay the rest through
// leaf.ResetWithFences + leaf.ReplayEntries using each page's own
// last-seen fences.
//
// Grounded on original_source/src/wal.rs's recovery contract (fences
// travel with every record specifically so a page can be rebuilt without
// consulting anything else) and spec's adopted simplification that redo
// records are applied unconditionally at recovery: a transaction's writes
// are redone whether or not its commit marker made it into the log, since
// there is no undo pass at recovery, only redo. Transaction boundary
// markers (RecordTxnBegin/Commit/Abort) exist for txn.Manager's live-only
// undo log, not for gating replay. RecordRetire markers are tracked
// separately from ordinary pages so a merge's absorbed PageId is never
// resurrected from its stale, unreachable disk image.
package recovery

import (
	"bytes"
	"io"
	"sort"

	"github.com/merlinai-com/quickstep/internal/quickstep/leaf"
	"github.com/merlinai-com/quickstep/internal/quickstep/wal"
)

// PageState is the fully-replayed logical content of one leaf.
type PageState struct {
	PageID  uint64
	Lower   []byte
	Upper   []byte
	Entries []leaf.UserEntry // sorted by key, tombstones included
}

// Result is the outcome of a full WAL replay.
type Result struct {
	Pages map[uint64]*PageState
	// Retired holds every PageId a RecordRetire marker was ever seen for.
	// A retired PageId's disk image may still exist (a merge doesn't erase
	// it), but it must never be reconstructed as a leaf again — its
	// content lives on under whichever leaf absorbed it.
	Retired map[uint64]bool
}

type pageRecords struct {
	lower, upper []byte
	writes       []wal.Record // in log order, RecordPut/RecordTombstone only
}

// Replay scans path from the beginning and reconstructs every page's
// logical state. It never touches the paged file: callers combine this
// with whatever leaf images the paged file already holds for pages this
// WAL has no records for.
func Replay(path string) (*Result, error) {
	r, err := wal.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	pages := make(map[uint64]*pageRecords)
	retired := make(map[uint64]bool)

	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch rec.Type {
		case wal.RecordCheckpoint:
			pages[rec.PageID] = &pageRecords{}
		case wal.RecordRetire:
			delete(pages, rec.PageID)
			retired[rec.PageID] = true
		case wal.RecordPut, wal.RecordTombstone:
			// Applied unconditionally regardless of TxnID or commit-marker
			// presence: the adopted policy is redo-always, with no undo
			// pass at recovery. An explicit transaction's writes land on
			// the page exactly like an auto-committed write would.
			applyRecord(pages, rec)
		}
	}

	result := &Result{Pages: make(map[uint64]*PageState), Retired: retired}
	for pageID, pr := range pages {
		if pr.lower == nil && pr.upper == nil && len(pr.writes) == 0 {
			continue
		}
		result.Pages[pageID] = materialize(pageID, pr)
	}
	return result, nil
}

func applyRecord(pages map[uint64]*pageRecords, rec wal.Record) {
	pr, ok := pages[rec.PageID]
	if !ok {
		pr = &pageRecords{}
		pages[rec.PageID] = pr
	}
	pr.lower = rec.Lower
	pr.upper = rec.Upper
	pr.writes = append(pr.writes, rec)
}

// materialize replays pr's writes in log order onto an in-memory map
// keyed by key, then produces a sorted UserEntry slice: last writer wins
// per key, matching a leaf's own in-place-replace semantics.
func materialize(pageID uint64, pr *pageRecords) *PageState {
	byKey := make(map[string]leaf.UserEntry)
	var order []string

	for _, rec := range pr.writes {
		k := string(rec.Key)
		if _, seen := byKey[k]; !seen {
			order = append(order, k)
		}
		if rec.Type == wal.RecordTombstone {
			byKey[k] = leaf.UserEntry{Key: rec.Key, Type: leaf.RecordTombstone}
		} else {
			byKey[k] = leaf.UserEntry{Key: rec.Key, Value: rec.Value, Type: leaf.RecordInsert}
		}
	}

	entries := make([]leaf.UserEntry, 0, len(order))
	for _, k := range order {
		entries = append(entries, byKey[k])
	}
	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].Key, entries[j].Key) < 0 })

	return &PageState{PageID: pageID, Lower: pr.lower, Upper: pr.upper, Entries: entries}
}

// ToLeafPage rebuilds a full leaf.Page image (of the given buffer, which
// determines the page's size class) from a replayed PageState.
func ToLeafPage(buf []byte, ps *PageState) (*leaf.Page, error) {
	p, err := leaf.NewLeaf(buf, ps.PageID, ps.Lower, ps.Upper)
	if err != nil {
		return nil, err
	}
	if err := p.ReplayEntries(ps.Entries); err != nil {
		return nil, err
	}
	return p, nil
}
