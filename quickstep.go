// Package quickstep is a concurrent, embedded, larger-than-memory ordered
// key/value storage engine built around a B-link inner tree over a
// mini-page-buffered, write-ahead-logged leaf layer.
//
// Package-level documentation intentionally stays light here; the
// concurrency control, page format, and recovery contracts are documented
// in depth in their own packages under internal/quickstep, the way the
// teacher's embedded/tbtree keeps its own package doc terse and lets
// individual files carry the detail.
package quickstep

import (
	"bytes"
	"encoding/binary"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/merlinai-com/quickstep/internal/quickstep/config"
	"github.com/merlinai-com/quickstep/internal/quickstep/inner"
	"github.com/merlinai-com/quickstep/internal/quickstep/leaf"
	"github.com/merlinai-com/quickstep/internal/quickstep/logger"
	"github.com/merlinai-com/quickstep/internal/quickstep/mapping"
	"github.com/merlinai-com/quickstep/internal/quickstep/metrics"
	"github.com/merlinai-com/quickstep/internal/quickstep/minipage"
	"github.com/merlinai-com/quickstep/internal/quickstep/pagefile"
	"github.com/merlinai-com/quickstep/internal/quickstep/qserr"
	"github.com/merlinai-com/quickstep/internal/quickstep/recovery"
	"github.com/merlinai-com/quickstep/internal/quickstep/txn"
	"github.com/merlinai-com/quickstep/internal/quickstep/wal"
)

// DB is an open storage engine instance. It is safe for concurrent use
// from multiple goroutines.
type DB struct {
	cfg config.Config

	pf  *pagefile.OSFile
	log *wal.WAL

	mapTable *mapping.Table
	tree     *inner.Tree
	buf      *minipage.Buffer
	locks    *txn.Manager

	logger      logger.Logger
	miniMetrics metrics.MiniPageMetrics
	walMetrics  metrics.WALMetrics
	treeMetrics metrics.TreeMetrics

	nextTxnID atomic.Uint64
	mu        sync.Mutex // serializes structural operations (allocate, split)

	monitorStop chan struct{}
	monitorDone sync.WaitGroup
}

// Option configures Open beyond what Config captures, for injecting test
// doubles (an in-memory logger, nop metrics) without touching the
// production defaults.
type Option func(*DB)

// WithLogger overrides the default logger.
func WithLogger(l logger.Logger) Option { return func(db *DB) { db.logger = l } }

// WithMetrics overrides the default (Prometheus) metrics implementations.
func WithMetrics(mp metrics.MiniPageMetrics, w metrics.WALMetrics, tr metrics.TreeMetrics) Option {
	return func(db *DB) {
		db.miniMetrics = mp
		db.walMetrics = w
		db.treeMetrics = tr
	}
}

const diskPageID0Addr = pagefile.PageSize

// diskAddrFor computes the deterministic disk slot for pageID: since
// PageIds are allocated monotonically and never reused (mapping.Table,
// grounded on original_source/src/map_table.rs's next_free counter), the
// paged file can be indexed directly by PageId instead of negotiating a
// separate allocation per flush.
func diskAddrFor(pageID uint64) pagefile.Addr {
	return pagefile.Addr(diskPageID0Addr) + pagefile.Addr(pageID)*pagefile.PageSize
}

// manifestMagic tags the reserved offset-0 page as a quickstep manifest
// rather than four zero (or garbage) bytes left over from something else.
const manifestMagic = uint32(0x51534d31) // "QSM1"

// encodeManifest builds the on-disk manifest page recording nextPageID,
// the one piece of allocation state that must survive a restart even for
// a PageId that a split created but that never itself accumulated a WAL
// group before being checkpointed. Everything else about a page's
// existence and content is reconstructed from the paged file and the WAL.
func encodeManifest(nextPageID uint64) []byte {
	buf := make([]byte, pagefile.PageSize)
	binary.BigEndian.PutUint32(buf[0:4], manifestMagic)
	binary.BigEndian.PutUint64(buf[4:12], nextPageID)
	return buf
}

// decodeManifest returns (nextPageID, true) if buf holds a valid
// manifest, or (0, false) for a brand-new paged file whose reserved page
// is still all zero.
func decodeManifest(buf []byte) (uint64, bool) {
	if binary.BigEndian.Uint32(buf[0:4]) != manifestMagic {
		return 0, false
	}
	return binary.BigEndian.Uint64(buf[4:12]), true
}

// allocatePersistentID reserves a fresh PageId and durably records the
// updated allocation counter in the manifest before returning it. A page
// created by a split may go on to log nothing under its own PageId before
// later being checkpointed with no further activity (recovery would then
// have no WAL group to reconstruct it from at all); persisting the
// counter here means Open always knows such a PageId exists and can fall
// back to reading its disk image directly.
func (db *DB) allocatePersistentID() (uint64, error) {
	id := db.mapTable.Allocate()
	if err := db.pf.WriteManifest(encodeManifest(id + 1)); err != nil {
		return 0, err
	}
	if err := db.pf.Fsync(); err != nil {
		return 0, err
	}
	return id, nil
}

// Open opens or creates a database at cfg.Path, replaying its
// write-ahead log to reconstruct any leaves that were dirtied since their
// last checkpoint.
func Open(cfg config.Config, opts ...Option) (*DB, error) {
	// spec §6: env vars, then CLI flags (flags win), overlaid onto whatever
	// Config the caller already built.
	cfg = config.LoadOverrides(cfg, config.EnvironLookup, os.Args[1:])

	pf, err := pagefile.Open(cfg.Path + "/" + config.DataFileName)
	if err != nil {
		return nil, err
	}

	walPath := cfg.Path + "/" + config.WALFileName
	replayed, err := recovery.Replay(walPath)
	if err != nil {
		pf.Close()
		return nil, err
	}

	db := &DB{
		cfg:         cfg,
		pf:          pf,
		locks:       txn.NewManager(),
		logger:      logger.NewMemoryLogger(),
		miniMetrics: metrics.NewPrometheusMiniPageMetrics(),
		walMetrics:  metrics.NewPrometheusWALMetrics(),
		treeMetrics: metrics.NewPrometheusTreeMetrics(),
	}
	for _, opt := range opts {
		opt(db)
	}

	w, err := wal.Open(walPath, db.walMetrics)
	if err != nil {
		pf.Close()
		return nil, err
	}
	db.log = w

	db.mapTable = mapping.New(cfg.LeafUpperBound)
	db.buf = minipage.New(cfg.CacheBytes, db.miniMetrics, db.evictMiniPage)

	manifestBuf := make([]byte, pagefile.PageSize)
	if err := pf.ReadManifest(manifestBuf); err != nil {
		w.Close()
		pf.Close()
		return nil, err
	}
	manifestNextID, haveManifest := decodeManifest(manifestBuf)

	walMaxID := uint64(0)
	haveWALPages := len(replayed.Pages) > 0
	for id := range replayed.Pages {
		if id > walMaxID {
			walMaxID = id
		}
	}

	total := uint64(0)
	if haveManifest {
		total = manifestNextID
	}
	if haveWALPages && walMaxID+1 > total {
		total = walMaxID + 1
	}

	if total == 0 {
		// Fresh database: a single root leaf spanning the whole key space.
		rootID, err := db.allocatePersistentID()
		if err != nil {
			w.Close()
			pf.Close()
			return nil, err
		}
		db.tree = inner.New(rootID)
		if err := db.installFreshLeaf(rootID, nil, nil); err != nil {
			w.Close()
			pf.Close()
			return nil, err
		}
		if err := w.Truncate(); err != nil {
			w.Close()
			pf.Close()
			return nil, err
		}
		db.logger.Infof("opened fresh database at %s", cfg.Path)
		db.startMonitor()
		return db, nil
	}

	for id := uint64(0); id < total; id++ {
		db.mapTable.Allocate()
	}
	if err := pf.WriteManifest(encodeManifest(total)); err != nil {
		w.Close()
		pf.Close()
		return nil, err
	}
	if err := pf.Fsync(); err != nil {
		w.Close()
		pf.Close()
		return nil, err
	}

	// Root routing is rebuilt by one InstallSplit per recovered page, in
	// lower-fence order, which splits inner nodes as they overflow; the
	// pre-crash tree shape itself is not restored.
	// This intentionally keeps recovery's own tree-shape reconstruction
	// simple: page identity and content are what durability guarantees,
	// not routing-structure shape, which InstallSplit already knows how
	// to rebuild going forward.
	rootID := uint64(0)
	db.tree = inner.New(rootID)

	ordered := make([]*recovery.PageState, 0, int(total))
	for id := uint64(0); id < total; id++ {
		if ps, ok := replayed.Pages[id]; ok {
			if err := db.installRecoveredLeaf(ps); err != nil {
				w.Close()
				pf.Close()
				return nil, err
			}
			ordered = append(ordered, ps)
			continue
		}
		if replayed.Retired[id] {
			// Folded into a sibling by a merge before the crash; its old
			// disk slot may still hold stale bytes, but the PageId itself
			// stays retired (mapTable's zero-value LocEmpty entry already
			// reflects that).
			continue
		}

		ps, err := db.installDiskOnlyLeaf(id)
		if err != nil {
			// No WAL group and no readable disk image: only reachable if
			// a crash landed between allocating this PageId and its
			// first write reaching either the log or the paged file.
			// Nothing to reconstruct; skip rather than fail Open.
			db.logger.Debugf("recovery: page %d has no WAL group and no disk image, skipping", id)
			continue
		}
		ordered = append(ordered, ps)
	}
	sortPageStates(ordered)

	for i, ps := range ordered {
		if i > 0 {
			sep := ps.Lower
			db.tree.InstallSplit(ordered[i-1].PageID, sep, ps.PageID)
		}
	}

	// Every recovered group has now been written back to its disk page
	// (installRecoveredLeaf writes and fsyncs the full image before
	// returning), so the log itself no longer needs to be replayed to
	// reconstruct that state: truncate it per spec §4.8 step 4.
	if err := w.Truncate(); err != nil {
		w.Close()
		pf.Close()
		return nil, err
	}

	db.logger.Infof("recovered %d leaves from write-ahead log", len(ordered))
	db.startMonitor()
	return db, nil
}

// startMonitor launches the background WAL monitor goroutine (spec §5,
// §9): it wakes every cfg.MonitorInterval and checkpoints any page holding
// outstanding WAL records once either global threshold is crossed, so a
// workload that never happens to trip an individual leaf's own
// WALLeafThreshold still gets the log trimmed back down over time.
func (db *DB) startMonitor() {
	db.monitorStop = make(chan struct{})
	db.monitorDone.Add(1)
	go db.monitorLoop()
}

func (db *DB) monitorLoop() {
	defer db.monitorDone.Done()

	ticker := time.NewTicker(db.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-db.monitorStop:
			return
		case <-ticker.C:
			db.sweepGlobalThresholds()
		}
	}
}

// sweepGlobalThresholds checkpoints every page currently holding
// outstanding WAL records once the log's total size or record count
// crosses either configured global threshold.
func (db *DB) sweepGlobalThresholds() {
	if db.log.Size() < db.cfg.WALGlobalByteThreshold &&
		db.log.TotalRecordCount() < db.cfg.WALGlobalRecordThreshold {
		return
	}
	for _, pageID := range db.log.PagesWithRecords() {
		if err := db.checkpointPage(pageID); err != nil {
			db.logger.Debugf("monitor: checkpoint page %d failed: %v", pageID, err)
		}
	}
}

func sortPageStates(pages []*recovery.PageState) {
	for i := 1; i < len(pages); i++ {
		for j := i; j > 0 && bytes.Compare(pages[j-1].Lower, pages[j].Lower) > 0; j-- {
			pages[j-1], pages[j] = pages[j], pages[j-1]
		}
	}
}

func (db *DB) installFreshLeaf(pageID uint64, lower, upper []byte) error {
	h, buf, err := db.buf.Alloc(pageID, leaf.HeaderSize+2*leaf.SlotSize+len(lower)+len(upper))
	if err != nil {
		return err
	}
	if _, err := leaf.NewLeaf(buf, pageID, lower, upper); err != nil {
		return err
	}

	addr, err := db.writeDiskImage(pageID, lower, upper, nil)
	if err != nil {
		return err
	}

	handle, ok := db.mapTable.WriteLock(pageID)
	if !ok {
		return qserr.Corruption("recovery: page %d missing from mapping table", pageID)
	}
	defer handle.Unlock()
	handle.SetRef(mapping.NodeRef{Loc: mapping.LocBoth, MiniPage: h, DiskAddr: addr})
	return nil
}

func (db *DB) installRecoveredLeaf(ps *recovery.PageState) error {
	need := leaf.HeaderSize + 2*leaf.SlotSize + len(ps.Lower) + len(ps.Upper)
	for _, e := range ps.Entries {
		need += len(e.Key) + len(e.Value)
	}

	h, buf, err := db.buf.Alloc(ps.PageID, need)
	if err != nil {
		return err
	}
	if _, err := recovery.ToLeafPage(buf, ps); err != nil {
		return err
	}

	// Spec §4.8 step 3: write the replayed page back to its disk image and
	// fsync before moving on, so recovery's redo is itself durable and the
	// WAL can be truncated once every group has been applied this way.
	addr, err := db.writeDiskImage(ps.PageID, ps.Lower, ps.Upper, ps.Entries)
	if err != nil {
		return err
	}

	handle, ok := db.mapTable.WriteLock(ps.PageID)
	if !ok {
		return qserr.Corruption("recovery: page %d missing from mapping table", ps.PageID)
	}
	defer handle.Unlock()
	handle.SetRef(mapping.NodeRef{Loc: mapping.LocBoth, MiniPage: h, DiskAddr: addr})
	return nil
}

// installDiskOnlyLeaf registers pageID's existing disk image as the
// mapping table's authority for it, for a PageId that has no outstanding
// WAL group at recovery (its last checkpoint was never followed by
// another write). Unlike installRecoveredLeaf this does not rewrite the
// disk image: the bytes already there are exactly what was last durably
// flushed, so re-flushing them would be redundant I/O.
func (db *DB) installDiskOnlyLeaf(pageID uint64) (*recovery.PageState, error) {
	addr := diskAddrFor(pageID)
	buf := make([]byte, pagefile.PageSize)
	if err := db.pf.ReadPage(addr, buf); err != nil {
		return nil, err
	}
	p, err := leaf.PageFromBytes(buf)
	if err != nil {
		return nil, err
	}

	handle, ok := db.mapTable.WriteLock(pageID)
	if !ok {
		return nil, qserr.Corruption("recovery: page %d missing from mapping table", pageID)
	}
	defer handle.Unlock()
	handle.SetRef(mapping.NodeRef{Loc: mapping.LocDisk, DiskAddr: addr})

	return &recovery.PageState{PageID: pageID, Lower: p.LowerFence(), Upper: p.UpperFence()}, nil
}

// writeDiskImage builds a full 4KiB leaf image for pageID from entries
// (which may be nil for a fresh, empty leaf) and durably writes it to its
// deterministic disk address, fsyncing before returning.
func (db *DB) writeDiskImage(pageID uint64, lower, upper []byte, entries []leaf.UserEntry) (pagefile.Addr, error) {
	full := make([]byte, pagefile.PageSize)
	p, err := leaf.NewLeaf(full, pageID, lower, upper)
	if err != nil {
		return pagefile.AddrNone, err
	}
	if err := p.ReplayEntries(entries); err != nil {
		return pagefile.AddrNone, err
	}

	addr := diskAddrFor(pageID)
	if err := db.pf.WritePage(addr, full); err != nil {
		return pagefile.AddrNone, err
	}
	if err := db.pf.Fsync(); err != nil {
		return pagefile.AddrNone, err
	}
	return addr, nil
}

// evictMiniPage flushes pageID's current mini-page image to its
// deterministic disk slot before the slot is reclaimed for another PageId.
//
// Spec §4.3 requires a concurrent writer to observe an in-progress eviction
// and retry rather than race it. That is enforced two ways: pageID's
// mapping-table write latch is taken before the buffer is touched at all,
// which by itself already excludes mutate() (which takes the very same
// latch before writing) for the whole flush; leaf.Page.MarkEvicting
// additionally stamps the page header itself, so a write that somehow
// reached the buffer through another path fails with qserr.ErrEvicting
// instead of racing a half-flushed image.
func (db *DB) evictMiniPage(pageID uint64, buf []byte) error {
	handle, ok := db.mapTable.WriteLock(pageID)
	if !ok {
		// Retired (merged away) since this buffer was chosen as a victim.
		return nil
	}
	defer handle.Unlock()

	ref := handle.Ref()
	if (ref.Loc != mapping.LocMemory && ref.Loc != mapping.LocBoth) ||
		len(ref.MiniPage.Bytes()) != len(buf) || &ref.MiniPage.Bytes()[0] != &buf[0] {
		// The mapping entry moved off this exact slot (grew to a wider size
		// class, freed by a merge) since the clock scan picked it as a
		// candidate: the slot is genuinely free, nothing to flush.
		return nil
	}

	p, err := leaf.PageFromBytes(buf)
	if err != nil {
		return err
	}
	p.MarkEvicting()
	defer p.ClearEvicting()

	// Flush/eviction is where tombstones are physically reclaimed (spec
	// §4.3, §9): a tombstone has already done its job of shadowing the key
	// for any reader that raced the delete, so the flushed image carries
	// only what's still live.
	entries := liveEntries(p.CollectEntries())

	addr, err := db.writeDiskImage(pageID, p.LowerFence(), p.UpperFence(), entries)
	if err != nil {
		return err
	}

	if _, err := db.log.AppendCheckpoint(pageID); err != nil {
		return err
	}

	ref.Loc = mapping.LocDisk
	ref.DiskAddr = addr
	handle.SetRef(ref)
	return nil
}

// checkpointPage durably flushes pageID's current authoritative bytes to
// its disk image and checkpoints the WAL, without evicting it from the
// mini-page buffer: unlike evictMiniPage this is a proactive checkpoint,
// used by the background monitor and by mutate() once a leaf's own WAL
// record count passes cfg.WALLeafThreshold, so the mini-page stays hot for
// further writes.
func (db *DB) checkpointPage(pageID uint64) error {
	handle, ok := db.mapTable.WriteLock(pageID)
	if !ok {
		return nil
	}
	defer handle.Unlock()

	ref := handle.Ref()
	if ref.Loc != mapping.LocMemory && ref.Loc != mapping.LocBoth {
		// Nothing memory-resident to checkpoint; its disk image is already
		// the sole authority and the WAL has nothing outstanding for it
		// beyond what AppendCheckpoint's rewrite would drop for free.
		return nil
	}

	p, err := leaf.PageFromBytes(ref.MiniPage.Bytes())
	if err != nil {
		return err
	}
	p.MarkEvicting()
	defer p.ClearEvicting()

	entries := liveEntries(p.CollectEntries())
	addr, err := db.writeDiskImage(pageID, p.LowerFence(), p.UpperFence(), entries)
	if err != nil {
		return err
	}
	if _, err := db.log.AppendCheckpoint(pageID); err != nil {
		return err
	}

	ref.Loc = mapping.LocBoth
	ref.DiskAddr = addr
	handle.SetRef(ref)
	return nil
}

// liveEntries returns entries with every RecordTombstone dropped, used
// when rebuilding a flushed disk image so a physically deleted key does
// not keep occupying a slot across evict/promote cycles forever.
func liveEntries(entries []leaf.UserEntry) []leaf.UserEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.Type != leaf.RecordTombstone {
			out = append(out, e)
		}
	}
	return out
}

// Close stops the background monitor, flushes the write-ahead log, and
// closes the underlying files.
func (db *DB) Close() error {
	if db.monitorStop != nil {
		close(db.monitorStop)
		db.monitorDone.Wait()
	}

	merr := &qserr.MultiErr{}
	merr.Append(db.log.Close())
	merr.Append(db.pf.Close())
	merr.Append(db.logger.Close())
	return merr.Reduce()
}
