// Package metrics exposes Prometheus-backed counters and gauges for the
// storage engine's hot paths, plus no-op implementations for callers that
// don't want a global registry touched (e.g. unit tests running in
// parallel).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MiniPageMetrics tracks the mini-page buffer's allocation and eviction
// traffic.
type MiniPageMetrics interface {
	SetBufferSize(bytes int)
	IncHit()
	IncMiss()
	IncEviction()
	IncSecondChance()
	IncBufferFull()
}

// WALMetrics tracks write-ahead log traffic and checkpoints.
type WALMetrics interface {
	IncAppend(bytes int)
	IncCheckpoint()
	SetWALSize(bytes int64)
}

// TreeMetrics tracks inner-tree structural events and OLC contention.
type TreeMetrics interface {
	IncSplit()
	IncMerge()
	IncOLCRestart()
	IncContentionExceeded()
}

var (
	minipageSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quickstep_minipage_buffer_bytes",
		Help: "Size in bytes of the mini-page buffer.",
	})
	minipageHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quickstep_minipage_hits_total",
		Help: "Total number of mini-page buffer hits.",
	})
	minipageMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quickstep_minipage_misses_total",
		Help: "Total number of mini-page buffer misses.",
	})
	minipageEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quickstep_minipage_evictions_total",
		Help: "Total number of mini-pages evicted and flushed to disk.",
	})
	minipageSecondChances = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quickstep_minipage_second_chances_total",
		Help: "Total number of eviction-scan slots given a second chance.",
	})
	minipageBufferFull = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quickstep_minipage_buffer_full_total",
		Help: "Total number of allocation attempts that found no evictable slot.",
	})

	walAppends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quickstep_wal_appends_total",
		Help: "Total number of WAL records appended.",
	})
	walAppendBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quickstep_wal_append_bytes_total",
		Help: "Total number of bytes appended to the WAL.",
	})
	walCheckpoints = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quickstep_wal_checkpoints_total",
		Help: "Total number of per-page WAL checkpoints performed.",
	})
	walSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quickstep_wal_size_bytes",
		Help: "Current size in bytes of the WAL file.",
	})

	treeSplits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quickstep_tree_splits_total",
		Help: "Total number of leaf/inner node splits.",
	})
	treeMerges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quickstep_tree_merges_total",
		Help: "Total number of leaf merges.",
	})
	treeOLCRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quickstep_tree_olc_restarts_total",
		Help: "Total number of optimistic reads restarted after a version mismatch.",
	})
	treeContentionExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quickstep_tree_contention_exceeded_total",
		Help: "Total number of operations that exceeded the OLC retry budget.",
	})
)

type prometheusMiniPageMetrics struct{}

// NewPrometheusMiniPageMetrics returns a MiniPageMetrics backed by the
// default Prometheus registry.
func NewPrometheusMiniPageMetrics() MiniPageMetrics { return prometheusMiniPageMetrics{} }

func (prometheusMiniPageMetrics) SetBufferSize(n int)  { minipageSize.Set(float64(n)) }
func (prometheusMiniPageMetrics) IncHit()              { minipageHits.Add(1) }
func (prometheusMiniPageMetrics) IncMiss()             { minipageMisses.Add(1) }
func (prometheusMiniPageMetrics) IncEviction()         { minipageEvictions.Add(1) }
func (prometheusMiniPageMetrics) IncSecondChance()     { minipageSecondChances.Add(1) }
func (prometheusMiniPageMetrics) IncBufferFull()       { minipageBufferFull.Add(1) }

type prometheusWALMetrics struct{}

// NewPrometheusWALMetrics returns a WALMetrics backed by the default
// Prometheus registry.
func NewPrometheusWALMetrics() WALMetrics { return prometheusWALMetrics{} }

func (prometheusWALMetrics) IncAppend(bytes int) {
	walAppends.Add(1)
	walAppendBytes.Add(float64(bytes))
}
func (prometheusWALMetrics) IncCheckpoint()       { walCheckpoints.Add(1) }
func (prometheusWALMetrics) SetWALSize(bytes int64) { walSize.Set(float64(bytes)) }

type prometheusTreeMetrics struct{}

// NewPrometheusTreeMetrics returns a TreeMetrics backed by the default
// Prometheus registry.
func NewPrometheusTreeMetrics() TreeMetrics { return prometheusTreeMetrics{} }

func (prometheusTreeMetrics) IncSplit()             { treeSplits.Add(1) }
func (prometheusTreeMetrics) IncMerge()             { treeMerges.Add(1) }
func (prometheusTreeMetrics) IncOLCRestart()        { treeOLCRestarts.Add(1) }
func (prometheusTreeMetrics) IncContentionExceeded() { treeContentionExceeded.Add(1) }

// Nop implementations, used by default in tests to avoid registering
// against the global Prometheus registry more than once per process.

type nopMiniPageMetrics struct{}

func NewNopMiniPageMetrics() MiniPageMetrics { return nopMiniPageMetrics{} }

func (nopMiniPageMetrics) SetBufferSize(int) {}
func (nopMiniPageMetrics) IncHit()           {}
func (nopMiniPageMetrics) IncMiss()          {}
func (nopMiniPageMetrics) IncEviction()      {}
func (nopMiniPageMetrics) IncSecondChance()  {}
func (nopMiniPageMetrics) IncBufferFull()    {}

type nopWALMetrics struct{}

func NewNopWALMetrics() WALMetrics { return nopWALMetrics{} }

func (nopWALMetrics) IncAppend(int)       {}
func (nopWALMetrics) IncCheckpoint()      {}
func (nopWALMetrics) SetWALSize(int64)    {}

type nopTreeMetrics struct{}

func NewNopTreeMetrics() TreeMetrics { return nopTreeMetrics{} }

func (nopTreeMetrics) IncSplit()             {}
func (nopTreeMetrics) IncMerge()             {}
func (nopTreeMetrics) IncOLCRestart()        {}
func (nopTreeMetrics) IncContentionExceeded() {}
