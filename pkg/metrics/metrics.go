// Package metrics wires the mapping, allocation, truncate, and COW engines
// to Prometheus counters and histograms so a host process can export them
// alongside its own metrics registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every metric this module emits. A nil *Registry is safe to
// call every method on (each becomes a no-op), so callers that don't want
// metrics wired in can pass nil rather than a Discard implementation.
type Registry struct {
	mapDuration      *prometheus.HistogramVec
	mapBlocksCreated prometheus.Counter

	allocBlocks prometheus.Counter
	allocFailed prometheus.Counter
	freeBlocks  prometheus.Counter

	truncateRestarts prometheus.Counter
	truncateDuration prometheus.Histogram

	cowCopies       prometheus.Counter
	cowMoves        prometheus.Counter
	cowBitmapInit   prometheus.Counter
	pendingCowWaits prometheus.Histogram
}

// New registers every metric against reg and returns the Registry wrapping
// them. Pass prometheus.NewRegistry() for an isolated registry in tests, or
// prometheus.DefaultRegisterer for a process-wide one.
func New(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	return &Registry{
		mapDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bmapfs",
			Subsystem: "map",
			Name:      "duration_seconds",
			Help:      "MapBlock call latency, labeled by whether the call created a new branch.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"created"}),
		mapBlocksCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: "bmapfs",
			Subsystem: "map",
			Name:      "blocks_created_total",
			Help:      "Physical blocks spliced into an inode's tree by MapBlock.",
		}),
		allocBlocks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "bmapfs",
			Subsystem: "galloc",
			Name:      "blocks_allocated_total",
			Help:      "Blocks handed out by NewBlocks.",
		}),
		allocFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "bmapfs",
			Subsystem: "galloc",
			Name:      "alloc_failures_total",
			Help:      "NewBlocks calls that returned KindNoSpace.",
		}),
		freeBlocks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "bmapfs",
			Subsystem: "galloc",
			Name:      "blocks_freed_total",
			Help:      "Blocks returned to the pool by FreeBlocks.",
		}),
		truncateRestarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "bmapfs",
			Subsystem: "truncate",
			Name:      "restarts_total",
			Help:      "Journal transaction restarts forced by truncate's credit budget.",
		}),
		truncateDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bmapfs",
			Subsystem: "truncate",
			Name:      "duration_seconds",
			Help:      "Wall-clock time of a complete Truncate call, across all restarts.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		cowCopies: f.NewCounter(prometheus.CounterOpts{
			Namespace: "bmapfs",
			Subsystem: "snapcow",
			Name:      "copies_total",
			Help:      "Metadata blocks copy-on-write preserved into an active snapshot.",
		}),
		cowMoves: f.NewCounter(prometheus.CounterOpts{
			Namespace: "bmapfs",
			Subsystem: "snapcow",
			Name:      "moves_total",
			Help:      "Blocks moved (not copied) into an active snapshot's tree.",
		}),
		cowBitmapInit: f.NewCounter(prometheus.CounterOpts{
			Namespace: "bmapfs",
			Subsystem: "snapcow",
			Name:      "bitmap_materializations_total",
			Help:      "Per-group COW bitmap first-touch materializations.",
		}),
		pendingCowWaits: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bmapfs",
			Subsystem: "snapcow",
			Name:      "pending_wait_seconds",
			Help:      "Time a reader spent waiting on a pending COW buffer.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 12),
		}),
	}
}

func (r *Registry) ObserveMap(d time.Duration, created bool) {
	if r == nil {
		return
	}
	label := "false"
	if created {
		label = "true"
	}
	r.mapDuration.WithLabelValues(label).Observe(d.Seconds())
}

func (r *Registry) AddBlocksCreated(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.mapBlocksCreated.Add(float64(n))
}

func (r *Registry) AddAllocated(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.allocBlocks.Add(float64(n))
}

func (r *Registry) IncAllocFailed() {
	if r == nil {
		return
	}
	r.allocFailed.Inc()
}

func (r *Registry) AddFreed(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.freeBlocks.Add(float64(n))
}

func (r *Registry) IncTruncateRestart() {
	if r == nil {
		return
	}
	r.truncateRestarts.Inc()
}

func (r *Registry) ObserveTruncate(d time.Duration) {
	if r == nil {
		return
	}
	r.truncateDuration.Observe(d.Seconds())
}

func (r *Registry) IncCowCopy() {
	if r == nil {
		return
	}
	r.cowCopies.Inc()
}

func (r *Registry) IncCowMove() {
	if r == nil {
		return
	}
	r.cowMoves.Inc()
}

func (r *Registry) IncCowBitmapInit() {
	if r == nil {
		return
	}
	r.cowBitmapInit.Inc()
}

func (r *Registry) ObservePendingWait(d time.Duration) {
	if r == nil {
		return
	}
	r.pendingCowWaits.Observe(d.Seconds())
}
