// Package metrics exposes store counters to prometheus. A nil *Metrics is valid
// and records nothing, so components can take one as an optional dependency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lhist"

type Metrics struct {
	changes         *prometheus.CounterVec
	contentBytes    prometheus.Counter
	contentDedup    prometheus.Counter
	contentFreed    prometheus.Counter
	commits         prometheus.Counter
	commitLatency   prometheus.Histogram
	revertConflicts prometheus.Counter
	refreshes       *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_committed_total",
			Help:      "Changes committed to the change log, by kind.",
		}, []string{"kind"}),
		contentBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "content_bytes_stored_total",
			Help:      "Uncompressed bytes of new content blobs.",
		}),
		contentDedup: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "content_dedup_hits_total",
			Help:      "Content writes satisfied by an existing blob.",
		}),
		contentFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "content_blobs_freed_total",
			Help:      "Blobs reclaimed by purge.",
		}),
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_commits_total",
			Help:      "Paged storage commits.",
		}),
		commitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_commit_seconds",
			Help:      "Time spent in Save.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		revertConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revert_conflicts_total",
			Help:      "Reverts refused because target files were not writable.",
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_changes_total",
			Help:      "Changes emitted by live tree reconciliation, by kind.",
		}, []string{"kind"}),
	}

	for _, c := range []prometheus.Collector{
		m.changes, m.contentBytes, m.contentDedup, m.contentFreed,
		m.commits, m.commitLatency, m.revertConflicts, m.refreshes,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) ChangeCommitted(kind string) {
	if m == nil {
		return
	}
	m.changes.WithLabelValues(kind).Inc()
}

func (m *Metrics) ContentStored(n int) {
	if m == nil {
		return
	}
	m.contentBytes.Add(float64(n))
}

func (m *Metrics) ContentDeduplicated() {
	if m == nil {
		return
	}
	m.contentDedup.Inc()
}

func (m *Metrics) ContentFreed(n int) {
	if m == nil {
		return
	}
	m.contentFreed.Add(float64(n))
}

func (m *Metrics) Committed(started time.Time) {
	if m == nil {
		return
	}
	m.commits.Inc()
	m.commitLatency.Observe(time.Since(started).Seconds())
}

func (m *Metrics) RevertConflict() {
	if m == nil {
		return
	}
	m.revertConflicts.Inc()
}

func (m *Metrics) Refreshed(kind string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(kind).Inc()
}
