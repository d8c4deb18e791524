// Package metrics provides Prometheus metrics for ingestion and triage.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "readlater"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ArticlesIngested  *prometheus.CounterVec
	FeedFetchFailures prometheus.Counter
	RefreshDuration   prometheus.Histogram
	TriageTransitions *prometheus.CounterVec
	RefreshesSkipped  prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ArticlesIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "articles_ingested_total",
				Help:      "Articles created, by operation (subscribe, refresh).",
			},
			[]string{"op"},
		),
		FeedFetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_fetch_failures_total",
			Help:      "Feed pulls that failed to download or parse.",
		}),
		RefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Duration of refresh cycles in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
		TriageTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "triage_transitions_total",
				Help:      "Applied triage transitions.",
			},
			[]string{"transition"},
		),
		RefreshesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_skipped_total",
			Help:      "Refresh requests rejected because a cycle was already running.",
		}),
	}
	reg.MustRegister(m.ArticlesIngested, m.FeedFetchFailures, m.RefreshDuration, m.TriageTransitions, m.RefreshesSkipped)
	return m
}

// RecordIngested counts n new articles for op.
func (m *Metrics) RecordIngested(op string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ArticlesIngested.WithLabelValues(op).Add(float64(n))
}

// RecordFetchFailure counts one failed pull.
func (m *Metrics) RecordFetchFailure() {
	if m == nil {
		return
	}
	m.FeedFetchFailures.Inc()
}

// RecordRefresh observes a completed cycle.
func (m *Metrics) RecordRefresh(d time.Duration) {
	if m == nil {
		return
	}
	m.RefreshDuration.Observe(d.Seconds())
}

// RecordRefreshSkipped counts a rejected overlapping refresh.
func (m *Metrics) RecordRefreshSkipped() {
	if m == nil {
		return
	}
	m.RefreshesSkipped.Inc()
}

// RecordTransition counts one applied triage transition.
func (m *Metrics) RecordTransition(name string) {
	if m == nil {
		return
	}
	m.TriageTransitions.WithLabelValues(name).Inc()
}
