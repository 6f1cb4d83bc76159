// Package metrics exposes sync session counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"palmcal/internal/conduit"
)

const namespace = "palmcal"

// Recorder holds the collectors of one process. Each Recorder owns its
// registry so tests can create as many as they like.
type Recorder struct {
	registry *prometheus.Registry

	sessions    *prometheus.CounterVec
	records     *prometheus.CounterVec
	recordErrs  *prometheus.CounterVec
	duration    prometheus.Histogram
	lastSuccess prometheus.Gauge
	pending     *prometheus.GaugeVec
}

// New registers the sync collectors and the Go runtime collectors on a
// fresh registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_sessions_total",
			Help:      "Sync sessions by final status and mode.",
		}, []string{"status", "mode"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_records_total",
			Help:      "Records reconciled, by operation.",
		}, []string{"op"}),
		recordErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_record_errors_total",
			Help:      "Per-record failures, by operation.",
		}, []string{"op"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Wall time of a sync session.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_last_success_timestamp_seconds",
			Help:      "Unix time of the last session that was not aborted.",
		}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_pending_changes",
			Help:      "Desktop changes found at the start of the last session.",
		}, []string{"kind"}),
	}
	r.registry.MustRegister(
		r.sessions,
		r.records,
		r.recordErrs,
		r.duration,
		r.lastSuccess,
		r.pending,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Observe accounts one finished session.
func (r *Recorder) Observe(sum conduit.Summary) {
	r.sessions.WithLabelValues(sum.Status.String(), sum.Mode.String()).Inc()

	for op, n := range map[string]int{
		"add":     sum.Added,
		"replace": sum.Replaced,
		"delete":  sum.Deleted,
		"archive": sum.Archived,
		"map":     sum.Mapped,
		"skip":    sum.Skipped,
	} {
		if n > 0 {
			r.records.WithLabelValues(op).Add(float64(n))
		}
	}
	for _, e := range sum.Errors {
		r.recordErrs.WithLabelValues(e.Op).Inc()
	}

	r.pending.WithLabelValues("added").Set(float64(sum.Counts.Added))
	r.pending.WithLabelValues("modified").Set(float64(sum.Counts.Modified))
	r.pending.WithLabelValues("deleted").Set(float64(sum.Counts.Deleted))

	if !sum.Started.IsZero() && sum.Finished.After(sum.Started) {
		r.duration.Observe(sum.Finished.Sub(sum.Started).Seconds())
	}
	if sum.Status != conduit.StatusAborted && !sum.Finished.IsZero() {
		r.lastSuccess.Set(float64(sum.Finished.Unix()))
	}
}

// Handler serves the registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry is the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}
