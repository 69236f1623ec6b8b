// Package metrics exposes refresh and snapshot metrics for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kpiwatch/internal/snapshot"
)

const namespace = "kpiwatch"

// Recorder owns a registry and the collectors registered on it.
type Recorder struct {
	registry *prometheus.Registry

	refreshTotal    *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	lastSuccess     prometheus.Gauge
	historyRows     prometheus.Gauge
	snapshotRows    *prometheus.GaugeVec
	alertsTotal     *prometheus.CounterVec
	sourceFailures  prometheus.Counter
}

// New registers collectors on a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		// outcome: success | failed | skipped
		refreshTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "runs_total",
			Help:      "Refresh runs by outcome.",
		}, []string{"outcome"}),
		refreshDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "duration_seconds",
			Help:      "End-to-end refresh duration.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		lastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful refresh.",
		}),
		historyRows: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "rows",
			Help:      "Rows in the active history after the last refresh.",
		}),
		snapshotRows: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "rows",
			Help:      "Serving snapshot rows by status.",
		}, []string{"status"}),
		alertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "sent_total",
			Help:      "Alert notifications by outcome.",
		}, []string{"outcome"}),
		sourceFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "source_failures_total",
			Help:      "Ingest sources that failed to fetch.",
		}),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveRefresh records one run.
func (r *Recorder) ObserveRefresh(outcome string, elapsed time.Duration, finished time.Time) {
	if r == nil {
		return
	}
	r.refreshTotal.WithLabelValues(outcome).Inc()
	if outcome == "skipped" {
		return
	}
	r.refreshDuration.Observe(elapsed.Seconds())
	if outcome == "success" {
		r.lastSuccess.Set(float64(finished.Unix()))
	}
}

// SetSnapshot publishes the status breakdown of the latest snapshot.
func (r *Recorder) SetSnapshot(rows []snapshot.Row, historyRows int) {
	if r == nil {
		return
	}
	r.historyRows.Set(float64(historyRows))
	for status, n := range snapshot.CountByStatus(rows) {
		r.snapshotRows.WithLabelValues(string(status)).Set(float64(n))
	}
}

// AlertSent counts a notification outcome: sent | failed | duplicate.
func (r *Recorder) AlertSent(outcome string) {
	if r == nil {
		return
	}
	r.alertsTotal.WithLabelValues(outcome).Inc()
}

// SourceFailed counts failed ingest sources.
func (r *Recorder) SourceFailed(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.sourceFailures.Add(float64(n))
}
