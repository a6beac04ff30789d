// Package metrics exposes pipeline counters to prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/elonfeng/rivalradar/pkg/presence"
)

const namespace = "rivalradar"

// Metrics holds the collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	alertRuns      *prometheus.CounterVec
	runDuration    prometheus.Histogram
	searchCalls    *prometheus.CounterVec
	searchAttempts *prometheus.CounterVec
	presences      *prometheus.CounterVec
	duplicates     prometheus.Counter
	quotaRemaining prometheus.Gauge
	notifications  *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		alertRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_runs_total",
			Help:      "Alert executions by final status.",
		}, []string{"status"}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "alert_run_duration_seconds",
			Help:      "Wall time of one alert execution.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		searchCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_calls_total",
			Help:      "Logical search calls by outcome, retries included in one call.",
		}, []string{"outcome"}),
		searchAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_attempts_total",
			Help:      "Individual provider requests by outcome.",
		}, []string{"outcome"}),
		presences: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presences_total",
			Help:      "New presence records by detection method.",
		}, []string{"method"}),
		duplicates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_total",
			Help:      "Classified hits discarded as duplicates.",
		}),
		quotaRemaining: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quota_remaining",
			Help:      "Search calls remaining in the current month.",
		}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries by channel and outcome.",
		}, []string{"channel", "outcome"}),
	}

	for _, method := range presence.AllMethods() {
		m.presences.WithLabelValues(string(method))
	}
	for _, outcome := range []string{"ok", "error"} {
		m.searchCalls.WithLabelValues(outcome)
		m.searchAttempts.WithLabelValues(outcome)
	}
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func (m *Metrics) ObserveAttempt(ok bool) {
	if m == nil {
		return
	}
	m.searchAttempts.WithLabelValues(outcome(ok)).Inc()
}

func (m *Metrics) ObserveSearch(ok bool) {
	if m == nil {
		return
	}
	m.searchCalls.WithLabelValues(outcome(ok)).Inc()
}

func (m *Metrics) SetQuotaRemaining(n int) {
	if m == nil {
		return
	}
	m.quotaRemaining.Set(float64(n))
}

// ObserveRun records a finalized execution.
func (m *Metrics) ObserveRun(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.alertRuns.WithLabelValues(status).Inc()
	m.runDuration.Observe(d.Seconds())
}

func (m *Metrics) ObservePresence(method presence.Method) {
	if m == nil {
		return
	}
	m.presences.WithLabelValues(string(method)).Inc()
}

func (m *Metrics) ObserveDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) ObserveNotification(channel string, err error) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel, outcome(err == nil)).Inc()
}
