// Package metrics provides Prometheus metrics for the page index service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors, registered on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Index rebuilds
	RebuildsTotal       *prometheus.CounterVec
	RebuildDuration     *prometheus.HistogramVec
	RebuildsRejected    prometheus.Counter
	IndexNodes          *prometheus.GaugeVec
	IndexDroppedRecords *prometheus.GaugeVec

	// Incremental updates
	MutationsTotal *prometheus.CounterVec

	// URL resolution
	ResolveTotal    *prometheus.CounterVec
	ResolveDuration prometheus.Histogram

	// HTTP surface
	HTTPRequestsTotal *prometheus.CounterVec

	StartTime time.Time
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		StartTime: time.Now(),
	}

	m.RebuildsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pidx_rebuilds_total",
			Help: "Total number of per-language index rebuilds",
		},
		[]string{"status"},
	)

	m.RebuildDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pidx_rebuild_duration_seconds",
			Help:    "Duration of per-language index rebuilds in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"language"},
	)

	m.RebuildsRejected = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "pidx_rebuilds_rejected_total",
			Help: "Requests turned away because a rebuild was in progress",
		},
	)

	m.IndexNodes = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pidx_index_nodes",
			Help: "Pages held by the installed index of each language",
		},
		[]string{"language"},
	)

	m.IndexDroppedRecords = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pidx_index_dropped_records",
			Help: "Records the last rebuild could not attach to the tree",
		},
		[]string{"language"},
	)

	m.MutationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pidx_index_mutations_total",
			Help: "Incremental index updates by operation",
		},
		[]string{"operation", "status"},
	)

	m.ResolveTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pidx_resolve_total",
			Help: "URL resolutions by outcome",
		},
		[]string{"outcome"},
	)

	m.ResolveDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pidx_resolve_duration_seconds",
			Help:    "Duration of URL resolutions in seconds",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		},
	)

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pidx_http_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"route", "code"},
	)

	return m
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordRebuild records one language rebuild.
func (m *Metrics) RecordRebuild(languageID int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.RebuildsTotal.WithLabelValues(status).Inc()
	m.RebuildDuration.WithLabelValues(strconv.Itoa(languageID)).Observe(duration.Seconds())
}

// RecordRebuildRejected counts a caller turned away during a rebuild.
func (m *Metrics) RecordRebuildRejected() {
	if m == nil {
		return
	}
	m.RebuildsRejected.Inc()
}

// SetIndexSize publishes the size of an installed index.
func (m *Metrics) SetIndexSize(languageID, nodes, dropped int) {
	if m == nil {
		return
	}
	lang := strconv.Itoa(languageID)
	m.IndexNodes.WithLabelValues(lang).Set(float64(nodes))
	m.IndexDroppedRecords.WithLabelValues(lang).Set(float64(dropped))
}

// ClearIndexSize removes the gauges of a language whose index was dropped.
func (m *Metrics) ClearIndexSize(languageID int) {
	if m == nil {
		return
	}
	lang := strconv.Itoa(languageID)
	m.IndexNodes.DeleteLabelValues(lang)
	m.IndexDroppedRecords.DeleteLabelValues(lang)
}

// RecordMutation records an incremental index update.
func (m *Metrics) RecordMutation(operation string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.MutationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordResolve records one URL resolution.
func (m *Metrics) RecordResolve(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ResolveTotal.WithLabelValues(outcome).Inc()
	m.ResolveDuration.Observe(duration.Seconds())
}

// RecordHTTPRequest records a served HTTP request.
func (m *Metrics) RecordHTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
