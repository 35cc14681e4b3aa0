// Package metrics exposes Prometheus instrumentation for the gateway.
//
// All collectors live on a private registry so several instances can exist
// in one process (tests build one per server). Every method is a no-op on a
// nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"duck-coordinator/internal/domain"
)

const (
	namespace = "duckq"
	unmatched = "unmatched"
)

// Admission outcomes.
const (
	AdmissionAdmitted = "admitted"
	AdmissionRejected = "rejected"
	AdmissionTimeout  = "timeout"
)

// Removal reasons.
const (
	RemovalExpired   = "expired"
	RemovalAbandoned = "abandoned"
)

// Metrics holds the gateway collectors.
type Metrics struct {
	registry *prometheus.Registry

	admissions    *prometheus.CounterVec
	admissionWait prometheus.Histogram
	transitions   *prometheus.CounterVec
	removals      *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New creates Metrics with Go runtime and process collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Admission decisions by outcome.",
		}, []string{"outcome"}),
		admissionWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_wait_seconds",
			Help:      "Time submissions spent waiting for an admission token.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_transitions_total",
			Help:      "Applied query state transitions.",
		}, []string{"from", "to"}),
		removals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_removals_total",
			Help:      "Queries removed from the registry by the sweeper.",
		}, []string{"reason"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.admissions,
		m.admissionWait,
		m.transitions,
		m.removals,
		m.httpRequests,
		m.httpDuration,
	)

	// Pre-initialize label combinations so they appear with value 0.
	for _, outcome := range []string{AdmissionAdmitted, AdmissionRejected, AdmissionTimeout} {
		m.admissions.WithLabelValues(outcome)
	}
	for _, reason := range []string{RemovalExpired, RemovalAbandoned} {
		m.removals.WithLabelValues(reason)
	}
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveAdmission records one admission decision and how long it waited.
func (m *Metrics) ObserveAdmission(outcome string, wait time.Duration) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(outcome).Inc()
	if outcome == AdmissionAdmitted {
		m.admissionWait.Observe(wait.Seconds())
	}
}

// ObserveTransition records an applied state change.
func (m *Metrics) ObserveTransition(from, to domain.QueryState) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// ObserveRemoval records a sweeper removal.
func (m *Metrics) ObserveRemoval(reason string) {
	if m == nil {
		return
	}
	m.removals.WithLabelValues(reason).Inc()
}

// TrackQueryStates exports the live query count per state, read from
// counts at scrape time.
func (m *Metrics) TrackQueryStates(counts func() map[domain.QueryState]int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(&stateCollector{
		counts: counts,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "queries"),
			"Queries currently held in the registry, by state.",
			[]string{"state"}, nil,
		),
	})
}

// TrackEngine exports the engine worker pool occupancy.
func (m *Metrics) TrackEngine(running, waiting func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_running_executions",
			Help:      "Executions currently holding an engine worker.",
		}, func() float64 { return float64(running()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_waiting_executions",
			Help:      "Executions waiting for an engine worker.",
		}, func() float64 { return float64(waiting()) }),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records request count and duration for every HTTP request.
// Uses the chi route pattern (not the raw path) to avoid unbounded cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := routePattern(r)
		m.httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

type stateCollector struct {
	counts func() map[domain.QueryState]int
	desc   *prometheus.Desc
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	for state, n := range c.counts() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), string(state))
	}
}
