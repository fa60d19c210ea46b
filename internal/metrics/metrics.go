// Package metrics exposes fleetpilot's Prometheus instruments. Every
// method is safe on a nil *Metrics so callers can run without metrics.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seenimoa/fleetpilot/pkg/models"
)

// Outcome labels.
const (
	OutcomeOK            = "ok"
	OutcomeError         = "error"
	OutcomeFallback      = "fallback"
	OutcomeCommitted     = "committed"
	OutcomeDiscarded     = "discarded"
	OutcomeFailed        = "failed"
	OutcomeApplied       = "applied"
	OutcomeRejected      = "rejected"
	OutcomeSummaryFailed = "summary_failed"
)

// Metrics holds the collectors and the registry they are registered on.
type Metrics struct {
	registry *prometheus.Registry

	aiRequests        *prometheus.CounterVec
	analysisFallbacks prometheus.Counter
	executions        *prometheus.CounterVec
	refreshes         *prometheus.CounterVec
	upstreamDuration  *prometheus.HistogramVec
	upstreamErrors    *prometheus.CounterVec
	allocationUnits   *prometheus.GaugeVec
	profitPerHour     *prometheus.GaugeVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New creates the collectors on a private registry under namespace.
func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		aiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_requests_total",
			Help:      "AI service calls by prompt template and outcome.",
		}, []string{"template", "outcome"}),
		analysisFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_fallbacks_total",
			Help:      "Analysis replies that could not be parsed and were replaced by the neutral fallback.",
		}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Execution runs by outcome.",
		}, []string{"outcome"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "State refresh cycles by outcome (committed, discarded, failed).",
		}, []string{"outcome"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Latency of calls to external services.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Failed calls to external services.",
		}, []string{"service"}),
		allocationUnits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "allocation_units",
			Help:      "Deployed units per hardware subtype.",
		}, []string{"subtype"}),
		profitPerHour: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "profit_per_hour",
			Help:      "Hourly profit per unit from the latest price sample.",
		}, []string{"name"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.aiRequests,
		m.analysisFallbacks,
		m.executions,
		m.refreshes,
		m.upstreamDuration,
		m.upstreamErrors,
		m.allocationUnits,
		m.profitPerHour,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware counts requests by chi route pattern and status.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		m.httpRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", s.ResponseWriter)
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// AIRequest counts one AI call.
func (m *Metrics) AIRequest(template, outcome string) {
	if m == nil {
		return
	}
	m.aiRequests.WithLabelValues(template, outcome).Inc()
}

// AnalysisFallback counts one degraded analysis.
func (m *Metrics) AnalysisFallback() {
	if m == nil {
		return
	}
	m.analysisFallbacks.Inc()
}

// Execution counts one execution run.
func (m *Metrics) Execution(outcome string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(outcome).Inc()
}

// Refresh counts one refresh cycle.
func (m *Metrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

// ObserveUpstream records the latency of one external call.
func (m *Metrics) ObserveUpstream(service string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(service).Observe(d.Seconds())
	if err != nil {
		m.upstreamErrors.WithLabelValues(service).Inc()
	}
}

// SetAllocation publishes the committed unit counts.
func (m *Metrics) SetAllocation(a *models.MachineAllocation) {
	if m == nil || a == nil {
		return
	}
	for name, units := range a.Units() {
		m.allocationUnits.WithLabelValues(name).Set(float64(units))
	}
}

// SetProfitability publishes the committed profitability report.
func (m *Metrics) SetProfitability(r *models.ProfitabilityReport) {
	if m == nil || r == nil {
		return
	}
	for _, e := range r.Entries {
		m.profitPerHour.WithLabelValues(e.Name).Set(e.ProfitPerHour)
	}
}
