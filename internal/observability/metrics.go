// Package observability exposes Prometheus metrics for the billing engine.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects application metrics against a private registry.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	statementsFinalized prometheus.Counter
	creditNotesIssued   prometheus.Counter
	batchCompanies      *prometheus.CounterVec
}

// NewMetrics initialises the registry and collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mtt_billing_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mtt_billing_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	finalized := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mtt_billing_statements_finalized_total",
		Help: "Statements that received an invoice number.",
	})
	creditNotes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mtt_billing_credit_notes_issued_total",
		Help: "Credit notes issued.",
	})
	batch := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mtt_billing_batch_companies_total",
		Help: "Companies processed by generation runs, by outcome.",
	}, []string{"outcome"})
	registry.MustRegister(requests, duration, finalized, creditNotes, batch)
	return &Metrics{
		registry:            registry,
		handler:             promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:       requests,
		requestDuration:     duration,
		statementsFinalized: finalized,
		creditNotesIssued:   creditNotes,
		batchCompanies:      batch,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveFinalized counts a finalize transition.
func (m *Metrics) ObserveFinalized() {
	if m != nil {
		m.statementsFinalized.Inc()
	}
}

// ObserveCreditNote counts an issued credit note.
func (m *Metrics) ObserveCreditNote() {
	if m != nil {
		m.creditNotesIssued.Inc()
	}
}

// ObserveBatchCompany counts a per-company batch outcome.
func (m *Metrics) ObserveBatchCompany(outcome string) {
	if m != nil {
		m.batchCompanies.WithLabelValues(outcome).Inc()
	}
}

// Middleware records request metrics per route.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
