// Package metrics exposes carbonmint's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carbonmint",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carbonmint",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "route"},
	)

	analysisRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carbonmint",
			Name:      "analysis_runs_total",
			Help:      "Total number of report analyses.",
		},
		[]string{"source"},
	)

	dataQualityScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "carbonmint",
			Name:      "analysis_data_quality_score",
			Help:      "Distribution of data-quality scores (0-70).",
			Buckets:   prometheus.LinearBuckets(0, 10, 8),
		},
	)

	fraudScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "carbonmint",
			Name:      "analysis_fraud_score",
			Help:      "Distribution of fraud-risk scores (0-30).",
			Buckets:   prometheus.LinearBuckets(0, 5, 7),
		},
	)

	issuance = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carbonmint",
			Name:      "issuance_total",
			Help:      "Issuance attempts by outcome.",
		},
		[]string{"outcome"},
	)

	creditsIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "carbonmint",
			Name:      "credits_issued_total",
			Help:      "Total number of credits issued.",
		},
	)

	serialAllocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carbonmint",
			Name:      "serial_allocations_total",
			Help:      "Serial range allocations by backend and outcome.",
		},
		[]string{"backend", "outcome"},
	)

	serialDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carbonmint",
			Name:      "serial_allocation_seconds",
			Help:      "Time spent allocating a serial range, lock wait included.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		},
		[]string{"backend"},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		analysisRuns,
		dataQualityScore,
		fraudScore,
		issuance,
		creditsIssued,
		serialAllocations,
		serialDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler records request counts and latency per chi route pattern.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

// RecordAnalysis records one completed analysis. source is "api" or "worker".
func RecordAnalysis(source string, dataQuality, fraud int) {
	analysisRuns.WithLabelValues(source).Inc()
	dataQualityScore.Observe(float64(dataQuality))
	fraudScore.Observe(float64(fraud))
}

// Issuance outcomes.
const (
	OutcomeIssued      = "issued"
	OutcomeNoCredits   = "no_credits"
	OutcomeLockTimeout = "lock_timeout"
	OutcomeRejected    = "rejected"
	OutcomeError       = "error"
)

// RecordIssuance records an issuance attempt and, when issued, its credits.
func RecordIssuance(outcome string, credits int64) {
	issuance.WithLabelValues(outcome).Inc()
	if outcome == OutcomeIssued && credits > 0 {
		creditsIssued.Add(float64(credits))
	}
}

// RecordAllocation records one serial allocation attempt.
func RecordAllocation(backend, outcome string, duration time.Duration) {
	serialAllocations.WithLabelValues(backend, outcome).Inc()
	serialDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
