// Package metrics exposes the funnel's Prometheus counters and the HTTP request
// middleware.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnelpipe_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "funnelpipe_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	turnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnelpipe_turns_total",
			Help: "Inbound turns handled, by resulting stage and degradation",
		},
		[]string{"stage", "degraded"},
	)

	turnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "funnelpipe_turn_duration_seconds",
			Help:    "Wall time of a handled turn",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	stageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnelpipe_stage_transitions_total",
			Help: "Lead stage transitions",
		},
		[]string{"from", "to"},
	)

	intentClassifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnelpipe_intent_classifications_total",
			Help: "Intent classifications by category; fallback marks the sentinel result",
		},
		[]string{"category", "fallback"},
	)

	toolActivations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnelpipe_tool_activations_total",
			Help: "Conversion tools fired",
		},
		[]string{"tool"},
	)

	guardRewrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnelpipe_guard_rewrites_total",
			Help: "Reply guard interventions by kind",
		},
		[]string{"kind"},
	)

	leadRecoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnelpipe_lead_recoveries_total",
			Help: "Corrupt lead records repaired, by outcome",
		},
		[]string{"outcome"},
	)

	providerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnelpipe_provider_errors_total",
			Help: "Transient failures of external collaborators",
		},
		[]string{"service"},
	)

	handoffsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnelpipe_handoffs_published_total",
			Help: "Advisor handoff events published",
		},
		[]string{"result"},
	)
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and durations labelled by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// RecordTurn counts a finished turn.
func RecordTurn(stage string, degraded bool, elapsed time.Duration) {
	turnsTotal.WithLabelValues(stage, strconv.FormatBool(degraded)).Inc()
	turnDuration.Observe(elapsed.Seconds())
}

// RecordStageTransition counts a stage change.
func RecordStageTransition(from, to string) {
	stageTransitions.WithLabelValues(from, to).Inc()
}

// RecordIntent counts a classification.
func RecordIntent(category string, fallback bool) {
	intentClassifications.WithLabelValues(category, strconv.FormatBool(fallback)).Inc()
}

// RecordToolActivation counts a fired tool.
func RecordToolActivation(tool string) {
	toolActivations.WithLabelValues(tool).Inc()
}

// RecordGuardRewrite counts a reply guard intervention: grounding, repetition or trim.
func RecordGuardRewrite(kind string) {
	guardRewrites.WithLabelValues(kind).Inc()
}

// RecordLeadRecovery counts a repaired lead record: restored or reinitialized.
func RecordLeadRecovery(outcome string) {
	leadRecoveries.WithLabelValues(outcome).Inc()
}

// RecordProviderError counts a transient collaborator failure.
func RecordProviderError(service string) {
	providerErrors.WithLabelValues(service).Inc()
}

// RecordHandoff counts a handoff publish attempt.
func RecordHandoff(result string) {
	handoffsPublished.WithLabelValues(result).Inc()
}
