package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kie_requests_total",
			Help: "Total number of provider API calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kie_request_duration_seconds",
			Help:    "Provider API call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation"},
	)
	BreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kie_circuit_breaker_state",
			Help: "Provider circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
	)
	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kie_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions by target state",
		},
		[]string{"to"},
	)

	GenerationsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generations_started_total",
			Help: "Total number of generation jobs started",
		},
		[]string{"model"},
	)
	GenerationsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generations_finished_total",
			Help: "Total number of generation jobs finished by final status",
		},
		[]string{"model", "status"},
	)
	GenerationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "generation_duration_seconds",
			Help:    "Generation duration from submit to terminal state",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		},
		[]string{"model"},
	)
	DedupeHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedupe_hits_total",
			Help: "Duplicate submissions absorbed by the dedupe store",
		},
		[]string{"kind"},
	)
	LockAcquireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_acquire_total",
			Help: "Distributed lock acquisitions by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)
	LockFallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lock_local_fallbacks_total",
			Help: "Lock acquisitions served by the in-process fallback",
		},
	)
	DedupeFallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dedupe_local_fallbacks_total",
			Help: "Dedupe operations served by the in-memory fallback",
		},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deliveries_total",
			Help: "Result deliveries by transport method and outcome",
		},
		[]string{"method", "outcome"},
	)
	DeliveryBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "delivery_payload_bytes",
			Help:    "Size of downloaded result payloads",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
	)

	ChargesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "charges_total",
			Help: "Post-delivery charges by funding source",
		},
		[]string{"source"},
	)
	BillingInvariantTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_invariant_violations_total",
			Help: "Deliveries whose post-delivery charge failed",
		},
	)

	PendingQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reconcile_pending_queue_depth",
			Help: "Jobs seen by the last pending reconciler sweep",
		},
	)
	PendingOldestAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reconcile_pending_oldest_age_seconds",
			Help: "Age of the oldest pending job at the last sweep",
		},
	)
	OrphanCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reconcile_orphan_count",
			Help: "Dedupe entries without a provider task id at the last sweep",
		},
	)
	ReconcileRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_runs_total",
			Help: "Reconciler sweeps by loop and outcome",
		},
		[]string{"loop", "outcome"},
	)

	CallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kie_callbacks_total",
			Help: "Provider callback requests by outcome",
		},
		[]string{"outcome"},
	)
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_events_published_total",
			Help: "Job transition events published to the stream by outcome",
		},
		[]string{"outcome"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(ProviderRequestsTotal)
	prometheus.MustRegister(ProviderRequestDuration)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(BreakerTransitionsTotal)
	prometheus.MustRegister(GenerationsStartedTotal)
	prometheus.MustRegister(GenerationsFinishedTotal)
	prometheus.MustRegister(GenerationDuration)
	prometheus.MustRegister(DedupeHitsTotal)
	prometheus.MustRegister(LockAcquireTotal)
	prometheus.MustRegister(LockFallbacksTotal)
	prometheus.MustRegister(DedupeFallbacksTotal)
	prometheus.MustRegister(DeliveriesTotal)
	prometheus.MustRegister(DeliveryBytes)
	prometheus.MustRegister(ChargesTotal)
	prometheus.MustRegister(BillingInvariantTotal)
	prometheus.MustRegister(PendingQueueDepth)
	prometheus.MustRegister(PendingOldestAge)
	prometheus.MustRegister(OrphanCount)
	prometheus.MustRegister(ReconcileRunsTotal)
	prometheus.MustRegister(CallbacksTotal)
	prometheus.MustRegister(EventsPublishedTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// ObserveProviderCall records one provider API call.
func ObserveProviderCall(operation string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	ProviderRequestsTotal.WithLabelValues(operation, outcome).Inc()
	ProviderRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// StartGeneration records a new generation job for the model.
func StartGeneration(model string) {
	GenerationsStartedTotal.WithLabelValues(model).Inc()
}

// FinishGeneration records a generation reaching a terminal status.
func FinishGeneration(model, status string, started time.Time) {
	GenerationsFinishedTotal.WithLabelValues(model, status).Inc()
	GenerationDuration.WithLabelValues(model).Observe(time.Since(started).Seconds())
}
