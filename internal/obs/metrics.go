// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/doublewordai/batcherd/internal/config"
)

var (
	RequestsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "requests_submitted_total",
		Help: "Total number of requests submitted to storage",
	})
	RequestsClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "requests_claimed_total",
		Help: "Total number of requests claimed by a daemon",
	})
	RequestsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "requests_completed_total",
		Help: "Total number of requests that reached Completed",
	})
	RequestsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "requests_failed_total",
		Help: "Total number of requests that reached Failed (including those later retried)",
	})
	RequestsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "requests_retried_total",
		Help: "Total number of Failed-to-Pending retry demotions",
	})
	RequestsCanceled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "requests_canceled_total",
		Help: "Total number of requests that reached Canceled",
	})
	RequestDispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "request_dispatch_duration_seconds",
		Help:    "Histogram of Claimed-to-terminal dispatch durations",
		Buckets: prometheus.DefBuckets,
	})
	PendingRequests = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pending_requests",
		Help: "Current count of eligible Pending rows sampled from storage",
	}, []string{"model"})
	InFlightDispatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatches_in_flight",
		Help: "Number of dispatch tasks awaiting an HTTP outcome on this daemon",
	})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open, per upstream endpoint",
	}, []string{"endpoint"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times a per-endpoint circuit breaker transitioned to Open",
	}, []string{"endpoint"})
	ReaperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reaper_recovered_total",
		Help: "Total number of requests recovered by the reaper from stale Processing rows",
	})
	StatusBusLagged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "status_bus_lagged_total",
		Help: "Total number of intermediate status updates dropped for a lagging subscriber",
	})
)

func init() {
	prometheus.MustRegister(
		RequestsSubmitted, RequestsClaimed, RequestsCompleted, RequestsFailed,
		RequestsRetried, RequestsCanceled, RequestDispatchDuration, PendingRequests,
		InFlightDispatches, CircuitBreakerState, CircuitBreakerTrips, ReaperRecovered,
		StatusBusLagged,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled
// shutdown. Retained for compatibility; prefer StartHTTPServer, which
// also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
