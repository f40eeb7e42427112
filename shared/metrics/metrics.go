// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package metrics holds the Prometheus collectors exported by the access
// layer. Collectors live on a Metrics value so tests can register them on a
// private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tenantdb"

// Metrics groups every collector the service exports.
type Metrics struct {
	CacheLookups       *prometheus.CounterVec
	CacheLatency       *prometheus.HistogramVec
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	PoolAcquires       *prometheus.CounterVec
	PoolAcquireWait    prometheus.Histogram
	BackendCalls       *prometheus.CounterVec
	HealthChecks       *prometheus.CounterVec
	FacadeRequests     *prometheus.CounterVec
	HTTPInFlight       prometheus.Gauge
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
}

// New builds an unregistered set of collectors.
func New() *Metrics {
	return &Metrics{
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_cache_lookups_total",
			Help:      "Session validations by cache outcome (hit, miss, bypass, error).",
		}, []string{"result"}),
		CacheLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_validate_duration_seconds",
			Help:      "Session validation latency by serving path.",
			Buckets:   []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"path"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Breaker state per key (0 closed, 1 half-open, 2 open).",
		}, []string{"key"}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Breaker state transitions by target state.",
		}, []string{"key", "to"}),
		PoolAcquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_acquires_total",
			Help:      "Pool acquisitions by result (ok, exhausted, circuit_open, error).",
		}, []string{"backend", "result"}),
		PoolAcquireWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pool_acquire_wait_seconds",
			Help:      "Time spent waiting for a pooled session.",
			Buckets:   prometheus.DefBuckets,
		}),
		BackendCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_calls_total",
			Help:      "Backend executions by backend type and result.",
		}, []string{"backend", "result"}),
		HealthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Connection health probes by resulting status.",
		}, []string{"status"}),
		FacadeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_requests_total",
			Help:      "Access facade requests by final lifecycle stage and outcome.",
		}, []string{"stage", "outcome"}),
		HTTPInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "In-flight HTTP requests.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.CacheLookups, m.CacheLatency,
		m.BreakerState, m.BreakerTransitions,
		m.PoolAcquires, m.PoolAcquireWait, m.BackendCalls,
		m.HealthChecks, m.FacadeRequests,
		m.HTTPInFlight, m.HTTPRequests, m.HTTPDuration,
	}
}

// Handler exposes the collectors registered on gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Instrument records request counts and latency. route maps a request to a
// low-cardinality label, typically the router's path template.
func (m *Metrics) Instrument(route func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.HTTPInFlight.Inc()
		defer m.HTTPInFlight.Dec()

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		label := route(r)
		m.HTTPDuration.WithLabelValues(r.Method, label).Observe(time.Since(start).Seconds())
		m.HTTPRequests.WithLabelValues(r.Method, label, strconv.Itoa(sw.code)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
