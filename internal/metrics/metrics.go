// Package metrics exposes Prometheus instrumentation for the platform.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors used by the HTTP layers and the 1NCE client.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	httpInFlight  prometheus.Gauge
	upstreamCalls *prometheus.CounterVec
	upstreamTime  *prometheus.HistogramVec
	inventorySize prometheus.Gauge
}

// New creates and registers the platform collectors on a private registry.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests processed, by service, method, path and status.",
		}, []string{"service", "method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "method", "path"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "HTTP requests currently being served.",
		}),
		upstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Calls to the 1NCE management API, by endpoint and status.",
		}, []string{"endpoint", "status"}),
		upstreamTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "1NCE management API call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		inventorySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sim_inventory_size",
			Help:      "SIM count recorded by the last inventory sync.",
		}),
	}

	registry.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.httpInFlight,
		m.upstreamCalls,
		m.upstreamTime,
		m.inventorySize,
	)

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncrementInFlight marks a request as started.
func (m *Metrics) IncrementInFlight() { m.httpInFlight.Inc() }

// DecrementInFlight marks a request as finished.
func (m *Metrics) DecrementInFlight() { m.httpInFlight.Dec() }

// RecordHTTPRequest records a completed HTTP request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.httpRequests.WithLabelValues(service, method, path, status).Inc()
	m.httpDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordUpstreamCall records a 1NCE management API call.
func (m *Metrics) RecordUpstreamCall(endpoint, status string, duration time.Duration) {
	m.upstreamCalls.WithLabelValues(endpoint, status).Inc()
	m.upstreamTime.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// SetInventorySize records the SIM count from the latest sync.
func (m *Metrics) SetInventorySize(n int) { m.inventorySize.Set(float64(n)) }
