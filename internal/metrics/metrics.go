// Package metrics exposes gateway Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks currently open WebSocket connections.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections_active",
		Help: "Number of currently open WebSocket connections",
	})

	// ConnectionsTotal counts all accepted connections since start.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_connections_total",
		Help: "Total accepted WebSocket connections",
	})

	// RequestsTotal counts dispatched requests by operation and outcome.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Total requests dispatched, by operation and result code",
	}, []string{"op", "code"})

	// RequestDuration observes request handling latency per operation.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "Request handling duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// PushesTotal counts push frames sent, by channel.
	PushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_pushes_total",
		Help: "Total push frames sent, by channel",
	}, []string{"channel"})

	// RateLimitedTotal counts requests rejected by the rate limiter.
	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_rate_limited_total",
		Help: "Total requests rejected by the rate limiter",
	})

	// SubscriptionsActive tracks live subscriptions, by kind (store|rules).
	SubscriptionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_subscriptions_active",
		Help: "Live subscriptions, by kind",
	}, []string{"kind"})
)

// ObserveRequest records one dispatched request. code is empty on success
// and is normalized to "OK" for the metric label.
func ObserveRequest(op, code string, seconds float64) {
	if code == "" {
		code = "OK"
	}
	RequestsTotal.WithLabelValues(op, code).Inc()
	RequestDuration.WithLabelValues(op).Observe(seconds)
}
