package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	relayerMetricsOnce sync.Once
	relayerRegistry    *RelayerdMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record
// JSON-RPC activity on the node.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rebasenet",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rebasenet",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by method and status code.",
			}, []string{"method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "rebasenet",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rebasenet",
				Subsystem: "module",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by rate limiting.",
			}, []string{"method"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of an RPC request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied method.
func (m *moduleMetrics) RecordThrottle(method string) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	m.throttles.WithLabelValues(method).Inc()
}

// RelayerdMetrics captures delivery activity for the voucher relayer.
type RelayerdMetrics struct {
	deliveries *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	backlog    *prometheus.GaugeVec
	waits      *prometheus.CounterVec
}

// Relayerd returns the relayer metrics registry.
func Relayerd() *RelayerdMetrics {
	relayerMetricsOnce.Do(func() {
		relayerRegistry = &RelayerdMetrics{
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rebasenet",
				Subsystem: "relayerd",
				Name:      "deliveries_total",
				Help:      "Voucher delivery attempts segmented by route and outcome.",
			}, []string{"route", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "rebasenet",
				Subsystem: "relayerd",
				Name:      "delivery_duration_seconds",
				Help:      "Time from outbox read to destination acknowledgement.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			backlog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "rebasenet",
				Subsystem: "relayerd",
				Name:      "outbox_backlog",
				Help:      "Vouchers observed pending on the source outbox.",
			}, []string{"route"}),
			waits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rebasenet",
				Subsystem: "relayerd",
				Name:      "flow_limit_waits_total",
				Help:      "Deliveries delayed by the route's value flow budget.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			relayerRegistry.deliveries,
			relayerRegistry.latency,
			relayerRegistry.backlog,
			relayerRegistry.waits,
		)
	})
	return relayerRegistry
}

// RecordDelivery records one delivery attempt. Outcomes should be stable
// strings such as "applied", "duplicate", or "failed".
func (m *RelayerdMetrics) RecordDelivery(route, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.deliveries.WithLabelValues(route, outcome).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// SetBacklog records the pending voucher count seen on the last poll.
func (m *RelayerdMetrics) SetBacklog(route string, depth int) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.backlog.WithLabelValues(route).Set(float64(depth))
}

// RecordFlowWait counts a delivery delayed by the flow limiter.
func (m *RelayerdMetrics) RecordFlowWait(route string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.waits.WithLabelValues(route).Inc()
}
