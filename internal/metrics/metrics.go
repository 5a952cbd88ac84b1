// Package metrics exposes the hub's Prometheus surface, grounded on the
// teacher's internal/metrics package (same promauto-registered-once shape),
// generalized from agent/bead/provider counters to node/app/RPC counters.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the hub registers.
type Metrics struct {
	NodesTotal     prometheus.Gauge
	NodeRPCTotal   *prometheus.CounterVec
	NodeRPCErrors  *prometheus.CounterVec
	NodeRPCLatency *prometheus.HistogramVec

	AppStatus   *prometheus.GaugeVec
	AppRestarts *prometheus.CounterVec

	SessionsActive prometheus.Gauge

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var (
	once   sync.Once
	shared *Metrics
)

// New registers and returns the process-wide Metrics instance. Safe to call
// more than once — the underlying promauto registration only happens once.
func New() *Metrics {
	once.Do(func() {
		shared = &Metrics{
			NodesTotal: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "unicom_nodes_total",
				Help: "Number of nodes currently registered with the hub.",
			}),
			NodeRPCTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "unicom_node_rpc_total",
				Help: "Total RPCs dispatched to a node.",
			}, []string{"node", "api"}),
			NodeRPCErrors: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "unicom_node_rpc_errors_total",
				Help: "Total RPCs that returned an error.",
			}, []string{"node", "api", "kind"}),
			NodeRPCLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "unicom_node_rpc_duration_seconds",
				Help:    "RPC round-trip latency to a node.",
				Buckets: prometheus.DefBuckets,
			}, []string{"node", "api"}),

			AppStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "unicom_app_status",
				Help: "Current supervisor state for an app, one gauge series per state (1 = current).",
			}, []string{"app", "state"}),
			AppRestarts: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "unicom_app_restarts_total",
				Help: "Total number of times an app was (re)started.",
			}, []string{"app"}),
			SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "unicom_sessions_active",
				Help: "Number of live (non-expired) sessions.",
			}),

			HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "unicom_http_requests_total",
				Help: "Total HTTP requests served by the dispatcher.",
			}, []string{"method", "path", "status"}),
			HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "unicom_http_request_duration_seconds",
				Help:    "HTTP request latency, by method and path.",
				Buckets: prometheus.DefBuckets,
			}, []string{"method", "path"}),
		}
	})
	return shared
}

// RecordRPC records the outcome of one node RPC.
func (m *Metrics) RecordRPC(node, api string, errKind string, d time.Duration) {
	m.NodeRPCTotal.WithLabelValues(node, api).Inc()
	m.NodeRPCLatency.WithLabelValues(node, api).Observe(d.Seconds())
	if errKind != "" {
		m.NodeRPCErrors.WithLabelValues(node, api, errKind).Inc()
	}
}

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// SetAppState flips the gauge for app to 1 for state and 0 for every other
// known state, so a dashboard can graph "current state" as a stepped line.
func (m *Metrics) SetAppState(app, state string, knownStates []string) {
	for _, s := range knownStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.AppStatus.WithLabelValues(app, s).Set(v)
	}
}
