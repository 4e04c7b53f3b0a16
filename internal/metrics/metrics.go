// Package metrics provides the Prometheus metrics both tunnel endpoints
// expose for their own connection and handshake activity.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "duskrelay"

// Metrics holds every metric one endpoint (local or remote) reports.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter

	HandshakeLatency  prometheus.Histogram
	HandshakeFailures *prometheus.CounterVec

	BytesTransferred   *prometheus.CounterVec
	RecordsTransferred *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide default Metrics, registered against
// prometheus.DefaultRegisterer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics registered against the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics registered against reg, so
// tests can use a private registry instead of the global default.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of tunnel connections currently being served",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total tunnel connections accepted",
		}),

		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of v3 handshake completion latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		HandshakeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Total handshake failures by reason",
		}, []string{"reason"}),

		BytesTransferred: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_transferred_total",
			Help:      "Total plaintext bytes transferred by direction",
		}, []string{"direction"}),
		RecordsTransferred: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_transferred_total",
			Help:      "Total v3 records transferred by direction",
		}, []string{"direction"}),
	}
}
