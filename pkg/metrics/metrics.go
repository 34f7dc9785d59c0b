// Package metrics provides Prometheus instrumentation for the transfer
// bridge. All consumers accept a nil *Metrics and skip instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for schedulers, bridges, and the
// auth negotiation cache.
type Metrics struct {
	ActiveTransfers  prometheus.Gauge
	TransfersTotal   *prometheus.CounterVec
	TransferDuration prometheus.Histogram

	IdleTimeouts  prometheus.Counter
	ClientCloses  prometheus.Counter
	TunneledBytes *prometheus.CounterVec

	AuthCacheLookups *prometheus.CounterVec
}

// New registers collectors on the default registerer under namespace,
// which defaults to "mcurl".
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "mcurl"
	}

	return &Metrics{
		ActiveTransfers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_transfers",
			Help:      "Number of transfers currently registered with a scheduler",
		}),
		TransfersTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Total number of completed transfers",
		}, []string{"status"}),
		TransferDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_duration_seconds",
			Help:      "Wall time from scheduling to completion",
			Buckets:   prometheus.DefBuckets,
		}),
		IdleTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idle_timeouts_total",
			Help:      "Transfers stopped for lack of readiness or progress",
		}),
		ClientCloses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_closes_total",
			Help:      "Bridged transfers ended by the client closing its socket",
		}),
		TunneledBytes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunneled_bytes_total",
			Help:      "Bytes spliced between client and upstream after CONNECT",
		}, []string{"direction"}),
		AuthCacheLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_cache_lookups_total",
			Help:      "Auth negotiation cache lookups by outcome",
		}, []string{"outcome"}),
	}
}

// ObserveTransfer records one completed transfer.
func (m *Metrics) ObserveTransfer(start time.Time, status string) {
	if m == nil {
		return
	}
	m.TransfersTotal.WithLabelValues(status).Inc()
	m.TransferDuration.Observe(time.Since(start).Seconds())
}

// CacheLookup records one auth cache lookup outcome: "hit", "miss", or
// "failed".
func (m *Metrics) CacheLookup(outcome string) {
	if m == nil {
		return
	}
	m.AuthCacheLookups.WithLabelValues(outcome).Inc()
}
