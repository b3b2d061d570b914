// Package metrics provides Prometheus instrumentation for the Check cache,
// quota prefetch, and report batch subsystems.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LatencyBuckets covers sub-millisecond cache hits through multi-second
// network round trips.
var LatencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.5, 5.0, 10.0,
}

// Registry holds every metric this client exports, built under a
// caller-chosen namespace and registerer so multiple clients in one process
// (or repeated construction across test cases) never collide on labels
// already registered elsewhere.
type Registry struct {
	CheckTotal       *prometheus.CounterVec
	CheckCacheMisses prometheus.Counter
	CheckLatency     prometheus.Histogram

	QuotaGranted  *prometheus.CounterVec
	QuotaRejected *prometheus.CounterVec
	QuotaWindow   *prometheus.GaugeVec

	ReportBatchesFlushed prometheus.Counter
	ReportEntriesFlushed prometheus.Counter
	ReportFlushFailures  prometheus.Counter
	ReportFlushLatency   prometheus.Histogram
}

// NewRegistry builds a Registry, registering every metric against reg under
// namespace. Pass prometheus.DefaultRegisterer for process-wide export, or a
// fresh *prometheus.Registry in tests to avoid collisions across cases.
func NewRegistry(namespace string, reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		CheckTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "check_total",
			Help:      "Total Check calls, partitioned by outcome",
		}, []string{"outcome"}),

		CheckCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "check_cache_misses_total",
			Help:      "Check calls that missed the local decision cache and required a network round trip",
		}),

		CheckLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_latency_seconds",
			Help:      "Check call latency, including any cache-miss network round trip",
			Buckets:   LatencyBuckets,
		}),

		QuotaGranted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_granted_total",
			Help:      "Tokens granted per quota name by Alloc RPC responses",
		}, []string{"quota"}),

		QuotaRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejected_total",
			Help:      "Alloc RPCs per quota name that failed, or that granted less than a strict request asked for",
		}, []string{"quota"}),

		QuotaWindow: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quota_prefetch_window",
			Help:      "Current adaptive prefetch window size per quota name",
		}, []string{"quota"}),

		ReportBatchesFlushed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_batches_flushed_total",
			Help:      "Report batches flushed to the transport",
		}),

		ReportEntriesFlushed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_entries_flushed_total",
			Help:      "Individual attribute sets flushed across all report batches",
		}),

		ReportFlushFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_flush_failures_total",
			Help:      "Report batch flushes that failed and were dropped",
		}),

		ReportFlushLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "report_flush_latency_seconds",
			Help:      "Latency of a single report batch flush",
			Buckets:   LatencyBuckets,
		}),
	}
}

// ObserveQuotaStats updates QuotaWindow from a point-in-time quota stats
// snapshot. Client.Check calls it after every Check that carries quotas.
func (r *Registry) ObserveQuotaStats(stats map[string]float64) {
	for quota, window := range stats {
		r.QuotaWindow.WithLabelValues(quota).Set(window)
	}
}
