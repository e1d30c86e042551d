// Package observe carries the bridge's operational surface: Prometheus
// metrics, the metrics/health HTTP endpoint, and logger construction.
package observe

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultLatencyBuckets spans radio-path latencies: sub-second control
// turnarounds up to multi-chunk transfers taking tens of seconds.
var DefaultLatencyBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// Metrics bundles every collector the bridge components record into.
type Metrics struct {
	Registry *prometheus.Registry

	ChunksTotal    *prometheus.CounterVec
	MessagesTotal  *prometheus.CounterVec
	NacksTotal     *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec
	SpoolDepth     prometheus.Gauge
	DeliveryFailed prometheus.Counter

	DedupeHits      prometheus.Counter
	DedupeConflicts prometheus.Counter
	InflightRequests prometheus.Gauge

	RequestSeconds    *prometheus.HistogramVec
	ReassemblySeconds prometheus.Histogram
}

// NewMetrics builds a Metrics set on its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		ChunksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_chunks_total",
			Help: "Chunk frames handled, by direction and kind",
		}, []string{"direction", "kind"}),
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_messages_total",
			Help: "Envelopes handled, by direction and type",
		}, []string{"direction", "type"}),
		NacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_nacks_total",
			Help: "NACK frames, by direction",
		}, []string{"direction"}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_frames_dropped_total",
			Help: "Frames dropped, by reason",
		}, []string{"reason"}),
		SpoolDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_spool_depth",
			Help: "Pending messages in the durable outbox",
		}),
		DeliveryFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_delivery_failed_total",
			Help: "Outbox records dropped after exhausting retries",
		}),
		DedupeHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_dedupe_hits_total",
			Help: "Requests answered from the dedupe cache",
		}),
		DedupeConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_dedupe_conflicts_total",
			Help: "Requests rejected for divergent payloads under a known id",
		}),
		InflightRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_inflight_requests",
			Help: "Gateway requests currently executing",
		}),
		RequestSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_request_seconds",
			Help:    "End-to-end request latency, by command and outcome",
			Buckets: DefaultLatencyBuckets,
		}, []string{"command", "status"}),
		ReassemblySeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_reassembly_seconds",
			Help:    "Time from first to last chunk of an inbound message",
			Buckets: DefaultLatencyBuckets,
		}),
	}
}
