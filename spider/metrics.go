package spider

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for a crawl. All methods are safe
// on a nil receiver, so a run without a registry pays nothing.
//
// Metrics exposed (namespace "spiderexpress"):
//   - iterations_total (counter): completed (gather, sample) pairs.
//   - seeds_claimed_total (counter, layer): seeds moved to processing.
//   - edges_routed_total (counter, layer): raw edges produced by routing.
//   - records_dropped_total (counter, layer, reason): silent data drops.
//   - retries_total (counter, layer): retrying phases that requeued
//     stale seeds on the layer.
//   - frontier_depth (gauge, layer): pending seeds after each iteration.
//   - gather_seconds (histogram, layer): duration of one layer's batch.
type Metrics struct {
	iterations     prometheus.Counter
	seedsClaimed   *prometheus.CounterVec
	edgesRouted    *prometheus.CounterVec
	recordsDropped *prometheus.CounterVec
	retries        *prometheus.CounterVec
	frontierDepth  *prometheus.GaugeVec
	gatherSeconds  *prometheus.HistogramVec
}

// NewMetrics creates and registers the crawl metrics with the given
// registry (prometheus.DefaultRegisterer when nil).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		iterations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "spiderexpress",
			Name:      "iterations_total",
			Help:      "Completed crawl iterations.",
		}),
		seedsClaimed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spiderexpress",
			Name:      "seeds_claimed_total",
			Help:      "Seeds claimed for gathering.",
		}, []string{"layer"}),
		edgesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spiderexpress",
			Name:      "edges_routed_total",
			Help:      "Raw edges produced by the router.",
		}, []string{"layer"}),
		recordsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spiderexpress",
			Name:      "records_dropped_total",
			Help:      "Records and values dropped during routing and coercion.",
		}, []string{"layer", "reason"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spiderexpress",
			Name:      "retries_total",
			Help:      "Retrying phases that requeued stale seeds.",
		}, []string{"layer"}),
		frontierDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "spiderexpress",
			Name:      "frontier_depth",
			Help:      "Pending seeds per layer.",
		}, []string{"layer"}),
		gatherSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "spiderexpress",
			Name:      "gather_seconds",
			Help:      "Duration of one layer's gather batch.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"layer"}),
	}
}

func (m *Metrics) IterationDone() {
	if m != nil {
		m.iterations.Inc()
	}
}

func (m *Metrics) SeedsClaimed(layer string, n int) {
	if m != nil {
		m.seedsClaimed.WithLabelValues(layer).Add(float64(n))
	}
}

func (m *Metrics) EdgesRouted(layer string, n int) {
	if m != nil {
		m.edgesRouted.WithLabelValues(layer).Add(float64(n))
	}
}

func (m *Metrics) RecordsDropped(layer, reason string, n int) {
	if m != nil && n > 0 {
		m.recordsDropped.WithLabelValues(layer, reason).Add(float64(n))
	}
}

func (m *Metrics) Retry(layer string) {
	if m != nil {
		m.retries.WithLabelValues(layer).Inc()
	}
}

func (m *Metrics) FrontierDepth(layer string, depth int) {
	if m != nil {
		m.frontierDepth.WithLabelValues(layer).Set(float64(depth))
	}
}

func (m *Metrics) GatherDuration(layer string, d time.Duration) {
	if m != nil {
		m.gatherSeconds.WithLabelValues(layer).Observe(d.Seconds())
	}
}
