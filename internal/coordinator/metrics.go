package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks engine activity. Label cardinality stays bounded:
// outcomes and delta kinds, never scopes or queries.
type Metrics struct {
	IngestTotal     *prometheus.CounterVec
	IngestDuration  prometheus.Histogram
	MergeDeltas     *prometheus.CounterVec
	RetrieveTotal   *prometheus.CounterVec
	RetrieveResults prometheus.Histogram
}

// NewMetrics registers engine metrics on reg. Pass
// prometheus.DefaultRegisterer outside of tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		IngestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memzero",
			Name:      "ingest_total",
			Help:      "Ingest operations by outcome.",
		}, []string{"outcome"}),
		IngestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "memzero",
			Name:      "ingest_duration_seconds",
			Help:      "End-to-end ingest latency including extraction and merge.",
			Buckets:   prometheus.DefBuckets,
		}),
		MergeDeltas: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memzero",
			Name:      "merge_deltas_total",
			Help:      "Merge decisions by kind.",
		}, []string{"op"}),
		RetrieveTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memzero",
			Name:      "retrieve_total",
			Help:      "Retrieve operations by outcome.",
		}, []string{"outcome"}),
		RetrieveResults: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "memzero",
			Name:      "retrieve_results",
			Help:      "Result count per retrieve.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
		}),
	}
}
