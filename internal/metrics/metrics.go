// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hybridrag"

var (
	EmbeddingRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_requests_total",
			Help:      "Total number of embedding requests",
		},
		[]string{"provider", "status"},
	)

	EmbeddingRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "embedding_request_duration_seconds",
			Help:      "Embedding request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"provider"},
	)

	EmbeddingCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_total",
			Help:      "Embedding cache hits and misses",
		},
		[]string{"layer", "result"},
	)

	RetrievalBranchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_branch_duration_seconds",
			Help:      "Duration of one retrieval branch in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"branch", "status"},
	)

	IngestedChunksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_chunks_total",
			Help:      "Total number of chunks persisted",
		},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

var registerOnce sync.Once

// Register registers all collectors with the default registry. Safe to call repeatedly.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			EmbeddingRequestsTotal,
			EmbeddingRequestDuration,
			EmbeddingCacheTotal,
			RetrievalBranchDuration,
			IngestedChunksTotal,
			HTTPRequestsTotal,
		)
	})
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func ObserveEmbedding(provider string, start time.Time, err error) {
	EmbeddingRequestsTotal.WithLabelValues(provider, status(err)).Inc()
	if err == nil {
		EmbeddingRequestDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	}
}

func ObserveBranch(branch string, start time.Time, err error) {
	RetrievalBranchDuration.WithLabelValues(branch, status(err)).Observe(time.Since(start).Seconds())
}

func ObserveCache(layer string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	EmbeddingCacheTotal.WithLabelValues(layer, result).Inc()
}
