package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chunksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_worker_chunks_total",
		Help: "Number of chunk executions, per task type and outcome.",
	}, []string{"type", "outcome"})
	chunkDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestrator_worker_chunk_duration_seconds",
		Help:    "Wall time of chunk executions, per task type.",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"type"})
	duplicateDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_worker_duplicate_deliveries_total",
		Help: "Number of deliveries skipped because the chunk lock was already held.",
	})
)
