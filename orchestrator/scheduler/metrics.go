package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chunksPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_chunks_published_total",
		Help: "Number of chunk messages published to the broker, per queue.",
	}, []string{"queue"})
	publishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_publish_failures_total",
		Help: "Number of chunk publications that failed and were returned to the registry.",
	})
	activeInstances = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_active_task_instances",
		Help: "Number of task instances currently registered and unretired.",
	})
	staleInstances = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_stale_task_instances",
		Help: "Number of active task instances without progress inside the staleness window.",
	})
	queuedChunks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_queued_chunks",
		Help: "Number of chunks currently QUEUED, per task type.",
	}, []string{"type"})
	requeuedChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_requeued_chunks_total",
		Help: "Number of QUEUED chunks returned to PENDING after going unclaimed.",
	})
)
