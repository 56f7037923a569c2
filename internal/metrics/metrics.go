// Package metrics holds the Prometheus instruments of the pipeline.
// Everything registers on the default registry through promauto and is
// exposed at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PointsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trail_points_ingested_total",
		Help: "Raw points accepted and stored",
	})

	PointsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trail_points_dropped_total",
		Help: "Ingest points dropped before persistence",
	}, []string{"reason"})

	PointsFlagged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trail_points_flagged_total",
		Help: "Points flagged by the anomaly filter and density trimming",
	}, []string{"flag"}) // invalid, ignored

	PointsSynthesized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trail_points_synthesized_total",
		Help: "Synthetic points generated to fill sampling gaps",
	})

	RecordsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trail_records_created_total",
		Help: "Derived records written by the pipeline",
	}, []string{"kind"}) // visit, processed_visit, trip, place

	VersionConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trail_version_conflicts_total",
		Help: "Optimistic lock conflicts returned to callers",
	}, []string{"entity"})

	EventsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trail_events_failed_total",
		Help: "Events that could not be published",
	}, []string{"topic"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trail_stage_duration_seconds",
		Help:    "Duration of individual pipeline stages",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"stage"})

	PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trail_pipeline_runs_total",
		Help: "Pipeline runs by outcome",
	}, []string{"mode", "outcome"}) // mode: live, preview

	PendingBatchPoints = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trail_ingest_pending_points",
		Help: "Points held by the ingest batcher",
	})

	QueuedJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trail_pipeline_queued_jobs",
		Help: "Pipeline jobs waiting for a worker",
	})

	TriggersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trail_pipeline_triggers_dropped_total",
		Help: "Triggers dropped because the job queue was full",
	})
)

// ObserveStage records the elapsed time since start for a stage
func ObserveStage(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
