package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CheckpointSaveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "checkpoint_save_duration_seconds",
		Help:    "Wall time spent writing one rank's optimizer shard",
		Buckets: prometheus.DefBuckets,
	})

	CheckpointLoadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "checkpoint_load_duration_seconds",
		Help:    "Wall time spent loading optimizer state, by load path",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})

	ShardBytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkpoint_shard_bytes_written_total",
		Help: "Total bytes written to shard files",
	})

	ShardFilesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkpoint_shard_files_written_total",
		Help: "Total shard files written",
	})

	ShardFilesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkpoint_shard_files_read_total",
		Help: "Total shard files read",
	})

	ReshardOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkpoint_reshard_operations_total",
		Help: "Reshard merges performed, by engine",
	}, []string{"engine"})

	ReshardParams = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkpoint_reshard_params_total",
		Help: "Parameters merged and re-sliced during reshard loads, by engine",
	}, []string{"engine"})

	CoverageErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkpoint_coverage_errors_total",
		Help: "Shard merges aborted because offset ranges left gaps or overlapped",
	})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkpoint_validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	BarrierWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "checkpoint_barrier_wait_seconds",
		Help:    "Time spent blocked on checkpoint synchronization barriers",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"name"})
)
