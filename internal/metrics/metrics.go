package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics (status API)
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcoderexpress_http_requests_total",
			Help: "Total number of HTTP requests to the status API",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transcoderexpress_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "transcoderexpress_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Database metrics
var (
	DBQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcoderexpress_db_queries_total",
			Help: "Total number of state database queries",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transcoderexpress_db_query_duration_seconds",
			Help:    "State database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)

	DBSizeBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "transcoderexpress_db_size_bytes",
			Help: "Size of SQLite state database files in bytes",
		},
		[]string{"file"}, // "main", "wal", "shm"
	)
)

// Scanner metrics
var (
	ScanCyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transcoderexpress_scan_cycles_total",
			Help: "Total number of completed scan cycles",
		},
	)

	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "transcoderexpress_scan_duration_seconds",
			Help:    "Duration of a scan cycle in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
	)

	ScanLastTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "transcoderexpress_scan_last_timestamp",
			Help: "Unix timestamp of the last completed scan cycle",
		},
	)

	ScanFilesSeen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "transcoderexpress_scan_files",
			Help: "Files observed in the last scan by readiness",
		},
		[]string{"readiness"}, // "stable", "settling"
	)

	ScanErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transcoderexpress_scan_errors_total",
			Help: "Total number of unreadable paths skipped by the scanner",
		},
	)

	WatcherEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcoderexpress_watcher_events_total",
			Help: "Total number of filesystem notification events",
		},
		[]string{"event_type"},
	)

	WatcherErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transcoderexpress_watcher_errors_total",
			Help: "Total number of filesystem watcher errors",
		},
	)

	WatchedDirectories = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "transcoderexpress_watched_directories",
			Help: "Number of input directories currently being watched",
		},
	)
)

// Job metrics
var (
	JobEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcoderexpress_job_events_total",
			Help: "Total number of pipeline events by kind",
		},
		[]string{"kind"},
	)

	JobsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "transcoderexpress_jobs",
			Help: "Number of registry jobs by state",
		},
		[]string{"state"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transcoderexpress_job_duration_seconds",
			Help:    "Wall-clock duration of a job attempt in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"outcome"}, // "succeeded", "retrying", "failed", "interrupted"
	)
)

// Queue metrics
var (
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "transcoderexpress_queue_depth",
			Help: "Number of job ids waiting in the work queue",
		},
	)

	QueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "transcoderexpress_queue_capacity",
			Help: "Capacity of the work queue",
		},
	)

	QueuePushBlocked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transcoderexpress_queue_push_blocked_total",
			Help: "Total number of pushes that had to wait for queue space",
		},
	)
)

// Worker metrics
var (
	WorkersTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "transcoderexpress_workers",
			Help: "Configured number of workers",
		},
	)

	WorkersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "transcoderexpress_workers_busy",
			Help: "Number of workers currently running a job",
		},
	)
)

// Encoder metrics
var (
	EncoderRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcoderexpress_encoder_runs_total",
			Help: "Total number of encoder invocations by result",
		},
		[]string{"result"}, // "success", "failed", "timeout", "spawn", "canceled"
	)

	EncoderDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "transcoderexpress_encoder_duration_seconds",
			Help:    "Encoder process run time in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	EncoderProcessesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "transcoderexpress_encoder_processes_active",
			Help: "Number of encoder child processes currently alive",
		},
	)
)

// Committer metrics
var (
	CommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcoderexpress_commits_total",
			Help: "Total number of output commits by status",
		},
		[]string{"status"},
	)

	CommittedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transcoderexpress_committed_bytes_total",
			Help: "Total bytes of artifacts published to the output directory",
		},
	)

	TempFilesSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transcoderexpress_temp_files_swept_total",
			Help: "Total number of stale temporary files removed at startup",
		},
	)
)

// Filesystem metrics
var (
	FilesystemOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transcoderexpress_filesystem_operation_duration_seconds",
			Help:    "Filesystem operation duration by volume and operation",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"volume", "operation"},
	)

	FilesystemOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcoderexpress_filesystem_operation_errors_total",
			Help: "Filesystem operation errors by volume and operation",
		},
		[]string{"volume", "operation"},
	)

	FilesystemRetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcoderexpress_filesystem_retry_attempts_total",
			Help: "Retries after NFS stale file handle errors",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetrySuccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcoderexpress_filesystem_retry_success_total",
			Help: "Operations that succeeded after at least one retry",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcoderexpress_filesystem_retry_failures_total",
			Help: "Operations that failed after exhausting retries",
		},
		[]string{"operation", "volume"},
	)

	FilesystemStaleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcoderexpress_filesystem_stale_errors_total",
			Help: "ESTALE errors observed",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transcoderexpress_filesystem_retry_duration_seconds",
			Help:    "Total time spent in retried filesystem operations",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"operation", "volume"},
	)
)

// Application info metric
var (
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "transcoderexpress_app_info",
			Help: "Application information",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// SetAppInfo sets the application info metric
func SetAppInfo(version, commit, goVersion string) {
	AppInfo.WithLabelValues(version, commit, goVersion).Set(1)
}
