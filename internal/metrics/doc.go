// Package metrics provides Prometheus instrumentation for transcoderexpress.
//
// All metrics are registered with the default Prometheus registry through
// promauto and are prefixed with "transcoderexpress_".
//
// # Metric Categories
//
// ## Pipeline
//
//   - ScanCyclesTotal, ScanDuration, ScanLastTimestamp, ScanErrors
//   - JobEventsTotal: every events.Event by kind
//   - JobsByState: registry population, refreshed by the [Collector]
//   - JobDuration: wall-clock duration of an attempt by outcome
//   - QueueDepth, QueueCapacity, QueuePushBlocked
//   - WorkersTotal, WorkersBusy
//   - EncoderRunsTotal, EncoderDuration, EncoderProcessesActive
//   - CommitsTotal, CommittedBytes, TempFilesSwept
//
// ## Filesystem
//
// NFS stale handle retries and raw operation timings, recorded through the
// observer returned by [NewFilesystemObserver].
//
// ## Database and HTTP
//
// Query counts and latencies of the SQLite state store, file sizes of the
// main/WAL/SHM files, and status API request metrics.
//
// # Collector
//
//	collector := metrics.NewCollector(statsProvider, dbPath, 15*time.Second)
//	collector.Start()
//	defer collector.Stop()
//
// # Prometheus Queries
//
// Failure ratio over the last hour:
//
//	sum(rate(transcoderexpress_job_events_total{kind="job_failed"}[1h])) /
//	sum(rate(transcoderexpress_job_events_total{kind=~"job_succeeded|job_failed"}[1h]))
//
// P95 encode time:
//
//	histogram_quantile(0.95, sum(rate(transcoderexpress_encoder_duration_seconds_bucket[5m])) by (le))
package metrics
