package metrics

import "transcoderexpress/internal/events"

// InitializeMetrics pre-populates all expected label combinations so that
// every metric is exported from the first Prometheus scrape.
// Call this once at startup after metric registration.
func InitializeMetrics() {
	for _, file := range []string{"main", "wal", "shm"} {
		DBSizeBytes.WithLabelValues(file)
	}

	for _, op := range []string{"initialize_schema", "load_jobs", "save_job", "save_jobs",
		"list_jobs", "begin_transaction", "commit", "rollback"} {
		DBQueryTotal.WithLabelValues(op, "success")
		DBQueryTotal.WithLabelValues(op, "error")
		DBQueryDuration.WithLabelValues(op)
	}

	for _, r := range []string{"stable", "settling"} {
		ScanFilesSeen.WithLabelValues(r)
	}

	for _, ev := range []string{"create", "write", "remove", "rename", "chmod"} {
		WatcherEventsTotal.WithLabelValues(ev)
	}

	for _, kind := range events.AllKinds {
		JobEventsTotal.WithLabelValues(string(kind))
	}

	for _, st := range []string{"discovered", "queued", "running", "succeeded", "failed", "retrying"} {
		JobsByState.WithLabelValues(st)
	}

	for _, outcome := range []string{"succeeded", "retrying", "failed", "interrupted"} {
		JobDuration.WithLabelValues(outcome)
	}

	for _, result := range []string{"success", "failed", "timeout", "spawn", "canceled"} {
		EncoderRunsTotal.WithLabelValues(result)
	}

	for _, status := range []string{"success", "error"} {
		CommitsTotal.WithLabelValues(status)
	}

	volumes := []string{"input", "output", "state", "unknown"}
	fsOps := []string{"stat", "readdir", "rename", "sync"}

	for _, vol := range volumes {
		for _, op := range fsOps {
			FilesystemOperationDuration.WithLabelValues(vol, op)
			FilesystemOperationErrors.WithLabelValues(vol, op)
			FilesystemRetryAttempts.WithLabelValues(op, vol)
			FilesystemRetrySuccess.WithLabelValues(op, vol)
			FilesystemRetryFailures.WithLabelValues(op, vol)
			FilesystemStaleErrors.WithLabelValues(op, vol)
			FilesystemRetryDuration.WithLabelValues(op, vol)
		}
	}
}
