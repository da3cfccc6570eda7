package workers

import (
	"os"
	"runtime"
	"strconv"
)

// EnvOverride names the environment variable that pins the worker count.
const EnvOverride = "TX_CONCURRENCY"

// Count returns the number of workers for a given task type.
// It respects container CPU limits via GOMAXPROCS (Go 1.19+).
//
// The multiplier adjusts for task characteristics:
//   - 1.0 for tasks that keep one CPU busy in-process
//   - 0.5 for tasks that spawn a multi-threaded child (ffmpeg)
//
// The limit parameter caps the worker count to prevent resource exhaustion.
// Use 0 for no limit.
//
// Can be overridden with the TX_CONCURRENCY environment variable.
func Count(multiplier float64, limit int) int {
	if override := os.Getenv(EnvOverride); override != "" {
		if count, err := strconv.Atoi(override); err == nil && count > 0 {
			if limit > 0 && count > limit {
				return limit
			}
			return count
		}
	}

	// GOMAXPROCS is automatically set to container CPU limit in Go 1.19+
	available := runtime.GOMAXPROCS(0)

	workers := int(float64(available) * multiplier)

	if workers < 1 {
		workers = 1
	}
	if limit > 0 && workers > limit {
		workers = limit
	}

	return workers
}

// ForEncoding returns the default pool size for encoder jobs: one worker per
// two CPUs, since every encoder process runs its own threads.
func ForEncoding(limit int) int {
	return Count(0.5, limit)
}
