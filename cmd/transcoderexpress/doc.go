// Package main provides the entry point for the TranscoderExpress agent.
//
// TranscoderExpress watches an input directory tree, waits for media files to
// stop changing, and runs a configured external encoder on each one. Results
// are written under a separate output tree that mirrors the input layout.
// Every file becomes a job whose state is persisted so that a restarted agent
// resumes where it left off.
//
// # Application Lifecycle
//
//  1. Configuration Loading: flags, TX_* environment variables and an optional
//     YAML file, then directory validation
//  2. Memory Configuration: GOMEMLIMIT from the environment or the container limit
//  3. State Initialization: opens the SQLite state database and rehydrates jobs
//  4. Pipeline Initialization:
//     - Encoder: validates the command template and probes the program
//     - Scanner: walks the input tree and tracks file quiescence
//     - Worker Pool: runs encoder processes with bounded concurrency
//     - Watcher: wakes the scanner on filesystem events (if enabled)
//     - Metrics Collector: refreshes job gauges and database size
//  5. HTTP Server Setup: health probes, status API and /metrics (if enabled)
//  6. Graceful Shutdown: handles SIGINT/SIGTERM
//
// # Graceful Shutdown
//
// On SIGINT or SIGTERM the agent:
//
//  1. Stops dispatching and returns queued jobs to the registry
//  2. Waits up to the shutdown grace period for running encoders
//  3. Kills the remaining encoder process groups
//  4. Flushes the job registry to the state database
//  5. Shuts down the HTTP server
//
// Interrupted jobs do not consume a retry attempt.
//
// # Example
//
//	transcoderexpress -i /media/incoming -o /media/encoded -w 2 \
//	    --encoder-command "ffmpeg -y -i {input} -c:a libopus {output}" \
//	    --output-ext .opus
//
// Run with --help for the full list of options.
//
// # Related Packages
//
//   - [transcoderexpress/internal/orchestrator]: scan cycle and shutdown
//   - [transcoderexpress/internal/registry]: job state machine
//   - [transcoderexpress/internal/workers]: encoder worker pool
//   - [transcoderexpress/internal/encoder]: process supervision
//   - [transcoderexpress/internal/startup]: configuration and startup logging
package main
