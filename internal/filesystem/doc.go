/*
Package filesystem wraps the handful of filesystem calls the pipeline depends
on (stat, readdir, rename, fsync) with retry logic for NFS stale file handle
errors.

Input and output directories are frequently network mounts inside the
container. A scan racing with a server-side change can see ESTALE even though
the file is fine a few milliseconds later, so only ESTALE is retried; every
other error is returned on the first attempt.

# Usage

	info, err := filesystem.StatWithRetry(path, filesystem.DefaultRetryConfig())

	if err := filesystem.RenameWithRetry(tmp, final, cfg); err != nil {
	    return err
	}
	_ = filesystem.SyncWithRetry(filepath.Dir(final), cfg)

# Retry Behavior

Defaults: 3 retries, 50ms initial backoff doubling up to 500ms.

# Metrics

Call [SetObserver] once at startup (metrics.NewFilesystemObserver) and
[SetDefaultVolumeResolver] with the input, output and state directories so
operations are labelled by volume.
*/
package filesystem
