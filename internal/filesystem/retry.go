package filesystem

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"transcoderexpress/internal/logging"
)

// VolumeResolver maps file paths to known volume names for metric labeling.
// It uses longest-prefix matching on absolute paths.
type VolumeResolver struct {
	// mounts is sorted by path length descending for longest-prefix matching
	mounts []volumeMount
}

type volumeMount struct {
	path string // absolute path with trailing slash (e.g., "/input/")
	name string // volume label (e.g., "input")
}

// NewVolumeResolver creates a resolver from a map of volume name to absolute path.
// Example:
//
//	NewVolumeResolver(map[string]string{
//	    "input":  "/input",
//	    "output": "/output",
//	    "state":  "/var/lib/transcoderexpress",
//	})
func NewVolumeResolver(volumes map[string]string) *VolumeResolver {
	mounts := make([]volumeMount, 0, len(volumes))
	for name, path := range volumes {
		absPath, err := filepath.Abs(path)
		if err != nil {
			absPath = path
		}
		if !strings.HasSuffix(absPath, "/") {
			absPath += "/"
		}
		mounts = append(mounts, volumeMount{path: absPath, name: name})
	}

	sort.Slice(mounts, func(i, j int) bool {
		return len(mounts[i].path) > len(mounts[j].path)
	})

	return &VolumeResolver{mounts: mounts}
}

// Resolve returns the volume name for a given file path.
// Returns "unknown" if the path doesn't match any configured volume.
func (vr *VolumeResolver) Resolve(path string) string {
	if vr == nil {
		return "unknown"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "unknown"
	}

	for _, mount := range vr.mounts {
		if strings.HasPrefix(absPath+"/", mount.path) || strings.HasPrefix(absPath, mount.path) {
			return mount.name
		}
	}

	return "unknown"
}

// defaultResolver is the package-level resolver set at startup
var defaultResolver *VolumeResolver

// SetDefaultVolumeResolver sets the package-level volume resolver.
// Call this once at startup after loading configuration.
func SetDefaultVolumeResolver(vr *VolumeResolver) {
	defaultResolver = vr
}

// RetryConfig configures retry behavior for filesystem operations
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// VolumeResolver overrides the package-level resolver for this operation.
	// If nil, the package-level default is used.
	VolumeResolver *VolumeResolver
}

// DefaultRetryConfig returns sensible defaults for NFS retry behavior
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
	}
}

func (c *RetryConfig) resolveVolume(path string) string {
	if c.VolumeResolver != nil {
		return c.VolumeResolver.Resolve(path)
	}
	return defaultResolver.Resolve(path)
}

// isNFSStaleError checks if an error is an NFS stale file handle error
func isNFSStaleError(err error) bool {
	if err == nil {
		return false
	}

	// ESTALE is errno 116 on Linux
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.ESTALE
	}

	return false
}

// withRetry runs fn until it succeeds, fails with something other than
// ESTALE, or MaxRetries is exhausted. Every call of fn is reported to the
// observer as one operation; retry bookkeeping is reported under op.
func withRetry[T any](op, path string, config RetryConfig, fn func() (T, error)) (T, error) {
	start := time.Now()
	volume := config.resolveVolume(path)
	obs := observe()
	backoff := config.InitialBackoff

	var zero T
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		opStart := time.Now()
		v, err := fn()
		if obs != nil {
			obs.ObserveOperation(volume, op, time.Since(opStart).Seconds(), err)
		}

		if err == nil {
			if attempt > 0 {
				logging.Info("NFS %s succeeded on retry %d for %s", op, attempt, path)
				if obs != nil {
					obs.ObserveRetrySuccess(op, volume)
				}
			}
			if obs != nil {
				obs.ObserveRetryDuration(op, volume, time.Since(start).Seconds())
			}
			return v, nil
		}

		lastErr = err

		if !isNFSStaleError(err) {
			if obs != nil {
				obs.ObserveRetryDuration(op, volume, time.Since(start).Seconds())
			}
			return zero, err
		}

		if obs != nil {
			obs.ObserveStaleError(op, volume)
		}

		if attempt < config.MaxRetries {
			if obs != nil {
				obs.ObserveRetryAttempt(op, volume)
			}
			logging.Debug("NFS %s stale file handle for %s, retrying in %v (attempt %d/%d)",
				op, path, backoff, attempt+1, config.MaxRetries)
			time.Sleep(backoff)

			backoff *= 2
			if backoff > config.MaxBackoff {
				backoff = config.MaxBackoff
			}
		}
	}

	logging.Warn("NFS %s failed after %d retries for %s: %v", op, config.MaxRetries, path, lastErr)
	if obs != nil {
		obs.ObserveRetryFailure(op, volume)
		obs.ObserveRetryDuration(op, volume, time.Since(start).Seconds())
	}
	return zero, lastErr
}

// StatWithRetry performs os.Stat with retry logic for NFS stale file handle errors
func StatWithRetry(path string, config RetryConfig) (os.FileInfo, error) {
	return withRetry("stat", path, config, func() (os.FileInfo, error) {
		return os.Stat(path)
	})
}

// ReadDirWithRetry performs os.ReadDir with retry logic for NFS stale file handle errors
func ReadDirWithRetry(path string, config RetryConfig) ([]os.DirEntry, error) {
	return withRetry("readdir", path, config, func() ([]os.DirEntry, error) {
		return os.ReadDir(path)
	})
}

// RenameWithRetry performs os.Rename with retry logic for NFS stale file handle errors.
// The volume label is resolved from the destination path.
func RenameWithRetry(oldpath, newpath string, config RetryConfig) error {
	_, err := withRetry("rename", newpath, config, func() (struct{}, error) {
		return struct{}{}, os.Rename(oldpath, newpath)
	})
	return err
}

// SyncWithRetry opens path and fsyncs it. Directories are supported, which
// makes a preceding rename durable.
func SyncWithRetry(path string, config RetryConfig) error {
	_, err := withRetry("sync", path, config, func() (struct{}, error) {
		f, err := os.Open(path)
		if err != nil {
			return struct{}{}, err
		}
		syncErr := f.Sync()
		closeErr := f.Close()
		if syncErr != nil {
			return struct{}{}, syncErr
		}
		return struct{}{}, closeErr
	})
	return err
}
