package committer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"transcoderexpress/internal/filesystem"
	"transcoderexpress/internal/logging"
	"transcoderexpress/internal/metrics"
)

// TempPrefix marks in-progress artifacts. Files with this prefix are never
// final output and may be removed by SweepStale.
const TempPrefix = ".txpart-"

var (
	// ErrCommit is matched by every *CommitError.
	ErrCommit = errors.New("commit failed")
	// ErrCrossDevice means the temporary and final paths are on different
	// filesystems, so the rename cannot be atomic.
	ErrCrossDevice = errors.New("temporary file and destination are on different devices")
)

// CommitError describes which step of a commit failed.
type CommitError struct {
	// Op is one of "stat", "sync", "rename".
	Op   string
	Path string
	Err  error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *CommitError) Unwrap() []error {
	return []error{ErrCommit, e.Err}
}

// Committer publishes finished artifacts with a single rename.
type Committer struct {
	retry   filesystem.RetryConfig
	dirMode os.FileMode
}

// New returns a Committer using retry for every filesystem call.
func New(retry filesystem.RetryConfig) *Committer {
	return &Committer{retry: retry, dirMode: 0o755}
}

// IsTempName reports whether a base name belongs to an in-progress artifact.
func IsTempName(name string) bool {
	return strings.HasPrefix(name, TempPrefix)
}

// TempPath returns a unique hidden path next to finalPath and creates the
// directory. The final extension is kept so the encoder can infer the format.
func (c *Committer) TempPath(finalPath string) (string, error) {
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, c.dirMode); err != nil {
		return "", fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}
	return filepath.Join(dir, TempPrefix+uuid.NewString()+"-"+filepath.Base(finalPath)), nil
}

// Commit verifies the artifact at tempPath, flushes it and renames it over
// finalPath. Readers of finalPath see either the previous file or the
// complete new one. A non-nil error is always a *CommitError.
func (c *Committer) Commit(tempPath, finalPath string) error {
	info, err := filesystem.StatWithRetry(tempPath, c.retry)
	if err != nil {
		return c.fail("stat", tempPath, err)
	}
	if !info.Mode().IsRegular() {
		return c.fail("stat", tempPath, fmt.Errorf("not a regular file (mode %v)", info.Mode()))
	}
	if info.Size() == 0 {
		return c.fail("stat", tempPath, errors.New("artifact is empty"))
	}

	if err := filesystem.SyncWithRetry(tempPath, c.retry); err != nil {
		return c.fail("sync", tempPath, err)
	}

	if err := filesystem.RenameWithRetry(tempPath, finalPath, c.retry); err != nil {
		if errors.Is(err, syscall.EXDEV) {
			err = fmt.Errorf("%w: %w", ErrCrossDevice, err)
		}
		return c.fail("rename", finalPath, err)
	}

	// The artifact is already visible; a failed directory sync only weakens
	// durability across a power loss.
	if err := filesystem.SyncWithRetry(filepath.Dir(finalPath), c.retry); err != nil {
		logging.Warn("failed to sync output directory for %s: %v", finalPath, err)
	}

	metrics.CommitsTotal.WithLabelValues("success").Inc()
	metrics.CommittedBytes.Add(float64(info.Size()))
	logging.Debug("Committed %s (%d bytes)", finalPath, info.Size())
	return nil
}

func (c *Committer) fail(op, path string, err error) error {
	metrics.CommitsTotal.WithLabelValues("error").Inc()
	return &CommitError{Op: op, Path: path, Err: err}
}

// Discard removes a temporary artifact. A missing file is not an error.
func (c *Committer) Discard(tempPath string) {
	if tempPath == "" {
		return
	}
	if err := os.Remove(tempPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.Warn("failed to remove temporary file %s: %v", tempPath, err)
	}
}

// SweepStale removes temporary artifacts left under root by a previous run.
// It must only be called before any worker starts.
func (c *Committer) SweepStale(root string) (int, error) {
	removed := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			logging.Warn("failed to read %s while sweeping: %v", path, err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !IsTempName(d.Name()) {
			return nil
		}
		if rmErr := os.Remove(path); rmErr != nil {
			logging.Warn("failed to remove stale temporary file %s: %v", path, rmErr)
			return nil
		}
		logging.Debug("Removed stale temporary file %s", path)
		removed++
		metrics.TempFilesSwept.Inc()
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("failed to sweep %s: %w", root, err)
	}
	return removed, nil
}
