package job

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// State is the lifecycle state of a job.
type State string

const (
	// StateDiscovered is a job that was seen stable and waits to be queued.
	StateDiscovered State = "discovered"
	// StateQueued is a job sitting in the work queue.
	StateQueued State = "queued"
	// StateRunning is a job owned by a worker.
	StateRunning State = "running"
	// StateSucceeded is a job whose artifact has been committed.
	StateSucceeded State = "succeeded"
	// StateFailed is a job that exhausted its retry ceiling.
	StateFailed State = "failed"
	// StateRetrying is a job that failed and waits for its backoff to expire.
	StateRetrying State = "retrying"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateDiscovered,
	StateQueued,
	StateRunning,
	StateSucceeded,
	StateFailed,
	StateRetrying,
}

// ParseState converts a stored or user-supplied string into a State.
func ParseState(s string) (State, error) {
	st := State(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllStates {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job state %q", s)
}

// IsTerminal reports whether no further work is scheduled for the state.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

func (s State) String() string {
	return string(s)
}

// Fingerprint identifies a version of a source file without reading it.
type Fingerprint struct {
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// Equal compares size and modification time at nanosecond precision.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.Size == other.Size && f.ModTime.Equal(other.ModTime)
}

func (f Fingerprint) String() string {
	return strconv.FormatInt(f.Size, 10) + "@" + strconv.FormatInt(f.ModTime.UnixNano(), 10)
}

// Candidate is a stable source file reported by the scanner.
type Candidate struct {
	// SourcePath is the absolute path of the file.
	SourcePath string
	// RelPath is SourcePath relative to the input root, slash separated.
	RelPath     string
	Fingerprint Fingerprint
}

// Job is one unit of work: a single input file mapped to a single output artifact.
type Job struct {
	ID            string      `json:"id"`
	SourcePath    string      `json:"sourcePath"`
	RelPath       string      `json:"relPath"`
	OutputPath    string      `json:"outputPath"`
	Fingerprint   Fingerprint `json:"fingerprint"`
	State         State       `json:"state"`
	AttemptCount  int         `json:"attemptCount"`
	LastError     string      `json:"lastError,omitempty"`
	NextAttemptAt time.Time   `json:"nextAttemptAt,omitempty"`
	// Stale is set when the source changed while the job was running.
	Stale     bool      `json:"stale,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal reports whether the job is Succeeded or Failed.
func (j *Job) IsTerminal() bool {
	return j.State.IsTerminal()
}

// NewID returns the deterministic identifier for a source path relative to
// the input root. The path is normalized to forward slashes first so the same
// file hashes identically on every platform.
func NewID(relPath string) string {
	normalized := filepath.ToSlash(filepath.Clean(relPath))
	return fmt.Sprintf("%016x", xxhash.Sum64String(normalized))
}

// Naming derives output paths from source paths.
type Naming struct {
	// Root is the output directory.
	Root string
	// Suffix is appended to the source stem (e.g. "_transcoded").
	Suffix string
	// Ext replaces the source extension (e.g. ".wav"). Empty keeps the source extension.
	Ext string
}

// DefaultNaming produces <stem>_transcoded.wav.
func DefaultNaming(root string) Naming {
	return Naming{
		Root:   root,
		Suffix: "_transcoded",
		Ext:    ".wav",
	}
}

// OutputPath maps a relative source path to its artifact path. The
// subdirectory structure below the input root is preserved so that files with
// the same name in different folders never collide.
func (n Naming) OutputPath(relPath string) string {
	return n.build(relPath, false)
}

// QualifiedOutputPath keeps the source extension in the stem, so
// song.flac becomes song.flac_transcoded.wav. It is used when OutputPath of
// another source in the same folder already claimed the plain name.
func (n Naming) QualifiedOutputPath(relPath string) string {
	return n.build(relPath, true)
}

func (n Naming) build(relPath string, keepSourceExt bool) string {
	rel := filepath.FromSlash(relPath)
	dir := filepath.Dir(rel)
	base := filepath.Base(rel)
	srcExt := filepath.Ext(base)
	stem := strings.TrimSuffix(base, srcExt)
	if keepSourceExt {
		stem = base
	}

	ext := n.Ext
	if ext == "" {
		ext = srcExt
	} else if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	return filepath.Join(n.Root, dir, stem+n.Suffix+ext)
}
