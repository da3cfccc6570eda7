package scanner

import (
	"context"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"transcoderexpress/internal/events"
	"transcoderexpress/internal/filesystem"
	"transcoderexpress/internal/job"
	"transcoderexpress/internal/logging"
	"transcoderexpress/internal/mediatypes"
	"transcoderexpress/internal/metrics"
)

// Options configures a Scanner.
type Options struct {
	// InputRoot is the directory tree to scan.
	InputRoot string
	// OutputRoot is skipped when it lies inside InputRoot.
	OutputRoot string
	// Extensions is the allow-list. Empty accepts every regular file.
	Extensions []string
	// Quiescence is the minimum time a fingerprint must stay unchanged.
	Quiescence time.Duration
	Reporter   events.Reporter
	Retry      filesystem.RetryConfig
	// Now defaults to time.Now.
	Now func() time.Time
}

type observation struct {
	fp    job.Fingerprint
	since time.Time
}

// Scanner walks the input tree and yields files that have stopped changing.
type Scanner struct {
	inputRoot  string
	outputRoot string
	extensions map[string]bool
	quiescence time.Duration
	reporter   events.Reporter
	retry      filesystem.RetryConfig
	now        func() time.Time

	mu   sync.Mutex
	seen map[string]observation
}

// New creates a Scanner. Paths are made absolute so the output root check
// works regardless of how the directories were given.
func New(opts Options) (*Scanner, error) {
	input, err := filepath.Abs(opts.InputRoot)
	if err != nil {
		return nil, err
	}

	var output string
	if opts.OutputRoot != "" {
		if output, err = filepath.Abs(opts.OutputRoot); err != nil {
			return nil, err
		}
	}

	s := &Scanner{
		inputRoot:  input,
		outputRoot: output,
		quiescence: opts.Quiescence,
		reporter:   opts.Reporter,
		retry:      opts.Retry,
		now:        opts.Now,
		seen:       make(map[string]observation),
	}
	if s.reporter == nil {
		s.reporter = events.Discard
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.retry.MaxRetries == 0 && s.retry.InitialBackoff == 0 {
		s.retry = filesystem.DefaultRetryConfig()
	}
	if len(opts.Extensions) > 0 {
		s.extensions = make(map[string]bool, len(opts.Extensions))
		for _, ext := range opts.Extensions {
			if ext = mediatypes.NormalizeExt(ext); ext != "" {
				s.extensions[ext] = true
			}
		}
	}

	return s, nil
}

// InputRoot returns the absolute input directory.
func (s *Scanner) InputRoot() string {
	return s.inputRoot
}

// Tracked returns the number of paths with a remembered observation.
func (s *Scanner) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

type walkStats struct {
	stable   int
	settling int
	present  map[string]bool
}

// Scan returns a lazy sequence of the stable files currently under the input
// root. Every call starts a fresh walk. A file is yielded once its size and
// modification time were identical on two observations at least the
// quiescence interval apart. Paths that vanished are forgotten at the end of
// a complete walk; a walk stopped early by the consumer prunes nothing.
func (s *Scanner) Scan(ctx context.Context) iter.Seq[job.Candidate] {
	return func(yield func(job.Candidate) bool) {
		start := time.Now()
		stats := &walkStats{present: make(map[string]bool)}

		if !s.walk(ctx, s.inputRoot, stats, yield) || ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		for path := range s.seen {
			if !stats.present[path] {
				delete(s.seen, path)
			}
		}
		s.mu.Unlock()

		metrics.ScanFilesSeen.WithLabelValues("stable").Set(float64(stats.stable))
		metrics.ScanFilesSeen.WithLabelValues("settling").Set(float64(stats.settling))

		events.Emit(s.reporter, events.Event{
			Kind:     events.ScanCompleted,
			Path:     s.inputRoot,
			Count:    stats.stable,
			Duration: time.Since(start),
		})
	}
}

// walk visits dir recursively. It returns false when the consumer stopped.
func (s *Scanner) walk(ctx context.Context, dir string, stats *walkStats, yield func(job.Candidate) bool) bool {
	if ctx.Err() != nil {
		return false
	}

	entries, err := filesystem.ReadDirWithRetry(dir, s.retry)
	if err != nil {
		s.reportError(dir, err)
		return true
	}

	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}

		path := filepath.Join(dir, name)

		if entry.IsDir() {
			if s.isOutputRoot(path) {
				logging.Debug("Skipping output directory inside input root: %s", path)
				continue
			}
			if !s.walk(ctx, path, stats, yield) {
				return false
			}
			continue
		}

		if !s.allowed(name) {
			continue
		}

		info, err := filesystem.StatWithRetry(path, s.retry)
		if err != nil {
			s.reportError(path, err)
			continue
		}
		// Symlinks are followed for files only; linked directories could loop.
		if !info.Mode().IsRegular() {
			continue
		}

		candidate, ok := s.observe(path, info)
		stats.present[path] = true
		if !ok {
			stats.settling++
			continue
		}
		stats.stable++

		if !yield(candidate) {
			return false
		}
	}

	return true
}

// observe records the current fingerprint and reports whether the file is stable.
func (s *Scanner) observe(path string, info os.FileInfo) (job.Candidate, bool) {
	fp := job.Fingerprint{Size: info.Size(), ModTime: info.ModTime()}
	now := s.now()

	s.mu.Lock()
	prev, known := s.seen[path]
	if !known || !prev.fp.Equal(fp) {
		s.seen[path] = observation{fp: fp, since: now}
		s.mu.Unlock()
		return job.Candidate{}, false
	}
	s.mu.Unlock()

	if now.Sub(prev.since) < s.quiescence {
		return job.Candidate{}, false
	}

	rel, err := filepath.Rel(s.inputRoot, path)
	if err != nil {
		s.reportError(path, err)
		return job.Candidate{}, false
	}

	return job.Candidate{
		SourcePath:  path,
		RelPath:     filepath.ToSlash(rel),
		Fingerprint: fp,
	}, true
}

func (s *Scanner) allowed(name string) bool {
	if s.extensions == nil {
		return true
	}
	return s.extensions[mediatypes.NormalizeExt(filepath.Ext(name))]
}

func (s *Scanner) isOutputRoot(path string) bool {
	return s.outputRoot != "" && path == s.outputRoot
}

func (s *Scanner) reportError(path string, err error) {
	events.Emit(s.reporter, events.Event{
		Kind: events.ScanError,
		Path: path,
		Err:  err,
	})
}
