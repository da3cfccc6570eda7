// Package registry owns the authoritative state of every job.
//
// All state changes go through compare-and-swap style methods so that two
// workers can never both claim a job. Each job has its own lock; the map
// lock is only held for lookup and insertion, so operations on different
// jobs never wait on each other. Callers only ever receive copies.
package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"transcoderexpress/internal/events"
	"transcoderexpress/internal/job"
)

// Store persists jobs. Implementations must be safe for concurrent use.
type Store interface {
	LoadJobs(ctx context.Context) ([]job.Job, error)
	SaveJob(ctx context.Context, j job.Job) error
	SaveJobs(ctx context.Context, jobs []job.Job) error
	Close() error
}

// Options configures a Registry.
type Options struct {
	// RetryLimit is the total number of encoder attempts before a job is
	// Failed. Values below 1 are treated as 1.
	RetryLimit int
	// InitialBackoff is the delay after the first failed attempt. It doubles
	// per attempt up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Naming derives output paths for new jobs.
	Naming job.Naming
	// Store is optional. Without it the registry lives in memory only.
	Store    Store
	Reporter events.Reporter
	// Now is the clock; tests replace it.
	Now func() time.Time
}

// Default backoff bounds.
const (
	DefaultInitialBackoff = 5 * time.Second
	DefaultMaxBackoff     = 5 * time.Minute
	DefaultRetryLimit     = 3
)

// storeTimeout bounds each write-through so a wedged disk cannot stall the pipeline.
const storeTimeout = 5 * time.Second

type entry struct {
	mu  sync.Mutex
	job job.Job
}

// Registry is the process-wide job table.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	// outputs maps each claimed artifact path to the job that owns it.
	outputs map[string]string

	retryLimit     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	naming         job.Naming
	store          Store
	reporter       events.Reporter
	now            func() time.Time
}

// New creates a registry and rehydrates it from the store if one is set.
// Jobs that were Running when the process died are reset to Retrying (the
// interrupted attempt is not counted) and Queued jobs go back to Discovered,
// since the in-memory queue did not survive.
func New(ctx context.Context, opts Options) (*Registry, error) {
	r := &Registry{
		entries:        make(map[string]*entry),
		outputs:        make(map[string]string),
		retryLimit:     max(opts.RetryLimit, 1),
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		naming:         opts.Naming,
		store:          opts.Store,
		reporter:       opts.Reporter,
		now:            opts.Now,
	}
	if r.initialBackoff <= 0 {
		r.initialBackoff = DefaultInitialBackoff
	}
	if r.maxBackoff <= 0 {
		r.maxBackoff = DefaultMaxBackoff
	}
	if r.maxBackoff < r.initialBackoff {
		r.maxBackoff = r.initialBackoff
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.reporter == nil {
		r.reporter = events.Discard
	}

	if r.store == nil {
		return r, nil
	}

	loaded, err := r.store.LoadJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	now := r.now()
	var reset []job.Job
	for _, j := range loaded {
		if j.ID == "" {
			return nil, fmt.Errorf("%w: job without id (%s)", ErrCorrupt, j.SourcePath)
		}
		if _, dup := r.entries[j.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate job id %s", ErrCorrupt, j.ID)
		}

		changed := false
		switch j.State {
		case job.StateRunning:
			j.State = job.StateRetrying
			j.NextAttemptAt = now
			j.Stale = false
			changed = true
		case job.StateQueued:
			j.State = job.StateDiscovered
			changed = true
		}

		// Databases written before output names were deduplicated can hold
		// two jobs pointing at one artifact.
		owner, taken := r.outputs[filepath.Clean(j.OutputPath)]
		if j.OutputPath == "" || (taken && owner != j.ID) {
			j.OutputPath = r.claimOutput(j.ID, j.RelPath)
			changed = true
		} else {
			r.outputs[filepath.Clean(j.OutputPath)] = j.ID
		}

		if changed {
			j.UpdatedAt = now
			reset = append(reset, j)
		}
		r.entries[j.ID] = &entry{job: j}
	}

	if len(reset) > 0 {
		if err := r.store.SaveJobs(ctx, reset); err != nil {
			r.storeFailed("", err)
		}
	}

	return r, nil
}

// Register records a stable candidate. fresh is true when a new unit of
// work was created: either the file was never seen, or its content changed
// after the previous job reached a resting state.
func (r *Registry) Register(c job.Candidate) (id string, fresh bool) {
	id = job.NewID(c.RelPath)
	now := r.now()

	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()

	if !ok {
		r.mu.Lock()
		e, ok = r.entries[id]
		if !ok {
			e = &entry{job: job.Job{
				ID:          id,
				SourcePath:  c.SourcePath,
				RelPath:     c.RelPath,
				OutputPath:  r.claimOutput(id, c.RelPath),
				Fingerprint: c.Fingerprint,
				State:       job.StateDiscovered,
				CreatedAt:   now,
				UpdatedAt:   now,
			}}
			e.mu.Lock()
			r.entries[id] = e
			r.mu.Unlock()

			r.persist(e.job)
			snapshot := e.job
			e.mu.Unlock()

			events.Emit(r.reporter, events.Event{Kind: events.JobDiscovered, JobID: id, Path: snapshot.SourcePath})
			return id, true
		}
		r.mu.Unlock()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Fingerprint.Equal(c.Fingerprint) {
		return id, false
	}

	j := &e.job
	j.Fingerprint = c.Fingerprint
	j.SourcePath = c.SourcePath
	j.AttemptCount = 0
	j.LastError = ""
	j.NextAttemptAt = time.Time{}
	j.UpdatedAt = now

	switch j.State {
	case job.StateQueued:
		// The worker will read the new content when it gets there.
	case job.StateRunning:
		j.Stale = true
	default:
		j.State = job.StateDiscovered
		fresh = true
	}
	r.persist(*j)

	events.Emit(r.reporter, events.Event{Kind: events.JobChanged, JobID: id, Path: j.SourcePath})
	return id, fresh
}

// claimOutput picks the artifact path for a new job and records it. The
// plain name is used unless another source already owns it (song.mp3 and
// song.flac in one folder), in which case the source extension is kept in
// the stem, and as a last resort the job id is appended. r.mu must be held
// for writing.
func (r *Registry) claimOutput(id, relPath string) string {
	plain := r.naming.OutputPath(relPath)
	qualified := r.naming.QualifiedOutputPath(relPath)
	ext := filepath.Ext(qualified)
	candidates := []string{
		plain,
		qualified,
		strings.TrimSuffix(qualified, ext) + "-" + id[:min(8, len(id))] + ext,
	}

	for _, p := range candidates {
		key := filepath.Clean(p)
		if owner, taken := r.outputs[key]; !taken || owner == id {
			r.outputs[key] = id
			return p
		}
	}

	// The id suffix is unique per source path.
	last := candidates[len(candidates)-1]
	r.outputs[filepath.Clean(last)] = id
	return last
}

// Transition moves a job to `to` if and only if its current state is one of
// `from`. It is the only way a job becomes Running.
func (r *Registry) Transition(id string, from []job.State, to job.State) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !slices.Contains(from, e.job.State) {
		return &TransitionError{ID: id, Current: e.job.State, From: from, To: to}
	}

	e.job.State = to
	e.job.UpdatedAt = r.now()
	if to == job.StateRunning {
		e.job.Stale = false
	}
	r.persist(e.job)
	return nil
}

// RecordFailure ends a Running attempt that produced no artifact. It returns
// the state the job landed in: Retrying, Failed, or Discovered when the
// source changed during the attempt.
func (r *Registry) RecordFailure(id string, cause error) (job.State, error) {
	e, err := r.lookup(id)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.State != job.StateRunning {
		return e.job.State, &TransitionError{ID: id, Current: e.job.State, From: []job.State{job.StateRunning}, To: job.StateRetrying}
	}

	now := r.now()
	j := &e.job
	j.UpdatedAt = now

	if j.Stale {
		r.restartStale(j)
		r.persist(*j)
		return j.State, nil
	}

	j.AttemptCount++
	if cause != nil {
		j.LastError = cause.Error()
	}

	if j.AttemptCount >= r.retryLimit {
		j.State = job.StateFailed
		j.NextAttemptAt = time.Time{}
	} else {
		j.State = job.StateRetrying
		j.NextAttemptAt = now.Add(r.Backoff(j.AttemptCount))
	}
	r.persist(*j)
	return j.State, nil
}

// RecordSuccess ends a Running attempt whose artifact has been committed to
// outputPath.
func (r *Registry) RecordSuccess(id, outputPath string) (job.State, error) {
	e, err := r.lookup(id)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.State != job.StateRunning {
		return e.job.State, &TransitionError{ID: id, Current: e.job.State, From: []job.State{job.StateRunning}, To: job.StateSucceeded}
	}

	j := &e.job
	j.UpdatedAt = r.now()

	if j.Stale {
		r.restartStale(j)
		r.persist(*j)
		return j.State, nil
	}

	j.AttemptCount++
	j.State = job.StateSucceeded
	if outputPath != "" {
		j.OutputPath = outputPath
	}
	j.LastError = ""
	j.NextAttemptAt = time.Time{}
	r.persist(*j)
	return j.State, nil
}

// Release hands a Running job back without counting an attempt. Used when
// an attempt is interrupted by shutdown.
func (r *Registry) Release(id, reason string) (job.State, error) {
	e, err := r.lookup(id)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.State != job.StateRunning {
		return e.job.State, &TransitionError{ID: id, Current: e.job.State, From: []job.State{job.StateRunning}, To: job.StateRetrying}
	}

	now := r.now()
	j := &e.job
	j.UpdatedAt = now

	if j.Stale {
		r.restartStale(j)
	} else {
		j.State = job.StateRetrying
		j.NextAttemptAt = now
		if reason != "" {
			j.LastError = reason
		}
	}
	r.persist(*j)
	return j.State, nil
}

// Requeue gives a Failed job a fresh set of attempts.
func (r *Registry) Requeue(id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.job.State != job.StateFailed {
		current := e.job.State
		e.mu.Unlock()
		return &TransitionError{ID: id, Current: current, From: []job.State{job.StateFailed}, To: job.StateDiscovered}
	}

	j := &e.job
	j.State = job.StateDiscovered
	j.AttemptCount = 0
	j.LastError = ""
	j.NextAttemptAt = time.Time{}
	j.UpdatedAt = r.now()
	r.persist(*j)
	path := j.SourcePath
	e.mu.Unlock()

	events.Emit(r.reporter, events.Event{Kind: events.JobRequeued, JobID: id, Path: path})
	return nil
}

// restartStale turns a finished attempt on outdated content into a new cycle.
func (r *Registry) restartStale(j *job.Job) {
	j.State = job.StateDiscovered
	j.Stale = false
	j.AttemptCount = 0
	j.LastError = ""
	j.NextAttemptAt = time.Time{}
}

// Backoff returns the wait before the next attempt once `attempt` attempts
// have failed: InitialBackoff * 2^(attempt-1), capped at MaxBackoff.
func (r *Registry) Backoff(attempt int) time.Duration {
	d := r.initialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.maxBackoff {
			return r.maxBackoff
		}
	}
	return min(d, r.maxBackoff)
}

// RetryLimit returns the effective attempt ceiling.
func (r *Registry) RetryLimit() int {
	return r.retryLimit
}

// Get returns a copy of the job.
func (r *Registry) Get(id string) (job.Job, error) {
	e, err := r.lookup(id)
	if err != nil {
		return job.Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job, nil
}

// List returns copies of all jobs in the given states (all jobs when none
// are given), oldest first.
func (r *Registry) List(states ...job.State) []job.Job {
	return r.collect(func(j *job.Job) bool {
		return len(states) == 0 || slices.Contains(states, j.State)
	})
}

// Dispatchable returns the jobs that may be queued at `now`: Discovered jobs
// and Retrying jobs whose backoff has expired, oldest first.
func (r *Registry) Dispatchable(now time.Time) []job.Job {
	return r.collect(func(j *job.Job) bool {
		switch j.State {
		case job.StateDiscovered:
			return true
		case job.StateRetrying:
			return !j.NextAttemptAt.After(now)
		default:
			return false
		}
	})
}

// Counts returns the number of jobs per state. Every state is present.
func (r *Registry) Counts() map[job.State]int {
	counts := make(map[job.State]int, len(job.AllStates))
	for _, s := range job.AllStates {
		counts[s] = 0
	}
	for _, e := range r.snapshotEntries() {
		e.mu.Lock()
		counts[e.job.State]++
		e.mu.Unlock()
	}
	return counts
}

// Len returns the number of known jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close writes a full snapshot to the store and closes it.
func (r *Registry) Close(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	all := r.List()
	saveErr := r.store.SaveJobs(ctx, all)
	closeErr := r.store.Close()
	if saveErr != nil {
		return fmt.Errorf("flush registry snapshot: %w", saveErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close registry store: %w", closeErr)
	}
	return nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

func (r *Registry) snapshotEntries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

func (r *Registry) collect(keep func(*job.Job) bool) []job.Job {
	var out []job.Job
	for _, e := range r.snapshotEntries() {
		e.mu.Lock()
		if keep(&e.job) {
			out = append(out, e.job)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// persist writes one job through to the store. Must be called with the
// entry lock held so writes for the same id are ordered.
func (r *Registry) persist(j job.Job) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.store.SaveJob(ctx, j); err != nil {
		r.storeFailed(j.ID, err)
	}
}

func (r *Registry) storeFailed(id string, err error) {
	events.Emit(r.reporter, events.Event{Kind: events.StoreError, JobID: id, Err: err})
}
