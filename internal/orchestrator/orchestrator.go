package orchestrator

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"transcoderexpress/internal/events"
	"transcoderexpress/internal/job"
	"transcoderexpress/internal/logging"
	"transcoderexpress/internal/metrics"
	"transcoderexpress/internal/queue"
	"transcoderexpress/internal/registry"
	"transcoderexpress/internal/workers"
)

const (
	// DefaultScanInterval is the time between periodic scans.
	DefaultScanInterval = 10 * time.Second
	// DefaultShutdownGrace is how long in-flight jobs may run after shutdown starts.
	DefaultShutdownGrace = 30 * time.Second
	// DefaultMinScanGap rate limits scans triggered by wake-ups.
	DefaultMinScanGap = time.Second

	closeTimeout = 10 * time.Second
)

// Scanner yields stable candidates.
type Scanner interface {
	Scan(ctx context.Context) iter.Seq[job.Candidate]
}

// Watcher signals that the input tree changed.
type Watcher interface {
	Wake() <-chan struct{}
	Run(ctx context.Context) error
}

// Pool runs the workers.
type Pool interface {
	Run(ctx context.Context) error
	Size() int
	Busy() int
}

// ProcessKiller stops encoder processes that outlive the grace period.
type ProcessKiller interface {
	Cleanup()
}

// Sweeper removes leftovers from an earlier crash.
type Sweeper interface {
	SweepStale(root string) (int, error)
}

// Options wires the orchestrator. Scanner, Registry, Queue and Pool are required.
type Options struct {
	Scanner  Scanner
	Registry *registry.Registry
	Queue    *queue.Queue
	Pool     Pool

	// Watcher is optional.
	Watcher Watcher
	// Encoder is optional; its processes are killed when the grace period ends.
	Encoder ProcessKiller
	// Sweeper and OutputRoot are optional; when both are set the output tree
	// is swept before the workers start.
	Sweeper    Sweeper
	OutputRoot string

	ScanInterval  time.Duration
	ShutdownGrace time.Duration
	MinScanGap    time.Duration
	Reporter      events.Reporter
	Now           func() time.Time
}

// Orchestrator drives the scan, register, enqueue cycle and owns shutdown.
type Orchestrator struct {
	scanner    Scanner
	registry   *registry.Registry
	queue      *queue.Queue
	pool       Pool
	watcher    Watcher
	encoder    ProcessKiller
	sweeper    Sweeper
	outputRoot string

	scanInterval  time.Duration
	shutdownGrace time.Duration
	limiter       *rate.Limiter
	reporter      events.Reporter
	now           func() time.Time

	trigger   chan struct{}
	ready     atomic.Bool
	cycles    atomic.Int64
	startTime time.Time

	statusMu  sync.RWMutex
	lastCycle CycleResult
}

// CycleResult summarizes one scan cycle.
type CycleResult struct {
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Stable   int           `json:"stable"`
	Fresh    int           `json:"fresh"`
	Enqueued int           `json:"enqueued"`
	// QueueFull is set when dispatch stopped early because the queue was full.
	QueueFull bool `json:"queueFull"`
}

// New validates the options and returns an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Scanner == nil || opts.Registry == nil || opts.Queue == nil || opts.Pool == nil {
		return nil, errors.New("orchestrator: scanner, registry, queue and pool are required")
	}

	o := &Orchestrator{
		scanner:       opts.Scanner,
		registry:      opts.Registry,
		queue:         opts.Queue,
		pool:          opts.Pool,
		watcher:       opts.Watcher,
		encoder:       opts.Encoder,
		sweeper:       opts.Sweeper,
		outputRoot:    opts.OutputRoot,
		scanInterval:  opts.ScanInterval,
		shutdownGrace: opts.ShutdownGrace,
		reporter:      opts.Reporter,
		now:           opts.Now,
		trigger:       make(chan struct{}, 1),
		startTime:     time.Now(),
	}
	if o.scanInterval <= 0 {
		o.scanInterval = DefaultScanInterval
	}
	if o.shutdownGrace <= 0 {
		o.shutdownGrace = DefaultShutdownGrace
	}
	gap := opts.MinScanGap
	if gap <= 0 {
		gap = DefaultMinScanGap
	}
	o.limiter = rate.NewLimiter(rate.Every(gap), 1)
	if o.reporter == nil {
		o.reporter = events.Discard
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Run drives the pipeline until ctx is cancelled, then shuts down:
// dispatch stops, queued jobs are rolled back, running jobs get the grace
// period to finish before their encoders are killed, and the registry is
// flushed. The returned error is the first failure of the pool or of the
// final flush.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.sweeper != nil && o.outputRoot != "" {
		if n, err := o.sweeper.SweepStale(o.outputRoot); err != nil {
			logging.Warn("Failed to sweep temporary files: %v", err)
		} else if n > 0 {
			logging.Info("Removed %d temporary files left by a previous run", n)
		}
	}

	// Workers get their own context so shutdown can let them finish.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	poolDone := make(chan error, 1)
	go func() { poolDone <- o.pool.Run(workCtx) }()

	var watcherDone chan struct{}
	if o.watcher != nil {
		watcherDone = make(chan struct{})
		go func() {
			defer close(watcherDone)
			if err := o.watcher.Run(ctx); err != nil {
				logging.Error("Watcher stopped: %v", err)
			}
		}()
	}

	o.loop(ctx)

	return o.shutdown(ctx, poolDone, cancelWork, watcherDone)
}

func (o *Orchestrator) loop(ctx context.Context) {
	ticker := time.NewTicker(o.scanInterval)
	defer ticker.Stop()

	retryTimer := time.NewTimer(time.Hour)
	retryTimer.Stop()
	defer retryTimer.Stop()

	var wake <-chan struct{}
	if o.watcher != nil {
		wake = o.watcher.Wake()
	}

	logging.Info("Scan loop started (interval: %v)", o.scanInterval)

	for {
		o.Cycle(ctx)
		if ctx.Err() != nil {
			return
		}
		o.ready.Store(true)

		if d, ok := o.nextRetry(); ok {
			retryTimer.Reset(d)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			continue
		case <-wake:
			logging.Debug("Scan triggered by filesystem event")
		case <-o.trigger:
			logging.Debug("Scan triggered manually")
		case <-retryTimer.C:
			logging.Debug("Scan triggered by retry backoff expiry")
		}

		if err := o.limiter.Wait(ctx); err != nil {
			return
		}
	}
}

// nextRetry returns the delay until the earliest Retrying job is due.
func (o *Orchestrator) nextRetry() (time.Duration, bool) {
	now := o.now()
	var earliest time.Time
	for _, j := range o.registry.List(job.StateRetrying) {
		if earliest.IsZero() || j.NextAttemptAt.Before(earliest) {
			earliest = j.NextAttemptAt
		}
	}
	if earliest.IsZero() {
		return 0, false
	}
	return max(earliest.Sub(now), 0), true
}

// Cycle performs one scan, register, enqueue pass.
func (o *Orchestrator) Cycle(ctx context.Context) CycleResult {
	res := CycleResult{Started: o.now()}
	start := time.Now()

	for c := range o.scanner.Scan(ctx) {
		res.Stable++
		if _, fresh := o.registry.Register(c); fresh {
			res.Fresh++
		}
	}
	if ctx.Err() != nil {
		return res
	}

	res.Enqueued, res.QueueFull = o.dispatch(ctx)
	res.Duration = time.Since(start)

	o.cycles.Add(1)
	o.statusMu.Lock()
	o.lastCycle = res
	o.statusMu.Unlock()

	if res.Fresh > 0 || res.Enqueued > 0 {
		logging.Info("Scan cycle: %d stable, %d new, %d enqueued (%v)",
			res.Stable, res.Fresh, res.Enqueued, res.Duration.Round(time.Millisecond))
	} else {
		logging.Debug("Scan cycle: %d stable, nothing to do (%v)", res.Stable, res.Duration.Round(time.Millisecond))
	}
	return res
}

// dispatch moves Dispatchable jobs into the queue. Each job is marked Queued
// before it is pushed so a worker can claim it the moment it is popped; a
// failed push rolls the mark back and ends the pass.
func (o *Orchestrator) dispatch(ctx context.Context) (enqueued int, full bool) {
	for _, j := range o.registry.Dispatchable(o.now()) {
		from := j.State
		if err := o.registry.Transition(j.ID, []job.State{from}, job.StateQueued); err != nil {
			// Changed since it was listed.
			continue
		}

		if err := o.queue.Push(ctx, j.ID); err != nil {
			if rbErr := o.registry.Transition(j.ID, []job.State{job.StateQueued}, from); rbErr != nil {
				logging.Error("Failed to roll back %s after push error: %v", j.ID, rbErr)
			}
			if errors.Is(err, queue.ErrQueueFull) {
				events.Emit(o.reporter, events.Event{Kind: events.QueueFull, JobID: j.ID, Count: o.queue.Len()})
				return enqueued, true
			}
			if !errors.Is(err, queue.ErrClosed) && ctx.Err() == nil {
				logging.Error("Failed to enqueue %s: %v", j.ID, err)
			}
			return enqueued, false
		}

		enqueued++
		events.Emit(o.reporter, events.Event{Kind: events.JobQueued, JobID: j.ID, Path: j.RelPath, Attempt: j.AttemptCount + 1})
	}
	return enqueued, false
}

func (o *Orchestrator) shutdown(ctx context.Context, poolDone <-chan error, cancelWork context.CancelFunc, watcherDone <-chan struct{}) error {
	logging.Info("Shutting down: stopping dispatch")

	o.queue.Close()
	o.rollback(o.queue.Drain())

	var poolErr error
	select {
	case poolErr = <-poolDone:
	case <-time.After(o.shutdownGrace):
		logging.Warn("Grace period of %v expired with %d jobs running, stopping encoders", o.shutdownGrace, o.pool.Busy())
		cancelWork()
		if o.encoder != nil {
			o.encoder.Cleanup()
		}
		poolErr = <-poolDone
	}

	if watcherDone != nil {
		<-watcherDone
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	closeErr := o.registry.Close(closeCtx)
	if closeErr != nil {
		logging.Error("Failed to flush job registry: %v", closeErr)
	}

	logging.Info("Shutdown complete")
	return errors.Join(poolErr, closeErr)
}

// rollback returns jobs that never left the queue to a dispatchable state.
// Jobs with failed attempts go back to Retrying so their history is kept.
func (o *Orchestrator) rollback(ids []string) {
	for _, id := range ids {
		j, err := o.registry.Get(id)
		if err != nil {
			continue
		}
		to := job.StateDiscovered
		if j.AttemptCount > 0 {
			to = job.StateRetrying
		}
		if err := o.registry.Transition(id, []job.State{job.StateQueued}, to); err != nil {
			logging.Warn("Failed to roll back queued job %s: %v", id, err)
		}
	}
	if len(ids) > 0 {
		logging.Info("Returned %d queued jobs to the registry", len(ids))
	}
}

// Trigger requests a scan as soon as the rate limit allows. Repeated calls
// before the scan starts are coalesced.
func (o *Orchestrator) Trigger() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// Ready reports whether the first full cycle has completed.
func (o *Orchestrator) Ready() bool {
	return o.ready.Load()
}

// Registry returns the job registry.
func (o *Orchestrator) Registry() *registry.Registry {
	return o.registry
}

// GetStats implements metrics.StatsProvider.
func (o *Orchestrator) GetStats() metrics.Stats {
	counts := o.registry.Counts()
	byState := make(map[string]int, len(counts))
	for state, n := range counts {
		byState[string(state)] = n
	}
	return metrics.Stats{
		JobsByState:   byState,
		QueueDepth:    o.queue.Len(),
		QueueCapacity: o.queue.Cap(),
		WorkersBusy:   o.pool.Busy(),
	}
}

// Status is the pipeline summary served by the status API.
type Status struct {
	Ready         bool           `json:"ready"`
	StartTime     time.Time      `json:"startTime"`
	Uptime        string         `json:"uptime"`
	Cycles        int64          `json:"cycles"`
	LastCycle     *CycleResult   `json:"lastCycle,omitempty"`
	Jobs          map[string]int `json:"jobs"`
	TotalJobs     int            `json:"totalJobs"`
	QueueDepth    int            `json:"queueDepth"`
	QueueCapacity int            `json:"queueCapacity"`
	Workers       int            `json:"workers"`
	WorkersBusy   int            `json:"workersBusy"`
	RetryLimit    int            `json:"retryLimit"`
}

// GetStatus returns a point-in-time summary.
func (o *Orchestrator) GetStatus() Status {
	stats := o.GetStats()
	status := Status{
		Ready:         o.Ready(),
		StartTime:     o.startTime,
		Uptime:        time.Since(o.startTime).Round(time.Second).String(),
		Cycles:        o.cycles.Load(),
		Jobs:          stats.JobsByState,
		TotalJobs:     stats.Total(),
		QueueDepth:    stats.QueueDepth,
		QueueCapacity: stats.QueueCapacity,
		Workers:       o.pool.Size(),
		WorkersBusy:   stats.WorkersBusy,
		RetryLimit:    o.registry.RetryLimit(),
	}

	o.statusMu.RLock()
	if !o.lastCycle.Started.IsZero() {
		last := o.lastCycle
		status.LastCycle = &last
	}
	o.statusMu.RUnlock()

	return status
}

var _ Pool = (*workers.Pool)(nil)
