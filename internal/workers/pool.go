package workers

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"transcoderexpress/internal/encoder"
	"transcoderexpress/internal/events"
	"transcoderexpress/internal/job"
	"transcoderexpress/internal/logging"
	"transcoderexpress/internal/metrics"
	"transcoderexpress/internal/queue"
)

// Registry is the subset of registry.Registry the pool needs.
type Registry interface {
	Transition(id string, from []job.State, to job.State) error
	Get(id string) (job.Job, error)
	RecordSuccess(id, outputPath string) (job.State, error)
	RecordFailure(id string, cause error) (job.State, error)
	Release(id, reason string) (job.State, error)
}

// Queue hands out job ids.
type Queue interface {
	Pop(ctx context.Context) (string, error)
}

// Encoder produces an artifact for a job.
type Encoder interface {
	Run(ctx context.Context, j job.Job, tempPath string) (encoder.Artifact, error)
}

// Committer publishes or discards artifacts.
type Committer interface {
	TempPath(finalPath string) (string, error)
	Commit(tempPath, finalPath string) error
	Discard(tempPath string)
}

// PoolOptions wires a Pool to its collaborators.
type PoolOptions struct {
	Size      int
	Registry  Registry
	Queue     Queue
	Encoder   Encoder
	Committer Committer
	Reporter  events.Reporter
}

// Pool runs a fixed number of workers. Workers share nothing but the
// registry and the queue.
type Pool struct {
	size      int
	registry  Registry
	queue     Queue
	encoder   Encoder
	committer Committer
	reporter  events.Reporter

	busy atomic.Int32
}

// NewPool creates a pool. Size below 1 falls back to ForEncoding(0).
func NewPool(opts PoolOptions) *Pool {
	p := &Pool{
		size:      opts.Size,
		registry:  opts.Registry,
		queue:     opts.Queue,
		encoder:   opts.Encoder,
		committer: opts.Committer,
		reporter:  opts.Reporter,
	}
	if p.size < 1 {
		p.size = ForEncoding(0)
	}
	if p.reporter == nil {
		p.reporter = events.Discard
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Busy returns the number of workers currently holding a job.
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

// Run starts the workers and blocks until all of them have exited. Workers
// exit when the queue is closed or ctx is done. Cancelling ctx also kills
// running encoders; their jobs are released back to Retrying.
func (p *Pool) Run(ctx context.Context) error {
	metrics.WorkersTotal.Set(float64(p.size))
	logging.Info("Starting %d workers", p.size)

	g := new(errgroup.Group)
	for i := 1; i <= p.size; i++ {
		g.Go(func() error {
			return p.work(ctx, i)
		})
	}
	err := g.Wait()

	logging.Info("All workers stopped")
	return err
}

func (p *Pool) work(ctx context.Context, worker int) error {
	for {
		id, err := p.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker %d: %w", worker, err)
		}
		p.process(ctx, worker, id)
	}
}

// process owns one job from claim to verdict. It never returns an error:
// every outcome is recorded on the job.
func (p *Pool) process(ctx context.Context, worker int, id string) {
	if err := p.registry.Transition(id, []job.State{job.StateQueued}, job.StateRunning); err != nil {
		events.Emit(p.reporter, events.Event{Kind: events.ClaimLost, JobID: id, Worker: worker, Err: err})
		return
	}

	j, err := p.registry.Get(id)
	if err != nil {
		logging.Error("worker %d: claimed job %s vanished: %v", worker, id, err)
		return
	}

	p.busy.Add(1)
	metrics.WorkersBusy.Inc()
	defer func() {
		p.busy.Add(-1)
		metrics.WorkersBusy.Dec()
	}()

	start := time.Now()
	attempt := j.AttemptCount + 1
	events.Emit(p.reporter, events.Event{
		Kind: events.JobStarted, JobID: id, Path: j.RelPath, Attempt: attempt, Worker: worker,
	})

	tempPath, err := p.committer.TempPath(j.OutputPath)
	if err != nil {
		p.fail(j, worker, attempt, start, err)
		return
	}

	if _, err := p.encoder.Run(ctx, j, tempPath); err != nil {
		p.committer.Discard(tempPath)
		if errors.Is(err, encoder.ErrCanceled) || ctx.Err() != nil {
			p.interrupt(j, worker, attempt, start, err)
			return
		}
		p.fail(j, worker, attempt, start, err)
		return
	}

	if err := p.committer.Commit(tempPath, j.OutputPath); err != nil {
		p.committer.Discard(tempPath)
		events.Emit(p.reporter, events.Event{
			Kind: events.CommitFailed, JobID: id, Path: j.OutputPath, Attempt: attempt, Worker: worker, Err: err,
		})
		p.fail(j, worker, attempt, start, err)
		return
	}

	state, err := p.registry.RecordSuccess(id, j.OutputPath)
	if err != nil {
		logging.Error("worker %d: failed to record success for %s: %v", worker, id, err)
		return
	}
	if state != job.StateSucceeded {
		logging.Info("Source %s changed during encoding; it will be encoded again", j.RelPath)
		return
	}

	events.Emit(p.reporter, events.Event{
		Kind:     events.JobSucceeded,
		JobID:    id,
		Path:     j.OutputPath,
		Attempt:  attempt,
		Worker:   worker,
		Duration: time.Since(start),
	})
}

func (p *Pool) fail(j job.Job, worker, attempt int, start time.Time, cause error) {
	state, err := p.registry.RecordFailure(j.ID, cause)
	if err != nil {
		logging.Error("worker %d: failed to record failure for %s: %v", worker, j.ID, err)
		return
	}

	e := events.Event{
		JobID:    j.ID,
		Path:     j.RelPath,
		Attempt:  attempt,
		Worker:   worker,
		Duration: time.Since(start),
		Err:      cause,
	}
	switch state {
	case job.StateFailed:
		e.Kind = events.JobFailed
	case job.StateRetrying:
		e.Kind = events.JobRetrying
	default:
		logging.Info("Source %s changed during encoding; discarding failure: %v", j.RelPath, cause)
		return
	}
	events.Emit(p.reporter, e)
}

func (p *Pool) interrupt(j job.Job, worker, attempt int, start time.Time, cause error) {
	if _, err := p.registry.Release(j.ID, "shutdown"); err != nil {
		logging.Error("worker %d: failed to release %s: %v", worker, j.ID, err)
		return
	}
	events.Emit(p.reporter, events.Event{
		Kind:     events.JobInterrupted,
		JobID:    j.ID,
		Path:     j.RelPath,
		Attempt:  attempt,
		Worker:   worker,
		Duration: time.Since(start),
		Err:      cause,
	})
}
