package workers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transcoderexpress/internal/committer"
	"transcoderexpress/internal/encoder"
	"transcoderexpress/internal/events"
	"transcoderexpress/internal/filesystem"
	"transcoderexpress/internal/job"
	"transcoderexpress/internal/queue"
	"transcoderexpress/internal/registry"
)

type encoderFunc func(ctx context.Context, j job.Job, tempPath string) (encoder.Artifact, error)

func (f encoderFunc) Run(ctx context.Context, j job.Job, tempPath string) (encoder.Artifact, error) {
	return f(ctx, j, tempPath)
}

// copyEncoder writes the source content into the temp path.
func copyEncoder() encoderFunc {
	return func(ctx context.Context, j job.Job, tempPath string) (encoder.Artifact, error) {
		data, err := os.ReadFile(j.SourcePath)
		if err != nil {
			return encoder.Artifact{}, &encoder.Error{Kind: encoder.KindFailed, Code: 1, Err: err}
		}
		if err := os.WriteFile(tempPath, data, 0o644); err != nil {
			return encoder.Artifact{}, &encoder.Error{Kind: encoder.KindFailed, Code: 1, Err: err}
		}
		return encoder.Artifact{Path: tempPath, Size: int64(len(data))}, nil
	}
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Report(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(k events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

type harness struct {
	t        *testing.T
	in, out  string
	registry *registry.Registry
	queue    *queue.Queue
	events   *recorder
}

func newHarness(t *testing.T, retryLimit int) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		in:     t.TempDir(),
		out:    t.TempDir(),
		queue:  queue.New(16, queue.Block),
		events: &recorder{},
	}

	reg, err := registry.New(context.Background(), registry.Options{
		RetryLimit:     retryLimit,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Naming:         job.DefaultNaming(h.out),
		Reporter:       h.events,
	})
	require.NoError(t, err)
	h.registry = reg
	return h
}

// enqueue creates a source file, registers it and pushes it like the
// orchestrator does.
func (h *harness) enqueue(rel, content string) string {
	h.t.Helper()
	id := h.register(rel, content)
	require.NoError(h.t, h.registry.Transition(id, []job.State{job.StateDiscovered, job.StateRetrying}, job.StateQueued))
	require.NoError(h.t, h.queue.Push(context.Background(), id))
	return id
}

func (h *harness) register(rel, content string) string {
	h.t.Helper()
	src := filepath.Join(h.in, rel)
	require.NoError(h.t, os.WriteFile(src, []byte(content), 0o644))
	info, err := os.Stat(src)
	require.NoError(h.t, err)

	id, _ := h.registry.Register(job.Candidate{
		SourcePath:  src,
		RelPath:     rel,
		Fingerprint: job.Fingerprint{Size: info.Size(), ModTime: info.ModTime()},
	})
	return id
}

func (h *harness) pool(size int, enc Encoder) *Pool {
	return NewPool(PoolOptions{
		Size:      size,
		Registry:  h.registry,
		Queue:     h.queue,
		Encoder:   enc,
		Committer: committer.New(filesystem.RetryConfig{}),
		Reporter:  h.events,
	})
}

// start runs the pool in the background; the returned func closes the queue
// and waits for the workers.
func (h *harness) start(ctx context.Context, p *Pool) func() error {
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()
	return func() error {
		h.queue.Close()
		select {
		case err := <-errCh:
			return err
		case <-time.After(5 * time.Second):
			h.t.Fatal("pool did not stop")
			return nil
		}
	}
}

func (h *harness) waitState(id string, want job.State) job.Job {
	h.t.Helper()
	var j job.Job
	require.Eventually(h.t, func() bool {
		var err error
		j, err = h.registry.Get(id)
		return err == nil && j.State == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return j
}

func (h *harness) tempFiles() []string {
	h.t.Helper()
	var found []string
	_ = filepath.WalkDir(h.out, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() && committer.IsTempName(d.Name()) {
			found = append(found, path)
		}
		return nil
	})
	return found
}

func TestPoolEncodesAndCommits(t *testing.T) {
	h := newHarness(t, 3)
	stop := h.start(context.Background(), h.pool(2, copyEncoder()))

	a := h.enqueue("a.mp3", "alpha")
	b := h.enqueue("b.mp3", "bravo")

	ja := h.waitState(a, job.StateSucceeded)
	h.waitState(b, job.StateSucceeded)
	require.NoError(t, stop())

	data, err := os.ReadFile(ja.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))
	assert.Equal(t, filepath.Join(h.out, "a_transcoded.wav"), ja.OutputPath)
	assert.Equal(t, 1, ja.AttemptCount)

	assert.Empty(t, h.tempFiles())
	assert.Equal(t, 2, h.events.count(events.JobStarted))
	assert.Equal(t, 2, h.events.count(events.JobSucceeded))
}

func TestPoolEncoderFailure(t *testing.T) {
	tests := []struct {
		name       string
		retryLimit int
		want       job.State
		event      events.Kind
	}{
		{name: "below ceiling", retryLimit: 3, want: job.StateRetrying, event: events.JobRetrying},
		{name: "at ceiling", retryLimit: 1, want: job.StateFailed, event: events.JobFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.retryLimit)
			failing := encoderFunc(func(ctx context.Context, j job.Job, tempPath string) (encoder.Artifact, error) {
				// Leave a partial file behind like a crashing encoder would.
				_ = os.WriteFile(tempPath, []byte("partial"), 0o644)
				return encoder.Artifact{}, &encoder.Error{Kind: encoder.KindFailed, Code: 1, Diagnostics: "Invalid data found"}
			})
			stop := h.start(context.Background(), h.pool(1, failing))

			id := h.enqueue("bad.wav", "garbage")
			j := h.waitState(id, tt.want)
			require.NoError(t, stop())

			assert.Equal(t, 1, j.AttemptCount)
			assert.Contains(t, j.LastError, "Invalid data found")
			assert.Empty(t, h.tempFiles())
			assert.NoFileExists(t, j.OutputPath)
			assert.Equal(t, 1, h.events.count(tt.event))
		})
	}
}

func TestPoolCommitFailure(t *testing.T) {
	h := newHarness(t, 3)
	noOutput := encoderFunc(func(ctx context.Context, j job.Job, tempPath string) (encoder.Artifact, error) {
		return encoder.Artifact{Path: tempPath}, nil
	})
	stop := h.start(context.Background(), h.pool(1, noOutput))

	id := h.enqueue("a.wav", "x")
	j := h.waitState(id, job.StateRetrying)
	require.NoError(t, stop())

	assert.Equal(t, 1, h.events.count(events.CommitFailed))
	assert.Contains(t, j.LastError, "commit")
	assert.NoFileExists(t, j.OutputPath)
}

func TestPoolShutdownMidEncode(t *testing.T) {
	h := newHarness(t, 3)
	started := make(chan string, 1)
	blocking := encoderFunc(func(ctx context.Context, j job.Job, tempPath string) (encoder.Artifact, error) {
		_ = os.WriteFile(tempPath, []byte("half"), 0o644)
		started <- tempPath
		<-ctx.Done()
		return encoder.Artifact{}, &encoder.Error{Kind: encoder.KindCanceled, Code: -1, Err: ctx.Err()}
	})

	ctx, cancel := context.WithCancel(context.Background())
	p := h.pool(1, blocking)
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	id := h.enqueue("long.wav", "x")
	var tempPath string
	select {
	case tempPath = <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("encoder never started")
	}
	assert.Equal(t, 1, p.Busy())

	h.queue.Close()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}

	j, err := h.registry.Get(id)
	require.NoError(t, err)
	assert.Equal(t, job.StateRetrying, j.State)
	assert.Equal(t, 0, j.AttemptCount, "an interrupted attempt is not counted")
	assert.NoFileExists(t, tempPath)
	assert.NoFileExists(t, j.OutputPath)
	assert.Equal(t, 1, h.events.count(events.JobInterrupted))
	assert.Equal(t, 0, p.Busy())
}

func TestPoolLosesClaimOnWrongState(t *testing.T) {
	h := newHarness(t, 3)
	var calls atomic.Int32
	enc := encoderFunc(func(ctx context.Context, j job.Job, tempPath string) (encoder.Artifact, error) {
		calls.Add(1)
		return copyEncoder()(ctx, j, tempPath)
	})
	stop := h.start(context.Background(), h.pool(1, enc))

	// Registered but never transitioned to Queued.
	id := h.register("a.wav", "x")
	require.NoError(t, h.queue.Push(context.Background(), id))
	// Unknown id.
	require.NoError(t, h.queue.Push(context.Background(), "does-not-exist"))

	require.Eventually(t, func() bool { return h.events.count(events.ClaimLost) == 2 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, int32(0), calls.Load())
	j, err := h.registry.Get(id)
	require.NoError(t, err)
	assert.Equal(t, job.StateDiscovered, j.State)
}

func TestPoolSourceChangedDuringEncode(t *testing.T) {
	h := newHarness(t, 3)
	release := make(chan struct{})
	enc := encoderFunc(func(ctx context.Context, j job.Job, tempPath string) (encoder.Artifact, error) {
		<-release
		return copyEncoder()(ctx, j, tempPath)
	})
	stop := h.start(context.Background(), h.pool(1, enc))

	id := h.enqueue("a.wav", "old")
	h.waitState(id, job.StateRunning)

	// New content arrives while the encoder is busy.
	time.Sleep(10 * time.Millisecond)
	h.register("a.wav", "new content")
	close(release)

	j := h.waitState(id, job.StateDiscovered)
	require.NoError(t, stop())

	assert.Equal(t, 0, j.AttemptCount)
	assert.False(t, j.Stale)
	assert.Equal(t, 0, h.events.count(events.JobSucceeded))
}

func TestPoolBusyCount(t *testing.T) {
	h := newHarness(t, 3)
	release := make(chan struct{})
	enc := encoderFunc(func(ctx context.Context, j job.Job, tempPath string) (encoder.Artifact, error) {
		<-release
		return copyEncoder()(ctx, j, tempPath)
	})
	p := h.pool(2, enc)
	stop := h.start(context.Background(), p)

	h.enqueue("a.wav", "a")
	h.enqueue("b.wav", "b")
	h.enqueue("c.wav", "c")

	require.Eventually(t, func() bool { return p.Busy() == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.queue.Len())

	close(release)
	require.Eventually(t, func() bool {
		return h.registry.Counts()[job.StateSucceeded] == 3
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
	assert.Equal(t, 0, p.Busy())
}

func TestPoolStopsOnClosedQueue(t *testing.T) {
	h := newHarness(t, 3)
	p := h.pool(3, copyEncoder())
	stop := h.start(context.Background(), p)
	require.NoError(t, stop())
	assert.Equal(t, 3, p.Size())
}

func TestNewPoolDefaults(t *testing.T) {
	t.Setenv(EnvOverride, "")
	p := NewPool(PoolOptions{})
	assert.Equal(t, ForEncoding(0), p.Size())
}

func TestPoolInterruptWhenContextEndsWithOtherError(t *testing.T) {
	h := newHarness(t, 3)
	started := make(chan struct{})
	enc := encoderFunc(func(ctx context.Context, j job.Job, tempPath string) (encoder.Artifact, error) {
		close(started)
		<-ctx.Done()
		// A process killed by Cleanup reports a plain failure.
		return encoder.Artifact{}, errors.New("signal: killed")
	})

	ctx, cancel := context.WithCancel(context.Background())
	p := h.pool(1, enc)
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	id := h.enqueue("a.wav", "x")
	<-started
	cancel()
	require.NoError(t, <-done)

	j, err := h.registry.Get(id)
	require.NoError(t, err)
	assert.Equal(t, job.StateRetrying, j.State)
	assert.Equal(t, 0, j.AttemptCount)
	assert.True(t, strings.Contains(j.LastError, "shutdown"))
}
