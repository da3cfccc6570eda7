package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transcoderexpress/internal/events"
	"transcoderexpress/internal/job"
)

// memStore is an in-memory Store that records what the registry writes.
type memStore struct {
	mu      sync.Mutex
	jobs    map[string]job.Job
	loadErr error
	saveErr error
	saves   int
	closed  bool
}

func newMemStore(jobs ...job.Job) *memStore {
	s := &memStore{jobs: make(map[string]job.Job)}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *memStore) LoadJobs(context.Context) ([]job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	out := make([]job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (s *memStore) SaveJob(_ context.Context, j job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.jobs[j.ID] = j
	return nil
}

func (s *memStore) SaveJobs(ctx context.Context, jobs []job.Job) error {
	for _, j := range jobs {
		if err := s.SaveJob(ctx, j); err != nil {
			return err
		}
	}
	return nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memStore) get(id string) job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T, opts Options) (*Registry, *clock) {
	t.Helper()
	clk := newClock()
	if opts.Now == nil {
		opts.Now = clk.Now
	}
	if opts.Naming.Root == "" {
		opts.Naming = job.DefaultNaming("/output")
	}
	r, err := New(context.Background(), opts)
	require.NoError(t, err)
	return r, clk
}

func candidate(rel string, size int64) job.Candidate {
	return job.Candidate{
		SourcePath:  "/input/" + rel,
		RelPath:     rel,
		Fingerprint: job.Fingerprint{Size: size, ModTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
}

func claim(t *testing.T, r *Registry, id string) {
	t.Helper()
	require.NoError(t, r.Transition(id, []job.State{job.StateDiscovered, job.StateRetrying}, job.StateQueued))
	require.NoError(t, r.Transition(id, []job.State{job.StateQueued, job.StateRetrying}, job.StateRunning))
}

func TestRegisterIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	id, fresh := r.Register(candidate("a.mp4", 100))
	assert.True(t, fresh)

	for i := 0; i < 5; i++ {
		again, fresh := r.Register(candidate("a.mp4", 100))
		assert.Equal(t, id, again)
		assert.False(t, fresh)
	}

	assert.Equal(t, 1, r.Len())
	j, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, job.StateDiscovered, j.State)
	assert.Equal(t, "/output/a_transcoded.wav", j.OutputPath)
}

func TestRegisterChangedContentAfterSuccess(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	id, _ := r.Register(candidate("a.mp4", 100))
	claim(t, r, id)
	st, err := r.RecordSuccess(id, "/output/a_transcoded.wav")
	require.NoError(t, err)
	assert.Equal(t, job.StateSucceeded, st)

	again, fresh := r.Register(candidate("a.mp4", 200))
	assert.Equal(t, id, again, "content change must keep the id")
	assert.True(t, fresh)

	j, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, job.StateDiscovered, j.State)
	assert.Equal(t, int64(200), j.Fingerprint.Size)
	assert.Zero(t, j.AttemptCount)
	assert.Equal(t, 1, r.Len())
}

func TestRegisterChangedContentWhileQueued(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	id, _ := r.Register(candidate("a.mp4", 100))
	require.NoError(t, r.Transition(id, []job.State{job.StateDiscovered}, job.StateQueued))

	_, fresh := r.Register(candidate("a.mp4", 150))
	assert.False(t, fresh)

	j, _ := r.Get(id)
	assert.Equal(t, job.StateQueued, j.State)
	assert.Equal(t, int64(150), j.Fingerprint.Size)
}

func TestRegisterChangedContentWhileRunning(t *testing.T) {
	r, _ := newTestRegistry(t, Options{RetryLimit: 3})

	id, _ := r.Register(candidate("a.mp4", 100))
	claim(t, r, id)

	_, fresh := r.Register(candidate("a.mp4", 300))
	assert.False(t, fresh)

	j, _ := r.Get(id)
	assert.Equal(t, job.StateRunning, j.State)
	assert.True(t, j.Stale)

	st, err := r.RecordSuccess(id, "")
	require.NoError(t, err)
	assert.Equal(t, job.StateDiscovered, st, "success on outdated content restarts the cycle")

	j, _ = r.Get(id)
	assert.False(t, j.Stale)
	assert.Zero(t, j.AttemptCount)
}

func TestStaleFailureRestartsCycle(t *testing.T) {
	r, _ := newTestRegistry(t, Options{RetryLimit: 1})

	id, _ := r.Register(candidate("a.mp4", 100))
	claim(t, r, id)
	r.Register(candidate("a.mp4", 101))

	st, err := r.RecordFailure(id, errors.New("truncated input"))
	require.NoError(t, err)
	assert.Equal(t, job.StateDiscovered, st, "a failure on outdated content must not count toward the ceiling")
}

func TestRetryCeilingIsExact(t *testing.T) {
	for _, limit := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			r, clk := newTestRegistry(t, Options{RetryLimit: limit, InitialBackoff: time.Second, MaxBackoff: time.Minute})
			id, _ := r.Register(candidate("bad.mp4", 1))

			attempts := 0
			for {
				due := r.Dispatchable(clk.Now())
				if len(due) == 0 {
					clk.Advance(time.Hour)
					due = r.Dispatchable(clk.Now())
					if len(due) == 0 {
						break
					}
				}
				claim(t, r, id)
				attempts++
				st, err := r.RecordFailure(id, errors.New("exit status 1"))
				require.NoError(t, err)
				if st == job.StateFailed {
					break
				}
				assert.Equal(t, job.StateRetrying, st)
			}

			assert.Equal(t, limit, attempts)
			j, _ := r.Get(id)
			assert.Equal(t, job.StateFailed, j.State)
			assert.Equal(t, limit, j.AttemptCount)
			assert.Equal(t, "exit status 1", j.LastError)
		})
	}
}

func TestRetryLimitBelowOneMeansOneAttempt(t *testing.T) {
	r, _ := newTestRegistry(t, Options{RetryLimit: 0})
	assert.Equal(t, 1, r.RetryLimit())

	id, _ := r.Register(candidate("a.mp4", 1))
	claim(t, r, id)
	st, err := r.RecordFailure(id, errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, st)
}

func TestRetryingHonorsBackoff(t *testing.T) {
	r, clk := newTestRegistry(t, Options{RetryLimit: 5, InitialBackoff: 10 * time.Second, MaxBackoff: time.Minute})

	id, _ := r.Register(candidate("a.mp4", 1))
	claim(t, r, id)
	_, err := r.RecordFailure(id, errors.New("boom"))
	require.NoError(t, err)

	assert.Empty(t, r.Dispatchable(clk.Now()))

	clk.Advance(9 * time.Second)
	assert.Empty(t, r.Dispatchable(clk.Now()))

	clk.Advance(time.Second)
	due := r.Dispatchable(clk.Now())
	require.Len(t, due, 1)
	assert.Equal(t, id, due[0].ID)
}

func TestBackoff(t *testing.T) {
	r, _ := newTestRegistry(t, Options{InitialBackoff: 5 * time.Second, MaxBackoff: 5 * time.Minute})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{6, 160 * time.Second},
		{7, 5 * time.Minute},
		{100, 5 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, r.Backoff(tt.attempt))
		})
	}
}

func TestTwoClaimersExactlyOneWins(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	for round := 0; round < 50; round++ {
		id, _ := r.Register(candidate(fmt.Sprintf("race-%d.mp4", round), 1))
		require.NoError(t, r.Transition(id, []job.State{job.StateDiscovered}, job.StateQueued))

		var wins, losses atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for w := 0; w < 2; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				err := r.Transition(id, []job.State{job.StateQueued, job.StateRetrying}, job.StateRunning)
				if err == nil {
					wins.Add(1)
					return
				}
				if errors.Is(err, ErrInvalidTransition) {
					losses.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(1), losses.Load())
	}
}

func TestTransitionErrors(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	err := r.Transition("missing", []job.State{job.StateQueued}, job.StateRunning)
	assert.ErrorIs(t, err, ErrNotFound)

	id, _ := r.Register(candidate("a.mp4", 1))
	err = r.Transition(id, []job.State{job.StateQueued}, job.StateRunning)
	require.ErrorIs(t, err, ErrInvalidTransition)

	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, job.StateDiscovered, te.Current)
	assert.Equal(t, job.StateRunning, te.To)
	assert.Contains(t, te.Error(), "discovered -> running")
}

func TestRecordRequiresRunning(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	id, _ := r.Register(candidate("a.mp4", 1))

	_, err := r.RecordFailure(id, errors.New("x"))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = r.RecordSuccess(id, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = r.Release(id, "shutdown")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReleaseDoesNotCountAttempt(t *testing.T) {
	r, clk := newTestRegistry(t, Options{RetryLimit: 1})
	id, _ := r.Register(candidate("a.mp4", 1))
	claim(t, r, id)

	st, err := r.Release(id, "shutdown")
	require.NoError(t, err)
	assert.Equal(t, job.StateRetrying, st)

	j, _ := r.Get(id)
	assert.Zero(t, j.AttemptCount)
	assert.Len(t, r.Dispatchable(clk.Now()), 1, "released job is immediately due")
}

func TestRequeue(t *testing.T) {
	var requeued atomic.Int32
	reporter := events.ReporterFunc(func(e events.Event) {
		if e.Kind == events.JobRequeued {
			requeued.Add(1)
		}
	})
	r, _ := newTestRegistry(t, Options{RetryLimit: 1, Reporter: reporter})
	id, _ := r.Register(candidate("a.mp4", 1))

	assert.ErrorIs(t, r.Requeue(id), ErrInvalidTransition, "only failed jobs can be requeued")

	claim(t, r, id)
	_, err := r.RecordFailure(id, errors.New("boom"))
	require.NoError(t, err)

	require.NoError(t, r.Requeue(id))
	j, _ := r.Get(id)
	assert.Equal(t, job.StateDiscovered, j.State)
	assert.Zero(t, j.AttemptCount)
	assert.Empty(t, j.LastError)
	assert.Equal(t, int32(1), requeued.Load())
}

func TestListCountsAndOrdering(t *testing.T) {
	r, clk := newTestRegistry(t, Options{})

	a, _ := r.Register(candidate("a.mp4", 1))
	clk.Advance(time.Second)
	b, _ := r.Register(candidate("b.mp4", 1))
	clk.Advance(time.Second)
	c, _ := r.Register(candidate("c.mp4", 1))
	claim(t, r, b)

	all := r.List()
	require.Len(t, all, 3)
	assert.Equal(t, []string{a, b, c}, []string{all[0].ID, all[1].ID, all[2].ID})

	running := r.List(job.StateRunning)
	require.Len(t, running, 1)
	assert.Equal(t, b, running[0].ID)

	due := r.Dispatchable(clk.Now())
	require.Len(t, due, 2)
	assert.Equal(t, a, due[0].ID)
	assert.Equal(t, c, due[1].ID)

	counts := r.Counts()
	assert.Equal(t, 2, counts[job.StateDiscovered])
	assert.Equal(t, 1, counts[job.StateRunning])
	assert.Equal(t, 0, counts[job.StateFailed])
	assert.Len(t, counts, len(job.AllStates))
}

func TestGetReturnsCopy(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	id, _ := r.Register(candidate("a.mp4", 1))

	j, err := r.Get(id)
	require.NoError(t, err)
	j.State = job.StateFailed

	again, _ := r.Get(id)
	assert.Equal(t, job.StateDiscovered, again.State)
}

// =============================================================================
// Persistence
// =============================================================================

func TestWriteThroughAndClose(t *testing.T) {
	store := newMemStore()
	r, _ := newTestRegistry(t, Options{Store: store})

	id, _ := r.Register(candidate("a.mp4", 1))
	assert.Equal(t, job.StateDiscovered, store.get(id).State)

	claim(t, r, id)
	assert.Equal(t, job.StateRunning, store.get(id).State)

	_, err := r.RecordSuccess(id, "/output/a_transcoded.wav")
	require.NoError(t, err)
	assert.Equal(t, job.StateSucceeded, store.get(id).State)

	require.NoError(t, r.Close(context.Background()))
	assert.True(t, store.closed)
}

func TestRehydrationResetsInFlightJobs(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mk := func(rel string, st job.State) job.Job {
		return job.Job{ID: job.NewID(rel), RelPath: rel, SourcePath: "/input/" + rel, State: st, AttemptCount: 1, CreatedAt: created}
	}
	store := newMemStore(
		mk("running.mp4", job.StateRunning),
		mk("queued.mp4", job.StateQueued),
		mk("done.mp4", job.StateSucceeded),
		mk("failed.mp4", job.StateFailed),
	)

	r, clk := newTestRegistry(t, Options{Store: store})

	get := func(rel string) job.Job {
		j, err := r.Get(job.NewID(rel))
		require.NoError(t, err)
		return j
	}

	assert.Equal(t, job.StateRetrying, get("running.mp4").State)
	assert.Equal(t, 1, get("running.mp4").AttemptCount, "interrupted attempt is not counted")
	assert.Equal(t, job.StateDiscovered, get("queued.mp4").State)
	assert.Equal(t, job.StateSucceeded, get("done.mp4").State)
	assert.Equal(t, job.StateFailed, get("failed.mp4").State)

	assert.Len(t, r.Dispatchable(clk.Now()), 2)
	assert.Equal(t, job.StateRetrying, store.get(job.NewID("running.mp4")).State, "resets are written back")
}

func TestCorruptStoreAbortsStartup(t *testing.T) {
	store := newMemStore()
	store.loadErr = errors.New("malformed row")

	_, err := New(context.Background(), Options{Store: store})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.Contains(t, err.Error(), "malformed row")
}

func TestStoreWriteErrorsAreReportedNotFatal(t *testing.T) {
	store := newMemStore()
	store.saveErr = errors.New("disk full")

	var storeErrors atomic.Int32
	reporter := events.ReporterFunc(func(e events.Event) {
		if e.Kind == events.StoreError {
			storeErrors.Add(1)
		}
	})

	r, _ := newTestRegistry(t, Options{Store: store, Reporter: reporter})
	id, fresh := r.Register(candidate("a.mp4", 1))
	assert.True(t, fresh)

	j, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, job.StateDiscovered, j.State)
	assert.Equal(t, int32(1), storeErrors.Load())
}

func TestSameStemSourcesGetDistinctOutputs(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	mp3, _ := r.Register(candidate("album/song.mp3", 1))
	flac, _ := r.Register(candidate("album/song.flac", 2))
	ogg, _ := r.Register(candidate("album/song.ogg", 3))
	require.NotEqual(t, mp3, flac)

	get := func(id string) job.Job {
		j, err := r.Get(id)
		require.NoError(t, err)
		return j
	}

	assert.Equal(t, "/output/album/song_transcoded.wav", get(mp3).OutputPath)
	assert.Equal(t, "/output/album/song.flac_transcoded.wav", get(flac).OutputPath)
	assert.Equal(t, "/output/album/song.ogg_transcoded.wav", get(ogg).OutputPath)

	// Re-registration keeps the claimed name.
	r.Register(candidate("album/song.flac", 20))
	assert.Equal(t, "/output/album/song.flac_transcoded.wav", get(flac).OutputPath)
}

func TestQualifiedNameCollisionFallsBackToID(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	// song.wav takes the plain name and song.mp3.ogg (stem song.mp3) takes
	// what would be the qualified name of song.mp3.
	wav, _ := r.Register(candidate("song.wav", 1))
	ogg, _ := r.Register(candidate("song.mp3.ogg", 1))
	mp3, _ := r.Register(candidate("song.mp3", 1))

	paths := make(map[string]string)
	for _, id := range []string{wav, ogg, mp3} {
		j, err := r.Get(id)
		require.NoError(t, err)
		if other, dup := paths[j.OutputPath]; dup {
			t.Fatalf("%s and %s share output %s", other, j.RelPath, j.OutputPath)
		}
		paths[j.OutputPath] = j.RelPath
	}

	j, err := r.Get(mp3)
	require.NoError(t, err)
	assert.Equal(t, "/output/song.mp3_transcoded-"+mp3[:8]+".wav", j.OutputPath)
}

func TestRehydrationSeparatesCollidingOutputs(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	shared := "/output/song_transcoded.wav"
	mk := func(rel string) job.Job {
		return job.Job{
			ID: job.NewID(rel), RelPath: rel, SourcePath: "/input/" + rel,
			OutputPath: shared, State: job.StateSucceeded, CreatedAt: created,
		}
	}
	store := newMemStore(mk("song.mp3"), mk("song.flac"))

	r, _ := newTestRegistry(t, Options{Store: store})

	first, err := r.Get(job.NewID("song.mp3"))
	require.NoError(t, err)
	second, err := r.Get(job.NewID("song.flac"))
	require.NoError(t, err)

	assert.NotEqual(t, first.OutputPath, second.OutputPath)
	assert.Contains(t, []string{first.OutputPath, second.OutputPath}, shared)

	// The renamed job is written back so the next start agrees.
	for _, id := range []string{first.ID, second.ID} {
		j, err := r.Get(id)
		require.NoError(t, err)
		assert.Equal(t, j.OutputPath, store.get(id).OutputPath)
	}

	// A new source cannot take a name that was claimed on load.
	id, _ := r.Register(candidate("song.wav", 1))
	j, err := r.Get(id)
	require.NoError(t, err)
	assert.NotContains(t, []string{first.OutputPath, second.OutputPath}, j.OutputPath)
}
