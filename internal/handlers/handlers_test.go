package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"transcoderexpress/internal/job"
	"transcoderexpress/internal/orchestrator"
	"transcoderexpress/internal/registry"
	"transcoderexpress/internal/startup"
)

type fakeAgent struct {
	ready    atomic.Bool
	triggers atomic.Int32
	status   orchestrator.Status
}

func (a *fakeAgent) Ready() bool { return a.ready.Load() }
func (a *fakeAgent) Trigger()    { a.triggers.Add(1) }
func (a *fakeAgent) GetStatus() orchestrator.Status {
	s := a.status
	s.Ready = a.ready.Load()
	return s
}

type testEnv struct {
	reg    *registry.Registry
	agent  *fakeAgent
	router http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg, err := registry.New(context.Background(), registry.Options{
		RetryLimit: 1,
		Naming:     job.DefaultNaming("/out"),
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	agent := &fakeAgent{}
	h := New(reg, agent)
	return &testEnv{reg: reg, agent: agent, router: Wrap(h.Router(), Config{})}
}

func (e *testEnv) register(t *testing.T, rel string) string {
	t.Helper()
	id, _ := e.reg.Register(job.Candidate{
		SourcePath:  "/in/" + rel,
		RelPath:     rel,
		Fingerprint: job.Fingerprint{Size: 10, ModTime: time.Unix(1700000000, 0)},
	})
	return id
}

func (e *testEnv) fail(t *testing.T, id string) {
	t.Helper()
	if err := e.reg.Transition(id, []job.State{job.StateDiscovered}, job.StateQueued); err != nil {
		t.Fatal(err)
	}
	if err := e.reg.Transition(id, []job.State{job.StateQueued}, job.StateRunning); err != nil {
		t.Fatal(err)
	}
	state, err := e.reg.RecordFailure(id, errors.New("encoder exited with code 1"))
	if err != nil || state != job.StateFailed {
		t.Fatalf("RecordFailure = %v, %v", state, err)
	}
}

func (e *testEnv) do(method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)
	env.agent.status = orchestrator.Status{
		TotalJobs:   3,
		Jobs:        map[string]int{"failed": 1, "succeeded": 2},
		WorkersBusy: 1,
	}

	w := env.do(http.MethodGet, "/healthz")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("before first scan: status %d, want 503", w.Code)
	}
	resp := decode[HealthResponse](t, w)
	if resp.Status != statusStarting || resp.Ready {
		t.Errorf("unexpected starting response: %+v", resp)
	}

	env.agent.ready.Store(true)
	w = env.do(http.MethodGet, "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", w.Code)
	}
	resp = decode[HealthResponse](t, w)
	if resp.Status != statusHealthy || resp.Version != startup.Version {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.TotalJobs != 3 || resp.FailedJobs != 1 || resp.WorkersBusy != 1 {
		t.Errorf("pipeline summary not copied: %+v", resp)
	}
}

func TestProbes(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(http.MethodGet, "/livez"); w.Code != http.StatusOK {
		t.Errorf("/livez = %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/readyz"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz before ready = %d", w.Code)
	}

	env.agent.ready.Store(true)
	w := env.do(http.MethodGet, "/readyz")
	if w.Code != http.StatusOK {
		t.Errorf("/readyz = %d", w.Code)
	}
	if body := decode[map[string]string](t, w); body["status"] != "ready" {
		t.Errorf("body = %v", body)
	}

	w = env.do(http.MethodHead, "/livez")
	if w.Code != http.StatusOK || w.Body.Len() != 0 {
		t.Errorf("HEAD /livez = %d with %d body bytes", w.Code, w.Body.Len())
	}
}

func TestGetVersion(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/version")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	info := decode[startup.BuildInfo](t, w)
	if info != startup.GetBuildInfo() {
		t.Errorf("got %+v, want %+v", info, startup.GetBuildInfo())
	}
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t)
	a := env.register(t, "a.mp4")
	env.register(t, "b.mp4")
	env.register(t, "c.mp4")
	env.fail(t, a)

	resp := decode[JobsResponse](t, env.do(http.MethodGet, "/api/jobs"))
	if resp.Total != 3 || len(resp.Jobs) != 3 {
		t.Fatalf("got %d jobs (total %d), want 3", len(resp.Jobs), resp.Total)
	}

	resp = decode[JobsResponse](t, env.do(http.MethodGet, "/api/jobs?state=failed"))
	if resp.Total != 1 || resp.Jobs[0].ID != a {
		t.Fatalf("state filter: %+v", resp)
	}
	if resp.Jobs[0].LastError == "" || resp.Jobs[0].AttemptCount != 1 {
		t.Errorf("failed job should carry its error and attempt count: %+v", resp.Jobs[0])
	}

	resp = decode[JobsResponse](t, env.do(http.MethodGet, "/api/jobs?state=failed,discovered"))
	if resp.Total != 3 {
		t.Errorf("multi-state filter total = %d, want 3", resp.Total)
	}

	resp = decode[JobsResponse](t, env.do(http.MethodGet, "/api/jobs?limit=2"))
	if resp.Total != 3 || len(resp.Jobs) != 2 {
		t.Errorf("limit: %d jobs, total %d", len(resp.Jobs), resp.Total)
	}

	resp = decode[JobsResponse](t, env.do(http.MethodGet, "/api/jobs?state=running"))
	if resp.Jobs == nil || len(resp.Jobs) != 0 {
		t.Errorf("empty result should be an empty array, got %#v", resp.Jobs)
	}
}

func TestListJobsBadParams(t *testing.T) {
	env := newTestEnv(t)

	for _, target := range []string{"/api/jobs?state=exploded", "/api/jobs?limit=-1", "/api/jobs?limit=many"} {
		if w := env.do(http.MethodGet, target); w.Code != http.StatusBadRequest {
			t.Errorf("%s = %d, want 400", target, w.Code)
		}
	}
}

func TestGetJob(t *testing.T) {
	env := newTestEnv(t)
	id := env.register(t, "dir/clip.mov")

	w := env.do(http.MethodGet, "/api/jobs/"+id)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	j := decode[job.Job](t, w)
	if j.ID != id || j.RelPath != "dir/clip.mov" || j.OutputPath != "/out/dir/clip_transcoded.wav" {
		t.Errorf("unexpected job: %+v", j)
	}

	if w := env.do(http.MethodGet, "/api/jobs/0000000000000000"); w.Code != http.StatusNotFound {
		t.Errorf("unknown id = %d, want 404", w.Code)
	}
}

func TestRetryJob(t *testing.T) {
	env := newTestEnv(t)
	id := env.register(t, "a.mp4")

	w := env.do(http.MethodPost, "/api/jobs/"+id+"/retry")
	if w.Code != http.StatusConflict {
		t.Errorf("retry of a discovered job = %d, want 409", w.Code)
	}

	env.fail(t, id)
	w = env.do(http.MethodPost, "/api/jobs/"+id+"/retry")
	if w.Code != http.StatusAccepted {
		t.Fatalf("retry = %d: %s", w.Code, w.Body.String())
	}

	j, err := env.reg.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if j.State != job.StateDiscovered || j.AttemptCount != 0 || j.LastError != "" {
		t.Errorf("requeued job = %+v", j)
	}
	if env.agent.triggers.Load() != 1 {
		t.Errorf("retry should trigger one scan, got %d", env.agent.triggers.Load())
	}

	if w := env.do(http.MethodPost, "/api/jobs/ffffffffffffffff/retry"); w.Code != http.StatusNotFound {
		t.Errorf("unknown id = %d, want 404", w.Code)
	}
}

func TestTriggerScanAndStats(t *testing.T) {
	env := newTestEnv(t)
	env.agent.status = orchestrator.Status{QueueCapacity: 64, Workers: 2, RetryLimit: 3}

	if w := env.do(http.MethodPost, "/api/scan"); w.Code != http.StatusAccepted {
		t.Errorf("/api/scan = %d", w.Code)
	}
	if env.agent.triggers.Load() != 1 {
		t.Errorf("triggers = %d", env.agent.triggers.Load())
	}

	status := decode[orchestrator.Status](t, env.do(http.MethodGet, "/api/stats"))
	if status.QueueCapacity != 64 || status.Workers != 2 || status.RetryLimit != 3 {
		t.Errorf("stats = %+v", status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodGet, "/api/stats")

	w := env.do(http.MethodGet, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "transcoderexpress_http_requests_total") {
		t.Error("request metrics missing from /metrics output")
	}
}

func TestWrapCORS(t *testing.T) {
	reg, err := registry.New(context.Background(), registry.Options{Naming: job.DefaultNaming("/out")})
	if err != nil {
		t.Fatal(err)
	}
	h := New(reg, &fakeAgent{})
	router := Wrap(h.Router(), Config{CORSOrigins: []string{"https://dash.example"}})

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("Origin", "https://dash.example")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://dash.example" {
		t.Errorf("allowed origin header = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got header %q", got)
	}
}
