package handlers

import (
	"net/http"
	"runtime"
	"time"

	"transcoderexpress/internal/job"
	"transcoderexpress/internal/startup"
)

const (
	statusHealthy  = "healthy"
	statusStarting = "starting"
)

// HealthResponse contains the health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Ready   bool   `json:"ready"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`

	// Pipeline summary
	TotalJobs   int `json:"totalJobs"`
	FailedJobs  int `json:"failedJobs"`
	QueueDepth  int `json:"queueDepth"`
	WorkersBusy int `json:"workersBusy"`

	// System info
	GoVersion    string `json:"goVersion"`
	NumCPU       int    `json:"numCpu"`
	NumGoroutine int    `json:"numGoroutine"`
}

// HealthCheck returns the health status of the agent. It answers 503 until
// the first scan cycle has completed.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := h.agent.GetStatus()

	response := HealthResponse{
		Status:       statusStarting,
		Ready:        status.Ready,
		Version:      startup.Version,
		Uptime:       time.Since(h.startTime).Round(time.Second).String(),
		TotalJobs:    status.TotalJobs,
		FailedJobs:   status.Jobs[string(job.StateFailed)],
		QueueDepth:   status.QueueDepth,
		WorkersBusy:  status.WorkersBusy,
		GoVersion:    runtime.Version(),
		NumCPU:       runtime.NumCPU(),
		NumGoroutine: runtime.NumGoroutine(),
	}
	if status.Ready {
		response.Status = statusHealthy
	}

	w.Header().Set("Content-Type", "application/json")
	if !status.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if r.Method != http.MethodHead {
		writeJSON(w, response)
	}
}

// LivenessCheck is a simple liveness probe (always returns 200 if server is running)
func (h *Handlers) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if r.Method != http.MethodHead {
		writeJSON(w, map[string]string{
			"status": "alive",
		})
	}
}

// ReadinessCheck returns 200 only after the first scan cycle
func (h *Handlers) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]string{"status": "ready"}
	if h.agent.Ready() {
		w.WriteHeader(http.StatusOK)
	} else {
		body["status"] = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if r.Method != http.MethodHead {
		writeJSON(w, body)
	}
}
