package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"transcoderexpress/internal/job"
	"transcoderexpress/internal/logging"
	"transcoderexpress/internal/registry"
)

// JobsResponse is the body of GET /api/jobs.
type JobsResponse struct {
	Jobs  []job.Job `json:"jobs"`
	Total int       `json:"total"`
}

// ListJobs returns jobs, oldest first. ?state=failed,retrying filters by
// state and ?limit=N keeps the N most recent matches.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	var states []job.State
	if raw := r.URL.Query().Get("state"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			s, err := job.ParseState(part)
			if err != nil {
				writeJSONError(w, err.Error(), http.StatusBadRequest)
				return
			}
			states = append(states, s)
		}
	}

	jobs := h.registry.List(states...)
	total := len(jobs)

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSONError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		if limit < len(jobs) {
			jobs = jobs[len(jobs)-limit:]
		}
	}
	if jobs == nil {
		jobs = []job.Job{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, JobsResponse{Jobs: jobs, Total: total})
}

// GetJob returns one job by id.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	j, err := h.registry.Get(id)
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, j)
}

// RetryJob moves a Failed job back to Discovered with a fresh attempt
// budget and wakes the scan loop so it is queued right away.
func (h *Handlers) RetryJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.registry.Requeue(id); err != nil {
		writeRegistryError(w, err)
		return
	}
	logging.Info("Job %s requeued via API", id)
	h.agent.Trigger()

	writeJSONStatus(w, http.StatusAccepted, "requeued")
}

// GetStats returns the pipeline summary.
func (h *Handlers) GetStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	writeJSON(w, h.agent.GetStatus())
}

// TriggerScan asks for an immediate scan cycle.
func (h *Handlers) TriggerScan(w http.ResponseWriter, _ *http.Request) {
	h.agent.Trigger()
	writeJSONStatus(w, http.StatusAccepted, "scan requested")
}

func writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeJSONError(w, "job not found", http.StatusNotFound)
	case errors.Is(err, registry.ErrInvalidTransition):
		writeJSONError(w, err.Error(), http.StatusConflict)
	default:
		logging.Error("registry error: %v", err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
	}
}
