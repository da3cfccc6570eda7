package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"transcoderexpress/internal/job"
	"transcoderexpress/internal/middleware"
	"transcoderexpress/internal/orchestrator"
)

// Registry is the part of the job registry the status API reads and mutates.
type Registry interface {
	List(states ...job.State) []job.Job
	Get(id string) (job.Job, error)
	Requeue(id string) error
}

// Agent is the running pipeline.
type Agent interface {
	Ready() bool
	Trigger()
	GetStatus() orchestrator.Status
}

// Config tunes the outer middleware.
type Config struct {
	LogHealthChecks bool
	// CORSOrigins lists origins allowed to call the API from a browser.
	// Empty disables CORS handling.
	CORSOrigins []string
}

// Handlers serves the status API.
type Handlers struct {
	registry  Registry
	agent     Agent
	startTime time.Time
}

// New creates the status API handlers.
func New(reg Registry, agent Agent) *Handlers {
	return &Handlers{
		registry:  reg,
		agent:     agent,
		startTime: time.Now(),
	}
}

// Router registers every route. Request metrics run inside the router so
// they can label by route template.
func (h *Handlers) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Metrics(middleware.DefaultMetricsConfig()))

	r.HandleFunc("/healthz", h.HealthCheck).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/livez", h.LivenessCheck).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/readyz", h.ReadinessCheck).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/version", h.GetVersion).Methods(http.MethodGet)
	r.Handle("/metrics", h.MetricsHandler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/jobs", h.ListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", h.GetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/retry", h.RetryJob).Methods(http.MethodPost)
	api.HandleFunc("/stats", h.GetStats).Methods(http.MethodGet)
	api.HandleFunc("/scan", h.TriggerScan).Methods(http.MethodPost)

	return r
}

// Wrap adds request logging and, when origins are configured, CORS.
func Wrap(router http.Handler, cfg Config) http.Handler {
	logCfg := middleware.DefaultLoggingConfig()
	logCfg.LogHealthChecks = cfg.LogHealthChecks
	handler := middleware.Logger(logCfg)(router)

	if len(cfg.CORSOrigins) == 0 {
		return handler
	}
	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(handler)
}
