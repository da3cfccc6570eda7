// Package handlers provides the HTTP status API of the agent.
//
// Routes:
//
//	GET  /healthz               health summary, 503 until the first scan
//	GET  /livez                 liveness probe
//	GET  /readyz                readiness probe
//	GET  /version               build information
//	GET  /metrics               Prometheus metrics
//	GET  /api/jobs              jobs, ?state=failed,retrying and ?limit=N
//	GET  /api/jobs/{id}         one job
//	POST /api/jobs/{id}/retry   give a failed job a fresh attempt budget
//	GET  /api/stats             pipeline summary
//	POST /api/scan              run a scan cycle now
//
// [Handlers.Router] builds the router with request metrics attached;
// [Wrap] adds request logging and optional CORS around it.
package handlers
