// Package middleware provides HTTP middleware for the status API.
//
// It includes:
//   - Request logging as key=value lines, with health probes skipped by default
//   - Prometheus request metrics labelled by route template
package middleware
