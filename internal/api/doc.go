// Package api hosts the operator HTTP surface of a running harvest.
// Notable routes:
//   - GET /healthz and /readyz for health checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for the orchestrator snapshot.
//   - GET /v1/events for the most recent progress events.
//   - POST /v1/cancel to stop the run gracefully.
package api
