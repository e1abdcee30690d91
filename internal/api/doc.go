// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/sync to mirror the workspace hierarchy.
//   - POST /v1/auth/login and GET /v1/auth/status for the browser session.
//   - POST /v1/crawl (background) and POST /v1/crawl/{record_id} (blocking).
//   - GET /v1/crawl/progress and /v1/crawl/runs for run reporting via the
//     RunRepository interface.
//   - GET /v1/records/{record_id}/changes for stored change logs.
package api
