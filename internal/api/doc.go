// Package api hosts the optional status server. Routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats for page and image counts by status.
//   - GET /v1/failed-pages for the failure audit of listing pages.
package api
