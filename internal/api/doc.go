// Package api hosts the read-only status HTTP server. Notable routes:
//   - GET /healthz and /readyz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /api/progress for per-category bucket fill and ledger state.
//   - GET /api/runs/{run_id} and /api/runs/{run_id}/passes for pass
//     history via the RunRepository interface.
package api
