// Package api hosts the operator HTTP surface of the fetch worker:
//   - GET /healthz for liveness probes.
//   - GET /readyz, which reports 503 unless the dispatcher loop is running.
//   - GET /metrics for Prometheus scraping.
package api
