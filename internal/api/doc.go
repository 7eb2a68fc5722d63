// Package api hosts the HTTP server, middleware, and REST handlers of the
// archiver. Notable routes:
//   - GET /healthz and /readyz for Kubernetes health checks (readyz pings Redis).
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/archive to submit a capture request.
//   - POST /v1/admin/reset for the administrative reset.
//   - GET /v1/recent, /v1/archives/{pid}, /v1/tenants/{client_id} for reads.
//   - GET /v1/events for the websocket stream of archived events.
package api
