// Command listing-archiver archives marketplace listing pages on demand.
//
// Architecture overview:
//   - HTTP API: internal/api exposes POST /v1/archive plus admin, lookup, and health routes. Requests are validated and
//     handed to the admission controller, which answers immediately; capture results arrive on the archived stream.
//   - Admission: a Redis lock per listing UUID, a bounded per-tenant queue, and a per-tenant worker pool decide whether
//     a request is dispatched, queued, or a duplicate. Idle sessions drain their tenant's queue.
//   - Capture: each tenant session renders targets one at a time with chromedp (or colly), rate limited per domain and
//     retried on transient failures. Screenshots go to the blob store on the side.
//   - Archive pipeline: captured pages are stored in the blob store (memory/local/GCS), indexed in Redis with the
//     recent-activity ledger, mirrored to Postgres or SQLite, and published to memory/Pub/Sub/Kafka/websocket.
//   - Configuration & plumbing: Viper populates config from ARCHIVER_* env and files; zap provides structured logging;
//     Prometheus metrics are served on /metrics; OpenTelemetry spans cover admission, capture, and archiving.
//
// Quick checklist:
//   - Run locally: go run . serve --config config.yaml (or rely solely on env overrides).
//   - Reset stuck state: go run . reset, or send SIGHUP to a running server.
package main

import (
	"github.com/JakeFAU/listing-archiver/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
