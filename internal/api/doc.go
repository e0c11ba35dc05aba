// Package api hosts the operator HTTP surface. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to trigger one crawl run.
//   - GET /v1/trends?date=YYYY-MM-DD for a day's aggregated sightings.
//   - GET /v1/batches for recent crawl batches.
//   - GET /v1/items/{item_id}/history for an item's rank and title history.
//
// Read routes answer 501 when the configured store lacks the capability.
package api
