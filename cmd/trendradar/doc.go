// Package main hosts the trendradar entrypoint.
//
// Architecture overview:
//   - Sources: internal/source builds one fetcher per configured source (hot-list API via colly, RSS/Atom via
//     gofeed) behind a registry keyed by source type, sharing a per-host rate limiter.
//   - Run: internal/pipeline.Runner opens a crawl batch, fetches sources on a bounded worker pool, normalizes and
//     stores each source in its own transaction, then scores, deduplicates and delivers the report candidates.
//   - Persistence: the incremental store is SQLite (default), Postgres or memory, chosen by storage.backend. Push
//     history is consulted through the dedup gate, optionally fronted by Redis.
//   - Delivery: webhook, Pub/Sub and log channels, each with its own batch limits.
//   - Archive: per-source snapshots can be written to a local directory or a GCS bucket.
//
// Modes:
//   - trendradar -config config.yaml -once runs a single crawl and exits non-zero on an aborted run.
//   - trendradar -config config.yaml -serve starts the HTTP API and triggers a run every crawler.interval_minutes.
//
// Every setting can be overridden with TRENDRADAR_* environment variables (dots become underscores), e.g.
// TRENDRADAR_STORAGE_BACKEND=postgres.
package main
