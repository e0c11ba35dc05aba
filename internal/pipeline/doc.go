// Package pipeline runs one crawl end to end.
//
// A run opens a crawl batch, fetches every configured source on a bounded
// worker pool, normalizes and stores each source in its own transaction,
// closes the batch, then scores, deduplicates and delivers the candidates of
// the configured report mode. Only a duplicate crawl time or a fatal storage
// error aborts a run; everything else is reported in the RunSummary.
//
// The package has no scheduling of its own. cmd/trendradar and the HTTP API
// call RunOnce.
package pipeline
