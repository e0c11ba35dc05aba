package trend

import (
	"context"
	"io"
	"time"
)

// Store is the system of record for sources, items, history, crawl batches
// and push bookkeeping. Every backend implements it; extra capabilities are
// discovered with type assertions.
type Store interface {
	BeginCrawlBatch(ctx context.Context, crawlTime time.Time) (BatchHandle, error)
	RecordSourceStatus(ctx context.Context, h BatchHandle, sourceID string, status CrawlStatus) error
	UpsertObservations(ctx context.Context, h BatchHandle, source Source, obs []Observation) (Delta, error)
	FinishCrawlBatch(ctx context.Context, h BatchHandle, totalItems int) error
	FrequencySince(ctx context.Context, itemID int64, since time.Time) (int, error)
	HasPushRecord(ctx context.Context, date string, reportType string) (bool, error)
	WritePushRecord(ctx context.Context, date string, reportType string, pushedAt time.Time) error
	IsPushed(ctx context.Context, fingerprints []string) (map[string]bool, error)
	RecordPushed(ctx context.Context, items []PushedContent) error
	Close() error
}

// TrendQuerier is implemented by stores that can aggregate sightings over a
// time range, typically one calendar day in the report timezone.
type TrendQuerier interface {
	DailyTrends(ctx context.Context, start, end time.Time) ([]DailyTrend, error)
}

// ItemHistory exposes the append-only per-item logs.
type ItemHistory interface {
	RankHistory(ctx context.Context, itemID int64) ([]RankPoint, error)
	TitleChanges(ctx context.Context, itemID int64) ([]TitleChange, error)
}

// BatchReader lists recorded crawl batches, newest first.
type BatchReader interface {
	CrawlBatches(ctx context.Context, limit int) ([]CrawlRecord, error)
}

// MetaStore keeps small deployment-level settings next to the data they govern.
type MetaStore interface {
	GetMeta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error
}

// Fetcher returns the current raw item list of one source.
type Fetcher interface {
	Fetch(ctx context.Context, sourceID string) ([]RawItem, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, sourceID string) ([]RawItem, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, sourceID string) ([]RawItem, error) {
	return f(ctx, sourceID)
}

// Channel delivers one batch to an external destination.
type Channel interface {
	Name() string
	Limits() Limits
	Send(ctx context.Context, batch Batch) error
}

// BlobStore writes snapshot artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
}

// Hasher computes content fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
