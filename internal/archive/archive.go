// Package archive writes per-source crawl snapshots to a blob store so a run
// can be inspected or replayed later.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/trendradar/internal/trend"
)

// Snapshot is what one source returned in one crawl.
type Snapshot struct {
	SourceID     string              `json:"source_id"`
	SourceName   string              `json:"source_name"`
	CrawlTime    time.Time           `json:"crawl_time"`
	Status       trend.CrawlStatus   `json:"status"`
	Malformed    int                 `json:"malformed"`
	Observations []trend.Observation `json:"observations"`
}

// Archiver lays snapshots out as {prefix}/{date}/{HHMMSS}/{source}.json in the
// report timezone. A nil Archiver discards snapshots.
type Archiver struct {
	blobs  trend.BlobStore
	prefix string
	loc    *time.Location
	logger *zap.Logger
}

// New builds an Archiver.
func New(blobs trend.BlobStore, prefix string, loc *time.Location, logger *zap.Logger) (*Archiver, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{blobs: blobs, prefix: prefix, loc: loc, logger: logger.Named("archive")}, nil
}

// Path returns the object path of a snapshot.
func (a *Archiver) Path(crawlTime time.Time, sourceID string) string {
	local := crawlTime.In(a.loc)
	return path.Join(a.prefix, local.Format("2006-01-02"), local.Format("150405"), sourceID+".json")
}

// Save writes the snapshot and returns its URI.
func (a *Archiver) Save(ctx context.Context, snap Snapshot) (string, error) {
	if a == nil {
		return "", nil
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	p := a.Path(snap.CrawlTime, snap.SourceID)
	uri, err := a.blobs.PutObject(ctx, p, "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", p, err)
	}
	a.logger.Debug("snapshot archived",
		zap.String("source_id", snap.SourceID),
		zap.String("uri", uri),
		zap.Int("observations", len(snap.Observations)),
	)
	return uri, nil
}
