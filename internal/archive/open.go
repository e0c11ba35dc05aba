package archive

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/trendradar/internal/archive/gcs"
	"github.com/JakeFAU/trendradar/internal/archive/local"
	"github.com/JakeFAU/trendradar/internal/archive/memory"
	"github.com/JakeFAU/trendradar/internal/config"
)

// Open builds the archiver selected by cfg.Backend. The "none" backend yields
// a nil Archiver. The returned closer releases backend clients.
func Open(ctx context.Context, cfg config.ArchiveConfig, loc *time.Location, logger *zap.Logger) (*Archiver, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case "", "none":
		return nil, noop, nil
	case "memory":
		a, err := New(memory.NewBlobStore(), cfg.Prefix, loc, logger)
		return a, noop, err
	case "local":
		blobs, err := local.New(local.Config{BaseDir: cfg.Dir})
		if err != nil {
			return nil, noop, fmt.Errorf("open local archive: %w", err)
		}
		a, err := New(blobs, cfg.Prefix, loc, logger)
		return a, noop, err
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("create gcs client: %w", err)
		}
		blobs, err := gcs.New(client, gcs.Config{Bucket: cfg.Bucket})
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		a, err := New(blobs, cfg.Prefix, loc, logger)
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		return a, client.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}
