package store

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/trendradar/internal/metrics"
	"github.com/JakeFAU/trendradar/internal/retry"
	"github.com/JakeFAU/trendradar/internal/trend"
)

// TimeLayout is a fixed-width UTC layout, so text comparison orders rows
// the same way time comparison does.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime encodes t for a text timestamp column.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime decodes a value written by FormatTime. RFC3339 values written
// by older schemas are accepted too.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err == nil {
		return t, nil
	}
	t, err = time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// TransientRetry retries only errors classified as ErrStorageTransient.
func TransientRetry(backend string, logger *zap.Logger) retry.Policy {
	p := retry.NewPolicy(func(err error) bool {
		return errors.Is(err, trend.ErrStorageTransient)
	})
	p.OnRetry = func(attempt int, err error) {
		metrics.ObserveStorageRetry(backend)
		if logger != nil {
			logger.Warn("retrying transient storage error",
				zap.String("backend", backend),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
	}
	return p
}

// Transient wraps a driver error as retryable.
func Transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, trend.ErrStorageTransient, err)
}

// Fatal wraps a driver error as non-retryable.
func Fatal(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, trend.ErrStorageFatal, err)
}

// DeriveBatchStatus folds per-source statuses into the batch status. A batch
// is a success only when every source succeeded and failed only when none
// did; anything in between, or an interrupted source, makes it partial.
func DeriveBatchStatus(statuses []trend.CrawlStatus) trend.CrawlStatus {
	var success, failed int
	for _, s := range statuses {
		switch s {
		case trend.CrawlStatusSuccess:
			success++
		case trend.CrawlStatusFailed:
			failed++
		default:
			return trend.CrawlStatusPartial
		}
	}
	switch {
	case failed == 0:
		return trend.CrawlStatusSuccess
	case success == 0:
		return trend.CrawlStatusFailed
	default:
		return trend.CrawlStatusPartial
	}
}

// Chunk splits keys into slices of at most size elements.
func Chunk(keys []string, size int) [][]string {
	if size <= 0 || len(keys) <= size {
		if len(keys) == 0 {
			return nil
		}
		return [][]string{keys}
	}
	out := make([][]string, 0, (len(keys)+size-1)/size)
	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		out = append(out, keys[start:end])
	}
	return out
}

// ValidateStatus rejects statuses the crawl_source_status table does not accept.
func ValidateStatus(status trend.CrawlStatus) error {
	switch status {
	case trend.CrawlStatusSuccess, trend.CrawlStatusFailed, trend.CrawlStatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid crawl status %q", status)
	}
}
