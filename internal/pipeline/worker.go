package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/trendradar/internal/archive"
	"github.com/JakeFAU/trendradar/internal/metrics"
	"github.com/JakeFAU/trendradar/internal/normalize"
	"github.com/JakeFAU/trendradar/internal/trend"
)

// statusWriteTimeout bounds status writes made after the run was cancelled.
const statusWriteTimeout = 10 * time.Second

// sourceOutcome is what one source contributed to a run.
type sourceOutcome struct {
	source      trend.Source
	status      trend.CrawlStatus
	delta       trend.Delta
	malformed   int
	err         error
	fatal       bool
	interrupted bool
	recorded    bool
}

// processSource fetches, normalizes and stores one source, then records its
// status. The fetch result is fully materialized before the store is touched.
func (r *Runner) processSource(ctx context.Context, h trend.BatchHandle, logger *zap.Logger, src trend.Source) sourceOutcome {
	metrics.IncActiveFetchers()
	defer metrics.DecActiveFetchers()

	log := logger.With(zap.String("source_id", src.ID))
	out := r.fetchAndStore(ctx, h, log, src)
	r.recordStatus(ctx, h, log, &out)
	return out
}

func (r *Runner) fetchAndStore(ctx context.Context, h trend.BatchHandle, log *zap.Logger, src trend.Source) sourceOutcome {
	out := sourceOutcome{source: src}

	fetchCtx := ctx
	if r.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, r.fetchTimeout)
		defer cancel()
	}
	raw, err := r.fetcher.Fetch(fetchCtx, src.ID)
	if err != nil {
		if ctx.Err() != nil {
			return interrupted(out, ctx.Err())
		}
		if !errors.Is(err, trend.ErrSourceFetchFailed) {
			err = fmt.Errorf("%s: %w: %w", src.ID, trend.ErrSourceFetchFailed, err)
		}
		log.Warn("source fetch failed", zap.Error(err))
		out.status = trend.CrawlStatusFailed
		out.err = err
		return out
	}

	norm := normalize.Normalize(src, raw)
	out.malformed = norm.Malformed
	metrics.ObserveMalformed(src.ID, norm.Malformed)
	if norm.Malformed > 0 {
		log.Debug("malformed items dropped",
			zap.Int("malformed", norm.Malformed),
			zap.Int("raw", len(raw)),
			zap.Errors("reasons", norm.Errors),
		)
	}
	if ctx.Err() != nil {
		return interrupted(out, ctx.Err())
	}

	delta, err := r.store.UpsertObservations(ctx, h, src, norm.Observations)
	if err != nil {
		switch {
		case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
			return interrupted(out, err)
		case errors.Is(err, trend.ErrStorageFatal):
			log.Error("storing observations failed", zap.Error(err))
			out.fatal = true
		default:
			log.Warn("storing observations failed after retries", zap.Error(err))
		}
		out.status = trend.CrawlStatusFailed
		out.err = err
		return out
	}

	out.status = trend.CrawlStatusSuccess
	out.delta = delta
	metrics.ObserveObservations(src.ID, len(delta.New), len(delta.Seen))
	log.Info("source stored",
		zap.Int("new", len(delta.New)),
		zap.Int("seen", len(delta.Seen)),
		zap.Int("malformed", norm.Malformed),
	)

	if r.archiver != nil {
		_, err := r.archiver.Save(ctx, archive.Snapshot{
			SourceID:     src.ID,
			SourceName:   src.DisplayName(),
			CrawlTime:    h.CrawlTime,
			Status:       out.status,
			Malformed:    norm.Malformed,
			Observations: norm.Observations,
		})
		if err != nil {
			log.Warn("snapshot archive failed", zap.Error(err))
		}
	}
	return out
}

// recordStatus persists the outcome. Interrupted sources are recorded even
// though the run context is done, so the batch shows them as partial.
func (r *Runner) recordStatus(ctx context.Context, h trend.BatchHandle, log *zap.Logger, out *sourceOutcome) {
	out.recorded = true
	metrics.ObserveSourceCrawl(out.source.ID, string(out.status))
	writeCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
		defer cancel()
	}
	if err := r.store.RecordSourceStatus(writeCtx, h, out.source.ID, out.status); err != nil {
		log.Error("record source status failed", zap.String("status", string(out.status)), zap.Error(err))
		if errors.Is(err, trend.ErrStorageFatal) {
			out.fatal = true
			if out.err == nil {
				out.err = err
			}
		}
	}
}

func interrupted(out sourceOutcome, err error) sourceOutcome {
	out.status = trend.CrawlStatusPartial
	out.interrupted = true
	out.err = err
	return out
}
