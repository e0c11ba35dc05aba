package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/trendradar/internal/archive"
	"github.com/JakeFAU/trendradar/internal/config"
	"github.com/JakeFAU/trendradar/internal/dedup"
	"github.com/JakeFAU/trendradar/internal/digest"
	"github.com/JakeFAU/trendradar/internal/logging"
	"github.com/JakeFAU/trendradar/internal/metrics"
	"github.com/JakeFAU/trendradar/internal/scoring"
	"github.com/JakeFAU/trendradar/internal/store"
	"github.com/JakeFAU/trendradar/internal/trend"
)

// ErrRunInProgress is returned when RunOnce is called while another run is active.
var ErrRunInProgress = errors.New("run already in progress")

// Push skip reasons set by the runner itself.
const (
	SkipCanceled    = "run canceled"
	SkipDedupFailed = "dedup lookup failed"
	SkipNoSource    = "no source succeeded"
	SkipStorage     = "storage failure"
)

// Options wires a Runner.
type Options struct {
	Store      trend.Store
	Sources    []trend.Source
	Fetcher    trend.Fetcher
	Engine     *scoring.Engine
	Gate       *dedup.Gate
	Dispatcher *digest.Dispatcher
	// Archiver is optional.
	Archiver *archive.Archiver

	ReportMode      string
	FrequencyWindow time.Duration
	Concurrency     int
	FetchTimeout    time.Duration
	RunTimeout      time.Duration
	Location        *time.Location

	IDs    trend.IDGenerator
	Clock  trend.Clock
	Logger *zap.Logger
}

// Runner executes crawl runs. It is safe for concurrent use; overlapping
// calls fail fast with ErrRunInProgress.
type Runner struct {
	store        trend.Store
	sources      []trend.Source
	fetcher      trend.Fetcher
	engine       *scoring.Engine
	gate         *dedup.Gate
	dispatcher   *digest.Dispatcher
	archiver     *archive.Archiver
	reportMode   string
	window       time.Duration
	concurrency  int
	fetchTimeout time.Duration
	runTimeout   time.Duration
	loc          *time.Location
	ids          trend.IDGenerator
	now          func() time.Time
	logger       *zap.Logger

	running sync.Mutex
}

// New validates options and builds a Runner.
func New(opts Options) (*Runner, error) {
	switch {
	case opts.Store == nil:
		return nil, fmt.Errorf("store is required")
	case opts.Fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case opts.Engine == nil:
		return nil, fmt.Errorf("scoring engine is required")
	case opts.Gate == nil:
		return nil, fmt.Errorf("dedup gate is required")
	case opts.Dispatcher == nil:
		return nil, fmt.Errorf("dispatcher is required")
	}
	mode := opts.ReportMode
	switch mode {
	case "":
		mode = config.ReportIncremental
	case config.ReportIncremental, config.ReportCurrent, config.ReportDaily:
	default:
		return nil, fmt.Errorf("unknown report mode %q", mode)
	}
	window := opts.FrequencyWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	r := &Runner{
		store:        opts.Store,
		sources:      opts.Sources,
		fetcher:      opts.Fetcher,
		engine:       opts.Engine,
		gate:         opts.Gate,
		dispatcher:   opts.Dispatcher,
		archiver:     opts.Archiver,
		reportMode:   mode,
		window:       window,
		concurrency:  opts.Concurrency,
		fetchTimeout: opts.FetchTimeout,
		runTimeout:   opts.RunTimeout,
		loc:          loc,
		ids:          opts.IDs,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       logging.OrNop(opts.Logger).Named("pipeline"),
	}
	if opts.Clock != nil {
		r.now = opts.Clock.Now
	}
	return r, nil
}

// ReportMode returns the configured report mode.
func (r *Runner) ReportMode() string { return r.reportMode }

// RunOnce performs one crawl at crawlTime; a zero crawlTime means now. The
// summary is populated even when an error is returned. A run fails only when
// another run is active, the crawl time is already recorded, the batch cannot
// be opened, or storage fails fatally.
func (r *Runner) RunOnce(ctx context.Context, crawlTime time.Time) (summary trend.RunSummary, err error) {
	if !r.running.TryLock() {
		return trend.RunSummary{}, ErrRunInProgress
	}
	defer r.running.Unlock()

	started := r.now()
	if crawlTime.IsZero() {
		crawlTime = started
	}
	crawlTime = crawlTime.UTC()
	summary = trend.RunSummary{
		RunID:     r.newRunID(crawlTime),
		CrawlTime: crawlTime,
		Sources:   make(map[string]trend.SourceResult, len(r.sources)),
	}
	logger := logging.ForRun(r.logger, summary.RunID, crawlTime)
	defer func() {
		summary.Duration = r.now().Sub(started)
		metrics.ObserveRun(summary.Duration)
	}()

	if r.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.runTimeout)
		defer cancel()
	}

	h, err := r.store.BeginCrawlBatch(ctx, crawlTime)
	if err != nil {
		if errors.Is(err, trend.ErrDuplicateBatch) {
			logger.Warn("crawl time already recorded", zap.Error(err))
			return summary, err
		}
		return summary, fmt.Errorf("begin crawl batch: %w", err)
	}
	logger.Info("run started", zap.Int64("batch_id", h.ID), zap.Int("sources", len(r.sources)))

	outcomes := r.crawl(ctx, h, logger)
	total, fatalErr := r.summarize(&summary, outcomes)

	if err := r.finish(ctx, h, total); err != nil {
		logger.Error("finish crawl batch failed", zap.Error(err))
		if fatalErr == nil && errors.Is(err, trend.ErrStorageFatal) {
			fatalErr = err
		}
	}
	if fatalErr != nil {
		summary.PushSkipped = SkipStorage
		logger.Error("run aborted", zap.Error(fatalErr))
		return summary, fatalErr
	}
	if ctx.Err() != nil {
		summary.PushSkipped = SkipCanceled
		logger.Warn("run canceled before delivery", zap.String("status", string(summary.Status)))
		return summary, nil
	}

	if err := r.deliver(ctx, logger, crawlTime, outcomes, &summary); err != nil {
		return summary, err
	}
	logger.Info("run finished",
		zap.String("status", string(summary.Status)),
		zap.Int("new", summary.NewCount),
		zap.Int("seen", summary.SeenCount),
		zap.Int("duplicates", summary.DuplicateCount),
		zap.Int("pushed", summary.PushedCount),
		zap.String("push_skipped", summary.PushSkipped),
	)
	return summary, nil
}

func (r *Runner) newRunID(crawlTime time.Time) string {
	if r.ids != nil {
		id, err := r.ids.NewID()
		if err == nil {
			return id
		}
		r.logger.Warn("run id generation failed", zap.Error(err))
	}
	return crawlTime.Format("20060102T150405Z")
}

// crawl processes every source on the pool and records a status for sources
// that never started because the run was cancelled.
func (r *Runner) crawl(ctx context.Context, h trend.BatchHandle, logger *zap.Logger) []sourceOutcome {
	p := pool{
		size: r.concurrency,
		work: func(ctx context.Context, src trend.Source) sourceOutcome {
			return r.processSource(ctx, h, logger, src)
		},
	}
	outcomes := p.run(ctx, r.sources)
	for i := range outcomes {
		if !outcomes[i].recorded {
			r.recordStatus(ctx, h, logger.With(zap.String("source_id", outcomes[i].source.ID)), &outcomes[i])
		}
	}
	return outcomes
}

// summarize folds outcomes into the summary. It returns the number of stored
// observations and the first fatal error.
func (r *Runner) summarize(summary *trend.RunSummary, outcomes []sourceOutcome) (int, error) {
	var fatalErr error
	total := 0
	statuses := make([]trend.CrawlStatus, 0, len(outcomes))
	for _, o := range outcomes {
		res := trend.SourceResult{
			SourceID:  o.source.ID,
			Status:    o.status,
			New:       len(o.delta.New),
			Seen:      len(o.delta.Seen),
			Malformed: o.malformed,
		}
		if o.err != nil {
			res.Error = o.err.Error()
		}
		summary.Sources[o.source.ID] = res
		summary.NewCount += res.New
		summary.SeenCount += res.Seen
		summary.MalformedCount += res.Malformed
		total += o.delta.Len()
		statuses = append(statuses, o.status)
		if o.fatal && fatalErr == nil {
			fatalErr = fmt.Errorf("source %s: %w", o.source.ID, o.err)
		}
	}
	summary.Status = store.DeriveBatchStatus(statuses)
	return total, fatalErr
}

// finish closes the batch, outliving a cancelled run context.
func (r *Runner) finish(ctx context.Context, h trend.BatchHandle, total int) error {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
		defer cancel()
	}
	if err := r.store.FinishCrawlBatch(ctx, h, total); err != nil {
		return fmt.Errorf("finish crawl batch: %w", err)
	}
	return nil
}

// deliver scores the report candidates and hands the admitted ones to the
// dispatcher. Only fatal storage errors are returned.
func (r *Runner) deliver(
	ctx context.Context,
	logger *zap.Logger,
	crawlTime time.Time,
	outcomes []sourceOutcome,
	summary *trend.RunSummary,
) error {
	if summary.Status == trend.CrawlStatusFailed {
		summary.PushSkipped = SkipNoSource
		return nil
	}
	date := crawlTime.In(r.loc).Format("2006-01-02")
	if r.reportMode == config.ReportDaily {
		done, err := r.store.HasPushRecord(ctx, date, r.reportMode)
		if err != nil {
			return r.softFail(logger, summary, "push record lookup failed", err)
		}
		if done {
			summary.PushSkipped = digest.SkipAlreadyPushed
			return nil
		}
	}

	candidates := r.candidates(ctx, logger, crawlTime, outcomes)
	ranked, filtered := r.engine.Rank(ctx, candidates)
	summary.FilteredCount = filtered

	entries := make([]trend.DigestEntry, 0, len(ranked))
	for _, s := range ranked {
		obs := s.Ref.Observation
		entries = append(entries, trend.DigestEntry{
			ItemID:     s.Ref.ItemID,
			SourceID:   obs.SourceID,
			SourceName: s.SourceName,
			Title:      obs.Title,
			URL:        obs.URL,
			Rank:       obs.Rank,
			Score:      s.Score,
			Kind:       s.Ref.Kind,
			Keywords:   s.Keywords(),
		})
	}

	accepted, duplicates, err := r.gate.Filter(ctx, entries)
	if err != nil {
		if ctx.Err() != nil {
			summary.PushSkipped = SkipCanceled
			return nil
		}
		return r.softFail(logger, summary, SkipDedupFailed, err)
	}
	summary.DuplicateCount = duplicates
	logger.Debug("candidates prepared",
		zap.Int("candidates", len(candidates)),
		zap.Int("filtered", filtered),
		zap.Int("duplicates", duplicates),
		zap.Int("accepted", len(accepted)),
	)

	outcome, err := r.dispatcher.Dispatch(ctx, date, r.reportMode, accepted)
	summary.Channels = outcome.Channels
	summary.PushedCount = outcome.Pushed
	summary.PushSkipped = outcome.Skipped
	if err != nil {
		if ctx.Err() != nil {
			if summary.PushSkipped == "" {
				summary.PushSkipped = SkipCanceled
			}
			return nil
		}
		if errors.Is(err, trend.ErrStorageFatal) {
			return err
		}
		logger.Warn("dispatch incomplete", zap.Error(err))
	}
	return nil
}

// softFail logs a non-fatal storage problem and skips the push; fatal ones
// are returned.
func (r *Runner) softFail(logger *zap.Logger, summary *trend.RunSummary, reason string, err error) error {
	if errors.Is(err, trend.ErrStorageFatal) {
		return err
	}
	logger.Warn("push skipped", zap.String("reason", reason), zap.Error(err))
	summary.PushSkipped = reason
	return nil
}

// candidates selects the report-mode items of successful sources, in source
// order then observation order, with their trailing frequency. Incremental
// runs take new items plus seen items that were never delivered, so a failed
// delivery is retried by the next run.
func (r *Runner) candidates(ctx context.Context, logger *zap.Logger, crawlTime time.Time, outcomes []sourceOutcome) []scoring.Candidate {
	since := crawlTime.Add(-r.window)
	var out []scoring.Candidate
	for _, o := range outcomes {
		if o.status != trend.CrawlStatusSuccess {
			continue
		}
		refs := o.delta.All()
		if r.reportMode == config.ReportIncremental {
			refs = r.incrementalRefs(ctx, logger, o)
		}
		for _, ref := range refs {
			freq, err := r.store.FrequencySince(ctx, ref.ItemID, since)
			if err != nil {
				logger.Warn("frequency lookup failed",
					zap.String("source_id", o.source.ID),
					zap.Int64("item_id", ref.ItemID),
					zap.Error(err),
				)
				freq = 1
			}
			out = append(out, scoring.Candidate{
				Ref:        ref,
				SourceName: o.source.DisplayName(),
				Frequency:  freq,
			})
		}
	}
	return out
}

// incrementalRefs keeps the order of the crawl and drops seen items that were
// already pushed. When the pushed lookup fails only new items are reported;
// the dedup filter surfaces the storage error.
func (r *Runner) incrementalRefs(ctx context.Context, logger *zap.Logger, o sourceOutcome) []trend.ItemRef {
	if len(o.delta.Seen) == 0 {
		return o.delta.New
	}
	pending, err := r.gate.Undelivered(ctx, o.delta.Seen)
	if err != nil {
		logger.Warn("undelivered lookup failed",
			zap.String("source_id", o.source.ID),
			zap.Error(err),
		)
		return o.delta.New
	}
	if len(pending) == 0 {
		return o.delta.New
	}
	retry := make(map[int64]struct{}, len(pending))
	for _, ref := range pending {
		retry[ref.ItemID] = struct{}{}
	}
	refs := make([]trend.ItemRef, 0, len(o.delta.New)+len(pending))
	for _, ref := range o.delta.All() {
		if ref.Kind == trend.DeltaNew {
			refs = append(refs, ref)
			continue
		}
		if _, ok := retry[ref.ItemID]; ok {
			refs = append(refs, ref)
		}
	}
	return refs
}
