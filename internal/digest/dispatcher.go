package digest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/trendradar/internal/metrics"
	"github.com/JakeFAU/trendradar/internal/retry"
	"github.com/JakeFAU/trendradar/internal/trend"
)

// Reasons a dispatch was skipped before any send.
const (
	SkipNoChannels    = "no channels configured"
	SkipEmpty         = "no items to push"
	SkipOutsideWindow = "outside push window"
	SkipAlreadyPushed = "already pushed today"
)

// Committer records delivered entries so they are not admitted again.
type Committer interface {
	Commit(ctx context.Context, entries []trend.DigestEntry) error
}

// PushRecords is the push bookkeeping subset of trend.Store.
type PushRecords interface {
	HasPushRecord(ctx context.Context, date string, reportType string) (bool, error)
	WritePushRecord(ctx context.Context, date string, reportType string, pushedAt time.Time) error
}

// Options configures a Dispatcher.
type Options struct {
	Channels  []trend.Channel
	Committer Committer
	Records   PushRecords
	Window    Window
	Retry     *retry.Policy
	Logger    *zap.Logger
	Clock     trend.Clock
}

// Outcome reports what a dispatch delivered.
type Outcome struct {
	Channels     []trend.ChannelResult
	Pushed       int
	Failed       bool
	Skipped      string
	PushRecorded bool
}

// Dispatcher sends batches sequentially per channel and channels concurrently.
type Dispatcher struct {
	channels  []trend.Channel
	committer Committer
	records   PushRecords
	window    Window
	retry     retry.Policy
	logger    *zap.Logger
	now       func() time.Time
}

// NewDispatcher validates options and builds a Dispatcher.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Committer == nil {
		return nil, fmt.Errorf("committer is required")
	}
	if opts.Records == nil {
		return nil, fmt.Errorf("push records are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("digest")
	d := &Dispatcher{
		channels:  opts.Channels,
		committer: opts.Committer,
		records:   opts.Records,
		window:    opts.Window,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if opts.Retry != nil {
		d.retry = *opts.Retry
	} else {
		d.retry = retry.NewPolicy(func(err error) bool {
			return !errors.Is(err, trend.ErrDeliveryRejected)
		})
	}
	if opts.Clock != nil {
		d.now = opts.Clock.Now
	}
	return d, nil
}

// Dispatch delivers entries on every channel. Entries are committed per
// successful batch; the push record is written only when every batch on every
// channel succeeded. The returned error is reserved for push-record storage
// failures and cancellation.
func (d *Dispatcher) Dispatch(ctx context.Context, date, reportType string, entries []trend.DigestEntry) (Outcome, error) {
	if len(d.channels) == 0 {
		d.logger.Info("push skipped", zap.String("reason", SkipNoChannels))
		return Outcome{Skipped: SkipNoChannels}, nil
	}
	if len(entries) == 0 {
		return Outcome{Skipped: SkipEmpty}, nil
	}
	if !d.window.Allows(d.now()) {
		d.logger.Info("push skipped", zap.String("reason", SkipOutsideWindow))
		return Outcome{Skipped: SkipOutsideWindow}, nil
	}
	if d.window.OncePerDay {
		done, err := d.records.HasPushRecord(ctx, date, reportType)
		if err != nil {
			return Outcome{}, fmt.Errorf("check push record: %w", err)
		}
		if done {
			d.logger.Info("push skipped", zap.String("reason", SkipAlreadyPushed), zap.String("date", date))
			return Outcome{Skipped: SkipAlreadyPushed}, nil
		}
	}

	var (
		mu        sync.Mutex
		delivered = make(map[string]struct{}, len(entries))
	)
	results := make([]trend.ChannelResult, len(d.channels))
	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range d.channels {
		g.Go(func() error {
			res, sent := d.dispatchChannel(gctx, ch, reportType, entries)
			results[i] = res
			mu.Lock()
			for _, fp := range sent {
				delivered[fp] = struct{}{}
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	out := Outcome{Channels: results, Pushed: len(delivered)}
	for _, r := range results {
		if r.FailedBatches > 0 || r.Error != "" {
			out.Failed = true
		}
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	if out.Failed {
		return out, nil
	}

	err := d.records.WritePushRecord(ctx, date, reportType, d.now())
	switch {
	case err == nil:
		out.PushRecorded = true
	case errors.Is(err, trend.ErrAlreadyPushed):
		d.logger.Debug("push record already present", zap.String("date", date), zap.String("report_type", reportType))
		out.PushRecorded = true
	default:
		return out, fmt.Errorf("write push record: %w", err)
	}
	return out, nil
}

func (d *Dispatcher) dispatchChannel(
	ctx context.Context,
	ch trend.Channel,
	reportType string,
	entries []trend.DigestEntry,
) (trend.ChannelResult, []string) {
	name := ch.Name()
	logger := d.logger.With(zap.String("channel", name))
	batches := Assemble(entries, ch.Limits())
	res := trend.ChannelResult{Channel: name, Batches: len(batches)}
	var sent []string

	for _, b := range batches {
		if ctx.Err() != nil {
			res.FailedBatches++
			res.Error = ctx.Err().Error()
			continue
		}
		b.Channel = name
		b.ReportType = reportType
		err := d.retry.Do(ctx, func(ctx context.Context) error {
			return ch.Send(ctx, b)
		})
		if err != nil {
			err = fmt.Errorf("channel %s batch %d/%d: %w: %w", name, b.Index+1, b.Total, trend.ErrDeliveryFailed, err)
			logger.Warn("delivery failed", zap.Int("batch", b.Index), zap.Int("items", len(b.Entries)), zap.Error(err))
			metrics.ObserveDeliveryBatch(name, "failed")
			res.FailedBatches++
			res.Error = err.Error()
			continue
		}
		metrics.ObserveDeliveryBatch(name, "success")
		if err := d.committer.Commit(ctx, b.Entries); err != nil {
			// Delivered but not recorded: the entries may be pushed again.
			logger.Error("commit delivered batch", zap.Int("batch", b.Index), zap.Error(err))
			res.Error = err.Error()
		}
		res.Delivered += len(b.Entries)
		for _, e := range b.Entries {
			sent = append(sent, e.Fingerprint)
		}
	}
	logger.Info("channel dispatched",
		zap.Int("batches", res.Batches),
		zap.Int("failed_batches", res.FailedBatches),
		zap.Int("delivered", res.Delivered),
	)
	return res, sent
}
