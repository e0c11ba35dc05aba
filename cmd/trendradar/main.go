package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/trendradar/internal/api"
	"github.com/JakeFAU/trendradar/internal/archive"
	"github.com/JakeFAU/trendradar/internal/clock/system"
	"github.com/JakeFAU/trendradar/internal/config"
	"github.com/JakeFAU/trendradar/internal/dedup"
	"github.com/JakeFAU/trendradar/internal/delivery"
	"github.com/JakeFAU/trendradar/internal/digest"
	"github.com/JakeFAU/trendradar/internal/hash/sha256"
	"github.com/JakeFAU/trendradar/internal/id/uuid"
	"github.com/JakeFAU/trendradar/internal/logging"
	"github.com/JakeFAU/trendradar/internal/metrics"
	"github.com/JakeFAU/trendradar/internal/pipeline"
	"github.com/JakeFAU/trendradar/internal/scoring"
	"github.com/JakeFAU/trendradar/internal/source"
	"github.com/JakeFAU/trendradar/internal/trend"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file (defaults and TRENDRADAR_* env only when empty)")
	once := flag.Bool("once", false, "run a single crawl and exit")
	serve := flag.Bool("serve", false, "serve the HTTP API and crawl on an interval")
	crawlAt := flag.String("crawl-time", "", "RFC3339 crawl time for -once (defaults to now)")
	flag.Parse()

	if *once && *serve {
		fmt.Fprintln(os.Stderr, "-once and -serve are mutually exclusive")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync() //nolint:errcheck // best-effort flush
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *serve {
		err = runServe(ctx, cfg, logger)
	} else {
		err = runOnce(ctx, cfg, logger, *crawlAt)
	}
	if err != nil {
		logger.Error("trendradar exited with error", zap.Error(err))
		_ = logger.Sync() //nolint:errcheck // flush before exit
		os.Exit(1)
	}
}

// app holds the wired runner and the resources to release on exit.
type app struct {
	runner  *pipeline.Runner
	store   trend.Store
	clock   trend.Clock
	closers []func() error
}

func (a *app) close(logger *zap.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
	}
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	metrics.Init()
	clock := system.New()
	loc := cfg.Location()
	a := &app{clock: clock}

	store, err := openStore(ctx, cfg.Storage, clock, logger)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	fail := func(err error) (*app, error) {
		a.close(logger)
		return nil, err
	}

	mode, err := dedup.ParseMode(cfg.Dedup.Mode)
	if err != nil {
		return fail(err)
	}
	cache, closeCache := openDedupCache(ctx, cfg.Dedup, logger)
	a.closers = append(a.closers, closeCache)
	gate, err := dedup.NewGate(store, dedup.Options{
		Enabled:  cfg.Dedup.Enabled,
		Mode:     mode,
		Hasher:   sha256.New(),
		Cache:    cache,
		CacheTTL: time.Duration(cfg.Dedup.RedisTTLHours) * time.Hour,
		Logger:   logger,
		Clock:    clock,
	})
	if err != nil {
		return fail(fmt.Errorf("build dedup gate: %w", err))
	}
	if err := gate.CheckMode(ctx); err != nil {
		return fail(err)
	}

	pub, closePub, err := openPublisher(ctx, cfg)
	if err != nil {
		return fail(fmt.Errorf("connect pubsub: %w", err))
	}
	a.closers = append(a.closers, closePub)
	channels, err := delivery.Build(cfg.Channels, delivery.Deps{
		HTTPClient: &http.Client{Timeout: cfg.FetchTimeout()},
		PubSub:     pub,
		Logger:     logger,
	})
	if err != nil {
		return fail(fmt.Errorf("build channels: %w", err))
	}
	window, err := digest.WindowFromConfig(cfg.PushWindow, loc)
	if err != nil {
		return fail(fmt.Errorf("push window: %w", err))
	}
	dispatcher, err := digest.NewDispatcher(digest.Options{
		Channels:  channels,
		Committer: gate,
		Records:   store,
		Window:    window,
		Logger:    logger,
		Clock:     clock,
	})
	if err != nil {
		return fail(fmt.Errorf("build dispatcher: %w", err))
	}

	var history trend.ItemHistory
	if h, ok := store.(trend.ItemHistory); ok {
		history = h
	}
	engine, err := scoring.NewFromConfig(cfg.Scoring, history, logger)
	if err != nil {
		return fail(fmt.Errorf("build scoring engine: %w", err))
	}

	sources := source.FromConfig(cfg.Sources)
	if len(sources) == 0 {
		logger.Warn("no sources configured; runs will record empty batches")
	}
	limiter := source.NewHostLimiter(cfg.Crawler.RequestsPerSecond, 1)
	fetcher, err := source.NewDefaultRegistry(cfg, limiter).Build(sources)
	if err != nil {
		return fail(fmt.Errorf("build sources: %w", err))
	}

	archiver, closeArchive, err := archive.Open(ctx, cfg.Archive, loc, logger)
	if err != nil {
		return fail(fmt.Errorf("open archive: %w", err))
	}
	a.closers = append(a.closers, closeArchive)

	runner, err := pipeline.New(pipeline.Options{
		Store:           store,
		Sources:         sources,
		Fetcher:         fetcher,
		Engine:          engine,
		Gate:            gate,
		Dispatcher:      dispatcher,
		Archiver:        archiver,
		ReportMode:      cfg.App.ReportMode,
		FrequencyWindow: cfg.FrequencyWindow(),
		Concurrency:     cfg.Crawler.Concurrency,
		FetchTimeout:    cfg.FetchTimeout(),
		RunTimeout:      cfg.RunTimeout(),
		Location:        loc,
		IDs:             uuid.New(),
		Clock:           clock,
		Logger:          logger,
	})
	if err != nil {
		return fail(fmt.Errorf("build runner: %w", err))
	}
	a.runner = runner

	logger.Info("trendradar ready",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("report_mode", runner.ReportMode()),
		zap.Int("sources", len(sources)),
		zap.Int("channels", len(channels)),
		zap.Bool("dedup", gate.Enabled()),
		zap.Bool("archive", archiver != nil),
	)
	return a, nil
}

func runOnce(ctx context.Context, cfg config.Config, logger *zap.Logger, crawlAt string) error {
	crawlTime := time.Now().UTC()
	if crawlAt != "" {
		parsed, err := time.Parse(time.RFC3339, crawlAt)
		if err != nil {
			return fmt.Errorf("parse -crawl-time: %w", err)
		}
		crawlTime = parsed
	}

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(logger)

	summary, runErr := a.runner.RunOnce(ctx, crawlTime)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		logger.Warn("print summary failed", zap.Error(err))
	}
	return runErr
}

func runServe(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(logger)

	server := api.NewServer(a.runner, a.store, a.clock, cfg, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("trendradar API listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		schedule(ctx, a.runner, a.clock, cfg.Interval(), logger)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-errCh:
		logger.Error("HTTP server failed", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	if serveErr == nil {
		<-loopDone
	}
	return serveErr
}

// schedule triggers a run immediately and then on every tick until ctx ends.
// A tick that lands while a run is still active is dropped.
func schedule(ctx context.Context, runner *pipeline.Runner, clock trend.Clock, every time.Duration, logger *zap.Logger) {
	if every <= 0 {
		logger.Info("interval crawling disabled")
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		crawlTime := clock.Now().Truncate(time.Second)
		if _, err := runner.RunOnce(ctx, crawlTime); err != nil {
			switch {
			case errors.Is(err, pipeline.ErrRunInProgress):
				logger.Info("scheduled run skipped; previous run still active")
			case errors.Is(err, trend.ErrDuplicateBatch):
				logger.Warn("scheduled run skipped; crawl time already recorded", zap.Time("crawl_time", crawlTime))
			default:
				logger.Error("scheduled run failed", zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
