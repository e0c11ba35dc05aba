package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/trendradar/internal/config"
	"github.com/JakeFAU/trendradar/internal/dedup"
	"github.com/JakeFAU/trendradar/internal/delivery"
	"github.com/JakeFAU/trendradar/internal/store/memory"
	"github.com/JakeFAU/trendradar/internal/store/postgres"
	"github.com/JakeFAU/trendradar/internal/store/sqlite"
	"github.com/JakeFAU/trendradar/internal/trend"
)

// openStore selects the incremental store backend.
func openStore(ctx context.Context, cfg config.StorageConfig, clock trend.Clock, logger *zap.Logger) (trend.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		s, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.SQLitePath, Logger: logger, Clock: clock})
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case "postgres":
		s, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.PostgresDSN,
			MaxConns: cfg.MaxConns,
			Logger:   logger,
			Clock:    clock,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	case "memory":
		logger.Warn("using the in-memory store; history is lost on exit")
		return memory.New(clock), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// openDedupCache connects the optional Redis cache. An unreachable Redis is
// logged, not fatal: the gate falls back to the store on cache errors.
func openDedupCache(ctx context.Context, cfg config.DedupConfig, logger *zap.Logger) (dedup.Cache, func() error) {
	noop := func() error { return nil }
	if !cfg.Enabled || cfg.RedisAddr == "" {
		return nil, noop
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("dedup cache unreachable; continuing with store lookups",
			zap.String("addr", cfg.RedisAddr),
			zap.Error(err),
		)
	}
	return dedup.NewRedisCache(client), client.Close
}

// openPublisher connects to Pub/Sub only when a pubsub channel is configured.
func openPublisher(ctx context.Context, cfg config.Config) (delivery.Publisher, func() error, error) {
	noop := func() error { return nil }
	needed := false
	for _, ch := range cfg.Channels {
		if ch.Type == delivery.TypePubSub {
			needed = true
			break
		}
	}
	if !needed {
		return nil, noop, nil
	}
	pub, err := delivery.NewCloudPublisher(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, noop, err
	}
	return pub, pub.Close, nil
}
