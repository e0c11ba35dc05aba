package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a fast front for the pushed-content set. It is advisory: a miss
// falls through to the store and errors are tolerated.
type Cache interface {
	Seen(ctx context.Context, fingerprints []string) (map[string]bool, error)
	Remember(ctx context.Context, fingerprints []string, ttl time.Duration) error
}

const pushedKeyPrefix = "trendradar:pushed:"

// RedisCache keeps pushed fingerprints as expiring redis keys.
type RedisCache struct {
	client redis.Cmdable
}

// NewRedisCache wraps a redis client.
func NewRedisCache(client redis.Cmdable) *RedisCache {
	return &RedisCache{client: client}
}

func pushedKey(fp string) string {
	return pushedKeyPrefix + fp
}

// Seen checks every fingerprint in one pipeline round-trip.
func (c *RedisCache) Seen(ctx context.Context, fingerprints []string) (map[string]bool, error) {
	out := make(map[string]bool, len(fingerprints))
	if len(fingerprints) == 0 {
		return out, nil
	}
	cmds := make([]*redis.IntCmd, len(fingerprints))
	_, err := c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, fp := range fingerprints {
			cmds[i] = p.Exists(ctx, pushedKey(fp))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis exists: %w", err)
	}
	for i, cmd := range cmds {
		if cmd.Val() == 1 {
			out[fingerprints[i]] = true
		}
	}
	return out, nil
}

// Remember stores fingerprints with the given expiry; a non-positive ttl
// keeps them until evicted.
func (c *RedisCache) Remember(ctx context.Context, fingerprints []string, ttl time.Duration) error {
	if len(fingerprints) == 0 {
		return nil
	}
	_, err := c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, fp := range fingerprints {
			if ttl > 0 {
				p.SetEx(ctx, pushedKey(fp), "1", ttl)
				continue
			}
			p.Set(ctx, pushedKey(fp), "1", 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis setex: %w", err)
	}
	return nil
}
