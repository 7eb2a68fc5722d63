// Package state connects to the shared Redis store that holds locks, tenant
// queues, worker counts, the archive index, and the recent activity ledger.
package state

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config captures the parameters required to connect to Redis.
type Config struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
}

// NewClient builds a Redis client and verifies the connection with PING.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		closeErr := client.Close()
		if closeErr != nil {
			return nil, fmt.Errorf("ping redis: %w (close client: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

const scanBatch = 100

// DeleteMatching removes every key matching pattern and returns how many
// keys were deleted. The scan completes before any key is deleted so the
// cursor never moves under deletions.
func DeleteMatching(ctx context.Context, client redis.Cmdable, pattern string) (int, error) {
	var keys []string
	seen := make(map[string]struct{})
	iter := client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		// SCAN may return a key more than once.
		if _, dup := seen[iter.Val()]; dup {
			continue
		}
		seen[iter.Val()] = struct{}{}
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scan keys matching %q: %w", pattern, err)
	}

	deleted := 0
	for start := 0; start < len(keys); start += scanBatch {
		end := min(start+scanBatch, len(keys))
		n, err := client.Del(ctx, keys[start:end]...).Result()
		if err != nil {
			return deleted, fmt.Errorf("delete keys matching %q: %w", pattern, err)
		}
		deleted += int(n)
	}
	return deleted, nil
}
