// Package tenant tracks per-tenant active worker counts in the shared store
// and resolves each tenant's configured concurrency limit.
package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// WorkersKey is the sorted set of active worker counts keyed by clientId.
const WorkersKey = "crawler-workers"

// reserveScript increments the tenant's count only while it is below the
// limit, closing the window where two callers both observe "under limit".
var reserveScript = redis.NewScript(`
local current = tonumber(redis.call('ZSCORE', KEYS[1], ARGV[1]) or '0')
if current < tonumber(ARGV[2]) then
	redis.call('ZINCRBY', KEYS[1], 1, ARGV[1])
	return 1
end
return 0
`)

// releaseScript decrements the tenant's count without going below zero.
var releaseScript = redis.NewScript(`
local current = tonumber(redis.call('ZSCORE', KEYS[1], ARGV[1]) or '0')
if current <= 1 then
	redis.call('ZADD', KEYS[1], 0, ARGV[1])
	return 0
end
return redis.call('ZINCRBY', KEYS[1], -1, ARGV[1])
`)

// Pool reserves and releases worker slots per tenant.
type Pool struct {
	client redis.UniversalClient
}

// NewPool creates a Pool backed by Redis.
func NewPool(client redis.UniversalClient) *Pool {
	return &Pool{client: client}
}

// Reserve claims a worker slot for the tenant if its active count is below limit.
func (p *Pool) Reserve(ctx context.Context, clientID string, limit int) (bool, error) {
	n, err := reserveScript.Run(ctx, p.client, []string{WorkersKey}, clientID, limit).Int()
	if err != nil {
		return false, fmt.Errorf("reserve worker for client %s: %w", clientID, err)
	}
	return n == 1, nil
}

// Release returns a worker slot for the tenant.
func (p *Pool) Release(ctx context.Context, clientID string) error {
	if err := releaseScript.Run(ctx, p.client, []string{WorkersKey}, clientID).Err(); err != nil {
		return fmt.Errorf("release worker for client %s: %w", clientID, err)
	}
	return nil
}

// Active returns the tenant's current active worker count.
func (p *Pool) Active(ctx context.Context, clientID string) (int, error) {
	score, err := p.client.ZScore(ctx, WorkersKey, clientID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read workers for client %s: %w", clientID, err)
	}
	return int(score), nil
}

// Reset zeroes every tenant's count by emptying the sorted set.
func (p *Pool) Reset(ctx context.Context) (int, error) {
	n, err := p.client.ZRemRangeByRank(ctx, WorkersKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("reset worker counts: %w", err)
	}
	return int(n), nil
}
