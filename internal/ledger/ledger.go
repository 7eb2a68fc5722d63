// Package ledger keeps the bounded "recent activity" index of archived
// listings. The ledger never holds more than its capacity; inserting into a
// full ledger evicts the oldest members first.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/listing-archiver/internal/archiver"
)

const (
	// Key is the sorted set of listing PIDs scored by creation time.
	Key = "recent-listings"
	// ItemsKey is the hash holding the encoded listing for each PID in Key.
	ItemsKey = "recent-listings-items"
	// DefaultCapacity is the number of listings retained.
	DefaultCapacity = 10
)

// insertScript drops any previous entry for the PID, trims the set to
// capacity-1 by removing the lowest scores, then adds the PID and its body.
// Returns the number of evicted listings.
var insertScript = redis.NewScript(`
local cap = tonumber(ARGV[3])
redis.call('ZREM', KEYS[1], ARGV[2])
local size = redis.call('ZCARD', KEYS[1])
local evicted = 0
if size >= cap then
	evicted = size - cap + 1
	local oldest = redis.call('ZRANGE', KEYS[1], 0, evicted - 1)
	redis.call('ZREMRANGEBYRANK', KEYS[1], 0, evicted - 1)
	redis.call('HDEL', KEYS[2], unpack(oldest))
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[2], ARGV[4])
return evicted
`)

// Ledger is the Redis-backed recent activity index.
type Ledger struct {
	client   redis.UniversalClient
	capacity int
}

// New creates a Ledger. capacity <= 0 uses DefaultCapacity.
func New(client redis.UniversalClient, capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ledger{client: client, capacity: capacity}
}

// Capacity reports the maximum ledger size.
func (l *Ledger) Capacity() int {
	return l.capacity
}

// Insert adds an item, evicting the oldest members when the ledger is full.
func (l *Ledger) Insert(ctx context.Context, item archiver.RecentListing) (int, error) {
	keys, args, err := l.scriptArgs(item)
	if err != nil {
		return 0, err
	}
	n, err := insertScript.Run(ctx, l.client, keys, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("insert %s into ledger: %w", item.ListingPID, err)
	}
	return n, nil
}

// InsertCmd queues the insert on a pipeline. The script body is sent with the
// command so it does not depend on the script cache.
func (l *Ledger) InsertCmd(ctx context.Context, pipe redis.Pipeliner, item archiver.RecentListing) (*redis.Cmd, error) {
	keys, args, err := l.scriptArgs(item)
	if err != nil {
		return nil, err
	}
	return insertScript.Eval(ctx, pipe, keys, args...), nil
}

// List returns the ledger newest first. A PID evicted between the two reads
// is skipped.
func (l *Ledger) List(ctx context.Context) ([]archiver.RecentListing, error) {
	pids, err := l.client.ZRevRange(ctx, Key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	if len(pids) == 0 {
		return []archiver.RecentListing{}, nil
	}
	bodies, err := l.client.HMGet(ctx, ItemsKey, pids...).Result()
	if err != nil {
		return nil, fmt.Errorf("read ledger items: %w", err)
	}
	items := make([]archiver.RecentListing, 0, len(bodies))
	for i, b := range bodies {
		raw, ok := b.(string)
		if !ok {
			continue
		}
		var item archiver.RecentListing
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return items, fmt.Errorf("decode ledger item %s: %w", pids[i], err)
		}
		items = append(items, item)
	}
	return items, nil
}

// Len returns the current ledger size.
func (l *Ledger) Len(ctx context.Context) (int, error) {
	n, err := l.client.ZCard(ctx, Key).Result()
	if err != nil {
		return 0, fmt.Errorf("count ledger: %w", err)
	}
	return int(n), nil
}

func (l *Ledger) scriptArgs(item archiver.RecentListing) ([]string, []any, error) {
	if item.ListingPID == "" {
		return nil, nil, errors.New("ledger item has no listing pid")
	}
	body, err := json.Marshal(item)
	if err != nil {
		return nil, nil, fmt.Errorf("encode ledger item %s: %w", item.ListingPID, err)
	}
	return []string{Key, ItemsKey}, []any{item.CreatedAt.UnixMilli(), item.ListingPID, l.capacity, string(body)}, nil
}
