// Package lock implements short-lived, TTL-bounded exclusive locks keyed by
// capture target. Locks are advisory: a crashed owner never deadlocks the
// system because every lock expires after its TTL.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/listing-archiver/internal/archiver"
	"github.com/JakeFAU/listing-archiver/internal/state"
)

const (
	// KeyPrefix prefixes every lock key.
	KeyPrefix = "running-"
	// DefaultTTL bounds how long a lock may outlive its owner.
	DefaultTTL = 30 * time.Second
)

// Key returns the lock key for a listing.
func Key(listingUUID string) string {
	return KeyPrefix + listingUUID
}

// Manager acquires and releases listing locks in Redis.
type Manager struct {
	client redis.Cmdable
	ttl    time.Duration
	clock  archiver.Clock
}

// New creates a Manager. A non-positive ttl falls back to DefaultTTL.
func New(client redis.Cmdable, ttl time.Duration, clock archiver.Clock) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{client: client, ttl: ttl, clock: clock}
}

// TTL reports the configured lock lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// TryAcquire atomically sets the lock if absent. The stored value is the
// acquisition time in unix milliseconds.
func (m *Manager) TryAcquire(ctx context.Context, listingUUID string) (bool, error) {
	stamp := strconv.FormatInt(m.now().UnixMilli(), 10)
	ok, err := m.client.SetNX(ctx, Key(listingUUID), stamp, m.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", listingUUID, err)
	}
	return ok, nil
}

// Held reports whether a lock currently exists for the listing.
func (m *Manager) Held(ctx context.Context, listingUUID string) (bool, error) {
	n, err := m.client.Exists(ctx, Key(listingUUID)).Result()
	if err != nil {
		return false, fmt.Errorf("check lock %s: %w", listingUUID, err)
	}
	return n > 0, nil
}

// Remaining returns how long the listing's lock has left, or zero if unlocked.
func (m *Manager) Remaining(ctx context.Context, listingUUID string) (time.Duration, error) {
	d, err := m.client.PTTL(ctx, Key(listingUUID)).Result()
	if err != nil {
		return 0, fmt.Errorf("read lock %s ttl: %w", listingUUID, err)
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// AcquiredAt returns when the lock was taken, or false if no lock exists.
func (m *Manager) AcquiredAt(ctx context.Context, listingUUID string) (time.Time, bool, error) {
	val, err := m.client.Get(ctx, Key(listingUUID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read lock %s: %w", listingUUID, err)
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse lock %s timestamp: %w", listingUUID, err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// Release unconditionally deletes the locks for the given listings.
func (m *Manager) Release(ctx context.Context, listingUUIDs ...string) error {
	if len(listingUUIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(listingUUIDs))
	for _, id := range listingUUIDs {
		keys = append(keys, Key(id))
	}
	if err := m.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("release %d locks: %w", len(keys), err)
	}
	return nil
}

// ReleaseAll deletes every lock key and returns how many were removed.
func (m *Manager) ReleaseAll(ctx context.Context) (int, error) {
	n, err := state.DeleteMatching(ctx, m.client, KeyPrefix+"*")
	if err != nil {
		return n, fmt.Errorf("release all locks: %w", err)
	}
	return n, nil
}

func (m *Manager) now() time.Time {
	if m.clock == nil {
		return time.Now().UTC()
	}
	return m.clock.Now()
}
