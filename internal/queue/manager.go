// Package queue holds the bounded per-tenant pending queues in Redis.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/listing-archiver/internal/state"
)

const (
	listPrefix = "queue:"
	setPrefix  = "queued-urls:"

	// DefaultCapacity bounds how many targets a tenant may park at once.
	DefaultCapacity = 16
)

// ErrMalformedEntry is returned when a stored entry cannot be parsed.
var ErrMalformedEntry = errors.New("malformed queue entry")

// Entry is one parked target, stored as "<listingUUID> <listingURL>".
type Entry struct {
	ListingUUID string
	ListingURL  string
}

// String renders the wire form of the entry.
func (e Entry) String() string {
	return e.ListingUUID + " " + e.ListingURL
}

// ParseEntry decodes the wire form produced by Entry.String.
func ParseEntry(raw string) (Entry, error) {
	id, u, ok := strings.Cut(raw, " ")
	if !ok || id == "" || u == "" {
		return Entry{}, fmt.Errorf("%w: %q", ErrMalformedEntry, raw)
	}
	return Entry{ListingUUID: id, ListingURL: u}, nil
}

// ListKey is the FIFO list of pending entries for a tenant. The hash tag keeps
// both tenant keys on one cluster slot so scripts may touch them together.
func ListKey(clientID string) string {
	return listPrefix + "{" + clientID + "}"
}

// SetKey is the companion set of queued URLs for a tenant.
func SetKey(clientID string) string {
	return setPrefix + "{" + clientID + "}"
}

// enqueueScript rejects URLs already parked, appends, and evicts the oldest
// entries beyond capacity. Returns 0 for duplicates, otherwise 1 + evicted.
var enqueueScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[2], ARGV[2]) == 1 then
	return 0
end
redis.call('RPUSH', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[2], ARGV[2])
local cap = tonumber(ARGV[3])
local evicted = 0
while redis.call('LLEN', KEYS[1]) > cap do
	local old = redis.call('LPOP', KEYS[1])
	local sep = string.find(old, ' ', 1, true)
	if sep then
		redis.call('SREM', KEYS[2], string.sub(old, sep + 1))
	end
	evicted = evicted + 1
end
return 1 + evicted
`)

var drainScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
redis.call('DEL', KEYS[1], KEYS[2])
return items
`)

// Result describes the effect of an Enqueue call.
type Result struct {
	Accepted bool
	Evicted  int
}

// Manager is the deduplicated, per-tenant pending-request queue.
type Manager struct {
	client   redis.Scripter
	cmd      redis.Cmdable
	capacity int
}

// NewManager creates a Manager. capacity <= 0 uses DefaultCapacity; a capacity
// of 1 keeps only the most recently parked target per tenant.
func NewManager(client redis.UniversalClient, capacity int) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Manager{client: client, cmd: client, capacity: capacity}
}

// Capacity reports the per-tenant queue bound.
func (m *Manager) Capacity() int {
	return m.capacity
}

// Enqueue parks an entry for the tenant unless its URL is already queued.
func (m *Manager) Enqueue(ctx context.Context, clientID string, entry Entry) (Result, error) {
	if entry.ListingUUID == "" || entry.ListingURL == "" {
		return Result{}, fmt.Errorf("%w: %q", ErrMalformedEntry, entry.String())
	}
	n, err := enqueueScript.Run(ctx, m.client,
		[]string{ListKey(clientID), SetKey(clientID)},
		entry.String(), entry.ListingURL, m.capacity,
	).Int()
	if err != nil {
		return Result{}, fmt.Errorf("enqueue %s for client %s: %w", entry.ListingUUID, clientID, err)
	}
	if n == 0 {
		return Result{}, nil
	}
	return Result{Accepted: true, Evicted: n - 1}, nil
}

// Drain atomically reads and removes every pending entry for the tenant.
func (m *Manager) Drain(ctx context.Context, clientID string) ([]Entry, error) {
	raw, err := drainScript.Run(ctx, m.client,
		[]string{ListKey(clientID), SetKey(clientID)},
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("drain queue for client %s: %w", clientID, err)
	}
	return parseAll(raw)
}

// Pending returns the tenant's queued entries without removing them.
func (m *Manager) Pending(ctx context.Context, clientID string) ([]Entry, error) {
	raw, err := m.cmd.LRange(ctx, ListKey(clientID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read queue for client %s: %w", clientID, err)
	}
	return parseAll(raw)
}

// ClearAll deletes every tenant queue and returns how many keys were removed.
func (m *Manager) ClearAll(ctx context.Context) (int, error) {
	lists, err := state.DeleteMatching(ctx, m.cmd, listPrefix+"*")
	if err != nil {
		return lists, fmt.Errorf("clear queues: %w", err)
	}
	sets, err := state.DeleteMatching(ctx, m.cmd, setPrefix+"*")
	if err != nil {
		return lists + sets, fmt.Errorf("clear queued url sets: %w", err)
	}
	return lists + sets, nil
}

func parseAll(raw []string) ([]Entry, error) {
	entries := make([]Entry, 0, len(raw))
	for _, r := range raw {
		e, err := ParseEntry(r)
		if err != nil {
			return entries, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
