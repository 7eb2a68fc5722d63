package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-archiver/internal/archiver"
)

func newTestLedger(t *testing.T, capacity int) (*Ledger, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, capacity), client
}

func listing(i int, base time.Time) archiver.RecentListing {
	return archiver.RecentListing{
		ListingPID: fmt.Sprintf("pid-%02d", i),
		Metadata:   archiver.Metadata{Title: fmt.Sprintf("Listing %d", i)},
		CreatedAt:  base.Add(time.Duration(i) * time.Second),
	}
}

func TestInsertNeverExceedsCapacity(t *testing.T) {
	t.Parallel()

	l, _ := newTestLedger(t, 0)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000).UTC()

	for i := 0; i < 25; i++ {
		evicted, err := l.Insert(ctx, listing(i, base))
		require.NoError(t, err)
		if i < DefaultCapacity {
			require.Zero(t, evicted)
		} else {
			require.Equal(t, 1, evicted, "full ledger evicts before growing")
		}
		n, err := l.Len(ctx)
		require.NoError(t, err)
		require.LessOrEqual(t, n, DefaultCapacity)
	}

	items, err := l.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, DefaultCapacity)
	require.Equal(t, "pid-24", items[0].ListingPID)
	require.Equal(t, "pid-15", items[len(items)-1].ListingPID)
}

func TestInsertEvictsOldestEvenWhenOutOfOrder(t *testing.T) {
	t.Parallel()

	l, _ := newTestLedger(t, 3)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000).UTC()

	for _, i := range []int{5, 1, 9} {
		_, err := l.Insert(ctx, listing(i, base))
		require.NoError(t, err)
	}
	_, err := l.Insert(ctx, listing(7, base))
	require.NoError(t, err)

	items, err := l.List(ctx)
	require.NoError(t, err)
	pids := make([]string, 0, len(items))
	for _, it := range items {
		pids = append(pids, it.ListingPID)
	}
	require.Equal(t, []string{"pid-09", "pid-07", "pid-05"}, pids)
}

func TestInsertTrimsOversizedLedger(t *testing.T) {
	t.Parallel()

	l, client := newTestLedger(t, 2)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, client.ZAdd(ctx, Key, redis.Z{Score: float64(i), Member: fmt.Sprintf("legacy-%d", i)}).Err())
	}

	evicted, err := l.Insert(ctx, listing(1, time.UnixMilli(1_700_000_000_000)))
	require.NoError(t, err)
	require.Equal(t, 4, evicted)

	n, err := l.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestInsertCmdOnPipeline(t *testing.T) {
	t.Parallel()

	l, client := newTestLedger(t, 0)
	ctx := context.Background()

	pipe := client.Pipeline()
	pipe.HSet(ctx, "archives", "pid-01", "{}")
	cmd, err := l.InsertCmd(ctx, pipe, listing(1, time.UnixMilli(1_700_000_000_000)))
	require.NoError(t, err)
	_, err = pipe.Exec(ctx)
	require.NoError(t, err)
	require.NoError(t, cmd.Err())

	items, err := l.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "Listing 1", items[0].Metadata.Title)
}

func TestInsertSamePIDReplacesEntry(t *testing.T) {
	t.Parallel()

	l, client := newTestLedger(t, 3)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000).UTC()

	for _, i := range []int{1, 2, 3} {
		_, err := l.Insert(ctx, listing(i, base))
		require.NoError(t, err)
	}
	again := listing(1, base.Add(time.Minute))
	again.Metadata.Title = "Listing 1, again"
	evicted, err := l.Insert(ctx, again)
	require.NoError(t, err)
	require.Zero(t, evicted, "re-archiving a listing does not push others out")

	items, err := l.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, "pid-01", items[0].ListingPID)
	require.Equal(t, "Listing 1, again", items[0].Metadata.Title)
	require.Equal(t, "pid-03", items[1].ListingPID)
	require.Equal(t, "pid-02", items[2].ListingPID)

	n, err := client.HLen(ctx, ItemsKey).Result()
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
}

func TestInsertEvictionDropsItemBodies(t *testing.T) {
	t.Parallel()

	l, client := newTestLedger(t, 2)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000).UTC()

	for i := 0; i < 4; i++ {
		_, err := l.Insert(ctx, listing(i, base))
		require.NoError(t, err)
	}

	fields, err := client.HKeys(ctx, ItemsKey).Result()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"pid-02", "pid-03"}, fields)
}

func TestInsertRequiresPID(t *testing.T) {
	t.Parallel()

	l, _ := newTestLedger(t, 0)
	_, err := l.Insert(context.Background(), archiver.RecentListing{CreatedAt: time.Now()})
	require.Error(t, err)
}
