package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNowIsUTCMillis(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC().Add(-time.Second)
	got := New().Now()

	require.Equal(t, time.UTC, got.Location())
	require.WithinRange(t, got, before, time.Now().UTC().Add(time.Second))
	// Ledger scores and lock values are unix milliseconds.
	require.Zero(t, got.Nanosecond()%int(time.Millisecond))
}

func TestNowNonDecreasing(t *testing.T) {
	t.Parallel()

	clk := New()
	first := clk.Now()
	require.False(t, clk.Now().Before(first))
}
