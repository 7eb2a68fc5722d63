package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutAndGet(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "pages/a/index.html", "text/html", strings.NewReader("<html></html>"))
	require.NoError(t, err)
	require.Equal(t, "memory://pages/a/index.html", uri)

	data, ct, ok := store.Get("pages/a/index.html")
	require.True(t, ok)
	require.Equal(t, "text/html", ct)
	require.Equal(t, "<html></html>", string(data))

	data[0] = 'X'
	again, _, _ := store.Get("pages/a/index.html")
	require.Equal(t, byte('<'), again[0], "Get must return a copy")

	_, _, ok = store.Get("missing")
	require.False(t, ok)
}

func TestPutRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().PutObject(context.Background(), " ", "", strings.NewReader("x"))
	require.Error(t, err)
}

func TestPathsSorted(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for _, p := range []string{"b", "a", "c"} {
		_, err := store.PutObject(context.Background(), p, "", strings.NewReader(p))
		require.NoError(t, err)
	}
	require.Equal(t, []string{"a", "b", "c"}, store.Paths())
}
