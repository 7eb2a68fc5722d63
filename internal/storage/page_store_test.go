package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-archiver/internal/hash/sha256"
	"github.com/JakeFAU/listing-archiver/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type failingBlobs struct{}

func (failingBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket gone")
}

func TestPageStoreSavesPageAndManifest(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	hasher := sha256.New()
	clock := fixedClock{now: time.UnixMilli(1_700_000_000_000).UTC()}
	store := NewPageStore(blobs, hasher, clock, "/archive/")

	html := "<html><title>Loft</title></html>"
	locator, err := store.Save(context.Background(), "https://Shop.Example.com/l/1", html, []string{"https://cdn/x.jpg"})
	require.NoError(t, err)

	digest := hasher.HashString(html)
	pagePath := "archive/pages/shop.example.com/" + digest + "/index.html"
	require.Equal(t, "memory://"+pagePath, locator)

	data, ct, ok := blobs.Get(pagePath)
	require.True(t, ok)
	require.Equal(t, htmlContentType, ct)
	require.Equal(t, html, string(data))

	raw, _, ok := blobs.Get("archive/pages/shop.example.com/" + digest + "/manifest.json")
	require.True(t, ok)
	var m Manifest
	require.NoError(t, json.Unmarshal(raw, &m))
	require.Equal(t, Manifest{
		URL:        "https://Shop.Example.com/l/1",
		SHA256:     digest,
		ImageURLs:  []string{"https://cdn/x.jpg"},
		Bytes:      len(html),
		ArchivedAt: clock.now,
	}, m)
}

func TestPageStoreIsContentAddressed(t *testing.T) {
	t.Parallel()

	store := NewPageStore(memory.NewBlobStore(), sha256.New(), fixedClock{now: time.Now().UTC()}, "")
	a, err := store.Save(context.Background(), "https://example.com/a", "<p>same</p>", nil)
	require.NoError(t, err)
	b, err := store.Save(context.Background(), "https://example.com/a", "<p>same</p>", nil)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestPageStorePropagatesBlobErrors(t *testing.T) {
	t.Parallel()

	store := NewPageStore(failingBlobs{}, sha256.New(), fixedClock{}, "")
	_, err := store.Save(context.Background(), "https://example.com", "<html></html>", nil)
	require.ErrorContains(t, err, "bucket gone")
}

func TestScreenshotStore(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	store := NewScreenshotStore(blobs, fixedClock{now: time.UnixMilli(42)}, "shots")

	uri, err := store.SaveScreenshot(context.Background(), "abc", []byte{0x89, 'P', 'N', 'G'})
	require.NoError(t, err)
	require.Equal(t, "memory://shots/screenshots/abc/42.png", uri)
	_, ct, ok := blobs.Get("shots/screenshots/abc/42.png")
	require.True(t, ok)
	require.Equal(t, pngContentType, ct)

	_, err = store.SaveScreenshot(context.Background(), "abc", nil)
	require.Error(t, err)
}
