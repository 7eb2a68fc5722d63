// Package storage persists captured pages and screenshots on a blob store
// and hosts the relational archive mirrors in its subpackages.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/JakeFAU/listing-archiver/internal/archiver"
)

const (
	htmlContentType     = "text/html; charset=utf-8"
	manifestContentType = "application/json"
	pngContentType      = "image/png"
)

// Manifest is written next to every archived page.
type Manifest struct {
	URL        string    `json:"url"`
	SHA256     string    `json:"sha256"`
	ImageURLs  []string  `json:"imageUrls"`
	Bytes      int       `json:"bytes"`
	ArchivedAt time.Time `json:"archivedAt"`
}

// PageStore implements archiver.PageArchiveStore on a BlobStore. Pages are
// content addressed, so saving identical HTML twice yields the same locator.
type PageStore struct {
	blobs  archiver.BlobStore
	hasher archiver.Hasher
	clock  archiver.Clock
	prefix string
}

// NewPageStore creates a PageStore writing under prefix.
func NewPageStore(blobs archiver.BlobStore, hasher archiver.Hasher, clock archiver.Clock, prefix string) *PageStore {
	return &PageStore{
		blobs:  blobs,
		hasher: hasher,
		clock:  clock,
		prefix: strings.Trim(prefix, "/"),
	}
}

// Save writes the page and its manifest and returns the page locator.
func (s *PageStore) Save(ctx context.Context, pageURL string, html string, imageURLs []string) (string, error) {
	digest, err := s.hasher.Hash([]byte(html))
	if err != nil {
		return "", fmt.Errorf("hash page %s: %w", pageURL, err)
	}
	dir := s.pageDir(pageURL, digest)

	locator, err := s.blobs.PutObject(ctx, path.Join(dir, "index.html"), htmlContentType, strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("store page %s: %w", pageURL, err)
	}

	if imageURLs == nil {
		imageURLs = []string{}
	}
	manifest, err := json.Marshal(Manifest{
		URL:        pageURL,
		SHA256:     digest,
		ImageURLs:  imageURLs,
		Bytes:      len(html),
		ArchivedAt: s.clock.Now(),
	})
	if err != nil {
		return "", fmt.Errorf("encode manifest for %s: %w", pageURL, err)
	}
	if _, err := s.blobs.PutObject(ctx, path.Join(dir, "manifest.json"), manifestContentType, bytes.NewReader(manifest)); err != nil {
		return "", fmt.Errorf("store manifest for %s: %w", pageURL, err)
	}
	return locator, nil
}

// pageDir is <prefix>/pages/<host>/<sha256>.
func (s *PageStore) pageDir(pageURL, digest string) string {
	host := "unknown"
	if u, err := url.Parse(pageURL); err == nil && u.Hostname() != "" {
		host = strings.ToLower(u.Hostname())
	}
	return joinPrefix(s.prefix, "pages", host, digest)
}

// ScreenshotStore implements archiver.ScreenshotSink on a BlobStore.
type ScreenshotStore struct {
	blobs  archiver.BlobStore
	clock  archiver.Clock
	prefix string
}

// NewScreenshotStore creates a ScreenshotStore writing under prefix.
func NewScreenshotStore(blobs archiver.BlobStore, clock archiver.Clock, prefix string) *ScreenshotStore {
	return &ScreenshotStore{blobs: blobs, clock: clock, prefix: strings.Trim(prefix, "/")}
}

// SaveScreenshot stores a PNG as <prefix>/screenshots/<listingUUID>/<unixms>.png.
func (s *ScreenshotStore) SaveScreenshot(ctx context.Context, listingUUID string, image []byte) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("screenshot for %s is empty", listingUUID)
	}
	name := fmt.Sprintf("%d.png", s.clock.Now().UnixMilli())
	p := joinPrefix(s.prefix, "screenshots", listingUUID, name)
	uri, err := s.blobs.PutObject(ctx, p, pngContentType, bytes.NewReader(image))
	if err != nil {
		return "", fmt.Errorf("store screenshot for %s: %w", listingUUID, err)
	}
	return uri, nil
}

func joinPrefix(prefix string, parts ...string) string {
	if prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{prefix}, parts...)...)
}
