package archiver

import (
	"context"
	"io"
	"time"
)

// Renderer loads a target and returns its rendered DOM and image references.
type Renderer interface {
	Render(ctx context.Context, target Target) (RenderResult, error)
}

// PageArchiveStore durably persists a capture and returns its locator.
type PageArchiveStore interface {
	Save(ctx context.Context, url string, html string, imageURLs []string) (string, error)
}

// MetadataExtractor parses listing metadata from raw HTML.
type MetadataExtractor interface {
	ParseMetadata(html string) (Metadata, error)
}

// ScreenshotSink receives raw screenshot bytes for a listing.
type ScreenshotSink interface {
	SaveScreenshot(ctx context.Context, listingUUID string, image []byte) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes archived events to Pub/Sub, Kafka, or similar.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// ArchiveMirror keeps a relational copy of archive records.
type ArchiveMirror interface {
	StoreArchive(ctx context.Context, record ArchiveRecord) error
	Close() error
}

// Hasher computes digests for content addressing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator derives listing identifiers.
type IDGenerator interface {
	ListingPID(listingUUID, url string) string
}
