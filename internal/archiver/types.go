package archiver

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// CaptureRequest identifies one target-capture job submitted by a tenant.
type CaptureRequest struct {
	ListingURL  string `json:"listingURL"`
	ListingUUID string `json:"listingUUID"`
	ClientID    string `json:"clientId"`
}

// Validate checks that the request names a tenant, a listing, and an absolute http(s) URL.
func (r CaptureRequest) Validate() error {
	if strings.TrimSpace(r.ClientID) == "" {
		return errors.New("clientId is required")
	}
	if strings.TrimSpace(r.ListingUUID) == "" {
		return errors.New("listingUUID is required")
	}
	if strings.ContainsAny(r.ListingUUID, " \t\n") {
		return errors.New("listingUUID must not contain whitespace")
	}
	u, err := url.Parse(r.ListingURL)
	if err != nil {
		return fmt.Errorf("parse listingURL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("listingURL must be an absolute http(s) URL, got %q", r.ListingURL)
	}
	return nil
}

// RenderOptions carries per-request knobs forwarded to the Renderer.
type RenderOptions struct {
	Screenshot bool          `json:"screenshot"`
	Timeout    time.Duration `json:"timeout,omitempty"`
}

// Target is one URL tagged with the request it originated from.
type Target struct {
	URL         string        `json:"url"`
	ListingUUID string        `json:"listingUUID"`
	ClientID    string        `json:"clientId"`
	Options     RenderOptions `json:"options"`
}

// RenderResult is what a Renderer produces for a single target.
type RenderResult struct {
	FinalURL   string
	HTML       string
	ImageURLs  []string
	Screenshot []byte
}

// CapturedPayload is emitted once per successfully rendered target.
type CapturedPayload struct {
	URL         string   `json:"url"`
	HTML        string   `json:"html"`
	ImageURLs   []string `json:"imageUrls"`
	ListingURL  string   `json:"listingURL"`
	ListingUUID string   `json:"listingUUID"`
	ListingPID  string   `json:"listingPid"`
	ClientID    string   `json:"clientId"`
}

// ScreenshotEvent is the side-channel counterpart of a capture.
type ScreenshotEvent struct {
	ListingUUID string
	Image       []byte
}

// ArchiveRecord is the durable record stored in the archive index.
type ArchiveRecord struct {
	CapturedPayload
	GitURL     string    `json:"gitUrl"`
	ArchivedAt time.Time `json:"archivedAt"`
}

// Metadata describes the listing page as extracted from its HTML.
type Metadata struct {
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Image        string   `json:"image,omitempty"`
	SiteName     string   `json:"siteName,omitempty"`
	CanonicalURL string   `json:"canonicalUrl,omitempty"`
	Price        string   `json:"price,omitempty"`
	Currency     string   `json:"currency,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
}

// RecentListing is one member of the recent activity ledger.
type RecentListing struct {
	ListingPID string    `json:"listingPid"`
	Metadata   Metadata  `json:"metadata"`
	CreatedAt  time.Time `json:"createdAt"`
}

// EventKey is the partition/ordering key used when the record is published.
func (r ArchiveRecord) EventKey() string {
	return r.ListingPID
}
