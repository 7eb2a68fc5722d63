// Package sqlite mirrors archive records into a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/JakeFAU/listing-archiver/internal/archiver"
)

// ArchiveStore upserts archive records into SQLite.
type ArchiveStore struct {
	db *sql.DB
}

// NewArchiveStore opens (or creates) the database at path and bootstraps its schema.
func NewArchiveStore(ctx context.Context, path string) (*ArchiveStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single writer avoids SQLITE_BUSY between pipeline workers.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	store := &ArchiveStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *ArchiveStore) initSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS archives (
	listing_pid  TEXT PRIMARY KEY,
	listing_uuid TEXT NOT NULL,
	client_id    TEXT NOT NULL,
	listing_url  TEXT NOT NULL,
	final_url    TEXT NOT NULL,
	git_url      TEXT NOT NULL,
	image_urls   TEXT NOT NULL DEFAULT '[]',
	archived_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_archives_listing_uuid ON archives(listing_uuid);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

// StoreArchive upserts the record keyed by listing PID.
func (s *ArchiveStore) StoreArchive(ctx context.Context, record archiver.ArchiveRecord) error {
	if record.ListingPID == "" {
		return fmt.Errorf("listing pid is required")
	}
	images := record.ImageURLs
	if images == nil {
		images = []string{}
	}
	imagesJSON, err := json.Marshal(images)
	if err != nil {
		return fmt.Errorf("marshal image urls: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO archives (listing_pid, listing_uuid, client_id, listing_url, final_url, git_url, image_urls, archived_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(listing_pid) DO UPDATE SET
	final_url = excluded.final_url,
	git_url = excluded.git_url,
	image_urls = excluded.image_urls,
	archived_at = excluded.archived_at`,
		record.ListingPID,
		record.ListingUUID,
		record.ClientID,
		record.ListingURL,
		record.URL,
		record.GitURL,
		string(imagesJSON),
		record.ArchivedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert archive %s: %w", record.ListingPID, err)
	}
	return nil
}

// ListByListing returns every archive recorded for a listing, newest first.
func (s *ArchiveStore) ListByListing(ctx context.Context, listingUUID string) ([]archiver.ArchiveRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT listing_pid, listing_uuid, client_id, listing_url, final_url, git_url, image_urls, archived_at
FROM archives WHERE listing_uuid = ? ORDER BY archived_at DESC`, listingUUID)
	if err != nil {
		return nil, fmt.Errorf("query archives: %w", err)
	}
	defer rows.Close()

	var out []archiver.ArchiveRecord
	for rows.Next() {
		var (
			rec        archiver.ArchiveRecord
			imagesJSON string
			archivedAt string
		)
		if err := rows.Scan(&rec.ListingPID, &rec.ListingUUID, &rec.ClientID, &rec.ListingURL,
			&rec.URL, &rec.GitURL, &imagesJSON, &archivedAt); err != nil {
			return nil, fmt.Errorf("scan archive: %w", err)
		}
		if err := json.Unmarshal([]byte(imagesJSON), &rec.ImageURLs); err != nil {
			return nil, fmt.Errorf("decode image urls: %w", err)
		}
		if rec.ArchivedAt, err = time.Parse(time.RFC3339Nano, archivedAt); err != nil {
			return nil, fmt.Errorf("parse archived_at: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database handle.
func (s *ArchiveStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
