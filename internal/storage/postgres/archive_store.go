// Package postgres mirrors archive records into Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/listing-archiver/internal/archiver"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "listing_archives"

// Config controls the Postgres connection pool used for archive rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ArchiveStore upserts archive records into Postgres.
type ArchiveStore struct {
	pool  execCloser
	table string
}

// NewArchiveStore connects to Postgres and makes sure the table exists.
func NewArchiveStore(ctx context.Context, cfg Config) (*ArchiveStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := &ArchiveStore{pool: pool, table: table}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewArchiveStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewArchiveStoreWithPool(pool execCloser, table string) (*ArchiveStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &ArchiveStore{pool: pool, table: table}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

func (s *ArchiveStore) initSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	listing_pid  TEXT PRIMARY KEY,
	listing_uuid TEXT NOT NULL,
	client_id    TEXT NOT NULL,
	listing_url  TEXT NOT NULL,
	final_url    TEXT NOT NULL,
	git_url      TEXT NOT NULL,
	image_urls   JSONB NOT NULL DEFAULT '[]',
	archived_at  TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *ArchiveStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// StoreArchive upserts the record keyed by listing PID; the latest archive wins.
func (s *ArchiveStore) StoreArchive(ctx context.Context, record archiver.ArchiveRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("archive store is not configured")
	}
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
	query := fmt.Sprintf(`
INSERT INTO %s (
	listing_pid,
	listing_uuid,
	client_id,
	listing_url,
	final_url,
	git_url,
	image_urls,
	archived_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8
)
ON CONFLICT (listing_pid) DO UPDATE SET
	final_url = EXCLUDED.final_url,
	git_url = EXCLUDED.git_url,
	image_urls = EXCLUDED.image_urls,
	archived_at = EXCLUDED.archived_at`, s.table)

	args := []any{
		record.ListingPID,
		record.ListingUUID,
		record.ClientID,
		record.ListingURL,
		record.URL,
		record.GitURL,
		imagesJSON,
		record.ArchivedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert archive %s: %w", record.ListingPID, err)
	}
	return nil
}
