// Package sqlitestore implements database.Store on SQLite.
// The database is opened in WAL mode with a bounded busy timeout:
// multi-reader/single-writer, and a write that cannot acquire the lock
// within the timeout fails back to the caller instead of blocking.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/XSAM/otelsql"
	"github.com/rs/zerolog/log"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	_ "modernc.org/sqlite"

	"quietfeed/internal/database"
)

const schema = `
CREATE TABLE IF NOT EXISTS posts (
	uri TEXT PRIMARY KEY,
	author_did TEXT NOT NULL,
	created_at TEXT NOT NULL,
	indexed_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_posts_author ON posts(author_did);

CREATE TABLE IF NOT EXISTS feed_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	post_uri TEXT NOT NULL,
	repost_uri TEXT,
	reposter_did TEXT,
	sort_time TEXT NOT NULL,
	is_filtered INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_feed_sort ON feed_items(is_filtered, sort_time DESC);
CREATE INDEX IF NOT EXISTS idx_feed_post ON feed_items(post_uri);

CREATE TABLE IF NOT EXISTS follows (
	did TEXT PRIMARY KEY,
	handle TEXT,
	updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS service_state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store implements database.Store using SQLite via database/sql.
type Store struct {
	db *sql.DB
}

// Ensure Store implements the interface at compile time.
var _ database.Store = (*Store)(nil)

// Open opens (creating if needed) the SQLite database at path.
// The connection is instrumented with otelsql so every query is traced.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	// Pragmas ride along in the DSN so they apply to every pooled
	// connection: WAL for concurrent readers, busy_timeout for the
	// bounded writer wait.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)

	db, err := otelsql.Open("sqlite", dsn, otelsql.WithAttributes(semconv.DBSystemSqlite))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info().Str("path", path).Msg("db: opened sqlite database")
	return &Store{db: db}, nil
}

// InitSchema creates tables and indexes if they don't exist.
// A failure here is fatal to startup; everything after assumes the
// schema is in place.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// PostCount returns the number of indexed posts. Used by the metrics
// collector; returns -1 when the query fails.
func (s *Store) PostCount(ctx context.Context) int {
	return s.count(ctx, `SELECT COUNT(*) FROM posts`)
}

// FeedItemCount returns the number of feed items (filtered included).
func (s *Store) FeedItemCount(ctx context.Context) int {
	return s.count(ctx, `SELECT COUNT(*) FROM feed_items`)
}

// FollowCount returns the size of the tracked follow set.
func (s *Store) FollowCount(ctx context.Context) int {
	return s.count(ctx, `SELECT COUNT(*) FROM follows`)
}

func (s *Store) count(ctx context.Context, query string) int {
	var n int
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return -1
	}
	return n
}
