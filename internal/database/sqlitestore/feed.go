package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"quietfeed/internal/database"
)

// ========== Posts ==========

func (s *Store) InsertPost(ctx context.Context, post database.Post) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO posts (uri, author_did, created_at, indexed_at)
		VALUES (?, ?, ?, ?)
	`, post.URI, post.AuthorDID, post.CreatedAt, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert post: %w", err)
	}
	return nil
}

func (s *Store) GetPost(ctx context.Context, uri string) (*database.Post, error) {
	var p database.Post
	err := s.db.QueryRowContext(ctx, `
		SELECT uri, author_did, created_at, indexed_at FROM posts WHERE uri = ?
	`, uri).Scan(&p.URI, &p.AuthorDID, &p.CreatedAt, &p.IndexedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get post: %w", err)
	}
	return &p, nil
}

func (s *Store) DeletePost(ctx context.Context, uri string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE uri = ?`, uri)
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	return nil
}

// ========== Feed items ==========

func (s *Store) InsertFeedItem(ctx context.Context, item database.FeedItem) error {
	filtered := 0
	if item.IsFiltered {
		filtered = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feed_items (post_uri, repost_uri, reposter_did, sort_time, is_filtered)
		VALUES (?, ?, ?, ?, ?)
	`, item.PostURI, nullable(item.RepostURI), nullable(item.ReposterDID), item.SortTime, filtered)
	if err != nil {
		return fmt.Errorf("insert feed item: %w", err)
	}
	return nil
}

func (s *Store) DeleteFeedItemsForPost(ctx context.Context, postURI string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM feed_items WHERE post_uri = ?`, postURI)
	if err != nil {
		return fmt.Errorf("delete feed items for post: %w", err)
	}
	return nil
}

func (s *Store) DeleteFeedItemsForRepost(ctx context.Context, repostURI string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM feed_items WHERE repost_uri = ?`, repostURI)
	if err != nil {
		return fmt.Errorf("delete feed items for repost: %w", err)
	}
	return nil
}

// FeedPage runs the keyset pagination query. The cursor encodes the
// boundary row as "<sort_time>::<id>"; rows strictly below that tuple
// under (sort_time desc, id desc) are returned. Newer rows inserted
// concurrently never perturb a walk in progress because the walk only
// moves backward.
func (s *Store) FeedPage(ctx context.Context, limit int, cursor string) ([]database.FeedItem, string, error) {
	var rows *sql.Rows
	var err error

	if cursorTime, cursorID, ok := parseCursor(cursor); ok {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, post_uri, repost_uri, reposter_did, sort_time, is_filtered
			FROM feed_items
			WHERE is_filtered = 0
			  AND (sort_time < ? OR (sort_time = ? AND id < ?))
			ORDER BY sort_time DESC, id DESC
			LIMIT ?
		`, cursorTime, cursorTime, cursorID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, post_uri, repost_uri, reposter_did, sort_time, is_filtered
			FROM feed_items
			WHERE is_filtered = 0
			ORDER BY sort_time DESC, id DESC
			LIMIT ?
		`, limit)
	}
	if err != nil {
		return nil, "", fmt.Errorf("feed page: %w", err)
	}
	defer rows.Close()

	items, err := scanFeedItems(rows)
	if err != nil {
		return nil, "", err
	}
	if len(items) == 0 {
		return items, "", nil
	}

	next, err := s.resolveCursor(ctx, items[len(items)-1])
	if err != nil {
		return nil, "", err
	}
	return items, next, nil
}

// resolveCursor derives the continuation cursor from the last returned
// item by looking that row up again by its post/repost uri. The cursor
// therefore always points at a row that truly exists in the store, not
// at whatever the scanned struct happened to hold.
func (s *Store) resolveCursor(ctx context.Context, last database.FeedItem) (string, error) {
	var id int64
	var sortTime string
	var err error

	if last.RepostURI != "" {
		err = s.db.QueryRowContext(ctx, `
			SELECT id, sort_time FROM feed_items WHERE repost_uri = ? ORDER BY id DESC LIMIT 1
		`, last.RepostURI).Scan(&id, &sortTime)
	} else {
		err = s.db.QueryRowContext(ctx, `
			SELECT id, sort_time FROM feed_items WHERE post_uri = ? AND repost_uri IS NULL ORDER BY id DESC LIMIT 1
		`, last.PostURI).Scan(&id, &sortTime)
	}
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve cursor: %w", err)
	}
	return fmt.Sprintf("%s::%d", sortTime, id), nil
}

func scanFeedItems(rows *sql.Rows) ([]database.FeedItem, error) {
	items := []database.FeedItem{}
	for rows.Next() {
		var item database.FeedItem
		var repostURI, reposterDID sql.NullString
		var filtered int
		if err := rows.Scan(&item.ID, &item.PostURI, &repostURI, &reposterDID, &item.SortTime, &filtered); err != nil {
			return nil, fmt.Errorf("scan feed item: %w", err)
		}
		item.RepostURI = repostURI.String
		item.ReposterDID = reposterDID.String
		item.IsFiltered = filtered == 1
		items = append(items, item)
	}
	return items, rows.Err()
}

// parseCursor splits "<sort_time>::<id>". A malformed cursor reports
// !ok, which callers treat as "start from the newest row".
func parseCursor(cursor string) (sortTime string, id int64, ok bool) {
	if cursor == "" {
		return "", 0, false
	}
	parts := strings.SplitN(cursor, "::", 2)
	if len(parts) != 2 {
		return "", 0, false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[0], id, true
}

// ========== Retention ==========

// DeleteOlderThan removes feed items whose sort_time and posts whose
// created_at fall before cutoff, in one transaction. Orphaned posts
// (no surviving feed item) are swept independently; no referential
// consistency between the two tables is required.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoffStr := database.FormatSortTime(cutoff)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cleanup: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM feed_items WHERE sort_time < ?`, cutoffStr)
	if err != nil {
		return 0, fmt.Errorf("delete old feed items: %w", err)
	}
	feedDeleted, _ := res.RowsAffected()

	// created_at is stored as the author wrote it, so explicit offsets
	// and missing milliseconds occur; datetime() converts both sides to
	// UTC before comparing. An unparseable value yields NULL and the row
	// is kept.
	res, err = tx.ExecContext(ctx, `DELETE FROM posts WHERE datetime(created_at) < datetime(?)`, cutoffStr)
	if err != nil {
		return 0, fmt.Errorf("delete old posts: %w", err)
	}
	postsDeleted, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cleanup: %w", err)
	}
	return feedDeleted + postsDeleted, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
