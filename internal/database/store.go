// Package database defines the storage interface and row types for the
// feed index. The SQLite implementation lives in the sqlitestore
// subpackage; consumers depend only on this interface so tests can
// substitute narrow fakes.
package database

import (
	"context"
	"time"
)

// Post is one indexed post from a followed account.
// CreatedAt keeps the record's raw timestamp string; it is parsed
// leniently where needed rather than normalized at ingest.
type Post struct {
	URI       string
	AuthorDID string
	CreatedAt string
	IndexedAt string
}

// FeedItem is one appearance of a post in the feed: either the post
// itself or a repost of it. Rows are append-only; IsFiltered is decided
// once at insertion and never updated.
type FeedItem struct {
	ID          int64
	PostURI     string
	RepostURI   string
	ReposterDID string
	SortTime    string
	IsFiltered  bool
}

// FollowedAccount is one entry in the tracked follow set.
type FollowedAccount struct {
	DID    string
	Handle string
}

// SortTimeLayout is the fixed-width UTC layout for feed_items.sort_time.
// Lexicographic order on this layout equals chronological order, which
// the keyset pagination query relies on.
const SortTimeLayout = "2006-01-02T15:04:05.000Z"

// FormatSortTime renders t in SortTimeLayout (always UTC).
func FormatSortTime(t time.Time) string {
	return t.UTC().Format(SortTimeLayout)
}

// Store is the interface for all feed index operations. All methods use
// short, independently-committing transactions; no call holds a
// transaction open across another call.
type Store interface {
	// Post operations. InsertPost is insert-or-ignore so duplicate
	// deliveries leave exactly one row. GetPost returns (nil, nil)
	// when the uri is not indexed. DeletePost is delete-if-exists.
	InsertPost(ctx context.Context, post Post) error
	GetPost(ctx context.Context, uri string) (*Post, error)
	DeletePost(ctx context.Context, uri string) error

	// Feed item operations. DeleteFeedItemsForPost removes the post's
	// direct appearance and every repost appearance of it;
	// DeleteFeedItemsForRepost removes only the one repost row.
	InsertFeedItem(ctx context.Context, item FeedItem) error
	DeleteFeedItemsForPost(ctx context.Context, postURI string) error
	DeleteFeedItemsForRepost(ctx context.Context, repostURI string) error

	// FeedPage returns up to limit non-filtered items ordered by
	// (sort_time desc, id desc), strictly below the cursor tuple when a
	// cursor is given, plus the continuation cursor ("" when the page
	// is empty). A malformed cursor starts from the newest row.
	FeedPage(ctx context.Context, limit int, cursor string) ([]FeedItem, string, error)

	// Follow set operations. ReplaceFollows swaps the entire set in one
	// transaction; readers never observe a partial set.
	ReplaceFollows(ctx context.Context, accounts []FollowedAccount) error
	FollowedDIDs(ctx context.Context) ([]string, error)

	// Service state: restart-survivable key/value pairs with
	// insert-or-replace semantics. GetState returns "" when absent.
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error

	// DeleteOlderThan removes feed items and posts older than cutoff in
	// one transaction and returns the total rows removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}

// Persisted state keys.
const (
	StateKeyCursor      = "jetstream_cursor"
	StateKeyOwnDID      = "my_did"
	StateKeyLastRefresh = "last_follow_refresh"
)
