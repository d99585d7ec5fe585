package firehose

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quietfeed/internal/database"
	"quietfeed/internal/database/sqlitestore"
	"quietfeed/internal/selfrepost"
)

const (
	aliceDID = "did:plc:alice234567890abcdefghij"
	bobDID   = "did:plc:bob1234567890abcdefghijk"
)

func newTestRouter(t *testing.T) (*Router, *sqlitestore.Store) {
	t.Helper()

	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, store.InitSchema(context.Background()))
	t.Cleanup(func() { store.Close() })

	filter := selfrepost.New(store, 24*time.Hour)
	return NewRouter(store, filter), store
}

func commitEvent(did, operation, collection, rkey string, record any) *JetstreamEvent {
	var raw json.RawMessage
	if record != nil {
		b, err := json.Marshal(record)
		if err != nil {
			panic(err)
		}
		raw = b
	}

	event := &JetstreamEvent{DID: did, TimeUS: 1725000000000000, Kind: "commit"}
	event.Commit = &struct {
		Rev        string          `json:"rev"`
		Operation  string          `json:"operation"`
		Collection string          `json:"collection"`
		RKey       string          `json:"rkey"`
		Record     json.RawMessage `json:"record,omitempty"`
		CID        string          `json:"cid"`
	}{
		Operation:  operation,
		Collection: collection,
		RKey:       rkey,
		Record:     raw,
	}
	return event
}

func postEvent(did, rkey, createdAt string) *JetstreamEvent {
	return commitEvent(did, "create", CollectionPost, rkey, postRecord{CreatedAt: createdAt})
}

func repostEvent(did, rkey, subjectURI, createdAt string) *JetstreamEvent {
	record := repostRecord{CreatedAt: createdAt}
	record.Subject.URI = subjectURI
	return commitEvent(did, "create", CollectionRepost, rkey, record)
}

func visibleFeed(t *testing.T, store database.Store) []database.FeedItem {
	t.Helper()
	items, _, err := store.FeedPage(context.Background(), 100, "")
	require.NoError(t, err)
	return items
}

func TestHandleEvent_IgnoresNonCommit(t *testing.T) {
	router, store := newTestRouter(t)
	ctx := context.Background()

	require.NoError(t, router.HandleEvent(ctx, &JetstreamEvent{DID: aliceDID, Kind: "identity"}))
	require.NoError(t, router.HandleEvent(ctx, &JetstreamEvent{DID: aliceDID, Kind: "account"}))

	assert.Empty(t, visibleFeed(t, store))
}

func TestHandleEvent_IgnoresUnknownCollection(t *testing.T) {
	router, store := newTestRouter(t)

	event := commitEvent(aliceDID, "create", "app.bsky.feed.like", "3kabc", map[string]string{})
	require.NoError(t, router.HandleEvent(context.Background(), event))

	assert.Empty(t, visibleFeed(t, store))
}

func TestPostCreate(t *testing.T) {
	router, store := newTestRouter(t)
	ctx := context.Background()

	createdAt := "2025-03-01T12:00:00.000Z"
	require.NoError(t, router.HandleEvent(ctx, postEvent(aliceDID, "3kpost1", createdAt)))

	uri := fmt.Sprintf("at://%s/app.bsky.feed.post/3kpost1", aliceDID)
	post, err := store.GetPost(ctx, uri)
	require.NoError(t, err)
	require.NotNil(t, post)
	assert.Equal(t, aliceDID, post.AuthorDID)
	assert.Equal(t, createdAt, post.CreatedAt)

	items := visibleFeed(t, store)
	require.Len(t, items, 1)
	assert.Equal(t, uri, items[0].PostURI)
	assert.Empty(t, items[0].RepostURI)
	assert.Equal(t, createdAt, items[0].SortTime)
}

func TestPostCreate_UnparseableTimestampFallsBackToNow(t *testing.T) {
	router, store := newTestRouter(t)
	ctx := context.Background()

	before := time.Now().UTC()
	require.NoError(t, router.HandleEvent(ctx, postEvent(aliceDID, "3kpost1", "not-a-timestamp")))

	items := visibleFeed(t, store)
	require.Len(t, items, 1)

	sortTime, err := time.Parse(database.SortTimeLayout, items[0].SortTime)
	require.NoError(t, err)
	assert.False(t, sortTime.Before(before.Truncate(time.Millisecond)))
}

func TestPostCreate_MalformedRecord(t *testing.T) {
	router, store := newTestRouter(t)

	event := postEvent(aliceDID, "3kpost1", "")
	event.Commit.Record = json.RawMessage(`"not an object"`)

	require.Error(t, router.HandleEvent(context.Background(), event))
	assert.Empty(t, visibleFeed(t, store))
}

func TestPostDelete_CascadesToReposts(t *testing.T) {
	router, store := newTestRouter(t)
	ctx := context.Background()

	require.NoError(t, router.HandleEvent(ctx, postEvent(aliceDID, "3kpost1", "2025-03-01T12:00:00.000Z")))
	uri := fmt.Sprintf("at://%s/app.bsky.feed.post/3kpost1", aliceDID)
	require.NoError(t, router.HandleEvent(ctx, repostEvent(bobDID, "3krepost1", uri, "2025-03-01T13:00:00.000Z")))
	require.Len(t, visibleFeed(t, store), 2)

	require.NoError(t, router.HandleEvent(ctx, commitEvent(aliceDID, "delete", CollectionPost, "3kpost1", nil)))

	assert.Empty(t, visibleFeed(t, store))
	post, err := store.GetPost(ctx, uri)
	require.NoError(t, err)
	assert.Nil(t, post)
}

func TestRepostCreate_FreshSelfRepostSuppressed(t *testing.T) {
	router, store := newTestRouter(t)
	ctx := context.Background()

	createdAt := time.Now().UTC().Add(-time.Hour).Format(database.SortTimeLayout)
	require.NoError(t, router.HandleEvent(ctx, postEvent(aliceDID, "3kpost1", createdAt)))
	uri := fmt.Sprintf("at://%s/app.bsky.feed.post/3kpost1", aliceDID)

	require.NoError(t, router.HandleEvent(ctx, repostEvent(aliceDID, "3krepost1", uri, database.FormatSortTime(time.Now()))))

	// The original post stays; the fresh self-repost does not surface.
	items := visibleFeed(t, store)
	require.Len(t, items, 1)
	assert.Empty(t, items[0].RepostURI)
}

func TestRepostCreate_OldSelfRepostPasses(t *testing.T) {
	router, store := newTestRouter(t)
	ctx := context.Background()

	createdAt := time.Now().UTC().Add(-30 * time.Hour).Format(database.SortTimeLayout)
	require.NoError(t, router.HandleEvent(ctx, postEvent(aliceDID, "3kpost1", createdAt)))
	uri := fmt.Sprintf("at://%s/app.bsky.feed.post/3kpost1", aliceDID)

	require.NoError(t, router.HandleEvent(ctx, repostEvent(aliceDID, "3krepost1", uri, database.FormatSortTime(time.Now()))))

	assert.Len(t, visibleFeed(t, store), 2)
}

func TestRepostCreate_OtherAccountPasses(t *testing.T) {
	router, store := newTestRouter(t)
	ctx := context.Background()

	createdAt := time.Now().UTC().Add(-time.Hour).Format(database.SortTimeLayout)
	require.NoError(t, router.HandleEvent(ctx, postEvent(aliceDID, "3kpost1", createdAt)))
	uri := fmt.Sprintf("at://%s/app.bsky.feed.post/3kpost1", aliceDID)

	require.NoError(t, router.HandleEvent(ctx, repostEvent(bobDID, "3krepost1", uri, database.FormatSortTime(time.Now()))))

	items := visibleFeed(t, store)
	require.Len(t, items, 2)
	assert.Equal(t, bobDID, items[0].ReposterDID)
}

func TestRepostCreate_UnindexedSubjectPasses(t *testing.T) {
	router, store := newTestRouter(t)

	uri := fmt.Sprintf("at://%s/app.bsky.feed.post/3kunknown", aliceDID)
	event := repostEvent(aliceDID, "3krepost1", uri, database.FormatSortTime(time.Now()))
	require.NoError(t, router.HandleEvent(context.Background(), event))

	assert.Len(t, visibleFeed(t, store), 1)
}

func TestRepostCreate_MissingSubjectSkipped(t *testing.T) {
	router, store := newTestRouter(t)

	event := repostEvent(aliceDID, "3krepost1", "", database.FormatSortTime(time.Now()))
	require.NoError(t, router.HandleEvent(context.Background(), event))

	assert.Empty(t, visibleFeed(t, store))
}

func TestRepostDelete(t *testing.T) {
	router, store := newTestRouter(t)
	ctx := context.Background()

	require.NoError(t, router.HandleEvent(ctx, postEvent(aliceDID, "3kpost1", "2025-03-01T12:00:00.000Z")))
	uri := fmt.Sprintf("at://%s/app.bsky.feed.post/3kpost1", aliceDID)
	require.NoError(t, router.HandleEvent(ctx, repostEvent(bobDID, "3krepost1", uri, "2025-03-01T13:00:00.000Z")))
	require.Len(t, visibleFeed(t, store), 2)

	require.NoError(t, router.HandleEvent(ctx, commitEvent(bobDID, "delete", CollectionRepost, "3krepost1", nil)))

	items := visibleFeed(t, store)
	require.Len(t, items, 1)
	assert.Empty(t, items[0].RepostURI)
}
