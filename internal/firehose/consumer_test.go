package firehose

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quietfeed/internal/database"
	"quietfeed/internal/database/sqlitestore"
	"quietfeed/internal/selfrepost"
)

func newTestConsumer(t *testing.T, endpoint string) (*Consumer, *sqlitestore.Store) {
	t.Helper()

	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, store.InitSchema(context.Background()))
	t.Cleanup(func() { store.Close() })

	cfg := DefaultConfig(endpoint)
	cfg.ReadTimeout = 2 * time.Second
	router := NewRouter(store, selfrepost.New(store, 24*time.Hour))
	return NewConsumer(cfg, store, router), store
}

func TestBuildSubscribeURL(t *testing.T) {
	consumer, store := newTestConsumer(t, "wss://jetstream.example.com/subscribe")
	ctx := context.Background()

	raw, err := consumer.buildSubscribeURL(ctx, []string{aliceDID, bobDID})
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "wss", u.Scheme)
	assert.Equal(t, "/subscribe", u.Path)

	q := u.Query()
	assert.Equal(t, WantedCollections, q["wantedCollections"])
	assert.Equal(t, []string{aliceDID, bobDID}, q["wantedDids"])
	assert.Empty(t, q.Get("cursor"))

	// A persisted cursor is carried on the next connect.
	require.NoError(t, store.SetState(ctx, database.StateKeyCursor, "1725000000000000"))
	raw, err = consumer.buildSubscribeURL(ctx, nil)
	require.NoError(t, err)
	u, err = url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "1725000000000000", u.Query().Get("cursor"))
	assert.Empty(t, u.Query()["wantedDids"])
}

func TestBuildSubscribeURL_MalformedCursorIgnored(t *testing.T) {
	consumer, store := newTestConsumer(t, "wss://jetstream.example.com/subscribe")
	ctx := context.Background()

	require.NoError(t, store.SetState(ctx, database.StateKeyCursor, "garbage"))
	raw, err := consumer.buildSubscribeURL(ctx, nil)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Empty(t, u.Query().Get("cursor"))
}

func TestUpdateFollows_LatestWins(t *testing.T) {
	consumer, _ := newTestConsumer(t, "wss://jetstream.example.com/subscribe")

	consumer.UpdateFollows([]string{aliceDID})
	consumer.UpdateFollows([]string{bobDID})
	consumer.UpdateFollows([]string{aliceDID, bobDID})

	select {
	case dids := <-consumer.updates:
		assert.Equal(t, []string{aliceDID, bobDID}, dids)
	default:
		t.Fatal("expected a pending update")
	}
}

func TestProcessMessage_PersistsCursor(t *testing.T) {
	consumer, store := newTestConsumer(t, "wss://jetstream.example.com/subscribe")
	ctx := context.Background()

	consumer.processMessage(ctx, []byte(`{"did":"`+aliceDID+`","time_us":1725000000000001,"kind":"commit","commit":{"operation":"create","collection":"app.bsky.feed.post","rkey":"3kpost1","record":{"createdAt":"2025-03-01T12:00:00.000Z"}}}`))

	cursor, err := store.GetState(ctx, database.StateKeyCursor)
	require.NoError(t, err)
	assert.Equal(t, "1725000000000001", cursor)

	post, err := store.GetPost(ctx, "at://"+aliceDID+"/app.bsky.feed.post/3kpost1")
	require.NoError(t, err)
	require.NotNil(t, post)
}

func TestProcessMessage_MalformedJSONSkipped(t *testing.T) {
	consumer, store := newTestConsumer(t, "wss://jetstream.example.com/subscribe")
	ctx := context.Background()

	consumer.processMessage(ctx, []byte(`{not json`))

	cursor, err := store.GetState(ctx, database.StateKeyCursor)
	require.NoError(t, err)
	assert.Empty(t, cursor)
	assert.Zero(t, consumer.EventsReceived())
}

func TestProcessMessage_ZstdFrame(t *testing.T) {
	consumer, store := newTestConsumer(t, "wss://jetstream.example.com/subscribe")
	ctx := context.Background()

	encoder, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	payload := []byte(`{"did":"` + aliceDID + `","time_us":1725000000000002,"kind":"commit","commit":{"operation":"create","collection":"app.bsky.feed.post","rkey":"3kpost2","record":{"createdAt":"2025-03-01T12:00:00.000Z"}}}`)
	frame := encoder.EncodeAll(payload, nil)
	require.NoError(t, encoder.Close())

	consumer.processMessage(ctx, frame)

	post, err := store.GetPost(ctx, "at://"+aliceDID+"/app.bsky.feed.post/3kpost2")
	require.NoError(t, err)
	require.NotNil(t, post)
}

func TestRun_ConsumesStreamAndReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	events := []string{
		`{"did":"` + aliceDID + `","time_us":1725000000000010,"kind":"commit","commit":{"operation":"create","collection":"app.bsky.feed.post","rkey":"3ka","record":{"createdAt":"2025-03-01T12:00:00.000Z"}}}`,
		`{"did":"` + aliceDID + `","time_us":1725000000000011,"kind":"commit","commit":{"operation":"create","collection":"app.bsky.feed.post","rkey":"3kb","record":{"createdAt":"2025-03-01T12:01:00.000Z"}}}`,
	}

	dials := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials <- r.URL.Query().Get("cursor")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, e := range events {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(e)); err != nil {
				return
			}
		}
		// Drop the connection so the consumer reconnects.
	}))
	defer srv.Close()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http") + "/subscribe"
	consumer, store := newTestConsumer(t, endpoint)
	consumer.cfg.InitialBackoff = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	// First dial resumes from nothing.
	assert.Empty(t, <-dials)

	// After the server drops the connection, the consumer redials with
	// the cursor of the last message it processed.
	select {
	case cursor := <-dials:
		assert.Equal(t, "1725000000000011", cursor)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not reconnect")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}

	post, err := store.GetPost(context.Background(), "at://"+aliceDID+"/app.bsky.feed.post/3ka")
	require.NoError(t, err)
	assert.NotNil(t, post)
	assert.GreaterOrEqual(t, consumer.EventsReceived(), int64(2))
}

// flakyFollowsStore fails FollowedDIDs on demand while delegating
// everything else to the real store.
type flakyFollowsStore struct {
	database.Store
	fail atomic.Bool
}

func (s *flakyFollowsStore) FollowedDIDs(ctx context.Context) ([]string, error) {
	if s.fail.Load() {
		return nil, errors.New("follows unavailable")
	}
	return s.Store.FollowedDIDs(ctx)
}

func TestRun_SkipsDialWhenFollowSetUnavailable(t *testing.T) {
	upgrader := websocket.Upgrader{}
	dials := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials <- struct{}{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http") + "/subscribe"
	consumer, store := newTestConsumer(t, endpoint)
	consumer.cfg.InitialBackoff = 10 * time.Millisecond

	flaky := &flakyFollowsStore{Store: store}
	flaky.fail.Store(true)
	consumer.store = flaky

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	// An unreadable follow set must not fall back to an unfiltered
	// subscription.
	select {
	case <-dials:
		t.Fatal("dialed while the follow set was unavailable")
	case <-time.After(100 * time.Millisecond):
	}

	flaky.fail.Store(false)
	select {
	case <-dials:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not dial after the follow set recovered")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
