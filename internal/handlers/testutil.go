package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quietfeed/internal/config"
	"quietfeed/internal/database"
	"quietfeed/internal/database/sqlitestore"
)

// TestContext bundles a Handler wired to a throwaway SQLite store.
type TestContext struct {
	Handler *Handler
	Store   database.Store
	Config  *config.Config
}

// fakeStream is a canned StreamStatus for the health endpoint.
type fakeStream struct {
	connected bool
	events    int64
}

func (f *fakeStream) IsConnected() bool     { return f.connected }
func (f *fakeStream) EventsReceived() int64 { return f.events }

// NewTestContext creates a handler over a fresh store with fixed
// configuration, so responses are stable across runs.
func NewTestContext(t *testing.T) *TestContext {
	t.Helper()

	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, store.InitSchema(context.Background()))
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		Hostname:     "feed.example.com",
		FeedRKey:     "clean-following",
		FeedPageSize: 50,
	}

	return &TestContext{
		Handler: NewHandler(cfg, store, &fakeStream{connected: true, events: 12}),
		Store:   store,
		Config:  cfg,
	}
}

// SeedFeed inserts n posts at one-minute intervals ending at base, plus
// one repost of the oldest post. Returns the post URIs, newest first.
func (tc *TestContext) SeedFeed(t *testing.T, n int, base time.Time) []string {
	t.Helper()
	ctx := context.Background()

	uris := make([]string, 0, n)
	for i := 0; i < n; i++ {
		created := base.Add(-time.Duration(i) * time.Minute)
		uri := "at://did:plc:author1234567890abcdefgh/app.bsky.feed.post/post" + string(rune('a'+i))
		require.NoError(t, tc.Store.InsertPost(ctx, database.Post{
			URI:       uri,
			AuthorDID: "did:plc:author1234567890abcdefgh",
			CreatedAt: database.FormatSortTime(created),
		}))
		require.NoError(t, tc.Store.InsertFeedItem(ctx, database.FeedItem{
			PostURI:  uri,
			SortTime: database.FormatSortTime(created),
		}))
		uris = append(uris, uri)
	}
	return uris
}

// seedRepost inserts one repost feed item for an already-seeded post.
func seedRepost(t *testing.T, tc *TestContext, postURI, repostURI, sortTime string) {
	t.Helper()
	require.NoError(t, tc.Store.InsertFeedItem(context.Background(), database.FeedItem{
		PostURI:     postURI,
		RepostURI:   repostURI,
		ReposterDID: "did:plc:other567890abcdefghijklm",
		SortTime:    sortTime,
	}))
}

// serviceJWT builds an unsigned-but-well-formed bearer token with the
// given iss claim, matching the shape the AppView sends.
func serviceJWT(iss string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"ES256K","typ":"JWT"}`))
	payload, _ := json.Marshal(map[string]any{
		"iss": iss,
		"aud": "did:web:feed.example.com",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

// authedRequest builds a GET request carrying a service JWT for iss.
func authedRequest(target, iss string) *http.Request {
	req, _ := http.NewRequest("GET", target, nil)
	if iss != "" {
		req.Header.Set("Authorization", "Bearer "+serviceJWT(iss))
	}
	return req
}
