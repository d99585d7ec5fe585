// Package config loads process configuration from environment variables.
// A Config is constructed once in main and passed into each component's
// constructor; nothing reads the environment after startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the feed generator.
type Config struct {
	// Hostname is the public hostname the service is reachable at.
	// It determines the service DID (did:web:<hostname>).
	Hostname string

	// Port and BindHost control the HTTP listener.
	Port     int
	BindHost string

	// DatabasePath is the SQLite database file location.
	DatabasePath string

	// BlueskyHandle is the operator account whose follow list drives
	// the subscription filter.
	BlueskyHandle string

	// JetstreamURL is the websocket endpoint for the event stream.
	JetstreamURL string

	// PublicAPIHost is the unauthenticated AppView used for handle
	// resolution and follow-list reads.
	PublicAPIHost string

	// SelfRepostMaxAgeHours is the recency window for the self-repost
	// filter. Reposts of own posts younger than this are suppressed.
	SelfRepostMaxAgeHours int

	// FollowRefreshInterval is how often the follow list is re-fetched.
	FollowRefreshInterval time.Duration

	// CleanupInterval is how often the retention sweep runs.
	CleanupInterval time.Duration

	// RetentionHours is the maximum age of posts and feed items.
	RetentionHours int

	// FeedPageSize is the default (and maximum) getFeedSkeleton page size.
	FeedPageSize int

	// FeedRKey is the record key of the published feed generator record.
	FeedRKey string

	// AllowedDIDs restricts feed access to the listed requesters.
	// Empty means the feed is open to everyone.
	AllowedDIDs []string
}

// Load reads configuration from the environment, applying defaults.
func Load() *Config {
	return &Config{
		Hostname:              envOr("HOSTNAME", "bsky-feed.example.com"),
		Port:                  envInt("PORT", 3000),
		BindHost:              envOr("BIND_HOST", "0.0.0.0"),
		DatabasePath:          envOr("DATABASE_PATH", "data/quietfeed.db"),
		BlueskyHandle:         envOr("BLUESKY_HANDLE", "example.com"),
		JetstreamURL:          envOr("JETSTREAM_URL", "wss://jetstream2.us-east.bsky.network/subscribe"),
		PublicAPIHost:         envOr("PUBLIC_API_HOST", "https://public.api.bsky.app"),
		SelfRepostMaxAgeHours: envInt("SELF_REPOST_MAX_AGE_HOURS", 24),
		FollowRefreshInterval: time.Duration(envInt("FOLLOW_REFRESH_INTERVAL_SECONDS", 3600)) * time.Second,
		CleanupInterval:       time.Duration(envInt("DB_CLEANUP_INTERVAL_SECONDS", 3600)) * time.Second,
		RetentionHours:        envInt("DB_RETENTION_HOURS", 48),
		FeedPageSize:          envInt("FEED_PAGE_SIZE", 50),
		FeedRKey:              envOr("FEED_RKEY", "clean-following"),
		AllowedDIDs:           splitList(os.Getenv("ALLOWED_DIDS")),
	}
}

// ServiceDID returns the did:web identity derived from the hostname.
func (c *Config) ServiceDID() string {
	return "did:web:" + c.Hostname
}

// FeedURI returns the AT-URI of the feed generator record.
func (c *Config) FeedURI() string {
	return fmt.Sprintf("at://%s/app.bsky.feed.generator/%s", c.ServiceDID(), c.FeedRKey)
}

// SelfRepostMaxAge returns the filter window as a duration.
func (c *Config) SelfRepostMaxAge() time.Duration {
	return time.Duration(c.SelfRepostMaxAgeHours) * time.Hour
}

// Retention returns the retention window as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
