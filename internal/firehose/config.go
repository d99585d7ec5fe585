// Package firehose consumes post and repost commit events for the
// tracked follow set via a Jetstream websocket subscription and routes
// them into the local feed index.
package firehose

import "time"

// Record collections the subscription filters for.
const (
	CollectionPost   = "app.bsky.feed.post"
	CollectionRepost = "app.bsky.feed.repost"
)

// WantedCollections lists the collections sent in every subscribe
// request and options_update message.
var WantedCollections = []string{CollectionPost, CollectionRepost}

// Config holds configuration for the Jetstream consumer.
type Config struct {
	// Endpoint is the Jetstream websocket URL to subscribe to.
	Endpoint string

	// Compress enables zstd-compressed frames.
	Compress bool

	// InitialBackoff and MaxBackoff bound the reconnect delay. The
	// delay doubles on each failed attempt and resets after a
	// successful connect.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// ReadTimeout is the per-message read deadline. Jetstream sends
	// protocol-level keepalives, so a silent connection this long is
	// treated as dead.
	ReadTimeout time.Duration
}

// DefaultConfig returns a configuration with sensible defaults for the
// given endpoint.
func DefaultConfig(endpoint string) *Config {
	return &Config{
		Endpoint:       endpoint,
		Compress:       false, // Jetstream zstd uses a custom dictionary; plain JSON is simpler
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
		ReadTimeout:    60 * time.Second,
	}
}
