package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HOSTNAME", "") // login shells often export HOSTNAME

	cfg := Load()

	assert.Equal(t, "bsky-feed.example.com", cfg.Hostname)
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, 24, cfg.SelfRepostMaxAgeHours)
	assert.Equal(t, time.Hour, cfg.FollowRefreshInterval)
	assert.Equal(t, 48, cfg.RetentionHours)
	assert.Equal(t, 50, cfg.FeedPageSize)
	assert.Equal(t, "clean-following", cfg.FeedRKey)
	assert.Empty(t, cfg.AllowedDIDs)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HOSTNAME", "feed.test.example")
	t.Setenv("PORT", "8080")
	t.Setenv("SELF_REPOST_MAX_AGE_HOURS", "12")
	t.Setenv("ALLOWED_DIDS", "did:plc:aaa, did:plc:bbb,")

	cfg := Load()

	assert.Equal(t, "feed.test.example", cfg.Hostname)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 12*time.Hour, cfg.SelfRepostMaxAge())
	assert.Equal(t, []string{"did:plc:aaa", "did:plc:bbb"}, cfg.AllowedDIDs)
}

func TestLoad_InvalidIntFallsBack(t *testing.T) {
	t.Setenv("PORT", "not-a-number")

	cfg := Load()
	assert.Equal(t, 3000, cfg.Port)
}

func TestDerivedIdentity(t *testing.T) {
	t.Setenv("HOSTNAME", "feed.test.example")
	t.Setenv("FEED_RKEY", "clean-following")

	cfg := Load()

	assert.Equal(t, "did:web:feed.test.example", cfg.ServiceDID())
	assert.Equal(t, "at://did:web:feed.test.example/app.bsky.feed.generator/clean-following", cfg.FeedURI())
}
