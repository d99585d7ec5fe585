package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		// Known routes pass through unchanged
		{"/.well-known/did.json", "/.well-known/did.json"},
		{"/xrpc/app.bsky.feed.describeFeedGenerator", "/xrpc/app.bsky.feed.describeFeedGenerator"},
		{"/xrpc/app.bsky.feed.getFeedSkeleton", "/xrpc/app.bsky.feed.getFeedSkeleton"},
		{"/health", "/health"},
		{"/metrics", "/metrics"},

		// Everything else collapses into one label
		{"/", "/other"},
		{"/xrpc/app.bsky.feed.getFeedSkeleton/extra", "/other"},
		{"/favicon.ico", "/other"},
		{"/wp-admin.php", "/other"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizePath(tt.input))
		})
	}
}

func TestCollector(t *testing.T) {
	src := StatsSource{
		PostCount:         func() int { return 42 },
		FeedItemCount:     func() int { return 7 },
		FollowCount:       func() int { return -1 }, // unavailable, gauge untouched
		FirehoseConnected: func() bool { return true },
	}

	FollowedAccountsTotal.Set(3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartCollector(ctx, src, time.Hour)

	assert.Equal(t, 42.0, testutil.ToFloat64(IndexedPostsTotal))
	assert.Equal(t, 7.0, testutil.ToFloat64(FeedItemsTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(FollowedAccountsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(FirehoseConnectionState))
}

func TestFirehoseEventLabels(t *testing.T) {
	FirehoseEventsTotal.WithLabelValues("app.bsky.feed.post", "create").Inc()
	FirehoseEventsTotal.WithLabelValues("app.bsky.feed.repost", "delete").Inc()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	var family *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == "quietfeed_firehose_events_total" {
			family = mf
			break
		}
	}
	require.NotNil(t, family)
	assert.Equal(t, dto.MetricType_COUNTER, family.GetType())

	labels := map[string]bool{}
	for _, m := range family.GetMetric() {
		for _, lp := range m.GetLabel() {
			labels[lp.GetName()+"="+lp.GetValue()] = true
		}
	}
	assert.True(t, labels["collection=app.bsky.feed.post"])
	assert.True(t, labels["operation=create"])
}
