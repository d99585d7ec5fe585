package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quietfeed_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quietfeed_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "path"})
)

// Firehose metrics
var (
	FirehoseEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quietfeed_firehose_events_total",
		Help: "Total number of firehose commit events processed",
	}, []string{"collection", "operation"})

	FirehoseConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quietfeed_firehose_connection_state",
		Help: "Firehose connection state (1=connected, 0=disconnected)",
	})

	FirehoseErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quietfeed_firehose_errors_total",
		Help: "Total number of firehose processing errors",
	})

	FirehoseReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quietfeed_firehose_reconnects_total",
		Help: "Total number of firehose reconnect attempts",
	})
)

// Feed metrics
var (
	SelfRepostsFilteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quietfeed_self_reposts_filtered_total",
		Help: "Total number of reposts suppressed by the self-repost filter",
	})

	FeedSkeletonRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quietfeed_feed_skeleton_requests_total",
		Help: "Total number of getFeedSkeleton requests",
	}, []string{"status"})
)

// Maintenance metrics
var (
	FollowRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quietfeed_follow_refresh_total",
		Help: "Total number of follow list refresh attempts",
	}, []string{"status"})

	CleanupDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quietfeed_cleanup_deleted_rows_total",
		Help: "Total number of rows removed by the retention sweep",
	})
)

// Gauges updated periodically by the collector
var (
	IndexedPostsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quietfeed_indexed_posts_total",
		Help: "Current number of indexed posts",
	})

	FeedItemsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quietfeed_feed_items_total",
		Help: "Current number of feed items, filtered included",
	})

	FollowedAccountsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quietfeed_followed_accounts_total",
		Help: "Current size of the tracked follow set",
	})
)

// NormalizePath bounds the path label space. The service only exposes a
// handful of static routes; anything else collapses into one label.
func NormalizePath(path string) string {
	switch path {
	case "/.well-known/did.json",
		"/xrpc/app.bsky.feed.describeFeedGenerator",
		"/xrpc/app.bsky.feed.getFeedSkeleton",
		"/health",
		"/metrics":
		return path
	}
	return "/other"
}
