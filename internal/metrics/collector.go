package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// StatsSource provides functions to retrieve current counts for gauge metrics.
// Each function returns the current count; returning -1 indicates the source
// is unavailable and the gauge is left untouched.
type StatsSource struct {
	PostCount         func() int
	FeedItemCount     func() int
	FollowCount       func() int
	FirehoseConnected func() bool
}

// StartCollector launches a goroutine that periodically updates gauge metrics.
// It runs every interval until the context is cancelled.
func StartCollector(ctx context.Context, src StatsSource, interval time.Duration) {
	// Do an initial collection immediately
	collect(src)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				collect(src)
			}
		}
	}()

	log.Info().Dur("interval", interval).Msg("Metrics collector started")
}

func collect(src StatsSource) {
	if src.PostCount != nil {
		if n := src.PostCount(); n >= 0 {
			IndexedPostsTotal.Set(float64(n))
		}
	}
	if src.FeedItemCount != nil {
		if n := src.FeedItemCount(); n >= 0 {
			FeedItemsTotal.Set(float64(n))
		}
	}
	if src.FollowCount != nil {
		if n := src.FollowCount(); n >= 0 {
			FollowedAccountsTotal.Set(float64(n))
		}
	}
	if src.FirehoseConnected != nil {
		if src.FirehoseConnected() {
			FirehoseConnectionState.Set(1)
		} else {
			FirehoseConnectionState.Set(0)
		}
	}
}
