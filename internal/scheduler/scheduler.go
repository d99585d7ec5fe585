// Package scheduler runs the periodic maintenance loops: follow-list
// refresh and the retention sweep.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"quietfeed/internal/database"
	"quietfeed/internal/metrics"
)

// Refresher resyncs the follow set and returns the DIDs now in effect.
type Refresher interface {
	Refresh(ctx context.Context) ([]string, error)
}

// FollowUpdater receives a refreshed follow set for a live subscription.
type FollowUpdater interface {
	UpdateFollows(dids []string)
}

// Scheduler drives the periodic jobs. A failing cycle is logged and the
// next tick retries; nothing here stops the service.
type Scheduler struct {
	store     database.Store
	refresher Refresher
	updater   FollowUpdater

	refreshInterval time.Duration
	cleanupInterval time.Duration
	retention       time.Duration
}

// New creates a Scheduler. retention bounds the age of feed rows kept
// by the cleanup sweep.
func New(store database.Store, refresher Refresher, updater FollowUpdater, refreshInterval, cleanupInterval, retention time.Duration) *Scheduler {
	return &Scheduler{
		store:           store,
		refresher:       refresher,
		updater:         updater,
		refreshInterval: refreshInterval,
		cleanupInterval: cleanupInterval,
		retention:       retention,
	}
}

// Run blocks until ctx is cancelled, running both loops. The first tick
// of each loop fires after one full interval; callers wanting an
// immediate refresh do it before starting the scheduler.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.refreshLoop(ctx) })
	g.Go(func() error { return s.cleanupLoop(ctx) })
	return g.Wait()
}

func (s *Scheduler) refreshLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.refreshOnce(ctx)
		}
	}
}

func (s *Scheduler) refreshOnce(ctx context.Context) {
	dids, err := s.refresher.Refresh(ctx)
	if err != nil {
		log.Error().Err(err).Msg("scheduler: follow refresh failed")
		return
	}
	if len(dids) > 0 {
		s.updater.UpdateFollows(dids)
	}
}

func (s *Scheduler) cleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.cleanupOnce(ctx)
		}
	}
}

func (s *Scheduler) cleanupOnce(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention)
	deleted, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("scheduler: retention sweep failed")
		return
	}
	metrics.CleanupDeletedTotal.Add(float64(deleted))
	if deleted > 0 {
		log.Info().Int64("rows", deleted).Time("cutoff", cutoff).Msg("scheduler: retention sweep removed old rows")
	}
}
