// Package follows keeps the local copy of the feed owner's follow list
// in sync with the network via the public AppView API.
package follows

import (
	"context"
	"fmt"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	appbsky "github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/rs/zerolog/log"

	"quietfeed/internal/database"
	"quietfeed/internal/metrics"
	"quietfeed/internal/tracing"
)

const pageSize = 100

// Manager refreshes the persisted follow set from the AppView. Every
// network failure is fail-open: the previous set stays in place and
// keeps driving the stream subscription.
type Manager struct {
	store  database.Store
	client *xrpc.Client
	handle string
}

// NewManager creates a Manager resolving and following the given handle
// through the AppView at host (no authentication required).
func NewManager(store database.Store, host, handle string) *Manager {
	return &Manager{
		store:  store,
		client: &xrpc.Client{Host: host},
		handle: handle,
	}
}

// Refresh resolves the owner's handle, pages through their follows, and
// atomically replaces the persisted set. It returns the DIDs now in
// effect: the fresh set on success, the previous set on any failure.
func (m *Manager) Refresh(ctx context.Context) ([]string, error) {
	ctx, span := tracing.RefreshSpan(ctx)
	defer span.End()

	did, err := m.resolveOwnDID(ctx)
	if err != nil {
		metrics.FollowRefreshTotal.WithLabelValues("error").Inc()
		tracing.EndWithError(span, err)
		log.Warn().Err(err).Str("handle", m.handle).Msg("follows: refresh failed, keeping previous set")
		return m.store.FollowedDIDs(ctx)
	}

	accounts, err := m.fetchFollows(ctx, did)
	if err != nil {
		metrics.FollowRefreshTotal.WithLabelValues("error").Inc()
		tracing.EndWithError(span, err)
		log.Warn().Err(err).Str("did", did).Msg("follows: refresh failed, keeping previous set")
		return m.store.FollowedDIDs(ctx)
	}

	// An account following nobody is indistinguishable from a broken
	// AppView response here. Treat empty as a failure and keep what we
	// have; an empty wantedDids filter would subscribe to the entire
	// firehose.
	if len(accounts) == 0 {
		metrics.FollowRefreshTotal.WithLabelValues("empty").Inc()
		log.Warn().Str("did", did).Msg("follows: refresh returned no follows, keeping previous set")
		return m.store.FollowedDIDs(ctx)
	}

	if err := m.store.ReplaceFollows(ctx, accounts); err != nil {
		metrics.FollowRefreshTotal.WithLabelValues("error").Inc()
		tracing.EndWithError(span, err)
		return nil, fmt.Errorf("replace follows: %w", err)
	}
	if err := m.store.SetState(ctx, database.StateKeyOwnDID, did); err != nil {
		log.Warn().Err(err).Msg("follows: failed to persist own did")
	}
	if err := m.store.SetState(ctx, database.StateKeyLastRefresh, time.Now().UTC().Format(time.RFC3339)); err != nil {
		log.Warn().Err(err).Msg("follows: failed to persist refresh time")
	}

	metrics.FollowRefreshTotal.WithLabelValues("success").Inc()
	metrics.FollowedAccountsTotal.Set(float64(len(accounts)))
	log.Info().Int("count", len(accounts)).Str("did", did).Msg("follows: refreshed follow list")

	dids := make([]string, len(accounts))
	for i, a := range accounts {
		dids[i] = a.DID
	}
	return dids, nil
}

// resolveOwnDID resolves the configured handle on every refresh, so a
// handle migration is picked up without a restart.
func (m *Manager) resolveOwnDID(ctx context.Context) (string, error) {
	out, err := comatproto.IdentityResolveHandle(ctx, m.client, m.handle)
	if err != nil {
		return "", fmt.Errorf("resolve handle %q: %w", m.handle, err)
	}
	return out.Did, nil
}

func (m *Manager) fetchFollows(ctx context.Context, did string) ([]database.FollowedAccount, error) {
	var accounts []database.FollowedAccount
	cursor := ""
	for {
		out, err := appbsky.GraphGetFollows(ctx, m.client, did, cursor, pageSize)
		if err != nil {
			return nil, fmt.Errorf("getFollows page %d: %w", len(accounts)/pageSize+1, err)
		}
		for _, f := range out.Follows {
			accounts = append(accounts, database.FollowedAccount{
				DID:    f.Did,
				Handle: f.Handle,
			})
		}
		if out.Cursor == nil || *out.Cursor == "" {
			return accounts, nil
		}
		cursor = *out.Cursor
	}
}
