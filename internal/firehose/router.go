package firehose

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/rs/zerolog/log"

	"quietfeed/internal/database"
	"quietfeed/internal/metrics"
	"quietfeed/internal/selfrepost"
	"quietfeed/internal/tracing"
)

// Router turns Jetstream commit events into feed index mutations. It is
// stateless; every decision is made against the store.
type Router struct {
	store  database.Store
	filter *selfrepost.Filter
}

// NewRouter creates a new event router.
func NewRouter(store database.Store, filter *selfrepost.Filter) *Router {
	return &Router{store: store, filter: filter}
}

// HandleEvent dispatches one event on (collection, operation). Non-commit
// events and unknown collections are ignored without error. Jetstream
// has already filtered by DID, so every commit here is from a followed
// account (or briefly from a just-unfollowed one).
func (r *Router) HandleEvent(ctx context.Context, event *JetstreamEvent) error {
	if event.Kind != "commit" || event.Commit == nil {
		return nil
	}

	commit := event.Commit
	ctx, span := tracing.EventSpan(ctx, commit.Collection, commit.Operation, event.DID)
	defer span.End()

	metrics.FirehoseEventsTotal.WithLabelValues(commit.Collection, commit.Operation).Inc()

	var err error
	switch commit.Collection {
	case CollectionPost:
		switch commit.Operation {
		case "create":
			err = r.handlePostCreate(ctx, event)
		case "delete":
			err = r.handlePostDelete(ctx, event)
		}
	case CollectionRepost:
		switch commit.Operation {
		case "create":
			err = r.handleRepostCreate(ctx, event)
		case "delete":
			err = r.handleRepostDelete(ctx, event)
		}
	}

	tracing.EndWithError(span, err)
	return err
}

// recordURI reconstructs the at-uri of the record a commit touches.
func recordURI(event *JetstreamEvent) string {
	return fmt.Sprintf("at://%s/%s/%s", event.DID, event.Commit.Collection, event.Commit.RKey)
}

func (r *Router) handlePostCreate(ctx context.Context, event *JetstreamEvent) error {
	var record postRecord
	if err := json.Unmarshal(event.Commit.Record, &record); err != nil {
		return fmt.Errorf("unmarshal post record: %w", err)
	}

	uri := recordURI(event)
	post := database.Post{
		URI:       uri,
		AuthorDID: event.DID,
		CreatedAt: record.CreatedAt,
	}
	if err := r.store.InsertPost(ctx, post); err != nil {
		return fmt.Errorf("insert post: %w", err)
	}

	item := database.FeedItem{
		PostURI:  uri,
		SortTime: sortTime(record.CreatedAt),
	}
	if err := r.store.InsertFeedItem(ctx, item); err != nil {
		return fmt.Errorf("insert feed item: %w", err)
	}

	log.Debug().Str("uri", uri).Msg("firehose: indexed post")
	return nil
}

func (r *Router) handlePostDelete(ctx context.Context, event *JetstreamEvent) error {
	uri := recordURI(event)
	if err := r.store.DeleteFeedItemsForPost(ctx, uri); err != nil {
		return fmt.Errorf("delete feed items: %w", err)
	}
	if err := r.store.DeletePost(ctx, uri); err != nil {
		return fmt.Errorf("delete post: %w", err)
	}

	log.Debug().Str("uri", uri).Msg("firehose: removed deleted post")
	return nil
}

func (r *Router) handleRepostCreate(ctx context.Context, event *JetstreamEvent) error {
	var record repostRecord
	if err := json.Unmarshal(event.Commit.Record, &record); err != nil {
		return fmt.Errorf("unmarshal repost record: %w", err)
	}
	if record.Subject.URI == "" {
		log.Debug().Str("did", event.DID).Msg("firehose: skipping repost without subject")
		return nil
	}

	filtered := r.filter.ShouldFilter(ctx, event.DID, record.Subject.URI)
	if filtered {
		metrics.SelfRepostsFilteredTotal.Inc()
		log.Info().
			Str("did", event.DID).
			Str("subject", record.Subject.URI).
			Msg("firehose: suppressed self-repost")
	}

	item := database.FeedItem{
		PostURI:     record.Subject.URI,
		RepostURI:   recordURI(event),
		ReposterDID: event.DID,
		SortTime:    sortTime(record.CreatedAt),
		IsFiltered:  filtered,
	}
	if err := r.store.InsertFeedItem(ctx, item); err != nil {
		return fmt.Errorf("insert feed item: %w", err)
	}
	return nil
}

func (r *Router) handleRepostDelete(ctx context.Context, event *JetstreamEvent) error {
	if err := r.store.DeleteFeedItemsForRepost(ctx, recordURI(event)); err != nil {
		return fmt.Errorf("delete feed item: %w", err)
	}
	return nil
}

// sortTime normalizes a record's createdAt into the fixed-width sort
// layout. Records carry whatever their client wrote, so an unparseable
// timestamp falls back to arrival time rather than dropping the event.
func sortTime(createdAt string) string {
	dt, err := syntax.ParseDatetimeLenient(createdAt)
	if err != nil {
		return database.FormatSortTime(time.Now())
	}
	return database.FormatSortTime(dt.Time())
}
