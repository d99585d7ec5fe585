// Package selfrepost decides whether a repost is a fresh self-repost —
// an author re-upping their own post within a configured window. That
// is the engagement-farming pattern the feed suppresses; older
// self-reposts are legitimate throwback shares and pass through.
package selfrepost

import (
	"context"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/rs/zerolog/log"

	"quietfeed/internal/database"
)

// PostSource is the single lookup the filter needs from storage.
type PostSource interface {
	GetPost(ctx context.Context, uri string) (*database.Post, error)
}

// Filter holds the decision parameters. It keeps no mutable state.
type Filter struct {
	posts  PostSource
	maxAge time.Duration
	now    func() time.Time
}

// New creates a Filter suppressing self-reposts of posts younger than maxAge.
func New(posts PostSource, maxAge time.Duration) *Filter {
	return &Filter{posts: posts, maxAge: maxAge, now: time.Now}
}

// ShouldFilter reports whether the repost of subjectURI by reposterDID
// should be suppressed. Every ambiguous input resolves to false
// (fail-open): an unparseable URI, an unknown post, or a bad timestamp
// never causes filtering.
func (f *Filter) ShouldFilter(ctx context.Context, reposterDID, subjectURI string) bool {
	aturi, err := syntax.ParseATURI(subjectURI)
	if err != nil {
		return false
	}
	author, err := aturi.Authority().AsDID()
	if err != nil {
		return false
	}
	if reposterDID != author.String() {
		return false
	}

	post, err := f.posts.GetPost(ctx, subjectURI)
	if err != nil {
		log.Warn().Err(err).Str("uri", subjectURI).Msg("filter: post lookup failed")
		return false
	}
	if post == nil {
		// Not in the index — authored before this service started
		// tracking, or not by a followed account. Almost certainly
		// outside the window anyway.
		return false
	}

	created, err := syntax.ParseDatetimeLenient(post.CreatedAt)
	if err != nil {
		return false
	}

	// Strict less-than: a post exactly maxAge old is not filtered.
	age := f.now().Sub(created.Time())
	return age < f.maxAge
}
