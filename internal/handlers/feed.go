package handlers

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"quietfeed/internal/metrics"
)

const (
	feedGeneratorCollection = "app.bsky.feed.generator"
	maxFeedLimit            = 100
)

// skeletonItem is one entry in a getFeedSkeleton response. Reposts carry
// a reason so the AppView attributes them to the reposter.
type skeletonItem struct {
	Post   string          `json:"post"`
	Reason *skeletonReason `json:"reason,omitempty"`
}

type skeletonReason struct {
	Type   string `json:"$type"`
	Repost string `json:"repost"`
}

type skeletonResponse struct {
	Feed   []skeletonItem `json:"feed"`
	Cursor string         `json:"cursor,omitempty"`
}

// HandleDescribeFeedGenerator serves app.bsky.feed.describeFeedGenerator,
// advertising the single feed this service hosts.
func (h *Handler) HandleDescribeFeedGenerator(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"did": h.cfg.ServiceDID(),
		"feeds": []map[string]string{
			{"uri": h.cfg.FeedURI()},
		},
	})
}

// HandleGetFeedSkeleton serves app.bsky.feed.getFeedSkeleton: one page
// of post URIs in reverse chronological order with keyset pagination.
func (h *Handler) HandleGetFeedSkeleton(w http.ResponseWriter, r *http.Request) {
	feed := r.URL.Query().Get("feed")
	if !h.servesFeed(feed) {
		metrics.FeedSkeletonRequestsTotal.WithLabelValues("unknown_feed").Inc()
		writeXRPCError(w, http.StatusBadRequest, "UnknownFeed", "feed not served by this generator")
		return
	}

	// When an allow-list is configured, a requester whose DID is off the
	// list is served an empty feed rather than an error: the feed just
	// looks empty in their client. Requests without a usable token pass
	// through, since the gate keys on the claimed identity.
	if len(h.cfg.AllowedDIDs) > 0 {
		if did := requesterDID(r); did != "" && !h.allowedDID(did) {
			metrics.FeedSkeletonRequestsTotal.WithLabelValues("denied").Inc()
			log.Info().Str("did", did).Msg("handlers: feed request outside allow-list")
			writeJSON(w, http.StatusOK, skeletonResponse{Feed: []skeletonItem{}})
			return
		}
	}

	limit := h.cfg.FeedPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			metrics.FeedSkeletonRequestsTotal.WithLabelValues("error").Inc()
			writeXRPCError(w, http.StatusBadRequest, "InvalidRequest", "limit must be an integer")
			return
		}
		limit = n
	}
	if limit < 1 {
		limit = 1
	}
	if limit > maxFeedLimit {
		limit = maxFeedLimit
	}

	items, cursor, err := h.store.FeedPage(r.Context(), limit, r.URL.Query().Get("cursor"))
	if err != nil {
		metrics.FeedSkeletonRequestsTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).Msg("handlers: feed page query failed")
		writeXRPCError(w, http.StatusInternalServerError, "InternalServerError", "failed to load feed")
		return
	}

	resp := skeletonResponse{Feed: make([]skeletonItem, 0, len(items)), Cursor: cursor}
	for _, item := range items {
		entry := skeletonItem{Post: item.PostURI}
		if item.RepostURI != "" {
			entry.Reason = &skeletonReason{
				Type:   "app.bsky.feed.defs#skeletonReasonRepost",
				Repost: item.RepostURI,
			}
		}
		resp.Feed = append(resp.Feed, entry)
	}

	metrics.FeedSkeletonRequestsTotal.WithLabelValues("success").Inc()
	writeJSON(w, http.StatusOK, resp)
}

// servesFeed reports whether the requested feed URI names this
// generator's feed. Clients address the feed by the publisher's DID, so
// only the collection and rkey tail is matched, not the authority.
func (h *Handler) servesFeed(feed string) bool {
	if feed == "" {
		return false
	}
	return strings.HasSuffix(feed, "/"+feedGeneratorCollection+"/"+h.cfg.FeedRKey)
}

// allowedDID checks a requester's DID against the allow-list. The
// AppView authenticates requests with a service JWT whose iss claim is
// the requester; the signature covers the service DID and is enforced
// upstream, so only the claim is read here.
func (h *Handler) allowedDID(did string) bool {
	for _, allowed := range h.cfg.AllowedDIDs {
		if did == allowed {
			return true
		}
	}
	return false
}

// requesterDID extracts the iss claim from the bearer JWT, or "" when
// the request carries no usable token.
func requesterDID(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return ""
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}

	var claims struct {
		Iss string `json:"iss"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return ""
	}
	return claims.Iss
}
