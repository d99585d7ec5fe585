// Package handlers implements the public HTTP surface of the feed
// generator: the did:web identity document, the two app.bsky.feed XRPC
// endpoints, and the health check.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"quietfeed/internal/config"
	"quietfeed/internal/database"
)

// StreamStatus exposes the stream consumer's health to the health endpoint.
type StreamStatus interface {
	IsConnected() bool
	EventsReceived() int64
}

// Handler contains all HTTP handler methods and their dependencies.
// Dependencies are injected via the constructor for better testability.
type Handler struct {
	cfg    *config.Config
	store  database.Store
	stream StreamStatus
}

// NewHandler creates a new Handler. stream may be nil in tests; the
// health endpoint then omits stream fields.
func NewHandler(cfg *config.Config, store database.Store, stream StreamStatus) *Handler {
	return &Handler{cfg: cfg, store: store, stream: stream}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("handlers: failed to encode response")
	}
}

// writeXRPCError writes an XRPC-shaped error body: {"error": ..., "message": ...}.
func writeXRPCError(w http.ResponseWriter, status int, name, message string) {
	writeJSON(w, status, map[string]string{
		"error":   name,
		"message": message,
	})
}

// HandleDIDDocument serves /.well-known/did.json, the did:web identity
// document that binds the service DID to this hostname.
func (h *Handler) HandleDIDDocument(w http.ResponseWriter, r *http.Request) {
	doc := map[string]any{
		"@context": []string{"https://www.w3.org/ns/did/v1"},
		"id":       h.cfg.ServiceDID(),
		"service": []map[string]string{
			{
				"id":              "#bsky_fg",
				"type":            "BskyFeedGenerator",
				"serviceEndpoint": "https://" + h.cfg.Hostname,
			},
		},
	}
	writeJSON(w, http.StatusOK, doc)
}

// HandleHealth serves the health check endpoint.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if h.stream != nil {
		resp["firehose_connected"] = h.stream.IsConnected()
		resp["events_received"] = h.stream.EventsReceived()
	}
	writeJSON(w, http.StatusOK, resp)
}
