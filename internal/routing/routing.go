package routing

import (
	"net/http"

	"quietfeed/internal/handlers"
	"quietfeed/internal/middleware"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config holds the configuration needed for setting up routes
type Config struct {
	Handlers *handlers.Handler
	Logger   zerolog.Logger
}

// SetupRouter creates and configures the HTTP router with all routes and middleware
func SetupRouter(cfg Config) http.Handler {
	h := cfg.Handlers
	mux := http.NewServeMux()

	// did:web identity document
	mux.HandleFunc("GET /.well-known/did.json", h.HandleDIDDocument)

	// Feed generator XRPC endpoints
	mux.HandleFunc("GET /xrpc/app.bsky.feed.describeFeedGenerator", h.HandleDescribeFeedGenerator)
	mux.HandleFunc("GET /xrpc/app.bsky.feed.getFeedSkeleton", h.HandleGetFeedSkeleton)

	// Operational endpoints
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Apply middleware in order (outermost first, innermost last)
	var handler http.Handler = mux

	// 1. Logging and request metrics
	handler = middleware.LoggingMiddleware(cfg.Logger)(handler)

	// 2. Tracing (outermost, so the span covers the middleware too)
	handler = otelhttp.NewHandler(handler, "http.server")

	return handler
}
