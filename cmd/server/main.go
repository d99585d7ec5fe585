package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quietfeed/internal/config"
	"quietfeed/internal/database/sqlitestore"
	"quietfeed/internal/firehose"
	"quietfeed/internal/follows"
	"quietfeed/internal/handlers"
	"quietfeed/internal/metrics"
	"quietfeed/internal/routing"
	"quietfeed/internal/scheduler"
	"quietfeed/internal/selfrepost"
	"quietfeed/internal/tracing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Configure zerolog
	// Set log level from environment (default: info)
	logLevel := os.Getenv("LOG_LEVEL")
	switch logLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info", "":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Use pretty console logging in development, JSON in production
	if os.Getenv("LOG_FORMAT") == "json" {
		// Production: JSON logs
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		// Development: pretty console logs
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	log.Info().Msg("Starting quietfeed feed generator")

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing
	tp, err := tracing.Init(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Tracer shutdown failed")
			}
		}()
	}

	// Open the feed index
	store, err := sqlitestore.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("Failed to open database")
	}
	defer store.Close()

	if err := store.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database schema")
	}
	log.Info().Str("path", cfg.DatabasePath).Msg("Database opened")

	// Wire the pipeline: filter -> router -> consumer
	filter := selfrepost.New(store, cfg.SelfRepostMaxAge())
	router := firehose.NewRouter(store, filter)
	consumer := firehose.NewConsumer(firehose.DefaultConfig(cfg.JetstreamURL), store, router)

	// Fetch the follow list once before subscribing, so the first
	// connection already carries a filter. A failure here is not fatal:
	// the persisted set (possibly empty) is used until the next cycle.
	manager := follows.NewManager(store, cfg.PublicAPIHost, cfg.BlueskyHandle)
	if dids, err := manager.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial follow refresh failed")
	} else {
		log.Info().Int("count", len(dids)).Msg("Initial follow list loaded")
	}

	sched := scheduler.New(store, manager, consumer,
		cfg.FollowRefreshInterval, cfg.CleanupInterval, cfg.Retention())

	// Periodic gauges
	metrics.StartCollector(ctx, metrics.StatsSource{
		PostCount:         func() int { return store.PostCount(ctx) },
		FeedItemCount:     func() int { return store.FeedItemCount(ctx) },
		FollowCount:       func() int { return store.FollowCount(ctx) },
		FirehoseConnected: consumer.IsConnected,
	}, time.Minute)

	// HTTP server
	h := handlers.NewHandler(cfg, store, consumer)
	handler := routing.SetupRouter(routing.Config{
		Handlers: h,
		Logger:   log.Logger,
	})

	addr := fmt.Sprintf("%s:%d", cfg.BindHost, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return consumer.Run(gctx)
	})

	g.Go(func() error {
		return sched.Run(gctx)
	})

	g.Go(func() error {
		log.Info().
			Str("address", addr).
			Str("service_did", cfg.ServiceDID()).
			Str("feed_uri", cfg.FeedURI()).
			Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Server exited with error")
	}
	log.Info().Msg("Shutdown complete")
}
