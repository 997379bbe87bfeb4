/*
Package main runs the price ingestion service.

The server keeps live WebSocket subscriptions to the configured quote
providers (EODHD, Twelve Data, Polygon), averages their ticks over a
synchronized flush window, persists every window to PostgreSQL and streams
the consolidated prices to viewers over Server-Sent Events and WebSocket. A
gRPC health service reports overall and per-feed serving status.

Usage:

	go run ./cmd/server -config=config.yaml

Every setting can also come from the environment (PRICEFEED_* variables or a
.env file in the working directory).
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"pricefeed/internal/cache"
	"pricefeed/internal/config"
	"pricefeed/internal/feed"
	"pricefeed/internal/httpapi"
	"pricefeed/internal/model"
	"pricefeed/internal/service"
	"pricefeed/internal/storage"
	"pricefeed/internal/utils"
	"pricefeed/internal/websocket"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

const (
	shutdownTimeout         = 15 * time.Second
	maxReferenceInstruments = 20
	referenceCachePrefix    = "pricefeed:reference:"
)

// configPath points at an optional YAML configuration file.
var configPath = flag.String("config", "", "Path to a YAML configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	utils.ConfigureLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	zone, err := time.LoadLocation(cfg.App.DisplayZone)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid display zone")
	}

	// Context for the lifetime of every background component
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(ctx, storage.Config{
		DSN:                cfg.Storage.DSN,
		PoolSize:           cfg.Storage.PoolSize,
		MaxOverflow:        cfg.Storage.MaxOverflow,
		WriterConns:        cfg.Storage.WriterConns,
		WriteRetries:       cfg.Storage.WriteRetries,
		RetentionBatchSize: cfg.Storage.RetentionBatchSize,
		RetentionPause:     cfg.Storage.RetentionPause,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer store.Close()

	if cfg.Storage.MigrateOnStart {
		if err := store.Migrate(); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate database")
		}
	}

	// The coordinator and the health reporter both follow feed state. They
	// are created after the connections, which only emit once started.
	var (
		coord    *service.Coordinator
		reporter *service.HealthReporter
	)
	onStateChange := func(feedID string, from, to model.FeedState) {
		coord.HandleStateChange(feedID, from, to)
		reporter.HandleStateChange(feedID, from, to)
	}

	conns, native := newFeeds(cfg, onStateChange)
	if len(conns) == 0 {
		log.Fatal().Msg("no usable feeds configured")
	}

	feedIDs := make([]string, 0, len(conns))
	views := make(map[string]struct{}, len(conns))
	feeds := make([]service.FeedConnection, 0, len(conns))
	for _, c := range conns {
		feedIDs = append(feedIDs, c.FeedID())
		views[c.FeedID()] = struct{}{}
		feeds = append(feeds, c)
	}

	healthServer := health.NewServer()
	reporter = service.NewHealthReporter(healthServer, feedIDs)

	hub := service.NewHub(service.HubConfig{
		QueueSize:     cfg.Stream.QueueSize,
		PublishBuffer: cfg.Stream.PublishBuffer,
		Views:         views,
		Snapshot:      func(view string) []model.RoutedSample { return coord.Snapshot(view) },
	})
	coord = service.NewCoordinator(service.CoordinatorConfig{
		FlushInterval:    cfg.Ingest.FlushInterval,
		PersistQueueSize: cfg.Ingest.PersistQueueSize,
		Native:           native,
	}, feeds, store, hub)

	if err := hub.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start hub")
	}
	if err := coord.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start ingestion")
	}

	refs, err := newReferenceService(ctx, cfg, store, coord, views)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create reference service")
	}

	retention, err := storage.NewRetentionScheduler(store, cfg.Storage.RetentionDays, cfg.Storage.RetentionSchedule)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to schedule retention")
	}
	retention.Start()

	api := httpapi.NewServer(httpapi.Config{
		Zone:              zone,
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		RateLimit:         cfg.App.RateLimit,
		RateBurst:         cfg.App.RateBurst,
	}, store, coord, hub, refs)
	httpServer := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lis, err := net.Listen("tcp", cfg.App.GRPCAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to listen")
	}

	// Keepalive parameters for long-lived health Watch streams
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			MaxConnectionAge:  30 * time.Minute,
			Time:              20 * time.Second,
			Timeout:           10 * time.Second,
		}),
	)
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)

	serveErr := make(chan error, 2)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			serveErr <- err
		}
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	log.Info().
		Str("http", cfg.App.HTTPAddr).
		Str("grpc", cfg.App.GRPCAddr).
		Strs("feeds", feedIDs).
		Dur("flush_interval", cfg.Ingest.FlushInterval).
		Msg("server starting")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("initiating graceful shutdown")
	case err := <-serveErr:
		log.Error().Err(err).Msg("server failed, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	reporter.Shutdown()

	// Feeds stop first, then batches already queued are written out.
	if err := coord.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ingestion did not stop cleanly")
	}

	// Cancelling closes every subscriber queue, which ends open streams and
	// lets the HTTP server go idle.
	cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown")
	}
	if err := retention.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("retention run still in progress")
	}
	grpcServer.GracefulStop()

	log.Info().Msg("server stopped")
}

// newFeeds builds a connection for every enabled feed. A feed with invalid
// configuration is logged and skipped; the others still start.
func newFeeds(cfg *config.Config, onStateChange func(string, model.FeedState, model.FeedState)) ([]*websocket.Connection, map[string][]string) {
	base := websocket.Config{
		PingPeriod:        cfg.Ingest.PingPeriod,
		StallTimeout:      cfg.Ingest.StallTimeout,
		ReconnectDelay:    cfg.Ingest.ReconnectDelay,
		MaxReconnectDelay: cfg.Ingest.MaxReconnectDelay,
		TickBuffer:        cfg.Ingest.TickBuffer,
		OnStateChange:     onStateChange,
	}

	byID := cfg.Feeds.ByID()
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var conns []*websocket.Connection
	native := make(map[string][]string)
	for _, id := range ids {
		fc := byID[id]
		if !fc.Enabled {
			log.Info().Str("feed", id).Msg("feed disabled")
			continue
		}

		provider, err := feed.New(id, &feed.Config{
			Endpoint: fc.Endpoint,
			APIKey:   fc.APIKey,
			Symbols:  fc.Symbols,
		})
		if err != nil {
			log.Error().Err(err).Str("feed", id).Msg("skipping feed with invalid configuration")
			continue
		}

		conn, err := feed.Connect(provider, base)
		if err != nil {
			log.Error().Err(err).Str("feed", id).Msg("skipping feed")
			continue
		}

		conns = append(conns, conn)
		native[id] = provider.Instruments()
	}
	return conns, native
}

// newReferenceService wires the reference price service to the configured
// cache backend.
func newReferenceService(ctx context.Context, cfg *config.Config, store *storage.Gateway, latest service.LatestSource, feeds map[string]struct{}) (*service.ReferenceService, error) {
	anchors := make([]service.Anchor, 0, len(cfg.Reference.Anchors))
	for _, a := range cfg.Reference.Anchors {
		anchor, err := service.NewAnchor(a.Name, a.Location, a.Hour, a.Minute, a.Kind)
		if err != nil {
			return nil, err
		}
		anchors = append(anchors, anchor)
	}

	var c cache.Cache = cache.NewMemory(cache.DefaultMemorySize, cfg.Reference.CacheTTL)
	if cfg.Reference.CacheBackend == "redis" {
		rc := cache.NewRedis(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}), referenceCachePrefix)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := rc.Ping(pingCtx); err != nil {
			// The service still answers from the database; cache errors are ignored per request.
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable, reference cache degraded")
		}
		c = rc
	}

	return service.NewReferenceService(service.ReferenceConfig{
		Anchors:        anchors,
		CloseLookback:  cfg.Reference.CloseLookback,
		CacheTTL:       cfg.Reference.CacheTTL,
		Instruments:    cfg.Instruments(),
		Feeds:          feeds,
		MaxInstruments: maxReferenceInstruments,
	}, store, latest, c)
}
