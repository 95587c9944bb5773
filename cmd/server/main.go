package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-mediagw/internal/api"
	"github.com/technosupport/ts-mediagw/internal/auth"
	"github.com/technosupport/ts-mediagw/internal/clips"
	"github.com/technosupport/ts-mediagw/internal/config"
	"github.com/technosupport/ts-mediagw/internal/data"
	"github.com/technosupport/ts-mediagw/internal/events"
	"github.com/technosupport/ts-mediagw/internal/extract"
	"github.com/technosupport/ts-mediagw/internal/metrics"
	"github.com/technosupport/ts-mediagw/internal/middleware"
	"github.com/technosupport/ts-mediagw/internal/pipeline"
	"github.com/technosupport/ts-mediagw/internal/ratelimit"
	"github.com/technosupport/ts-mediagw/internal/recording"
	"github.com/technosupport/ts-mediagw/internal/sfu"
	"github.com/technosupport/ts-mediagw/internal/streams"
	"github.com/technosupport/ts-mediagw/internal/tokens"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", os.Getenv("MEDIAGW_CONFIG"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxIdleTime(cfg.Database.MaxIdleTime)
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("db ping: %v", err)
	}
	defer db.Close()

	models := data.NewModels(db)

	// Redis (token blacklist + rate limiting)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	// NATS is optional; the gateway runs without event delivery.
	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		natsConn, err = nats.Connect(cfg.NATS.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			log.Printf("[main] nats connect: %v (events disabled)", err)
		} else {
			defer natsConn.Drain()
		}
	}
	publisher := events.NewPublisher(natsConn, cfg.NATS.SubjectPrefix, cfg.NATS.MaxRetries)

	collector := metrics.NewCollector()

	// SFU control channel
	sfuClient := sfu.NewClient(sfu.Config{
		URL:            cfg.SFU.URL,
		Secret:         cfg.SFU.Secret,
		CallTimeout:    cfg.SFU.CallTimeout,
		MaxPending:     cfg.SFU.MaxPending,
		ReconnectDelay: cfg.SFU.ReconnectDelay,
		Metrics:        collector,
	})
	if err := sfuClient.Connect(ctx); err != nil {
		// The redial loop keeps trying; streams fail over to ERROR
		// until the SFU comes back.
		log.Printf("[main] sfu connect: %v", err)
	}
	defer sfuClient.Close()

	// Recording layer
	index, err := recording.NewIndex(cfg.Recording.Root)
	if err != nil {
		log.Fatalf("recording index: %v", err)
	}
	go index.Run(ctx)

	pins := recording.NewPinSet()
	guard := recording.NewDiskGuard(cfg.Recording.Root,
		cfg.Recording.DiskSoftPercent, cfg.Recording.DiskHardPercent, cfg.Recording.DiskKillPercent)

	pruner := recording.NewPruner(cfg.Recording.Root,
		time.Duration(cfg.Recording.RetentionDays)*24*time.Hour,
		cfg.Recording.PruneInterval, guard, pins)
	go pruner.Run(ctx)

	go sampleDiskUsage(ctx, guard, collector)

	// Pipeline plumbing
	registry := pipeline.NewRegistry()
	ports := pipeline.NewPortBroker(cfg.Pipeline.PortMin, cfg.Pipeline.PortMax)
	capture := pipeline.NewSsrcCapturer(cfg.Pipeline.SSRCTimeout)

	pipelineDeps := pipeline.Deps{
		Streams:   models.Streams,
		Producers: models.Producers,
		Consumers: models.Consumers,
		SFU:       sfuClient,
		Ports:     ports,
		Capture:   capture,
		Events:    publisher,
		Metrics:   collector,
	}
	pipelineSettings := pipeline.Settings{
		RTPHost:        cfg.Pipeline.RTPHost,
		FFmpegPath:     cfg.Pipeline.FFmpegPath,
		SSRCTimeout:    cfg.Pipeline.SSRCTimeout,
		StartDeadline:  cfg.Pipeline.StartDeadline,
		MaxRestarts:    cfg.Pipeline.MaxRestarts,
		RecordingRoot:  cfg.Recording.Root,
		SegmentSeconds: cfg.Recording.SegmentSeconds,
	}

	monitor := pipeline.NewHealthMonitor(registry, sfuClient,
		cfg.Pipeline.HealthInterval, cfg.Pipeline.StaleThreshold, cfg.Pipeline.RestartCooldown)
	go monitor.Run(ctx)

	// Extraction
	pool := extract.NewPool(cfg.Extraction.Workers, cfg.Extraction.QueueSize, collector)
	executor := extract.NewExecutor(extract.Config{
		FFmpegPath:         cfg.Pipeline.FFmpegPath,
		SnapshotsRoot:      cfg.Extraction.SnapshotsRoot,
		BookmarksRoot:      cfg.Extraction.BookmarksRoot,
		LiveDeadline:       cfg.Extraction.LiveDeadline,
		HistoricalDeadline: cfg.Extraction.HistoricalDeadline,
		ClipDeadline:       cfg.Extraction.ClipDeadline,
	}, index, pins, guard, models.Snapshots, models.Bookmarks, publisher, collector)

	// Services
	streamService := streams.NewService(models, registry, sfuClient, monitor, pipelineDeps, pipelineSettings)
	consumerService := streams.NewConsumerService(models, sfuClient, collector)
	clipService := clips.NewService(models, pool, executor, cfg.Recording.SegmentSeconds)

	tokenMgr := tokens.NewManager(cfg.Auth.JWTSigningKey, cfg.Auth.AccessTokenTTL)
	authService := auth.NewService(models.Clients, models.RefreshTokens, tokenMgr, cfg.Auth.RefreshTokenTTL)
	blacklist := auth.NewRedisBlacklist(rdb)

	// Middleware
	jwtAuth := middleware.NewJWTAuth(tokenMgr, blacklist)
	limiter := ratelimit.NewLimiter(rdb, "mediagw")
	rl := middleware.NewRateLimitMiddleware(limiter,
		ratelimit.LimitConfig{Rate: cfg.Auth.RateLimitPerMin, Window: time.Minute},
		ratelimit.LimitConfig{Rate: cfg.Auth.RateLimitPerMin, Window: time.Minute},
	)
	httpMetrics := middleware.NewHTTPMetrics(collector.Registerer())

	router := newRouter(handlers{
		auth:      api.NewAuthHandler(authService),
		devices:   api.NewDeviceHandler(models.Devices),
		streams:   api.NewStreamHandler(streamService),
		consumers: api.NewConsumerHandler(consumerService),
		playback:  api.NewPlaybackHandler(cfg.Recording.Root),
		snapshots: api.NewSnapshotHandler(clipService, cfg.Extraction.SnapshotsRoot),
		bookmarks: api.NewBookmarkHandler(clipService, cfg.Extraction.BookmarksRoot),
		health:    api.NewHealthHandler(db, rdb, natsConn, sfuClient, guard, version),
	}, jwtAuth, rl, httpMetrics, collector.Handler(), cfg.Server.CORSOrigins)

	// Background lifecycle work
	go streamService.WatchControlChannel(ctx)
	go consumerService.RunReaper(ctx)

	// Pick up streams orphaned by a previous process.
	if err := streamService.Recover(ctx); err != nil {
		log.Printf("[main] stream recovery: %v", err)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[main] media gateway %s listening on %s", version, cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("[main] received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[main] server: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] http shutdown: %v", err)
	}

	// Stop pipelines first so ffmpeg processes die cleanly, then drain
	// the extraction queue.
	streamService.Shutdown(shutdownCtx)
	pool.Shutdown()
	cancel()

	log.Printf("[main] shutdown complete")
}

// sampleDiskUsage keeps the recordings disk gauge current.
func sampleDiskUsage(ctx context.Context, guard *recording.DiskGuard, collector *metrics.Collector) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		if used, err := guard.UsedPercent(); err == nil {
			collector.DiskUsedPercent(used)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
