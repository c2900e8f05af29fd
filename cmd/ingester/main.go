package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/ericvolp12/bsky-experiments/pkg/tracing"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	echopprof "github.com/sevenNt/echo-pprof"
	"github.com/urfave/cli/v2"

	"github.com/skylark-rss/skylark/pkg/hub"
	"github.com/skylark-rss/skylark/pkg/ingest"
	"github.com/skylark-rss/skylark/pkg/jetstream"
	"github.com/skylark-rss/skylark/pkg/refresher"
	"github.com/skylark-rss/skylark/pkg/store"
)

func main() {
	app := cli.App{
		Name:    "ingester",
		Usage:   "skylark firehose ingester and feed refresher",
		Version: "0.0.1",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "ws-url",
			Usage:   "full websocket path to the jetstream subscribe endpoint",
			Value:   "wss://jetstream2.us-east.bsky.network/subscribe",
			EnvVars: []string{"SKYLARK_WS_URL"},
		},
		&cli.StringFlag{
			Name:    "appview-host",
			Usage:   "host of the appview used for profile lookups (with protocol)",
			Value:   "https://public.api.bsky.app",
			EnvVars: []string{"SKYLARK_APPVIEW_HOST"},
		},
		&cli.StringFlag{
			Name:    "hub-url",
			Usage:   "base URL of the realtime hub's control surface",
			Value:   "http://localhost:8081",
			EnvVars: []string{"SKYLARK_HUB_URL"},
		},
		&cli.IntFlag{
			Name:    "port",
			Usage:   "port to serve the http server on",
			Value:   8080,
			EnvVars: []string{"SKYLARK_PORT"},
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "enable debug logging",
			Value:   false,
			EnvVars: []string{"SKYLARK_DEBUG"},
		},
		&cli.StringFlag{
			Name:    "sqlite-path",
			Usage:   "path to the sqlite database",
			Value:   "/data/skylark.db",
			EnvVars: []string{"SKYLARK_SQLITE_PATH"},
		},
		&cli.BoolFlag{
			Name:    "migrate-db",
			Usage:   "run database migrations",
			Value:   true,
			EnvVars: []string{"SKYLARK_MIGRATE_DB"},
		},
		&cli.DurationFlag{
			Name:    "poll-interval",
			Usage:   "interval between firehose poll invocations",
			Value:   30 * time.Second,
			EnvVars: []string{"SKYLARK_POLL_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "idle-timeout",
			Usage:   "end a poll cycle after this long without any frames",
			Value:   5 * time.Second,
			EnvVars: []string{"SKYLARK_IDLE_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    "hard-timeout",
			Usage:   "hard bound on one poll cycle's wall time",
			Value:   45 * time.Second,
			EnvVars: []string{"SKYLARK_HARD_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    "cursor-overlap",
			Usage:   "safety overlap subtracted from the resume cursor",
			Value:   5 * time.Second,
			EnvVars: []string{"SKYLARK_CURSOR_OVERLAP"},
		},
		&cli.Float64Flag{
			Name:    "profile-rate-limit",
			Usage:   "rate limit for appview profile lookups in requests per second",
			Value:   10,
			EnvVars: []string{"SKYLARK_PROFILE_RATE_LIMIT"},
		},
		&cli.DurationFlag{
			Name:    "refresh-interval",
			Usage:   "interval between feed refresh cycles",
			Value:   5 * time.Minute,
			EnvVars: []string{"SKYLARK_REFRESH_INTERVAL"},
		},
		&cli.IntFlag{
			Name:    "refresh-batch-size",
			Usage:   "maximum feeds selected per refresh cycle",
			Value:   25,
			EnvVars: []string{"SKYLARK_REFRESH_BATCH_SIZE"},
		},
		&cli.IntFlag{
			Name:    "refresh-concurrency",
			Usage:   "concurrent fetches within a refresh chunk",
			Value:   5,
			EnvVars: []string{"SKYLARK_REFRESH_CONCURRENCY"},
		},
		&cli.IntFlag{
			Name:    "feed-error-threshold",
			Usage:   "consecutive errors after which a feed is skipped",
			Value:   5,
			EnvVars: []string{"SKYLARK_FEED_ERROR_THRESHOLD"},
		},
		&cli.Int64Flag{
			Name:    "feed-max-body",
			Usage:   "hard cap in bytes on a fetched feed body",
			Value:   5 << 20,
			EnvVars: []string{"SKYLARK_FEED_MAX_BODY"},
		},
	}

	app.Action = Ingester

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// Ingester is the main function for the ingester service
func Ingester(cctx *cli.Context) error {
	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	// Logging
	logLevel := slog.LevelInfo
	if cctx.Bool("debug") {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel, AddSource: true}))
	slog.SetDefault(slog.New(logger.Handler()))

	logger.Info("starting up")

	// Registers a tracer Provider globally if the exporter endpoint is set
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		logger.Info("registering global tracer provider")
		shutdown, err := tracing.InstallExportPipeline(ctx, "skylark-ingester", 1)
		if err != nil {
			logger.Error("failed to install export pipeline", "error", err)
			return err
		}
		defer func() {
			if err := shutdown(ctx); err != nil {
				logger.Error("failed to shutdown export pipeline", "error", err)
			}
		}()
	}

	st, err := store.Open(cctx.String("sqlite-path"), logger, cctx.Bool("migrate-db"))
	if err != nil {
		logger.Error("failed to open store", "error", err)
		return err
	}

	jsCfg := jetstream.DefaultConfig()
	jsCfg.SocketURL = cctx.String("ws-url")
	jsCfg.IdleTimeout = cctx.Duration("idle-timeout")
	jsCfg.HardTimeout = cctx.Duration("hard-timeout")
	jsCfg.Overlap = cctx.Duration("cursor-overlap")

	client, err := jetstream.NewClient(logger, jsCfg)
	if err != nil {
		logger.Error("failed to create jetstream client", "error", err)
		return err
	}

	broadcaster := hub.NewClient(logger, cctx.String("hub-url"))
	enricher := ingest.NewEnricher(logger, cctx.String("appview-host"), "skylark-ingester/"+cctx.App.Version, cctx.Float64("profile-rate-limit"))
	processor := ingest.NewProcessor(logger, st, enricher, broadcaster)

	orchCfg := ingest.DefaultOrchestratorConfig(uuid.NewString())
	orchCfg.Interval = cctx.Duration("poll-interval")
	orchestrator := ingest.NewOrchestrator(logger, st, client, processor, ingest.DefaultStreams(), orchCfg)

	refCfg := refresher.DefaultConfig()
	refCfg.Interval = cctx.Duration("refresh-interval")
	refCfg.BatchSize = cctx.Int("refresh-batch-size")
	refCfg.ConcurrentFetches = cctx.Int("refresh-concurrency")
	refCfg.ErrorThreshold = cctx.Int("feed-error-threshold")
	refCfg.MaxBody = cctx.Int64("feed-max-body")
	ref := refresher.NewRefresher(logger, st, broadcaster, refCfg)

	// Start a goroutine to watch cursor movement; an idle upstream is legal
	// here, so a stall only warns, it never self-kills.
	shutdownLivenessChecker := make(chan struct{})
	livenessCheckerShutdown := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		lastTimeUS := int64(0)

		logger := slog.With("source", "liveness_checker")

		for {
			select {
			case <-shutdownLivenessChecker:
				logger.Info("shutting down liveness checker")
				close(livenessCheckerShutdown)
				return
			case <-ticker.C:
				timeUS := client.GetTimeUS()
				if timeUS == lastTimeUS {
					logger.Warn("no cursor movement in last 5 minutes", "last_time_us", lastTimeUS)
				} else {
					logger.Debug("cursor moving", "last_time_us", timeUS)
					lastTimeUS = timeUS
				}
			}
		}
	}()

	ingestAPI := ingest.NewAPI(logger, orchestrator, st)
	refreshAPI := refresher.NewAPI(logger, ref)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/status", ingestAPI.HandleGetStatus)
	e.POST("/trigger", ingestAPI.HandleTrigger)
	e.GET("/repos", ingestAPI.HandleGetRepos)
	e.POST("/repos", ingestAPI.HandleRegisterRepo)
	e.POST("/refresh/feed", refreshAPI.HandleRefreshFeed)
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "Skylark Ingester")
	})
	echopprof.Wrap(e)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cctx.Int("port")),
		Handler: e,
	}

	// Startup HTTP server
	shutdownHTTPServer := make(chan struct{})
	httpServerShutdown := make(chan struct{})
	go func() {
		logger := logger.With("source", "http_server")

		logger.Info("http server listening on port", "port", cctx.Int("port"))

		go func() {
			if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
				logger.Error("failed to start http server", "error", err)
			}
		}()
		<-shutdownHTTPServer
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("failed to shut down http server", "error", err)
		}
		logger.Info("http server shut down")
		close(httpServerShutdown)
	}()

	// Run the orchestrator in a goroutine
	orchestratorShutdown := make(chan struct{})
	go func() {
		logger := logger.With("source", "orchestrator")

		logger.Info("starting orchestrator")
		if err := orchestrator.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("orchestrator returned an error", "error", err)
		}
		logger.Info("orchestrator shut down")
		close(orchestratorShutdown)
	}()

	// Run the refresher in a goroutine
	refresherShutdown := make(chan struct{})
	go func() {
		logger := logger.With("source", "refresher")

		logger.Info("starting refresher")
		if err := ref.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("refresher returned an error", "error", err)
		}
		logger.Info("refresher shut down")
		close(refresherShutdown)
	}()

	// Trap SIGINT to trigger a shutdown.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-signals:
		logger.Info("received signal, shutting down")
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	logger.Info("shutting down, waiting for routines to finish")
	cancel()
	close(shutdownLivenessChecker)
	close(shutdownHTTPServer)

	<-livenessCheckerShutdown
	<-httpServerShutdown
	<-orchestratorShutdown
	<-refresherShutdown
	logger.Info("shutdown complete")

	return nil
}
