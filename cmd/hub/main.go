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
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	echopprof "github.com/sevenNt/echo-pprof"
	"github.com/urfave/cli/v2"

	"github.com/skylark-rss/skylark/pkg/hub"
	"github.com/skylark-rss/skylark/pkg/store"
)

func main() {
	app := cli.App{
		Name:    "hub",
		Usage:   "skylark realtime notification hub",
		Version: "0.0.1",
	}

	app.Flags = []cli.Flag{
		&cli.IntFlag{
			Name:    "port",
			Usage:   "port to serve the http server on",
			Value:   8081,
			EnvVars: []string{"SKYLARK_HUB_PORT"},
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
			Name:    "heartbeat-interval",
			Usage:   "interval between heartbeat probes to attached clients",
			Value:   30 * time.Second,
			EnvVars: []string{"SKYLARK_HEARTBEAT_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "heartbeat-timeout",
			Usage:   "reclaim an attachment after this long without a heartbeat",
			Value:   90 * time.Second,
			EnvVars: []string{"SKYLARK_HEARTBEAT_TIMEOUT"},
		},
	}

	app.Action = Hub

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// Hub is the main function for the hub service
func Hub(cctx *cli.Context) error {
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
		shutdown, err := tracing.InstallExportPipeline(ctx, "skylark-hub", 1)
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

	hubCfg := hub.DefaultConfig()
	hubCfg.HeartbeatInterval = cctx.Duration("heartbeat-interval")
	hubCfg.HeartbeatTimeout = cctx.Duration("heartbeat-timeout")

	h, err := hub.NewHub(ctx, logger, st, hubCfg)
	if err != nil {
		logger.Error("failed to create hub", "error", err)
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Namespace: "skylark_hub",
		HistogramOptsFunc: func(opts prometheus.HistogramOpts) prometheus.HistogramOpts {
			opts.Buckets = prometheus.ExponentialBuckets(0.00001, 2, 20)
			return opts
		},
	}))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/ws", h.HandleWS)
	e.POST("/broadcast", h.HandleBroadcast)
	e.GET("/status", h.HandleGetStatus)
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "Skylark Hub")
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

	// Run the sweep loop in a goroutine
	hubShutdown := make(chan struct{})
	go func() {
		logger := logger.With("source", "hub")

		logger.Info("starting sweep loop")
		if err := h.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("sweep loop returned an error", "error", err)
		}
		logger.Info("sweep loop shut down")
		close(hubShutdown)
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
	close(shutdownHTTPServer)

	<-httpServerShutdown
	<-hubShutdown
	logger.Info("shutdown complete")

	return nil
}
