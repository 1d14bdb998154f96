package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"toolgate/internal/client"
	"toolgate/internal/config"
	"toolgate/internal/handler"
	"toolgate/internal/metrics"
	"toolgate/internal/middleware"
	"toolgate/internal/registry"
	"toolgate/internal/service"
	"toolgate/internal/session"
	"toolgate/internal/transform"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()

	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("toolgate"),
		kong.Description("Gateway that embeds third-party admin consoles in a dashboard iframe."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newMetrics,
			newEcho,
			registry.FromConfig,
			newTracker,
			client.NewUpstreamClient,
			service.NewGateway,
			transform.New,
			newGatewayHandler,
			newToolsHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(registerRoutes, warnConfig, runTracker, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newMetrics(cfg *config.Config) *metrics.Metrics {
	return metrics.New(cfg.Gateway.MountPrefix)
}

func newTracker(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *session.Tracker {
	return session.NewTracker(cfg.Gateway.SessionIdle(), cfg.Gateway.SessionSweep(), logger, m)
}

func newGatewayHandler(cfg *config.Config, svc *service.Gateway, tr *transform.Transformer, tracker *session.Tracker, logger *slog.Logger) *handler.GatewayHandler {
	return handler.NewGatewayHandler(svc, tr, tracker, cfg.Gateway.MountPrefix, logger)
}

func newToolsHandler(cfg *config.Config, reg *registry.Registry, svc *service.Gateway, logger *slog.Logger) *handler.ToolsHandler {
	return handler.NewToolsHandler(reg, svc, cfg.Gateway.MountPrefix, logger)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout stays 0: long-running tool pages and event streams are
	// bounded by the per-tool upstream timeout instead.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	mount := strings.TrimSuffix(cfg.Gateway.MountPrefix, "/")
	gatewayRoute := func(c echo.Context) bool {
		p := c.Path()
		return p == mount+"/:toolId/proxy" || p == mount+"/:toolId/proxy/*"
	}

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.MetricsMiddleware(m))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders(gatewayRoute))

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimit(cfg.Server.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
		logger.Info("metrics endpoint enabled", "path", cfg.Metrics.Path)
	}

	return e
}

func registerRoutes(e *echo.Echo, cfg *config.Config, gateway *handler.GatewayHandler, tools *handler.ToolsHandler, health *handler.HealthHandler) {
	handler.RegisterRoutes(e, cfg.Gateway.MountPrefix, gateway, tools, health)
}

func warnConfig(cfg *config.Config, reg *registry.Registry, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
	if cfg.Upstream.InsecureSkipVerify {
		logger.Warn("upstream TLS verification is disabled; tool certificates are not checked")
	}
	logger.Info("tools loaded", "count", reg.Len(), "mount_prefix", cfg.Gateway.MountPrefix)
}

func runTracker(lc fx.Lifecycle, tracker *session.Tracker) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				defer close(done)
				tracker.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "version", version)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
