package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bhyt/costdash/internal/config"
	"github.com/bhyt/costdash/internal/domain/importer"
	"github.com/bhyt/costdash/internal/platform/auth"
	"github.com/bhyt/costdash/internal/platform/db"
	"github.com/bhyt/costdash/internal/platform/middleware"
	"github.com/bhyt/costdash/internal/platform/websocket"
)

const (
	apiPrefix       = "/api/v1"
	cleanupInterval = time.Minute
	version         = "0.1.0"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the import API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	logger := newLogger(os.Stdout, os.Getenv("ENV"), os.Getenv("LOG_LEVEL"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if cfg.IsDev() && cfg.JWTSigningKey == "" {
		logger.Warn().Msg("JWT_SIGNING_KEY is not set; every request runs as the development admin")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	p, err := openPipeline(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer p.pool.Close()
	logger.Info().Msg("connected to database")

	hub := websocket.NewHub(logger)
	p.svc.SetPublisher(importer.NewHubPublisher(hub))
	p.sessions.StartCleanup(ctx, cleanupInterval)

	limiter := middleware.NewRateLimiter(rateLimitConfig(cfg))
	limiter.StartCleanup(ctx, cleanupInterval)

	e := newServer(cfg, logger)
	e.GET("/health/db", db.HealthHandler(p.pool, func() *db.PoolStats { return db.GetPoolStats(p.pool) }))

	api := e.Group(apiPrefix)
	api.Use(authMiddleware(cfg))
	api.Use(limiter.Middleware())
	api.Use(middleware.Audit(logger))
	importer.NewHandler(p.svc, hub, middleware.ParseSize(cfg.UploadMaxSize)).RegisterRoutes(api)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer builds the echo instance with the global middleware chain and
// the liveness endpoint.
func newServer(cfg *config.Config, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = middleware.NewRequestValidator()

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyMaxSize, cfg.UploadMaxSize, apiPrefix+"/imports"))
	// Progress streams stay open for the whole import.
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, apiPrefix+"/ws/"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	return e
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		SigningKey: []byte(cfg.JWTSigningKey),
	}
	if cfg.IsDev() {
		return auth.DevAuthMiddleware(jwtCfg)
	}
	return auth.JWTMiddleware(jwtCfg)
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	return rl
}
