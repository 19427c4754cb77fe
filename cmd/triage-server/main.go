package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/triage/internal/config"
	"github.com/ehr/triage/internal/domain/reception"
	"github.com/ehr/triage/internal/domain/triage"
	"github.com/ehr/triage/internal/platform/auth"
	"github.com/ehr/triage/internal/platform/db"
	"github.com/ehr/triage/internal/platform/events"
	"github.com/ehr/triage/internal/platform/middleware"
	"github.com/ehr/triage/internal/platform/validation"
	"github.com/ehr/triage/internal/platform/websocket"
	"github.com/ehr/triage/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "triage-server",
		Short: "Emergency department triage and dispatch queue",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the triage API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(cfg.Level()).With().Timestamp().Str("service", "triage-server").Logger()
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	applied, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}
	logger.Info().Int("applied", applied).Msg("schema up to date")

	// Queue
	orderer, err := triage.NewOrderer(cfg.QueuePolicy, cfg.DecayFactor)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid queue policy")
	}
	coord := triage.NewCoordinator(orderer, triage.NewQueueRepoPG(pool), triage.NewPatientRepoPG(pool), logger)
	if err := coord.Rehydrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to rebuild queue from storage")
	}

	// Event fan-out: websocket boards, plus Redis when configured
	hub := websocket.NewHub(logger)
	sinks := []events.Sink{{Name: "websocket", Publisher: hub}}
	if cfg.RedisURL != "" {
		rdb, err := events.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		sinks = append(sinks, events.Sink{Name: "redis", Publisher: events.NewRedisSink(rdb, cfg.RedisChannel)})
		logger.Info().Str("channel", cfg.RedisChannel).Msg("publishing queue events to redis")
	}
	dispatcher, err := events.NewDispatcher(events.Options{Workers: cfg.EventWorkers}, logger, sinks...)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start event dispatcher")
	}
	coord.SetPublisher(dispatcher)

	receptionSvc := reception.NewService(reception.NewPatientRepoPG(pool), reception.NewTicketRepoPG(pool), logger)
	receptionSvc.SetPublisher(dispatcher)

	triage.NewOverdueMonitor(coord, cfg.OverdueScan, logger).Start(ctx)

	e := newRouter(cfg, logger, routes{
		queue:     triage.NewHandler(coord),
		reception: reception.NewHandler(receptionSvc),
		boards:    websocket.NewHandler(hub, []string{triage.QueueTopic}, cfg.CORSOrigins),
		dbHealth:  db.HealthHandler(pool),
	})

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("policy", coord.PolicyName()).Int("waiting", coord.Len()).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("event dispatcher did not drain")
	}
	hub.Close()
	logger.Info().Msg("server stopped")
	return nil
}

// routes are the handlers mounted by newRouter. dbHealth may be nil.
type routes struct {
	queue     *triage.Handler
	reception *reception.Handler
	boards    *websocket.Handler
	dbHealth  echo.HandlerFunc
}

func newRouter(cfg *config.Config, logger zerolog.Logger, r routes) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
	}))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if r.dbHealth != nil {
		e.GET("/health/db", r.dbHealth)
	}

	authMW := authMiddleware(cfg)
	api := e.Group("/api", authMW, middleware.RateLimit(rateLimitConfig(cfg)))
	r.queue.RegisterRoutes(api)
	r.reception.RegisterRoutes(api)
	r.boards.RegisterRoutes(e.Group(""), authMW, auth.RequireRole(auth.AllStaff...))

	return e
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
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
