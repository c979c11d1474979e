package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mhlink/kpi/internal/config"
	"github.com/mhlink/kpi/internal/domain/aggregator"
	"github.com/mhlink/kpi/internal/domain/dashboard"
	"github.com/mhlink/kpi/internal/domain/gate"
	"github.com/mhlink/kpi/internal/domain/history"
	"github.com/mhlink/kpi/internal/domain/site"
	"github.com/mhlink/kpi/internal/platform/auth"
	"github.com/mhlink/kpi/internal/platform/db"
	"github.com/mhlink/kpi/internal/platform/mhlink"
	"github.com/mhlink/kpi/internal/platform/middleware"
	"github.com/mhlink/kpi/internal/platform/scheduling"
	"github.com/mhlink/kpi/internal/platform/websocket"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "kpi-server",
		Short:         "Patient KPI dashboard backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(countCmd())
	rootCmd.AddCommand(sitesCmd())
	rootCmd.AddCommand(passwordCmd())
	rootCmd.AddCommand(migrateCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the refresher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// loadConfig loads and validates the configuration and builds the process
// logger from it.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid config: %w", err)
	}
	return cfg, newLogger(cfg), nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		logger = logger.Level(lvl)
	}
	return logger
}

// components holds everything the server wires together.
type components struct {
	cfg    *config.Config
	logger zerolog.Logger

	sites     *site.Service
	tokens    *mhlink.TokenCache
	client    *mhlink.Client
	history   history.Store
	hub       *websocket.Hub
	dashboard *dashboard.Service
	refresher *scheduling.Refresher

	passwords *gate.PasswordStore
	sessions  *auth.SessionManager
	gate      *gate.Service
}

// newSiteService opens the sites file, seeding it on first start.
func newSiteService(cfg *config.Config, logger zerolog.Logger) (*site.Service, error) {
	repo, err := site.OpenFileRepository(cfg.SitesPath(), cfg.SitesExamplePath())
	if err != nil {
		return nil, fmt.Errorf("open sites file: %w", err)
	}
	return site.NewService(repo, logger), nil
}

func newUpstreamClient(cfg *config.Config, logger zerolog.Logger) (*mhlink.TokenCache, *mhlink.Client) {
	tokens := mhlink.NewTokenCache()
	client := mhlink.NewClient(tokens,
		mhlink.WithHTTPClient(&http.Client{Timeout: cfg.UpstreamTimeout()}),
		mhlink.WithLogger(logger.With().Str("component", "mhlink").Logger()),
	)
	return tokens, client
}

// newHistoryStore opens the configured history backend. PostgreSQL schemas
// are migrated on open.
func newHistoryStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (history.Store, error) {
	switch cfg.HistoryBackend {
	case config.HistorySQLite:
		store, err := history.OpenSQLiteStore(ctx, cfg.SQLitePath(), cfg.HistoryCapacity)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath()).Msg("sqlite history opened")
		return store, nil
	case config.HistoryPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		applied, err := history.NewPostgresMigrator(pool).Up(ctx)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate history schema: %w", err)
		}
		logger.Info().Int("applied_migrations", applied).Msg("connected to database")
		return history.NewPostgresStore(pool, cfg.HistoryCapacity), nil
	default:
		return history.NewMemoryStore(cfg.HistoryCapacity), nil
	}
}

func newComponents(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*components, error) {
	c := &components{cfg: cfg, logger: logger}

	var err error
	if c.sites, err = newSiteService(cfg, logger); err != nil {
		return nil, err
	}
	c.tokens, c.client = newUpstreamClient(cfg, logger)
	c.sites.SetTokenInvalidator(c.tokens)

	if c.history, err = newHistoryStore(ctx, cfg, logger); err != nil {
		return nil, err
	}

	c.hub = websocket.NewHub(logger)
	agg := aggregator.New(c.client, logger)
	c.dashboard = dashboard.NewService(c.sites, agg, c.history, logger,
		dashboard.WithPublisher(c.hub, websocket.TopicPasses),
		dashboard.WithTokenTTLSetter(c.client),
	)

	minInterval, maxInterval := cfg.RefreshBounds()
	c.refresher = scheduling.NewRefresher(c.dashboard.Refresh,
		scheduling.WithBounds(minInterval, maxInterval),
		scheduling.WithInterval(cfg.RefreshInterval()),
		scheduling.WithEnabled(cfg.RefreshEnabled),
		scheduling.WithLogger(logger),
		scheduling.WithOnChange(func(st scheduling.Status) {
			if err := c.hub.Publish(websocket.TopicRefresher, "refresher.updated", st); err != nil {
				logger.Warn().Err(err).Msg("failed to publish refresher status")
			}
		}),
	)

	key, generated, err := auth.ResolveSigningKey(cfg.SessionSigningKey)
	if err != nil {
		c.close()
		return nil, err
	}
	if generated {
		logger.Warn().Msg("SESSION_SIGNING_KEY not set, using a random key: sessions end on restart")
	}
	c.passwords = gate.NewPasswordStore(cfg.PasswordPath())
	c.sessions = auth.NewSessionManager(key,
		auth.WithTTL(cfg.SessionTTL()),
		auth.WithBinding(c.passwords.Fingerprint),
		auth.WithRevocations(auth.NewRevocationList()),
	)
	c.gate = gate.NewService(c.passwords, c.sessions, logger)
	return c, nil
}

// close stops the refresher before releasing the stores it writes to.
func (c *components) close() {
	if c.refresher != nil {
		c.refresher.Stop()
	}
	if c.hub != nil {
		c.hub.Close()
	}
	if c.history != nil {
		if err := c.history.Close(); err != nil {
			c.logger.Error().Err(err).Msg("failed to close history store")
		}
	}
}

// newRouter builds the echo server with every route mounted under BASE_PATH.
func newRouter(c *components) *echo.Echo {
	cfg := c.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(c.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(c.logger, cfg.BasePath+"/health"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(echomw.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}))

	e.GET(cfg.BasePath+"/health", db.HealthHandler(version, cfg.HistoryBackend, c.history))

	api := e.Group(cfg.BasePath + "/api")
	gated := api.Group("", auth.SessionMiddleware(c.sessions))

	gateLimit := middleware.RateLimit(middleware.PerMinute(cfg.GateRateLimitPerMinute))
	gate.NewHandler(c.gate, c.sessions).RegisterRoutes(api, gated, gateLimit)
	site.NewHandler(c.sites).RegisterRoutes(api, gated)
	dashboard.NewHandler(c.dashboard, c.refresher, c.client).RegisterRoutes(api, gated, auth.OptionalSession(c.sessions))
	history.NewHandler(c.history).RegisterRoutes(api)
	websocket.NewHandler(c.hub, cfg.CORSOrigins).RegisterRoutes(api)

	return e
}

func runServer() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	c, err := newComponents(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialise")
		return err
	}
	defer c.close()

	c.gate.CheckBootstrap()

	e := newRouter(c)

	c.refresher.Start()
	if cfg.RefreshOnStartup {
		if _, err := c.refresher.Trigger(scheduling.TriggerStartup); err != nil {
			logger.Warn().Err(err).Msg("startup pass not started")
		}
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("base_path", cfg.BasePath).Str("history", cfg.HistoryBackend).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
