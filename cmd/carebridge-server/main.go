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
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carebridge/carebridge/internal/config"
	"github.com/carebridge/carebridge/internal/domain/device"
	"github.com/carebridge/carebridge/internal/domain/order"
	"github.com/carebridge/carebridge/internal/domain/patient"
	"github.com/carebridge/carebridge/internal/domain/vitals"
	"github.com/carebridge/carebridge/internal/ingest"
	"github.com/carebridge/carebridge/internal/platform/audit"
	"github.com/carebridge/carebridge/internal/platform/auth"
	"github.com/carebridge/carebridge/internal/platform/db"
	"github.com/carebridge/carebridge/internal/platform/dedup"
	"github.com/carebridge/carebridge/internal/platform/metrics"
	"github.com/carebridge/carebridge/internal/platform/middleware"
	"github.com/carebridge/carebridge/internal/reconcile"
	"github.com/carebridge/carebridge/internal/vendor"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "carebridge-server",
		Short: "Remote patient monitoring vendor integration server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-30s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-30s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	metrics.Register()

	// Dedup cache: Redis when configured, otherwise in-process. Either way
	// the event store is the durable backstop.
	var dedupCache dedup.Cache
	if cfg.RedisURL != "" {
		redisCache, err := dedup.NewRedisCache(ctx, cfg.RedisURL, dedup.DefaultTTL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisCache.Close()
		dedupCache = redisCache
		logger.Info().Msg("using redis dedup cache")
	} else {
		memCache := dedup.NewMemoryCache(dedup.DefaultTTL)
		defer memCache.Stop()
		dedupCache = memCache
		logger.Warn().Msg("REDIS_URL not set, dedup cache is process-local")
	}

	auditor := audit.NewPGLogger(pool)

	// Vendor client, one per credential so the rate gate serializes all
	// outbound traffic.
	vendorClient := vendor.NewClient(vendor.Config{
		BaseURL:      cfg.VendorBaseURL,
		APIKey:       cfg.VendorAPIKey,
		ClientDomain: cfg.VendorClientDomain,
		MinInterval:  cfg.VendorMinInterval,
		BusyTimeout:  cfg.VendorBusyTimeout,
		Sandbox:      cfg.SandboxMode,
	}, logger)

	// Repositories and services
	patientRepo := patient.NewPGRepository(pool)
	patientSvc := patient.NewService(patientRepo)

	deviceRepo := device.NewPGRepository(pool)
	deviceSvc := device.NewService(deviceRepo, vendorClient, auditor, cfg.OfflineThreshold, logger)

	orderRepo := order.NewPGRepository(pool)
	orderSvc := order.NewService(orderRepo, deviceRepo, patientSvc, vendorClient, auditor, logger)

	vitalsStore := vitals.NewPGStore(pool)
	vitalsSvc := vitals.NewService(vitalsStore)
	backfiller := vitals.NewBackfiller(vendorClient, patientSvc, deviceRepo, vitalsSvc, auditor, logger)

	// Reconciliation coordinator and ingestion pipeline
	eventStore := ingest.NewPGEventStore(pool)
	coordinator := reconcile.NewCoordinator(eventStore, deviceRepo, orderRepo, vitalsSvc, patientSvc, auditor, cfg.ReconcileWorkers, logger)
	coordinator.Start(ctx)
	defer coordinator.Stop()

	webhookSecret := cfg.VendorWebhookSecret
	if cfg.SandboxMode {
		webhookSecret = ""
	}
	pipeline := ingest.NewPipeline(eventStore, dedupCache, webhookSecret, coordinator, auditor, logger)

	// Events persisted before a previous shutdown finished processing get
	// re-enqueued before the server accepts new traffic.
	if n, err := pipeline.RecoverPending(ctx); err != nil {
		logger.Error().Err(err).Msg("recovery of pending events failed")
	} else if n > 0 {
		logger.Info().Int("count", n).Msg("recovered pending webhook events")
	}

	// Connectivity sweep
	sweepCtx, sweepCancel := context.WithCancel(ctx)
	defer sweepCancel()
	go runSweep(sweepCtx, deviceSvc, cfg.SweepInterval, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	e.GET("/healthz", db.HealthHandler(pool))
	e.GET("/metrics", metrics.Handler())

	rateLimit := middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	})

	// Webhook receiver: authenticated by HMAC signature, not by API key.
	webhooks := e.Group("/api/v1")
	webhooks.Use(rateLimit)

	apiV1 := e.Group("/api/v1")
	apiV1.Use(rateLimit)
	apiV1.Use(auth.APIKeyMiddleware(cfg.OperatorAPIKey))
	apiV1.Use(auth.OperatorIdentityMiddleware(cfg.OperatorJWTSecret))

	ingest.NewHandler(pipeline, eventStore).RegisterRoutes(webhooks, apiV1)
	patient.NewHandler(patientSvc).RegisterRoutes(apiV1)
	device.NewHandler(deviceSvc).RegisterRoutes(apiV1)
	order.NewHandler(orderSvc).RegisterRoutes(apiV1)
	vitals.NewHandler(vitalsSvc, backfiller).RegisterRoutes(apiV1)

	// Start and wait for shutdown
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()
	logger.Info().Str("port", cfg.Port).Bool("sandbox", cfg.SandboxMode).Msg("server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	return nil
}

// runSweep periodically marks silent devices inactive.
func runSweep(ctx context.Context, svc *device.Service, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.SweepConnectivity(ctx, time.Now().UTC())
			if err != nil {
				logger.Error().Err(err).Msg("connectivity sweep failed")
				continue
			}
			if n > 0 {
				logger.Info().Int("transitioned", n).Msg("connectivity sweep marked devices inactive")
			}
		}
	}
}
