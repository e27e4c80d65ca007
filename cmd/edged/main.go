package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-edge/internal/api"
	"github.com/technosupport/ts-edge/internal/billing"
	"github.com/technosupport/ts-edge/internal/cache"
	"github.com/technosupport/ts-edge/internal/config"
	"github.com/technosupport/ts-edge/internal/data"
	"github.com/technosupport/ts-edge/internal/events"
	"github.com/technosupport/ts-edge/internal/license"
	"github.com/technosupport/ts-edge/internal/metrics"
	"github.com/technosupport/ts-edge/internal/pipeline"
	"github.com/technosupport/ts-edge/internal/registry"
	"github.com/technosupport/ts-edge/internal/tasks"
	"github.com/technosupport/ts-edge/internal/usage"
	"github.com/technosupport/ts-edge/internal/zones"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config")
	}
	logger.Info().Str("device_id", cfg.DeviceID).Str("tier", cfg.ManagementTier).Msg("starting edge gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stores
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	tc, err := cache.New(rdb, cfg.LocalCache, logger.With().Str("component", "cache").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("cache")
	}

	devices := data.EdgeDeviceModel{DB: db}
	licenses := data.CameraLicenseModel{DB: db}
	entitlements := data.EntitlementModel{DB: db}
	syncStatus := data.SyncStatusModel{DB: db}
	usageStore := data.UsageModel{DB: db}

	hostname, _ := os.Hostname()
	if err := devices.Upsert(ctx, &data.EdgeDevice{
		DeviceID: cfg.DeviceID,
		TenantID: cfg.TenantID,
		Hostname: hostname,
		Tier:     cfg.ManagementTier,
	}); err != nil {
		logger.Fatal().Err(err).Msg("register device")
	}

	// Billing backend
	var svc billing.Service
	if cfg.MockBilling {
		logger.Warn().Msg("using mock billing service")
		svc = billing.NewMockService()
	} else {
		svc = billing.NewClient(cfg.BillingURL, cfg.BillingAPIKey, cfg.BillingTimeout,
			logger.With().Str("component", "billing").Logger())
	}

	collector := metrics.NewCollector()

	// License plane
	packs, err := license.LoadGrowthPacks(cfg.GrowthPacksPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("growth packs")
	}
	validator := license.NewValidator(license.Config{
		DeviceID:         cfg.DeviceID,
		LicenseTTL:       cfg.LicenseTTL,
		EntitlementTTL:   cfg.EntitlementTTL,
		TrialCameraLimit: cfg.TrialCameraLimit,
		OfflineGrace:     cfg.OfflineGrace,
		Bypass:           cfg.BypassLicense || !cfg.EnableLicenseValidation,
	}, tc, svc, licenses, entitlements, syncStatus, packs, collector,
		logger.With().Str("component", "license").Logger())

	// Task executor
	executor := tasks.NewExecutor(logger.With().Str("component", "tasks").Logger())
	executor.Start()

	scheduler := license.NewScheduler(validator, licenses, usageStore, executor,
		logger.With().Str("component", "scheduler").Logger())
	scheduler.Start(ctx)

	// Usage tracker
	tracker := usage.NewTracker(usage.Config{
		DeviceID:      cfg.DeviceID,
		BatchSize:     cfg.UsageBatchSize,
		BatchInterval: cfg.UsageSyncInterval,
	}, usageStore, svc, collector, logger.With().Str("component", "usage").Logger())
	if cfg.EnableUsageTracking {
		tracker.Start(ctx)
	}

	// Event fan-out
	hub := events.NewHub(logger.With().Str("component", "events").Logger())
	var nc *nats.Conn
	var conn events.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connect")
		}
		defer nc.Close()
		conn = nc
	}
	publisher := events.NewPublisher(conn, hub, logger.With().Str("component", "events").Logger())

	// Camera registry
	var frameUsage pipeline.Usage
	if cfg.EnableUsageTracking {
		frameUsage = tracker
	}
	reg := registry.New(registry.Config{
		DeviceID:       cfg.DeviceID,
		TenantID:       cfg.TenantID,
		ManagementTier: cfg.ManagementTier,
	}, validator, licenses, devices, svc, publisher, frameUsage, collector,
		logger.With().Str("component", "registry").Logger())
	if cfg.EnableHeartbeat {
		reg.StartHeartbeat(ctx)
	}

	// Zone layout watcher
	if cfg.ZoneConfigPath != "" {
		watcher := zones.NewWatcher(cfg.ZoneConfigPath, func(file *zones.ConfigFile) {
			for _, cam := range reg.List() {
				if streamCfg, ok := file.Streams[cam.ID]; ok {
					cam.Processor.ApplyZoneConfig(streamCfg)
				}
			}
		}, logger.With().Str("component", "zones").Logger())
		if err := watcher.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("zone config watcher")
		}
	}

	// HTTP surface
	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: (&api.Server{
			Registry:  reg,
			Validator: validator,
			Tracker:   tracker,
			Usage:     usageStore,
			Executor:  executor,
			Hub:       hub,
			Metrics:   collector.Handler(),
			Log:       logger.With().Str("component", "api").Logger(),
		}).Router(),
	}
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	// Shutdown: stop intake, flush usage, close connections.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	hub.Close()

	cancel()
	scheduler.Wait()
	executor.Stop()
	tracker.Stop()
	logger.Info().Msg("stopped")
}
