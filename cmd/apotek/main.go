package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/apotek-core/apotek-core/internal/app"
	"github.com/apotek-core/apotek-core/internal/catalog"
	"github.com/apotek-core/apotek-core/internal/dispensing"
	"github.com/apotek-core/apotek-core/internal/fulfillment"
	"github.com/apotek-core/apotek-core/internal/ledger"
	"github.com/apotek-core/apotek-core/internal/observability"
	"github.com/apotek-core/apotek-core/internal/platform/cache"
	"github.com/apotek-core/apotek-core/internal/platform/db"
	"github.com/apotek-core/apotek-core/internal/shared"
	"github.com/apotek-core/apotek-core/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		// The queue snapshot degrades to direct reads without redis.
		logger.Warn("redis unavailable, snapshot cache disabled", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)
	metrics := observability.NewMetrics()

	catalogRepo := catalog.NewRepository(dbpool)
	catalogService := catalog.NewService(catalogRepo)
	catalogHandler := catalog.NewHandler(logger, catalogService)

	ledgerRepo := ledger.NewRepository(dbpool)
	ledgerService := ledger.NewService(ledgerRepo, auditLogger, idempotencyStore, metrics)
	ledgerHandler := ledger.NewHandler(logger, ledgerService)

	snapshotCache := fulfillment.NewSnapshotCache(redisClient, cfg.SnapshotTTL)
	fulfillmentRepo := fulfillment.NewRepository(dbpool)
	fulfillmentService := fulfillment.NewService(fulfillmentRepo, auditLogger, metrics, snapshotCache)
	queueBuilder := fulfillment.NewQueueBuilder(fulfillmentRepo, snapshotCache)

	dispenseStore := dispensing.NewPGStore(dbpool)
	coordinator := dispensing.NewCoordinator(logger, dispenseStore, fulfillmentRepo, auditLogger, metrics)
	fulfillmentService.SetDispenser(coordinator)

	fulfillmentHandler := fulfillment.NewHandler(logger, fulfillmentService, queueBuilder)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		FulfillmentHandler: fulfillmentHandler,
		CatalogHandler:     catalogHandler,
		LedgerHandler:      ledgerHandler,
		JobHandler:         jobHandler,
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
