package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/mtt-terminal/mtt-billing/internal/app"
	"github.com/mtt-terminal/mtt-billing/internal/billing"
	"github.com/mtt-terminal/mtt-billing/internal/billing/numbering"
	"github.com/mtt-terminal/mtt-billing/internal/observability"
	"github.com/mtt-terminal/mtt-billing/internal/platform/cache"
	"github.com/mtt-terminal/mtt-billing/internal/platform/db"
	"github.com/mtt-terminal/mtt-billing/internal/shared"
	"github.com/mtt-terminal/mtt-billing/internal/yard"
	"github.com/mtt-terminal/mtt-billing/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	locker := shared.NewRedisLocker(redisClient, cfg.StatementLockTTL)
	idempotency := shared.NewIdempotencyStore(pool)
	metrics := observability.NewMetrics()

	yardRepo := yard.NewRepository(pool)
	statementRepo := billing.NewRepository(pool)
	sequences := numbering.NewStore(pool)
	aggregator := billing.NewAggregator(yardRepo)

	service := billing.NewService(statementRepo, aggregator, sequences, locker, logger)
	batch := billing.NewBatchGenerator(billing.BatchConfig{
		Drafts:      service,
		Companies:   yardRepo,
		Store:       statementRepo,
		Logger:      logger,
		Concurrency: cfg.BatchConcurrency,
		PerCompany:  cfg.BatchCompanyTimeout,
	})

	billingHandler := billing.NewHandler(logger, service, batch, idempotency, metrics, cfg.LocalCurrency)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	inspector := asynq.NewInspector(redisOpts)
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, jobClient, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		BillingHandler: billingHandler,
		JobHandler:     jobHandler,
		Metrics:        metrics,
		Pool:           pool,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.AppRequestTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", slog.Any("error", err))
		}
	}()

	logger.Info("billing service listening", slog.String("addr", cfg.AppAddr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server", slog.Any("error", err))
		os.Exit(1)
	}
}
