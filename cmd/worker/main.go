package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/mtt-terminal/mtt-billing/internal/app"
	"github.com/mtt-terminal/mtt-billing/internal/billing"
	"github.com/mtt-terminal/mtt-billing/internal/billing/numbering"
	"github.com/mtt-terminal/mtt-billing/internal/platform/cache"
	"github.com/mtt-terminal/mtt-billing/internal/platform/db"
	"github.com/mtt-terminal/mtt-billing/internal/shared"
	"github.com/mtt-terminal/mtt-billing/internal/yard"
	"github.com/mtt-terminal/mtt-billing/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	generateJob := jobs.NewStatementsGenerateJob(batch, logger)
	cleanupJob := jobs.NewIdempotencyCleanupJob(shared.NewIdempotencyStore(pool), logger, 0)

	// Year/month zero means the previous month at execution time, so the
	// cron entry stays static.
	generateTask, err := jobs.NewStatementsGenerateTask(0, 0)
	if err != nil {
		logger.Error("build generate task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskStatementsGenerate, Handler: generateJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "30 2 1 * *", Task: generateTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 3 * * *", Task: jobs.NewIdempotencyCleanupTask()},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
