package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/agrobooks/agrobooks/internal/app"
	"github.com/agrobooks/agrobooks/internal/inventory"
	"github.com/agrobooks/agrobooks/internal/invoicing"
	jobmetrics "github.com/agrobooks/agrobooks/internal/jobs"
	"github.com/agrobooks/agrobooks/internal/ledger"
	"github.com/agrobooks/agrobooks/internal/platform/cache"
	"github.com/agrobooks/agrobooks/internal/platform/db"
	"github.com/agrobooks/agrobooks/internal/shared"
	"github.com/agrobooks/agrobooks/jobs"
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

	tolerance, discountPct, err := cfg.InvoiceRules()
	if err != nil {
		logger.Error("invoice rules", slog.Any("error", err))
		os.Exit(1)
	}

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{MaxConns: int32(cfg.WorkerConcurrency) + 2})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := cache.Optional(ctx, cfg.RedisAddr, logger)
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	auditLogger := shared.NewAuditLogger(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)
	metrics := jobmetrics.NewMetrics(nil)

	inventoryService := inventory.NewService(inventory.NewRepository(pool, cfg.DBTxMaxAttempts), auditLogger)
	ledgerService := ledger.NewService(
		ledger.NewRepository(pool, cfg.DBTxMaxAttempts),
		ledger.NewStatementCache(redisClient, cfg.StatementTTL),
		shared.NewLocker(redisClient, cfg.LedgerLockTTL),
		auditLogger,
	)
	invoiceService := invoicing.NewService(
		invoicing.NewRepository(pool, cfg.DBTxMaxAttempts),
		ledgerService,
		idempotencyStore,
		auditLogger,
		invoicing.Config{OverpayTolerance: tolerance, EarlyDiscountPct: discountPct},
	)

	overdueJob := jobs.NewInvoicesOverdueJob(invoiceService, logger, metrics)
	verifyJob := jobs.NewStockVerifyJob(inventoryService, logger, metrics)
	cleanupJob := &jobs.IdempotencyCleanupJob{
		Store:     idempotencyStore,
		Retention: cfg.IdempotencyRetention,
		Logger:    logger,
		Metrics:   metrics,
	}

	now := time.Now()
	overdueTask, err := jobs.NewInvoicesOverdueTask(now)
	if err != nil {
		logger.Error("build overdue task", slog.Any("error", err))
		os.Exit(1)
	}
	verifyTask, err := jobs.NewStockVerifyTask(now)
	if err != nil {
		logger.Error("build stock verify task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(now)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskInvoicesOverdue, Handler: overdueJob.Handle},
			{Type: jobs.TaskStockVerify, Handler: verifyJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.OverdueCron, Task: overdueTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.StockVerifyCron, Task: verifyTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
			{Spec: cfg.IdempotencyCron, Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started", slog.Int("concurrency", cfg.WorkerConcurrency))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
