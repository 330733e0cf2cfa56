package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agrobooks/agrobooks/cmd/agrobooks/cli"
	"github.com/agrobooks/agrobooks/internal/app"
	"github.com/agrobooks/agrobooks/internal/inventory"
	"github.com/agrobooks/agrobooks/internal/invoicing"
	"github.com/agrobooks/agrobooks/internal/ledger"
	"github.com/agrobooks/agrobooks/internal/observability"
	"github.com/agrobooks/agrobooks/internal/platform/cache"
	"github.com/agrobooks/agrobooks/internal/platform/db"
	"github.com/agrobooks/agrobooks/internal/shared"
	"github.com/agrobooks/agrobooks/jobs"
	"github.com/agrobooks/agrobooks/report"
)

const usage = `usage: agrobooks [serve | migrate | jobs trigger <task> | jobs stats]`

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

	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
	}
	switch cmd {
	case "serve":
		err = serve(ctx, stop, cfg, logger)
	case "migrate":
		err = migrate(ctx, cfg)
	case "jobs":
		err = runJobs(ctx, cfg, args[1:])
	default:
		err = errors.New(usage)
	}
	if err != nil {
		logger.Error(cmd, slog.Any("error", err))
		os.Exit(1)
	}
}

func openPool(ctx context.Context, cfg *app.Config) (*pgxpool.Pool, error) {
	return db.New(ctx, cfg.PGDSN, db.PoolConfig{MaxConns: 10, MaxConnLifetime: time.Hour})
}

func migrate(ctx context.Context, cfg *app.Config) error {
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	return db.Migrate(ctx, pool)
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	jc, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() { _ = jc.Close() }()

	switch {
	case args[0] == "trigger" && len(args) == 2:
		info, err := jc.Trigger(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s as %s\n", info.Type, info.ID)
		return nil
	case args[0] == "stats":
		stats, err := jc.InspectQueue()
		if err != nil {
			return err
		}
		return stats.Print(os.Stdout)
	}
	return errors.New(usage)
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) error {
	tolerance, discountPct, err := cfg.InvoiceRules()
	if err != nil {
		return err
	}

	dbpool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer dbpool.Close()
	if cfg.MigrateOnBoot {
		if err := db.Migrate(ctx, dbpool); err != nil {
			return err
		}
		logger.Info("schema migrated")
	}

	redisClient := cache.Optional(ctx, cfg.RedisAddr, logger)
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)
	locker := shared.NewLocker(redisClient, cfg.LedgerLockTTL)
	metrics := observability.NewMetrics()

	inventoryRepo := inventory.NewRepository(dbpool, cfg.DBTxMaxAttempts)
	inventoryService := inventory.NewService(inventoryRepo, auditLogger)

	ledgerRepo := ledger.NewRepository(dbpool, cfg.DBTxMaxAttempts)
	statementCache := ledger.NewStatementCache(redisClient, cfg.StatementTTL)
	ledgerService := ledger.NewService(ledgerRepo, statementCache, locker, auditLogger)

	invoiceRepo := invoicing.NewRepository(dbpool, cfg.DBTxMaxAttempts)
	invoiceService := invoicing.NewService(invoiceRepo, ledgerService, idempotencyStore, auditLogger, invoicing.Config{
		OverpayTolerance: tolerance,
		EarlyDiscountPct: discountPct,
	}).WithEvents(metrics)

	reportClient := report.NewClient(cfg.GotenbergURL)
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		InventoryHandler: inventory.NewHandler(logger, inventoryService),
		LedgerHandler:    ledger.NewHandler(logger, ledgerService, reportClient),
		InvoicingHandler: invoicing.NewHandler(logger, invoiceService),
		ReportHandler:    report.NewHandler(reportClient, logger),
		JobHandler:       jobs.NewHandler(inspector, logger),
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
