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

	"github.com/kgsl/invoicing/internal/app"
	"github.com/kgsl/invoicing/internal/doclink"
	"github.com/kgsl/invoicing/internal/invoicing"
	invoicinghttp "github.com/kgsl/invoicing/internal/invoicing/http"
	"github.com/kgsl/invoicing/internal/notify"
	"github.com/kgsl/invoicing/internal/observability"
	"github.com/kgsl/invoicing/internal/platform/cache"
	"github.com/kgsl/invoicing/internal/platform/db"
	"github.com/kgsl/invoicing/jobs"
	"github.com/kgsl/invoicing/report"
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

	if cfg.MigrateOnBoot {
		if err := migrateUp(cfg.PGDSN); err != nil {
			logger.Error("migrate", slog.Any("error", err))
			os.Exit(1)
		}
	}

	dbpool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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

	links, err := doclink.NewSigner(cfg.LinkSecret, cfg.PublicBaseURL)
	if err != nil {
		logger.Error("init document links", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
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

	notifier := notify.NewQueue(jobClient, cfg.MailTemplates(), links)

	service := invoicing.NewService(invoicing.NewRepository(dbpool), notifier, logger)
	service.SetSummaryCache(cache.NewVersioned(redisClient, "invoicing", cfg.SummaryCacheTTL))
	service.SetMetrics(invoicing.NewMetrics(metrics.Registerer()))

	reportClient := report.NewClient(cfg.GotenbergURL)
	renderer, err := report.NewRenderer(reportClient)
	if err != nil {
		logger.Error("parse document templates", slog.Any("error", err))
		os.Exit(1)
	}
	reportHandler := report.NewHandler(reportClient, logger)
	invoicingHandler := invoicinghttp.NewHandler(logger, service, renderer, links)

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		InvoicingHandler: invoicingHandler,
		ReportHandler:    reportHandler,
		JobHandler:       jobHandler,
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

func migrateUp(dsn string) error {
	migrator, err := db.NewMigrator(dsn)
	if err != nil {
		return err
	}
	defer migrator.Close()
	return migrator.Up()
}
