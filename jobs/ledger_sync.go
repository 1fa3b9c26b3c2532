package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/kgsl/invoicing/internal/invoicing"
	jobmetrics "github.com/kgsl/invoicing/internal/jobs"
)

// LedgerSyncer repairs every invoice from its receipts.
type LedgerSyncer interface {
	SyncAllInvoices(ctx context.Context) (invoicing.SyncReport, error)
}

// LedgerSyncJob runs the system-wide ledger repair.
type LedgerSyncJob struct {
	Service LedgerSyncer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLedgerSyncJob initialises the sync handler.
func NewLedgerSyncJob(service LedgerSyncer, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerSyncJob {
	return &LedgerSyncJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle executes the sync. Individual invoice failures are reported but do
// not fail the task.
func (j *LedgerSyncJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Service == nil {
		return errors.New("ledger sync: handler not configured")
	}
	tracker := j.Metrics.Track(TaskLedgerSync)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("job", TaskLedgerSync))

	report, err := j.Service.SyncAllInvoices(ctx)
	if err != nil {
		logger.Error("ledger sync failed", slog.Any("error", err))
		return err
	}
	j.Metrics.AddRepaired(report.Repaired)
	level := slog.LevelInfo
	if report.Failed > 0 {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "ledger sync complete",
		slog.Int("checked", report.Checked),
		slog.Int("repaired", report.Repaired),
		slog.Int("failed", report.Failed),
	)
	return nil
}
