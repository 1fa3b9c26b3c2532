package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/kgsl/invoicing/internal/jobs"
)

// OverdueSweeper flags open invoices past their due date.
type OverdueSweeper interface {
	SweepOverdue(ctx context.Context, now time.Time) (int, error)
}

// OverdueSweepJob runs the overdue sweep on a schedule.
type OverdueSweepJob struct {
	Service OverdueSweeper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewOverdueSweepJob initialises the sweep handler.
func NewOverdueSweepJob(service OverdueSweeper, logger *slog.Logger, metrics *jobmetrics.Metrics) *OverdueSweepJob {
	return &OverdueSweepJob{
		Service: service,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the sweep.
func (j *OverdueSweepJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Service == nil {
		return errors.New("overdue sweep: handler not configured")
	}
	tracker := j.Metrics.Track(TaskOverdueSweep)
	defer func() {
		err = tracker.End(err)
	}()

	flagged, err := j.Service.SweepOverdue(ctx, j.clock())
	if err != nil {
		j.logger().Error("overdue sweep failed", slog.Any("error", err))
		return err
	}
	j.Metrics.AddOverdue(flagged)
	j.logger().Info("overdue sweep complete", slog.Int("flagged", flagged))
	return nil
}

func (j *OverdueSweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskOverdueSweep))
	}
	return slog.Default().With(slog.String("job", TaskOverdueSweep))
}
