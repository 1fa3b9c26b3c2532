package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/kgsl/invoicing/internal/jobs"
	"github.com/kgsl/invoicing/internal/mail"
)

// MailSender delivers template messages.
type MailSender interface {
	Send(ctx context.Context, msg mail.Message) error
}

// MailDeliveryJob processes TaskTypeSendEmail tasks.
type MailDeliveryJob struct {
	Sender  MailSender
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewMailDeliveryJob initialises the mail handler.
func NewMailDeliveryJob(sender MailSender, logger *slog.Logger, metrics *jobmetrics.Metrics) *MailDeliveryJob {
	return &MailDeliveryJob{Sender: sender, Logger: logger, Metrics: metrics}
}

// Handle sends one email. Malformed payloads and permanent API rejections
// skip retries; everything else is retried by asynq.
func (j *MailDeliveryJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Sender == nil {
		return errors.New("mail delivery: handler not configured")
	}
	var payload SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskTypeSendEmail)
	err := j.Sender.Send(ctx, mail.Message{
		To:         mail.Address{Email: payload.To.Email, Name: payload.To.Name},
		TemplateID: payload.TemplateID,
		Variables:  payload.Variables,
	})
	j.Metrics.EmailDelivered(payload.Kind, err)
	err = tracker.End(err)

	logger := j.logger().With(slog.String("kind", payload.Kind))
	if err != nil {
		var statusErr *mail.StatusError
		if errors.As(err, &statusErr) && statusErr.Permanent() {
			logger.Error("email rejected", slog.Any("error", err))
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		if errors.Is(err, mail.ErrNotConfigured) {
			logger.Warn("email skipped, sender not configured")
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	logger.Info("email sent")
	return nil
}

func (j *MailDeliveryJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskTypeSendEmail))
	}
	return slog.Default().With(slog.String("job", TaskTypeSendEmail))
}
