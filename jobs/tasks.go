package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSendEmail is the task type for sending notification emails.
	TaskTypeSendEmail = "mail:send"
	// TaskOverdueSweep flags invoices past their due date.
	TaskOverdueSweep = "invoices:overdue-sweep"
	// TaskLedgerSync repairs invoice aggregates from the receipt ledger.
	TaskLedgerSync = "invoices:ledger-sync"

	// MaxEmailRetries bounds asynq retries of a send-email task.
	MaxEmailRetries = 5
)

// Recipient addresses a notification email.
type Recipient struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// SendEmailPayload describes a template email to deliver.
type SendEmailPayload struct {
	Kind       string            `json:"kind"`
	To         Recipient         `json:"to"`
	TemplateID string            `json:"template_id"`
	Variables  map[string]string `json:"variables"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data, asynq.MaxRetry(MaxEmailRetries)), nil
}

// NewOverdueSweepTask constructs the overdue sweep task.
func NewOverdueSweepTask() *asynq.Task {
	return asynq.NewTask(TaskOverdueSweep, nil)
}

// NewLedgerSyncTask constructs the ledger sync task.
func NewLedgerSyncTask() *asynq.Task {
	return asynq.NewTask(TaskLedgerSync, nil)
}
