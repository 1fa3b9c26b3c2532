package invoicing

import "context"

// Notifier dispatches client emails. Implementations queue the work; the
// service only calls them after the financial change has committed.
type Notifier interface {
	InvoiceCreated(ctx context.Context, inv Invoice) error
	InvoiceUpdated(ctx context.Context, inv Invoice) error
	PaymentReceived(ctx context.Context, notice PaymentNotice) error
	InvoiceReminder(ctx context.Context, details InvoiceDetails) error
}

// NopNotifier discards every notification.
type NopNotifier struct{}

func (NopNotifier) InvoiceCreated(context.Context, Invoice) error         { return nil }
func (NopNotifier) InvoiceUpdated(context.Context, Invoice) error         { return nil }
func (NopNotifier) PaymentReceived(context.Context, PaymentNotice) error  { return nil }
func (NopNotifier) InvoiceReminder(context.Context, InvoiceDetails) error { return nil }
