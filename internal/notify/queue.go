// Package notify turns invoicing events into queued template emails.
package notify

import (
	"context"
	"strconv"

	"github.com/hibiken/asynq"

	"github.com/kgsl/invoicing/internal/doclink"
	"github.com/kgsl/invoicing/internal/invoicing"
	"github.com/kgsl/invoicing/internal/money"
	"github.com/kgsl/invoicing/jobs"
)

// Notification kinds, also used as metric labels.
const (
	KindInvoiceCreated  = "invoice_created"
	KindInvoiceUpdated  = "invoice_updated"
	KindPaymentReceived = "payment_received"
	KindInvoiceReminder = "invoice_reminder"
)

// Enqueuer submits send-email tasks.
type Enqueuer interface {
	EnqueueSendEmail(ctx context.Context, payload jobs.SendEmailPayload) (*asynq.TaskInfo, error)
}

// Templates maps notification kinds to template ids of the mail provider.
type Templates struct {
	InvoiceCreated  string
	InvoiceUpdated  string
	PaymentReceived string
	InvoiceReminder string
}

// Queue implements invoicing.Notifier on top of the job queue.
type Queue struct {
	enqueuer  Enqueuer
	templates Templates
	links     *doclink.Signer
}

var _ invoicing.Notifier = (*Queue)(nil)

// NewQueue constructs the notifier. links may be nil, which omits document URLs.
func NewQueue(enqueuer Enqueuer, templates Templates, links *doclink.Signer) *Queue {
	return &Queue{enqueuer: enqueuer, templates: templates, links: links}
}

func (q *Queue) InvoiceCreated(ctx context.Context, inv invoicing.Invoice) error {
	return q.send(ctx, KindInvoiceCreated, q.templates.InvoiceCreated, inv, q.invoiceVars(inv))
}

func (q *Queue) InvoiceUpdated(ctx context.Context, inv invoicing.Invoice) error {
	return q.send(ctx, KindInvoiceUpdated, q.templates.InvoiceUpdated, inv, q.invoiceVars(inv))
}

func (q *Queue) PaymentReceived(ctx context.Context, notice invoicing.PaymentNotice) error {
	vars := q.invoiceVars(notice.Invoice)
	currency := string(notice.Invoice.Currency)
	vars["receipt_number"] = notice.Receipt.ReceiptNumber
	vars["amount"] = money.Format(notice.Receipt.Amount, currency)
	vars["payment_date"] = notice.Receipt.PaymentDate.Format("02 Jan 2006")
	vars["payment_method"] = notice.Receipt.PaymentMethod
	vars["remaining"] = money.Format(notice.Remaining, currency)
	vars["is_paid"] = strconv.FormatBool(notice.IsPaid())
	vars["is_partial_payment"] = strconv.FormatBool(notice.IsPartialPayment())
	if q.links != nil {
		vars["receipt_url"] = q.links.URL(doclink.KindReceipt, notice.Receipt.ID.String())
	}
	return q.send(ctx, KindPaymentReceived, q.templates.PaymentReceived, notice.Invoice, vars)
}

func (q *Queue) InvoiceReminder(ctx context.Context, details invoicing.InvoiceDetails) error {
	vars := q.invoiceVars(details.Invoice)
	vars["total_paid"] = money.Format(details.TotalPaid, string(details.Currency))
	vars["remaining"] = money.Format(details.Remaining, string(details.Currency))
	return q.send(ctx, KindInvoiceReminder, q.templates.InvoiceReminder, details.Invoice, vars)
}

func (q *Queue) invoiceVars(inv invoicing.Invoice) map[string]string {
	vars := map[string]string{
		"client_name":    inv.ClientName,
		"from_name":      inv.FromName,
		"invoice_number": strconv.FormatInt(inv.Number, 10),
		"invoice_name":   inv.InvoiceName,
		"total":          money.Format(inv.Total, string(inv.Currency)),
		"status":         string(inv.Status),
		"due_date":       inv.DueAt().Format("02 Jan 2006"),
	}
	if q.links != nil {
		vars["invoice_url"] = q.links.URL(doclink.KindInvoice, inv.ID.String())
	}
	return vars
}

func (q *Queue) send(ctx context.Context, kind, templateID string, inv invoicing.Invoice, vars map[string]string) error {
	if templateID == "" {
		return nil
	}
	_, err := q.enqueuer.EnqueueSendEmail(ctx, jobs.SendEmailPayload{
		Kind:       kind,
		To:         jobs.Recipient{Email: inv.ClientEmail, Name: inv.ClientName},
		TemplateID: templateID,
		Variables:  vars,
	})
	return err
}
