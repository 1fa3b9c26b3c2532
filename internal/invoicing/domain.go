package invoicing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Currency enumerates the supported invoice currencies.
type Currency string

const (
	CurrencyUGX Currency = "UGX"
	CurrencyUSD Currency = "USD"
)

// Valid reports whether c is supported.
func (c Currency) Valid() bool {
	return c == CurrencyUGX || c == CurrencyUSD
}

// Invoice model. PaidAmount caches the receipt ledger sum.
type Invoice struct {
	ID               uuid.UUID       `json:"id"`
	Number           int64           `json:"number"`
	UserID           string          `json:"-"`
	InvoiceName      string          `json:"invoice_name"`
	Status           Status          `json:"status"`
	Currency         Currency        `json:"currency"`
	Total            decimal.Decimal `json:"total"`
	PaidAmount       decimal.Decimal `json:"paid_amount"`
	AllowOverpayment bool            `json:"allow_overpayment"`
	FromName         string          `json:"from_name"`
	FromEmail        string          `json:"from_email"`
	FromAddress      string          `json:"from_address"`
	ClientName       string          `json:"client_name"`
	ClientEmail      string          `json:"client_email"`
	ClientAddress    string          `json:"client_address"`
	Description      string          `json:"description"`
	Quantity         int             `json:"quantity"`
	Rate             decimal.Decimal `json:"rate"`
	Date             time.Time       `json:"date"`
	DueDays          int             `json:"due_days"`
	Note             string          `json:"note,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// DueAt is the invoice date shifted by the net-days term.
func (i Invoice) DueAt() time.Time {
	return i.Date.AddDate(0, 0, i.DueDays)
}

// Receipt is an immutable payment event against an invoice.
type Receipt struct {
	ID            uuid.UUID       `json:"id"`
	ReceiptNumber string          `json:"receipt_number"`
	InvoiceID     uuid.UUID       `json:"invoice_id"`
	UserID        string          `json:"-"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      Currency        `json:"currency"`
	PaymentDate   time.Time       `json:"payment_date"`
	PaymentMethod string          `json:"payment_method"`
	Reference     string          `json:"reference,omitempty"`
	Note          string          `json:"note,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ReceiptListItem is a receipt joined with its invoice for listings.
type ReceiptListItem struct {
	Receipt
	InvoiceNumber int64  `json:"invoice_number"`
	ClientName    string `json:"client_name"`
}

// InvoiceInput carries caller-supplied invoice fields for create and edit.
type InvoiceInput struct {
	Number           int64           `json:"number"`
	InvoiceName      string          `json:"invoice_name" validate:"required"`
	Status           Status          `json:"status" validate:"omitempty,oneof=DRAFT PENDING"`
	Currency         Currency        `json:"currency" validate:"required,oneof=UGX USD"`
	Total            decimal.Decimal `json:"total"`
	AllowOverpayment bool            `json:"allow_overpayment"`
	FromName         string          `json:"from_name" validate:"required"`
	FromEmail        string          `json:"from_email" validate:"required,email"`
	FromAddress      string          `json:"from_address" validate:"required"`
	ClientName       string          `json:"client_name" validate:"required"`
	ClientEmail      string          `json:"client_email" validate:"required,email"`
	ClientAddress    string          `json:"client_address" validate:"required"`
	Description      string          `json:"description" validate:"required"`
	Quantity         int             `json:"quantity" validate:"gte=1"`
	Rate             decimal.Decimal `json:"rate"`
	Date             time.Time       `json:"date" validate:"required"`
	DueDays          int             `json:"due_days" validate:"gte=0"`
	Note             string          `json:"note"`
}

// AmountText is a payment amount as sent by the caller. JSON accepts both
// "400.50" and 400.50; the digits are kept verbatim so no float rounding happens.
type AmountText string

func (a *AmountText) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = AmountText(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("amount must be a number or numeric string: %w", err)
	}
	*a = AmountText(n.String())
	return nil
}

// ReceiptInput carries caller-supplied receipt fields.
type ReceiptInput struct {
	InvoiceID      uuid.UUID  `json:"invoice_id" validate:"required"`
	Amount         AmountText `json:"amount" validate:"required"`
	PaymentDate    time.Time  `json:"payment_date"`
	PaymentMethod  string     `json:"payment_method" validate:"required"`
	Reference      string     `json:"reference"`
	Note           string     `json:"note"`
	IdempotencyKey string     `json:"-"`
}

// ReceiptResult is returned after a receipt is recorded.
type ReceiptResult struct {
	Invoice   Invoice         `json:"invoice"`
	Receipt   Receipt         `json:"receipt"`
	Remaining decimal.Decimal `json:"remaining"`
}

// MarkAsPaidResult reports either a settled invoice or the receipt prefill
// needed to record the outstanding balance.
type MarkAsPaidResult struct {
	Settled   bool            `json:"settled"`
	Invoice   Invoice         `json:"invoice"`
	Remaining decimal.Decimal `json:"remaining"`
	Prefill   *ReceiptInput   `json:"prefill,omitempty"`
}

// SyncResult reports the outcome of a ledger repair.
type SyncResult struct {
	Invoice Invoice `json:"invoice"`
	Changed bool    `json:"changed"`
}

// SyncReport summarises a system-wide ledger repair.
type SyncReport struct {
	Checked  int `json:"checked"`
	Repaired int `json:"repaired"`
	Failed   int `json:"failed"`
}

// InvoiceDetails is an invoice with its ledger and computed balance.
type InvoiceDetails struct {
	Invoice
	Receipts  []Receipt       `json:"receipts"`
	TotalPaid decimal.Decimal `json:"total_paid"`
	Remaining decimal.Decimal `json:"remaining"`
}

// ListInvoicesFilter narrows invoice listings.
type ListInvoicesFilter struct {
	Status  Status
	Page    int
	PerPage int
}

// InvoiceRef identifies an invoice with its owner.
type InvoiceRef struct {
	ID     uuid.UUID
	UserID string
}

// Client is a distinct recipient previously invoiced by the user.
type Client struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Address string `json:"address"`
}

// SummaryRow aggregates invoices of one currency and status.
type SummaryRow struct {
	Currency Currency
	Status   Status
	Count    int
	Total    decimal.Decimal
	Paid     decimal.Decimal
}

// CurrencySummary is the dashboard view for one currency.
type CurrencySummary struct {
	Currency         Currency        `json:"currency"`
	TotalInvoiced    decimal.Decimal `json:"total_invoiced"`
	TotalReceived    decimal.Decimal `json:"total_received"`
	TotalOutstanding decimal.Decimal `json:"total_outstanding"`
	InvoiceCount     int             `json:"invoice_count"`
	PaidCount        int             `json:"paid_count"`
	PendingCount     int             `json:"pending_count"`
	PartialCount     int             `json:"partial_count"`
	OverdueCount     int             `json:"overdue_count"`
	DraftCount       int             `json:"draft_count"`
	CancelledCount   int             `json:"cancelled_count"`
}

// PaymentNotice describes a recorded payment for notifications.
type PaymentNotice struct {
	Invoice   Invoice
	Receipt   Receipt
	Remaining decimal.Decimal
}

// IsPaid reports whether the payment settled the invoice.
func (n PaymentNotice) IsPaid() bool {
	return n.Invoice.Status == StatusPaid
}

// IsPartialPayment reports whether a balance remains after the payment.
func (n PaymentNotice) IsPartialPayment() bool {
	return n.Remaining.IsPositive()
}
