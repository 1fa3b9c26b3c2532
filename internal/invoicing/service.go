package invoicing

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kgsl/invoicing/internal/platform/cache"
	"github.com/kgsl/invoicing/internal/shared"
)

const (
	// MinSearchTermLength is the shortest client search term served.
	MinSearchTermLength = 2
	// MaxClientResults bounds client search responses.
	MaxClientResults = 10
)

// InvoicePage is one page of an invoice listing.
type InvoicePage struct {
	Invoices   []Invoice         `json:"invoices"`
	Pagination shared.Pagination `json:"pagination"`
}

// Service implements the payment reconciliation engine.
type Service struct {
	repo     Repository
	notifier Notifier
	logger   *slog.Logger
	validate *validator.Validate
	cache    *cache.Versioned
	metrics  *Metrics
	now      func() time.Time
}

// NewService constructs the service. A nil notifier discards notifications.
func NewService(repo Repository, notifier Notifier, logger *slog.Logger) *Service {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
		validate: newValidator(),
		now:      time.Now,
	}
}

// SetSummaryCache enables Redis caching of dashboard summaries.
func (s *Service) SetSummaryCache(c *cache.Versioned) {
	s.cache = c
}

// SetMetrics attaches domain counters.
func (s *Service) SetMetrics(m *Metrics) {
	s.metrics = m
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateInvoice validates and persists a new invoice with an empty ledger.
func (s *Service) CreateInvoice(ctx context.Context, userID string, input InvoiceInput) (Invoice, error) {
	if userID == "" {
		return Invoice{}, ErrMissingUser
	}
	if err := validateInvoiceInput(s.validate, input); err != nil {
		return Invoice{}, err
	}

	status := StatusPending
	if input.Status == StatusDraft {
		status = StatusDraft
	}
	inv := applyInput(Invoice{ID: uuid.New(), UserID: userID}, input)
	inv.Status = status
	inv.PaidAmount = decimal.Zero

	var created Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if inv.Number == 0 {
			n, err := tx.NextInvoiceNumber(ctx)
			if err != nil {
				return err
			}
			inv.Number = n
		}
		var err error
		created, err = tx.CreateInvoice(ctx, inv)
		return err
	})
	if err != nil {
		return Invoice{}, err
	}

	s.invalidateSummary(ctx, userID)
	s.notify(ctx, "invoice_created", created.ID, func(ctx context.Context) error {
		return s.notifier.InvoiceCreated(ctx, created)
	})
	return created, nil
}

// EditInvoice updates invoice fields and recomputes the aggregate from the ledger.
func (s *Service) EditInvoice(ctx context.Context, userID string, id uuid.UUID, input InvoiceInput) (Invoice, error) {
	if userID == "" {
		return Invoice{}, ErrMissingUser
	}
	if err := validateInvoiceInput(s.validate, input); err != nil {
		return Invoice{}, err
	}

	var updated Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.LockInvoice(ctx, userID, id)
		if err != nil {
			return err
		}
		receipts, err := tx.ListReceiptsForInvoice(ctx, id)
		if err != nil {
			return err
		}
		paid := SumReceipts(receipts)

		next := applyInput(current, input)
		// Receipts carry the invoice currency from the time they were recorded.
		if next.Currency != current.Currency && len(receipts) > 0 {
			return ErrCurrencyLocked
		}
		if input.Number == 0 {
			next.Number = current.Number
		}
		next.PaidAmount = paid
		next.Status = editStatus(current.Status, input.Status, next.Total, paid)

		updated, err = tx.UpdateInvoice(ctx, next)
		return err
	})
	if err != nil {
		return Invoice{}, err
	}

	s.invalidateSummary(ctx, userID)
	s.notify(ctx, "invoice_updated", updated.ID, func(ctx context.Context) error {
		return s.notifier.InvoiceUpdated(ctx, updated)
	})
	return updated, nil
}

// editStatus keeps a requested DRAFT while nothing is paid; otherwise the
// payment rule decides.
func editStatus(current, requested Status, total, paid decimal.Decimal) Status {
	if requested == StatusDraft && current != StatusCancelled && !paid.IsPositive() {
		return StatusDraft
	}
	return ApplyPayment(current, total, paid)
}

// DeleteInvoice removes an invoice that has no receipts.
func (s *Service) DeleteInvoice(ctx context.Context, userID string, id uuid.UUID) error {
	if userID == "" {
		return ErrMissingUser
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.LockInvoice(ctx, userID, id); err != nil {
			return err
		}
		receipts, err := tx.ListReceiptsForInvoice(ctx, id)
		if err != nil {
			return err
		}
		if len(receipts) > 0 {
			return ErrInvoiceHasReceipts
		}
		return tx.DeleteInvoice(ctx, id)
	})
	if err != nil {
		return err
	}
	s.invalidateSummary(ctx, userID)
	return nil
}

// MarkAsPaid settles an invoice whose ledger already covers the total, or
// returns the receipt prefill for the outstanding balance without writing.
func (s *Service) MarkAsPaid(ctx context.Context, userID string, id uuid.UUID) (MarkAsPaidResult, error) {
	if userID == "" {
		return MarkAsPaidResult{}, ErrMissingUser
	}
	var result MarkAsPaidResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, userID, id)
		if err != nil {
			return err
		}
		if inv.Status == StatusCancelled {
			return ErrInvoiceCancelled
		}
		receipts, err := tx.ListReceiptsForInvoice(ctx, id)
		if err != nil {
			return err
		}
		paid := SumReceipts(receipts)
		remaining := Remaining(inv.Total, paid)

		if remaining.IsPositive() {
			result = MarkAsPaidResult{
				Invoice:   inv,
				Remaining: remaining,
				Prefill: &ReceiptInput{
					InvoiceID:   inv.ID,
					Amount:      AmountText(remaining.StringFixed(2)),
					PaymentDate: s.now(),
				},
			}
			return nil
		}

		updated, err := tx.UpdateInvoicePayment(ctx, id, paid, StatusPaid)
		if err != nil {
			return err
		}
		result = MarkAsPaidResult{Settled: true, Invoice: updated, Remaining: remaining}
		return nil
	})
	if err != nil {
		return MarkAsPaidResult{}, err
	}
	if result.Settled {
		s.invalidateSummary(ctx, userID)
	}
	return result, nil
}

// CancelInvoice moves an unpaid invoice to CANCELLED.
func (s *Service) CancelInvoice(ctx context.Context, userID string, id uuid.UUID) (Invoice, error) {
	if userID == "" {
		return Invoice{}, ErrMissingUser
	}
	var updated Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, userID, id)
		if err != nil {
			return err
		}
		switch inv.Status {
		case StatusCancelled:
			updated = inv
			return nil
		case StatusPaid:
			return ErrInvalidStatus
		}
		receipts, err := tx.ListReceiptsForInvoice(ctx, id)
		if err != nil {
			return err
		}
		updated, err = tx.UpdateInvoicePayment(ctx, id, SumReceipts(receipts), StatusCancelled)
		return err
	})
	if err != nil {
		return Invoice{}, err
	}
	s.invalidateSummary(ctx, userID)
	return updated, nil
}

// CreateReceipt records a payment, guarding against overpayment, and updates
// the invoice aggregate in the same transaction.
func (s *Service) CreateReceipt(ctx context.Context, userID string, input ReceiptInput) (ReceiptResult, error) {
	if userID == "" {
		return ReceiptResult{}, ErrMissingUser
	}
	amount, err := validateReceiptInput(s.validate, input)
	if err != nil {
		return ReceiptResult{}, err
	}
	paymentDate := input.PaymentDate
	if paymentDate.IsZero() {
		paymentDate = s.now()
	}

	var result ReceiptResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, userID, input.InvoiceID)
		if err != nil {
			return err
		}
		if inv.Status == StatusCancelled {
			return ErrInvoiceCancelled
		}
		if key := strings.TrimSpace(input.IdempotencyKey); key != "" {
			if err := tx.ClaimIdempotencyKey(ctx, userID+":"+key); err != nil {
				return err
			}
		}

		receipts, err := tx.ListReceiptsForInvoice(ctx, inv.ID)
		if err != nil {
			return err
		}
		next := SumReceipts(receipts).Add(amount)
		if next.GreaterThan(inv.Total) && !inv.AllowOverpayment {
			return &OverpaymentError{Attempted: next, Allowed: inv.Total}
		}

		seq, err := tx.NextReceiptSequence(ctx)
		if err != nil {
			return err
		}
		receipt, err := tx.CreateReceipt(ctx, Receipt{
			ID:            uuid.New(),
			ReceiptNumber: FormatReceiptNumber(seq),
			InvoiceID:     inv.ID,
			UserID:        inv.UserID,
			Amount:        amount,
			Currency:      inv.Currency,
			PaymentDate:   paymentDate,
			PaymentMethod: strings.TrimSpace(input.PaymentMethod),
			Reference:     input.Reference,
			Note:          input.Note,
		})
		if err != nil {
			return err
		}

		updated, err := tx.UpdateInvoicePayment(ctx, inv.ID, next, ApplyPayment(inv.Status, inv.Total, next))
		if err != nil {
			return err
		}
		result = ReceiptResult{Invoice: updated, Receipt: receipt, Remaining: Remaining(updated.Total, next)}
		return nil
	})
	if err != nil {
		if IsOverpayment(err) {
			s.metrics.overpaymentRejected()
		}
		return ReceiptResult{}, err
	}

	s.metrics.receiptRecorded(result.Receipt.Currency)
	s.invalidateSummary(ctx, userID)
	s.logger.InfoContext(ctx, "receipt recorded",
		slog.String("invoice_id", result.Invoice.ID.String()),
		slog.String("receipt_id", result.Receipt.ID.String()),
		slog.String("receipt_number", result.Receipt.ReceiptNumber),
		slog.String("status", string(result.Invoice.Status)),
	)
	notice := PaymentNotice{Invoice: result.Invoice, Receipt: result.Receipt, Remaining: result.Remaining}
	s.notify(ctx, "payment_received", result.Invoice.ID, func(ctx context.Context) error {
		return s.notifier.PaymentReceived(ctx, notice)
	})
	return result, nil
}

// DeleteReceipt removes a receipt and recalculates the owning invoice.
func (s *Service) DeleteReceipt(ctx context.Context, userID string, receiptID uuid.UUID) (Invoice, error) {
	if userID == "" {
		return Invoice{}, ErrMissingUser
	}
	var updated Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		receipt, err := tx.GetReceipt(ctx, userID, receiptID)
		if err != nil {
			return err
		}
		inv, err := tx.LockInvoice(ctx, userID, receipt.InvoiceID)
		if errors.Is(err, ErrInvoiceNotFound) {
			return ErrReceiptNotFound
		}
		if err != nil {
			return err
		}
		if err := tx.DeleteReceipt(ctx, receiptID); err != nil {
			return err
		}
		receipts, err := tx.ListReceiptsForInvoice(ctx, inv.ID)
		if err != nil {
			return err
		}
		paid := SumReceipts(receipts)
		updated, err = tx.UpdateInvoicePayment(ctx, inv.ID, paid, ApplyPayment(inv.Status, inv.Total, paid))
		return err
	})
	if err != nil {
		return Invoice{}, err
	}
	s.invalidateSummary(ctx, userID)
	s.logger.InfoContext(ctx, "receipt deleted",
		slog.String("invoice_id", updated.ID.String()),
		slog.String("receipt_id", receiptID.String()),
	)
	return updated, nil
}

// SyncInvoicePayments repairs the cached paid amount and status from the
// ledger, writing only when they differ.
func (s *Service) SyncInvoicePayments(ctx context.Context, userID string, id uuid.UUID) (SyncResult, error) {
	if userID == "" {
		return SyncResult{}, ErrMissingUser
	}
	var result SyncResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, userID, id)
		if err != nil {
			return err
		}
		receipts, err := tx.ListReceiptsForInvoice(ctx, id)
		if err != nil {
			return err
		}
		paid := SumReceipts(receipts)
		status := Repair(inv.Status, inv.Total, paid)
		if paid.Equal(inv.PaidAmount) && status == inv.Status {
			result = SyncResult{Invoice: inv}
			return nil
		}
		updated, err := tx.UpdateInvoicePayment(ctx, id, paid, status)
		if err != nil {
			return err
		}
		result = SyncResult{Invoice: updated, Changed: true}
		return nil
	})
	if err != nil {
		return SyncResult{}, err
	}
	if result.Changed {
		s.metrics.ledgerRepaired()
		s.invalidateSummary(ctx, userID)
		s.logger.InfoContext(ctx, "invoice ledger repaired",
			slog.String("invoice_id", id.String()),
			slog.String("paid_amount", result.Invoice.PaidAmount.StringFixed(2)),
			slog.String("status", string(result.Invoice.Status)),
		)
	}
	return result, nil
}

// SyncAllInvoices repairs every invoice, one transaction each. Failures are
// counted and logged so one bad row does not stop the sweep.
func (s *Service) SyncAllInvoices(ctx context.Context) (SyncReport, error) {
	refs, err := s.repo.ListInvoiceRefs(ctx)
	if err != nil {
		return SyncReport{}, err
	}
	var report SyncReport
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		res, err := s.SyncInvoicePayments(ctx, ref.UserID, ref.ID)
		if err != nil {
			report.Failed++
			s.logger.ErrorContext(ctx, "invoice sync failed",
				slog.String("invoice_id", ref.ID.String()),
				slog.Any("error", err),
			)
			continue
		}
		if res.Changed {
			report.Repaired++
		}
	}
	return report, nil
}

// SweepOverdue flags open invoices past their due date.
func (s *Service) SweepOverdue(ctx context.Context, now time.Time) (int, error) {
	refs, err := s.repo.MarkOverdue(ctx, now)
	if err != nil {
		return 0, err
	}
	users := map[string]struct{}{}
	for _, ref := range refs {
		users[ref.UserID] = struct{}{}
	}
	for userID := range users {
		s.invalidateSummary(ctx, userID)
	}
	if len(refs) > 0 {
		s.logger.InfoContext(ctx, "overdue invoices flagged", slog.Int("count", len(refs)))
	}
	return len(refs), nil
}

// SendReminder queues a payment reminder for an open invoice.
func (s *Service) SendReminder(ctx context.Context, userID string, id uuid.UUID) error {
	details, err := s.GetInvoice(ctx, userID, id)
	if err != nil {
		return err
	}
	if details.Status == StatusPaid || details.Status == StatusCancelled {
		return ErrInvalidStatus
	}
	if err := s.notifier.InvoiceReminder(ctx, details); err != nil {
		s.metrics.notificationFailed("invoice_reminder")
		return err
	}
	return nil
}

// GetInvoice returns an invoice with its ledger and balance.
func (s *Service) GetInvoice(ctx context.Context, userID string, id uuid.UUID) (InvoiceDetails, error) {
	if userID == "" {
		return InvoiceDetails{}, ErrMissingUser
	}
	inv, err := s.repo.GetInvoice(ctx, userID, id)
	if err != nil {
		return InvoiceDetails{}, err
	}
	receipts, err := s.repo.ListReceiptsForInvoice(ctx, userID, id)
	if err != nil {
		return InvoiceDetails{}, err
	}
	return newInvoiceDetails(inv, receipts), nil
}

// GetInvoiceByID loads invoice details without an owner scope. Only signed
// public links may use it.
func (s *Service) GetInvoiceByID(ctx context.Context, id uuid.UUID) (InvoiceDetails, error) {
	inv, err := s.repo.GetInvoiceByID(ctx, id)
	if err != nil {
		return InvoiceDetails{}, err
	}
	receipts, err := s.repo.ListReceiptsForInvoice(ctx, inv.UserID, id)
	if err != nil {
		return InvoiceDetails{}, err
	}
	return newInvoiceDetails(inv, receipts), nil
}

func newInvoiceDetails(inv Invoice, receipts []Receipt) InvoiceDetails {
	paid := SumReceipts(receipts)
	return InvoiceDetails{
		Invoice:   inv,
		Receipts:  receipts,
		TotalPaid: paid,
		Remaining: Remaining(inv.Total, paid),
	}
}

// ListInvoices returns the user's invoices, newest first.
func (s *Service) ListInvoices(ctx context.Context, userID string, filter ListInvoicesFilter) (InvoicePage, error) {
	if userID == "" {
		return InvoicePage{}, ErrMissingUser
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return InvoicePage{}, newValidationError("status", "is not a known status")
	}
	filter.Page, filter.PerPage = shared.Normalize(filter.Page, filter.PerPage)
	invoices, total, err := s.repo.ListInvoices(ctx, userID, filter)
	if err != nil {
		return InvoicePage{}, err
	}
	return InvoicePage{
		Invoices:   invoices,
		Pagination: shared.NewPagination(filter.Page, filter.PerPage, total),
	}, nil
}

// ListInvoiceReceipts returns the ledger of one invoice.
func (s *Service) ListInvoiceReceipts(ctx context.Context, userID string, invoiceID uuid.UUID) ([]Receipt, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	if _, err := s.repo.GetInvoice(ctx, userID, invoiceID); err != nil {
		return nil, err
	}
	return s.repo.ListReceiptsForInvoice(ctx, userID, invoiceID)
}

// ListReceipts returns all receipts of the user.
func (s *Service) ListReceipts(ctx context.Context, userID string) ([]ReceiptListItem, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	return s.repo.ListReceipts(ctx, userID)
}

// GetReceipt returns one receipt of the user.
func (s *Service) GetReceipt(ctx context.Context, userID string, id uuid.UUID) (Receipt, error) {
	if userID == "" {
		return Receipt{}, ErrMissingUser
	}
	return s.repo.GetReceipt(ctx, userID, id)
}

// GetReceiptByID loads a receipt without an owner scope for signed links.
func (s *Service) GetReceiptByID(ctx context.Context, id uuid.UUID) (Receipt, error) {
	return s.repo.GetReceiptByID(ctx, id)
}

// RemainingBalance computes total minus the ledger sum.
func (s *Service) RemainingBalance(ctx context.Context, userID string, id uuid.UUID) (decimal.Decimal, error) {
	details, err := s.GetInvoice(ctx, userID, id)
	if err != nil {
		return decimal.Zero, err
	}
	return details.Remaining, nil
}

// SearchClients finds previously invoiced clients by name or email.
func (s *Service) SearchClients(ctx context.Context, userID, term string) ([]Client, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	term = strings.TrimSpace(term)
	if len([]rune(term)) < MinSearchTermLength {
		return []Client{}, nil
	}
	return s.repo.SearchClients(ctx, userID, term, MaxClientResults)
}

func (s *Service) invalidateSummary(ctx context.Context, userID string) {
	if err := s.cache.Bump(ctx, userID); err != nil {
		s.logger.WarnContext(ctx, "summary cache bump failed",
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
	}
}

// notify runs a post-commit notification. Failures are logged and counted;
// the committed change stands.
func (s *Service) notify(ctx context.Context, kind string, invoiceID uuid.UUID, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		s.metrics.notificationFailed(kind)
		s.logger.WarnContext(ctx, "notification failed",
			slog.String("kind", kind),
			slog.String("invoice_id", invoiceID.String()),
			slog.Any("error", err),
		)
	}
}

func applyInput(inv Invoice, input InvoiceInput) Invoice {
	if input.Number != 0 {
		inv.Number = input.Number
	}
	inv.InvoiceName = strings.TrimSpace(input.InvoiceName)
	inv.Currency = input.Currency
	inv.Total = input.Total
	inv.AllowOverpayment = input.AllowOverpayment
	inv.FromName = strings.TrimSpace(input.FromName)
	inv.FromEmail = strings.TrimSpace(input.FromEmail)
	inv.FromAddress = strings.TrimSpace(input.FromAddress)
	inv.ClientName = strings.TrimSpace(input.ClientName)
	inv.ClientEmail = strings.TrimSpace(input.ClientEmail)
	inv.ClientAddress = strings.TrimSpace(input.ClientAddress)
	inv.Description = strings.TrimSpace(input.Description)
	inv.Quantity = input.Quantity
	inv.Rate = input.Rate
	inv.Date = input.Date
	inv.DueDays = input.DueDays
	inv.Note = strings.TrimSpace(input.Note)
	return inv
}
