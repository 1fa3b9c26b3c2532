package invoicing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kgsl/invoicing/internal/platform/cache"
	"github.com/kgsl/invoicing/internal/platform/db"
	"github.com/kgsl/invoicing/internal/platform/httpx"
)

const testUser = "user-1"

type recordingNotifier struct {
	mu       sync.Mutex
	err      error
	created  []Invoice
	updated  []Invoice
	payments []PaymentNotice
	reminded []InvoiceDetails
}

func (n *recordingNotifier) InvoiceCreated(_ context.Context, inv Invoice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, inv)
	return n.err
}

func (n *recordingNotifier) InvoiceUpdated(_ context.Context, inv Invoice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updated = append(n.updated, inv)
	return n.err
}

func (n *recordingNotifier) PaymentReceived(_ context.Context, notice PaymentNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payments = append(n.payments, notice)
	return n.err
}

func (n *recordingNotifier) InvoiceReminder(_ context.Context, details InvoiceDetails) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reminded = append(n.reminded, details)
	return n.err
}

func newTestService(t *testing.T) (*Service, *memRepository, *recordingNotifier) {
	t.Helper()
	repo := newMemRepository()
	notifier := &recordingNotifier{}
	svc := NewService(repo, notifier, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.SetClock(func() time.Time { return time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC) })
	return svc, repo, notifier
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func validInvoiceInput(total string) InvoiceInput {
	return InvoiceInput{
		InvoiceName:   "Website build",
		Currency:      CurrencyUSD,
		Total:         dec(total),
		FromName:      "KGSL",
		FromEmail:     "billing@kgsl.example",
		FromAddress:   "Plot 1, Kampala",
		ClientName:    "Acme Ltd",
		ClientEmail:   "accounts@acme.example",
		ClientAddress: "Nairobi",
		Description:   "Design and build",
		Quantity:      1,
		Rate:          dec(total),
		Date:          time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		DueDays:       14,
	}
}

func createInvoice(t *testing.T, svc *Service, total string) Invoice {
	t.Helper()
	inv, err := svc.CreateInvoice(context.Background(), testUser, validInvoiceInput(total))
	require.NoError(t, err)
	return inv
}

func pay(t *testing.T, svc *Service, invoiceID uuid.UUID, amount string) ReceiptResult {
	t.Helper()
	res, err := svc.CreateReceipt(context.Background(), testUser, ReceiptInput{
		InvoiceID:     invoiceID,
		Amount:        AmountText(amount),
		PaymentMethod: "Bank transfer",
	})
	require.NoError(t, err)
	return res
}

func requireLedgerConsistent(t *testing.T, repo *memRepository, id uuid.UUID) {
	t.Helper()
	repo.mu.Lock()
	defer repo.mu.Unlock()
	inv := repo.state.invoices[id]
	paid := SumReceipts(receiptsOf(repo.state, id))
	require.True(t, inv.PaidAmount.Equal(paid), "paid_amount %s, ledger %s", inv.PaidAmount, paid)
}

func TestCreateInvoiceAssignsNumberAndPendingStatus(t *testing.T) {
	svc, _, notifier := newTestService(t)

	inv := createInvoice(t, svc, "1000")
	require.Equal(t, int64(1001), inv.Number)
	require.Equal(t, StatusPending, inv.Status)
	require.True(t, inv.PaidAmount.IsZero())
	require.Equal(t, testUser, inv.UserID)
	require.Len(t, notifier.created, 1)

	input := validInvoiceInput("50")
	input.Status = StatusDraft
	draft, err := svc.CreateInvoice(context.Background(), testUser, input)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, draft.Status)
	require.Equal(t, int64(1002), draft.Number)
}

func TestCreateInvoiceValidation(t *testing.T) {
	svc, repo, _ := newTestService(t)

	input := validInvoiceInput("0.5")
	input.ClientEmail = "not-an-email"
	input.InvoiceName = ""
	input.Quantity = 0
	_, err := svc.CreateInvoice(context.Background(), testUser, input)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.ErrorIs(t, err, httpx.ErrValidation)
	require.Contains(t, verr.Fields, "client_email")
	require.Contains(t, verr.Fields, "invoice_name")
	require.Contains(t, verr.Fields, "quantity")
	require.Contains(t, verr.Fields, "total")
	require.Zero(t, repo.writeCount())
}

func TestCreateInvoiceRequiresUser(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.CreateInvoice(context.Background(), "", validInvoiceInput("10"))
	require.ErrorIs(t, err, httpx.ErrUnauthorized)
}

func TestCreateInvoiceDuplicateNumber(t *testing.T) {
	svc, _, _ := newTestService(t)
	input := validInvoiceInput("10")
	input.Number = 5000
	_, err := svc.CreateInvoice(context.Background(), testUser, input)
	require.NoError(t, err)
	_, err = svc.CreateInvoice(context.Background(), testUser, input)
	require.ErrorIs(t, err, ErrDuplicateNumber)
	require.ErrorIs(t, err, httpx.ErrDuplicate)
}

func TestPartialThenFullPayment(t *testing.T) {
	svc, repo, notifier := newTestService(t)
	inv := createInvoice(t, svc, "1000")

	res := pay(t, svc, inv.ID, "400")
	require.Equal(t, StatusPartiallyPaid, res.Invoice.Status)
	require.True(t, res.Invoice.PaidAmount.Equal(dec("400")))
	require.True(t, res.Remaining.Equal(dec("600")))
	require.Equal(t, "KGSLRCPT-000001", res.Receipt.ReceiptNumber)
	require.Equal(t, CurrencyUSD, res.Receipt.Currency)
	require.Equal(t, time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC), res.Receipt.PaymentDate)

	res = pay(t, svc, inv.ID, "600")
	require.Equal(t, StatusPaid, res.Invoice.Status)
	require.True(t, res.Invoice.PaidAmount.Equal(dec("1000")))
	require.True(t, res.Remaining.IsZero())
	require.Equal(t, "KGSLRCPT-000002", res.Receipt.ReceiptNumber)

	requireLedgerConsistent(t, repo, inv.ID)
	require.Len(t, notifier.payments, 2)
	require.True(t, notifier.payments[0].IsPartialPayment())
	require.False(t, notifier.payments[0].IsPaid())
	require.True(t, notifier.payments[1].IsPaid())
}

func TestOverpaymentGuard(t *testing.T) {
	svc, repo, notifier := newTestService(t)
	inv := createInvoice(t, svc, "1000")
	pay(t, svc, inv.ID, "900")

	_, err := svc.CreateReceipt(context.Background(), testUser, ReceiptInput{
		InvoiceID:     inv.ID,
		Amount:        "200",
		PaymentMethod: "Cash",
	})
	var over *OverpaymentError
	require.ErrorAs(t, err, &over)
	require.ErrorIs(t, err, httpx.ErrConflict)
	require.True(t, over.Attempted.Equal(dec("1100")))
	require.True(t, over.Allowed.Equal(dec("1000")))

	stored := repo.invoice(inv.ID)
	require.True(t, stored.PaidAmount.Equal(dec("900")))
	require.Equal(t, StatusPartiallyPaid, stored.Status)
	require.Equal(t, 1, repo.receiptCount())
	require.Len(t, notifier.payments, 1)
}

func TestOverpaymentAllowedWhenFlagged(t *testing.T) {
	svc, repo, _ := newTestService(t)
	input := validInvoiceInput("100")
	input.AllowOverpayment = true
	inv, err := svc.CreateInvoice(context.Background(), testUser, input)
	require.NoError(t, err)

	res := pay(t, svc, inv.ID, "150")
	require.Equal(t, StatusPaid, res.Invoice.Status)
	require.True(t, res.Remaining.Equal(dec("-50")))
	requireLedgerConsistent(t, repo, inv.ID)
}

func TestCreateReceiptValidation(t *testing.T) {
	svc, repo, _ := newTestService(t)
	inv := createInvoice(t, svc, "100")

	cases := map[string]ReceiptInput{
		"zero amount":     {InvoiceID: inv.ID, Amount: "0", PaymentMethod: "Cash"},
		"negative amount": {InvoiceID: inv.ID, Amount: "-5", PaymentMethod: "Cash"},
		"not a number":    {InvoiceID: inv.ID, Amount: "ten", PaymentMethod: "Cash"},
		"missing method":  {InvoiceID: inv.ID, Amount: "10", PaymentMethod: "  "},
	}
	before := repo.writeCount()
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.CreateReceipt(context.Background(), testUser, input)
			require.ErrorIs(t, err, httpx.ErrValidation)
		})
	}
	require.Equal(t, before, repo.writeCount())
}

func TestCreateReceiptScopedToOwner(t *testing.T) {
	svc, _, _ := newTestService(t)
	inv := createInvoice(t, svc, "100")

	_, err := svc.CreateReceipt(context.Background(), "someone-else", ReceiptInput{
		InvoiceID: inv.ID, Amount: "10", PaymentMethod: "Cash",
	})
	require.ErrorIs(t, err, ErrInvoiceNotFound)
	require.ErrorIs(t, err, httpx.ErrNotFound)
}

func TestCreateReceiptIdempotencyKey(t *testing.T) {
	svc, repo, _ := newTestService(t)
	inv := createInvoice(t, svc, "100")

	input := ReceiptInput{InvoiceID: inv.ID, Amount: "10", PaymentMethod: "Cash", IdempotencyKey: "abc"}
	_, err := svc.CreateReceipt(context.Background(), testUser, input)
	require.NoError(t, err)

	_, err = svc.CreateReceipt(context.Background(), testUser, input)
	require.ErrorIs(t, err, ErrDuplicateRequest)
	require.Equal(t, 1, repo.receiptCount())
	require.True(t, repo.invoice(inv.ID).PaidAmount.Equal(dec("10")))
}

func TestPaymentOnOverdueInvoiceDerivesStatus(t *testing.T) {
	svc, repo, _ := newTestService(t)
	inv := createInvoice(t, svc, "1000")
	inv.Status = StatusOverdue
	repo.put(inv)

	res := pay(t, svc, inv.ID, "100")
	require.Equal(t, StatusPartiallyPaid, res.Invoice.Status)
}

func TestCancelledInvoiceRejectsPayments(t *testing.T) {
	svc, repo, _ := newTestService(t)
	inv := createInvoice(t, svc, "1000")

	cancelled, err := svc.CancelInvoice(context.Background(), testUser, inv.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)

	_, err = svc.CreateReceipt(context.Background(), testUser, ReceiptInput{
		InvoiceID: inv.ID, Amount: "10", PaymentMethod: "Cash",
	})
	require.ErrorIs(t, err, ErrInvoiceCancelled)
	require.Zero(t, repo.receiptCount())

	_, err = svc.MarkAsPaid(context.Background(), testUser, inv.ID)
	require.ErrorIs(t, err, ErrInvoiceCancelled)
}

func TestCancelPaidInvoiceRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	inv := createInvoice(t, svc, "100")
	pay(t, svc, inv.ID, "100")

	_, err := svc.CancelInvoice(context.Background(), testUser, inv.ID)
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestDeleteReceiptRecalculates(t *testing.T) {
	svc, repo, _ := newTestService(t)
	inv := createInvoice(t, svc, "1000")
	pay(t, svc, inv.ID, "600")
	second := pay(t, svc, inv.ID, "400")
	require.Equal(t, StatusPaid, second.Invoice.Status)

	updated, err := svc.DeleteReceipt(context.Background(), testUser, second.Receipt.ID)
	require.NoError(t, err)
	require.True(t, updated.PaidAmount.Equal(dec("600")))
	require.Equal(t, StatusPartiallyPaid, updated.Status)
	requireLedgerConsistent(t, repo, inv.ID)

	_, err = svc.DeleteReceipt(context.Background(), testUser, second.Receipt.ID)
	require.ErrorIs(t, err, ErrReceiptNotFound)
}

func TestDeleteReceiptOtherUser(t *testing.T) {
	svc, repo, _ := newTestService(t)
	inv := createInvoice(t, svc, "1000")
	res := pay(t, svc, inv.ID, "100")

	_, err := svc.DeleteReceipt(context.Background(), "intruder", res.Receipt.ID)
	require.ErrorIs(t, err, ErrReceiptNotFound)
	require.Equal(t, 1, repo.receiptCount())
}

func TestLedgerConsistencyAcrossMutations(t *testing.T) {
	svc, repo, _ := newTestService(t)
	inv := createInvoice(t, svc, "500")

	var receipts []Receipt
	for _, amount := range []string{"100", "50.25", "49.75", "200"} {
		receipts = append(receipts, pay(t, svc, inv.ID, amount).Receipt)
		requireLedgerConsistent(t, repo, inv.ID)
	}
	for _, r := range receipts[1:3] {
		_, err := svc.DeleteReceipt(context.Background(), testUser, r.ID)
		require.NoError(t, err)
		requireLedgerConsistent(t, repo, inv.ID)
	}
	stored := repo.invoice(inv.ID)
	require.True(t, stored.PaidAmount.Equal(dec("300")))
	require.Equal(t, StatusPartiallyPaid, stored.Status)
}

func TestEditPreservesAccounting(t *testing.T) {
	svc, repo, notifier := newTestService(t)
	inv := createInvoice(t, svc, "1000")
	pay(t, svc, inv.ID, "600")

	input := validInvoiceInput("500")
	updated, err := svc.EditInvoice(context.Background(), testUser, inv.ID, input)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, updated.Status)
	require.True(t, updated.PaidAmount.Equal(dec("600")))
	require.Equal(t, inv.Number, updated.Number)
	requireLedgerConsistent(t, repo, inv.ID)
	require.Len(t, notifier.updated, 1)
}

func TestEditKeepsDraftOnlyWhileUnpaid(t *testing.T) {
	svc, _, _ := newTestService(t)
	inv := createInvoice(t, svc, "1000")

	input := validInvoiceInput("1000")
	input.Status = StatusDraft
	updated, err := svc.EditInvoice(context.Background(), testUser, inv.ID, input)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, updated.Status)

	pay(t, svc, inv.ID, "10")
	updated, err = svc.EditInvoice(context.Background(), testUser, inv.ID, input)
	require.NoError(t, err)
	require.Equal(t, StatusPartiallyPaid, updated.Status)
}

func TestEditCurrencyLockedOnceReceiptsExist(t *testing.T) {
	svc, repo, notifier := newTestService(t)
	inv := createInvoice(t, svc, "1000")

	// No receipts yet, so the currency may still change.
	input := validInvoiceInput("1000")
	input.Currency = CurrencyUGX
	updated, err := svc.EditInvoice(context.Background(), testUser, inv.ID, input)
	require.NoError(t, err)
	require.Equal(t, CurrencyUGX, updated.Currency)

	input.Currency = CurrencyUSD
	_, err = svc.EditInvoice(context.Background(), testUser, inv.ID, input)
	require.NoError(t, err)

	pay(t, svc, inv.ID, "900")
	input.Currency = CurrencyUGX
	_, err = svc.EditInvoice(context.Background(), testUser, inv.ID, input)
	require.ErrorIs(t, err, ErrCurrencyLocked)
	require.ErrorIs(t, err, httpx.ErrConflict)

	stored := repo.invoice(inv.ID)
	require.Equal(t, CurrencyUSD, stored.Currency)
	require.True(t, stored.PaidAmount.Equal(dec("900")))
	require.Equal(t, StatusPartiallyPaid, stored.Status)
	require.Len(t, notifier.updated, 2)

	// Other fields stay editable in the original currency.
	input = validInvoiceInput("950")
	updated, err = svc.EditInvoice(context.Background(), testUser, inv.ID, input)
	require.NoError(t, err)
	require.Equal(t, CurrencyUSD, updated.Currency)
	requireLedgerConsistent(t, repo, inv.ID)
}

func TestDeleteInvoiceWithReceiptsRejected(t *testing.T) {
	svc, repo, _ := newTestService(t)
	inv := createInvoice(t, svc, "1000")
	pay(t, svc, inv.ID, "10")

	err := svc.DeleteInvoice(context.Background(), testUser, inv.ID)
	require.ErrorIs(t, err, ErrInvoiceHasReceipts)
	require.ErrorIs(t, err, httpx.ErrConflict)
	require.Equal(t, inv.ID, repo.invoice(inv.ID).ID)

	empty := createInvoice(t, svc, "5")
	require.NoError(t, svc.DeleteInvoice(context.Background(), testUser, empty.ID))
	_, err = svc.GetInvoice(context.Background(), testUser, empty.ID)
	require.ErrorIs(t, err, ErrInvoiceNotFound)
}

func TestMarkAsPaid(t *testing.T) {
	svc, repo, _ := newTestService(t)
	inv := createInvoice(t, svc, "1000")
	pay(t, svc, inv.ID, "250")
	writes := repo.writeCount()

	res, err := svc.MarkAsPaid(context.Background(), testUser, inv.ID)
	require.NoError(t, err)
	require.False(t, res.Settled)
	require.True(t, res.Remaining.Equal(dec("750")))
	require.NotNil(t, res.Prefill)
	require.Equal(t, AmountText("750.00"), res.Prefill.Amount)
	require.Equal(t, inv.ID, res.Prefill.InvoiceID)
	require.Equal(t, writes, repo.writeCount())

	// Ledger covers the total but the cache says otherwise.
	repo.putReceipt(Receipt{
		ID: uuid.New(), InvoiceID: inv.ID, UserID: testUser, Amount: dec("750"),
		Currency: CurrencyUSD, PaymentDate: time.Now(), PaymentMethod: "Cash",
	})
	res, err = svc.MarkAsPaid(context.Background(), testUser, inv.ID)
	require.NoError(t, err)
	require.True(t, res.Settled)
	require.Nil(t, res.Prefill)
	require.Equal(t, StatusPaid, res.Invoice.Status)
	require.True(t, res.Invoice.PaidAmount.Equal(dec("1000")))
}

func TestSyncRepairsAndIsIdempotent(t *testing.T) {
	svc, repo, _ := newTestService(t)
	inv := createInvoice(t, svc, "1000")
	pay(t, svc, inv.ID, "400")

	drifted := repo.invoice(inv.ID)
	drifted.PaidAmount = dec("0")
	drifted.Status = StatusPending
	repo.put(drifted)

	res, err := svc.SyncInvoicePayments(context.Background(), testUser, inv.ID)
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.True(t, res.Invoice.PaidAmount.Equal(dec("400")))
	require.Equal(t, StatusPartiallyPaid, res.Invoice.Status)

	writes := repo.writeCount()
	res, err = svc.SyncInvoicePayments(context.Background(), testUser, inv.ID)
	require.NoError(t, err)
	require.False(t, res.Changed)
	require.Equal(t, writes, repo.writeCount())
}

func TestSyncKeepsOverdueUntilPaid(t *testing.T) {
	svc, repo, _ := newTestService(t)
	inv := createInvoice(t, svc, "1000")
	pay(t, svc, inv.ID, "400")

	overdue := repo.invoice(inv.ID)
	overdue.Status = StatusOverdue
	repo.put(overdue)

	res, err := svc.SyncInvoicePayments(context.Background(), testUser, inv.ID)
	require.NoError(t, err)
	require.False(t, res.Changed)
	require.Equal(t, StatusOverdue, res.Invoice.Status)
}

func TestSyncAllInvoices(t *testing.T) {
	svc, repo, _ := newTestService(t)
	a := createInvoice(t, svc, "100")
	b := createInvoice(t, svc, "200")
	pay(t, svc, a.ID, "100")

	drifted := repo.invoice(a.ID)
	drifted.PaidAmount = decimal.Zero
	drifted.Status = StatusPending
	repo.put(drifted)

	report, err := svc.SyncAllInvoices(context.Background())
	require.NoError(t, err)
	require.Equal(t, SyncReport{Checked: 2, Repaired: 1}, report)
	require.Equal(t, StatusPaid, repo.invoice(a.ID).Status)
	require.Equal(t, StatusPending, repo.invoice(b.ID).Status)
}

func TestSweepOverdue(t *testing.T) {
	svc, repo, _ := newTestService(t)
	inv := createInvoice(t, svc, "100") // due 2026-04-15
	paid := createInvoice(t, svc, "100")
	pay(t, svc, paid.ID, "100")

	n, err := svc.SweepOverdue(context.Background(), time.Date(2026, 4, 15, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = svc.SweepOverdue(context.Background(), time.Date(2026, 4, 16, 0, 0, 1, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, StatusOverdue, repo.invoice(inv.ID).Status)
	require.Equal(t, StatusPaid, repo.invoice(paid.ID).Status)
}

func TestNotificationFailureDoesNotFailOperation(t *testing.T) {
	svc, repo, notifier := newTestService(t)
	notifier.err = errors.New("queue down")

	inv := createInvoice(t, svc, "100")
	res := pay(t, svc, inv.ID, "40")
	require.Equal(t, StatusPartiallyPaid, res.Invoice.Status)
	requireLedgerConsistent(t, repo, inv.ID)

	_, err := svc.EditInvoice(context.Background(), testUser, inv.ID, validInvoiceInput("100"))
	require.NoError(t, err)
}

func TestSendReminder(t *testing.T) {
	svc, _, notifier := newTestService(t)
	inv := createInvoice(t, svc, "100")
	pay(t, svc, inv.ID, "30")

	require.NoError(t, svc.SendReminder(context.Background(), testUser, inv.ID))
	require.Len(t, notifier.reminded, 1)
	require.True(t, notifier.reminded[0].Remaining.Equal(dec("70")))

	notifier.err = errors.New("queue down")
	require.Error(t, svc.SendReminder(context.Background(), testUser, inv.ID))

	notifier.err = nil
	pay(t, svc, inv.ID, "70")
	require.ErrorIs(t, svc.SendReminder(context.Background(), testUser, inv.ID), ErrInvalidStatus)
}

func TestPersistenceErrorPropagates(t *testing.T) {
	svc, repo, _ := newTestService(t)
	inv := createInvoice(t, svc, "100")
	repo.txErr = &db.PersistenceError{Err: errors.New("serialization failure"), Attempts: db.MaxTxAttempts}

	_, err := svc.CreateReceipt(context.Background(), testUser, ReceiptInput{
		InvoiceID: inv.ID, Amount: "10", PaymentMethod: "Cash",
	})
	require.ErrorIs(t, err, httpx.ErrUnavailable)
	var pe *db.PersistenceError
	require.ErrorAs(t, err, &pe)
	require.True(t, pe.Retryable())
}

func TestConcurrentReceiptsNeverExceedTotal(t *testing.T) {
	svc, repo, _ := newTestService(t)
	inv := createInvoice(t, svc, "1000")

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateReceipt(context.Background(), testUser, ReceiptInput{
				InvoiceID: inv.ID, Amount: "100", PaymentMethod: "Cash",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, rejected int
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.True(t, IsOverpayment(err))
		rejected++
	}
	require.Equal(t, 10, ok)
	require.Equal(t, 10, rejected)
	requireLedgerConsistent(t, repo, inv.ID)
	require.Equal(t, StatusPaid, repo.invoice(inv.ID).Status)
}

func TestGetInvoiceDetailsAndReads(t *testing.T) {
	svc, _, _ := newTestService(t)
	inv := createInvoice(t, svc, "1000")
	pay(t, svc, inv.ID, "300")

	details, err := svc.GetInvoice(context.Background(), testUser, inv.ID)
	require.NoError(t, err)
	require.Len(t, details.Receipts, 1)
	require.True(t, details.TotalPaid.Equal(dec("300")))
	require.True(t, details.Remaining.Equal(dec("700")))

	remaining, err := svc.RemainingBalance(context.Background(), testUser, inv.ID)
	require.NoError(t, err)
	require.True(t, remaining.Equal(dec("700")))

	receipts, err := svc.ListReceipts(context.Background(), testUser)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	require.Equal(t, inv.Number, receipts[0].InvoiceNumber)

	_, err = svc.ListInvoiceReceipts(context.Background(), "other", inv.ID)
	require.ErrorIs(t, err, ErrInvoiceNotFound)
}

func TestListInvoicesPaginates(t *testing.T) {
	svc, _, _ := newTestService(t)
	for i := 0; i < 5; i++ {
		createInvoice(t, svc, "10")
	}

	page, err := svc.ListInvoices(context.Background(), testUser, ListInvoicesFilter{Page: 2, PerPage: 2})
	require.NoError(t, err)
	require.Len(t, page.Invoices, 2)
	require.Equal(t, 5, page.Pagination.Total)
	require.Equal(t, 3, page.Pagination.TotalPages)
	require.Equal(t, int64(1003), page.Invoices[0].Number)

	_, err = svc.ListInvoices(context.Background(), testUser, ListInvoicesFilter{Status: "BOGUS"})
	require.ErrorIs(t, err, httpx.ErrValidation)
}

func TestSearchClients(t *testing.T) {
	svc, _, _ := newTestService(t)
	createInvoice(t, svc, "10")
	createInvoice(t, svc, "20")

	clients, err := svc.SearchClients(context.Background(), testUser, "a")
	require.NoError(t, err)
	require.Empty(t, clients)

	clients, err = svc.SearchClients(context.Background(), testUser, "ACME")
	require.NoError(t, err)
	require.Len(t, clients, 1)
	require.Equal(t, "accounts@acme.example", clients[0].Email)
}

func TestSummaryCachedAndInvalidated(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	svc, repo, _ := newTestService(t)
	svc.SetSummaryCache(cache.NewVersioned(client, "invoicing", time.Minute))

	inv := createInvoice(t, svc, "1000")
	pay(t, svc, inv.ID, "400")

	summary, err := svc.Summary(context.Background(), testUser)
	require.NoError(t, err)
	require.Len(t, summary, 1)
	require.True(t, summary[0].TotalOutstanding.Equal(dec("600")))
	require.Equal(t, 1, summary[0].PartialCount)

	// Changes made behind the service are not visible until a mutation bumps the version.
	other := inv
	other.ID = uuid.New()
	other.Number = 9999
	repo.put(other)

	cached, err := svc.Summary(context.Background(), testUser)
	require.NoError(t, err)
	require.Equal(t, 1, cached[0].InvoiceCount)

	pay(t, svc, inv.ID, "100")
	fresh, err := svc.Summary(context.Background(), testUser)
	require.NoError(t, err)
	require.Equal(t, 2, fresh[0].InvoiceCount)
}

// gatedSummaryRepo blocks SummaryRows until release is closed.
type gatedSummaryRepo struct {
	*memRepository
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedSummaryRepo) SummaryRows(ctx context.Context, userID string) ([]SummaryRow, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.memRepository.SummaryRows(ctx, userID)
}

func TestSummarySharedBuildSurvivesCallerCancel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	seed, mem, _ := newTestService(t)
	createInvoice(t, seed, "1000")

	repo := &gatedSummaryRepo{memRepository: mem, started: make(chan struct{}), release: make(chan struct{})}
	svc := NewService(repo, &recordingNotifier{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.SetSummaryCache(cache.NewVersioned(client, "invoicing-gated", time.Minute))

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.Summary(firstCtx, testUser)
		firstErr <- err
	}()
	<-repo.started

	type result struct {
		summary []CurrencySummary
		err     error
	}
	second := make(chan result, 1)
	go func() {
		summary, err := svc.Summary(context.Background(), testUser)
		second <- result{summary, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)
	close(repo.release)

	select {
	case res := <-second:
		require.NoError(t, res.err)
		require.Len(t, res.summary, 1)
		require.True(t, res.summary[0].TotalInvoiced.Equal(dec("1000")))
	case <-time.After(5 * time.Second):
		t.Fatal("second summary caller did not return")
	}
}

func TestAggregateSummary(t *testing.T) {
	rows := []SummaryRow{
		{Currency: CurrencyUSD, Status: StatusPaid, Count: 2, Total: dec("300"), Paid: dec("300")},
		{Currency: CurrencyUSD, Status: StatusOverdue, Count: 1, Total: dec("100"), Paid: dec("20")},
		{Currency: CurrencyUSD, Status: StatusCancelled, Count: 1, Total: dec("50"), Paid: dec("0")},
		{Currency: CurrencyUGX, Status: StatusDraft, Count: 1, Total: dec("250000"), Paid: dec("0")},
	}
	out := aggregateSummary(rows)
	require.Len(t, out, 2)
	require.Equal(t, CurrencyUGX, out[0].Currency)
	require.True(t, out[0].TotalOutstanding.Equal(dec("250000")))
	require.Equal(t, 1, out[0].DraftCount)

	usd := out[1]
	require.Equal(t, 4, usd.InvoiceCount)
	require.True(t, usd.TotalInvoiced.Equal(dec("450")))
	require.True(t, usd.TotalReceived.Equal(dec("320")))
	require.True(t, usd.TotalOutstanding.Equal(dec("80")))
	require.Equal(t, 2, usd.PaidCount)
	require.Equal(t, 1, usd.OverdueCount)
	require.Equal(t, 1, usd.CancelledCount)
}
