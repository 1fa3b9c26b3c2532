package invoicing

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// memRepository is an in-memory Repository. WithTx works on a copy of the
// state and swaps it in on success, so a failed callback leaves no trace.
type memRepository struct {
	mu         sync.Mutex
	state      memState
	writes     int
	txErr      error
	invoiceSeq int64
	receiptSeq int64
}

type memState struct {
	invoices map[uuid.UUID]Invoice
	receipts map[uuid.UUID]Receipt
	keys     map[string]struct{}
}

func (s memState) clone() memState {
	out := memState{
		invoices: make(map[uuid.UUID]Invoice, len(s.invoices)),
		receipts: make(map[uuid.UUID]Receipt, len(s.receipts)),
		keys:     make(map[string]struct{}, len(s.keys)),
	}
	for k, v := range s.invoices {
		out.invoices[k] = v
	}
	for k, v := range s.receipts {
		out.receipts[k] = v
	}
	for k := range s.keys {
		out.keys[k] = struct{}{}
	}
	return out
}

func newMemRepository() *memRepository {
	return &memRepository{
		state: memState{
			invoices: map[uuid.UUID]Invoice{},
			receipts: map[uuid.UUID]Receipt{},
			keys:     map[string]struct{}{},
		},
		invoiceSeq: 1000,
	}
}

func (m *memRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.txErr != nil {
		return m.txErr
	}
	tx := &memTx{repo: m, state: m.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.state = tx.state
	m.writes += tx.writes
	return nil
}

// put stores an invoice directly, bypassing the service.
func (m *memRepository) put(inv Invoice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.invoices[inv.ID] = inv
}

func (m *memRepository) putReceipt(r Receipt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.receipts[r.ID] = r
}

func (m *memRepository) invoice(id uuid.UUID) Invoice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.invoices[id]
}

func (m *memRepository) receiptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.receipts)
}

func (m *memRepository) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func receiptsOf(state memState, invoiceID uuid.UUID) []Receipt {
	var out []Receipt
	for _, r := range state.receipts {
		if r.InvoiceID == invoiceID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaymentDate.After(out[j].PaymentDate) })
	return out
}

func (m *memRepository) GetInvoice(_ context.Context, userID string, id uuid.UUID) (Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.state.invoices[id]
	if !ok || inv.UserID != userID {
		return Invoice{}, ErrInvoiceNotFound
	}
	return inv, nil
}

func (m *memRepository) GetInvoiceByID(_ context.Context, id uuid.UUID) (Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.state.invoices[id]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	return inv, nil
}

func (m *memRepository) ListInvoices(_ context.Context, userID string, filter ListInvoicesFilter) ([]Invoice, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []Invoice
	for _, inv := range m.state.invoices {
		if inv.UserID != userID || (filter.Status != "" && inv.Status != filter.Status) {
			continue
		}
		all = append(all, inv)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Number > all[j].Number })
	start := (filter.Page - 1) * filter.PerPage
	if start > len(all) {
		start = len(all)
	}
	end := start + filter.PerPage
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], len(all), nil
}

func (m *memRepository) ListReceiptsForInvoice(_ context.Context, userID string, invoiceID uuid.UUID) ([]Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Receipt
	for _, r := range receiptsOf(m.state, invoiceID) {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRepository) ListReceipts(_ context.Context, userID string) ([]ReceiptListItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ReceiptListItem
	for _, r := range m.state.receipts {
		if r.UserID != userID {
			continue
		}
		inv := m.state.invoices[r.InvoiceID]
		out = append(out, ReceiptListItem{Receipt: r, InvoiceNumber: inv.Number, ClientName: inv.ClientName})
	}
	return out, nil
}

func (m *memRepository) GetReceipt(_ context.Context, userID string, id uuid.UUID) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.state.receipts[id]
	if !ok || r.UserID != userID {
		return Receipt{}, ErrReceiptNotFound
	}
	return r, nil
}

func (m *memRepository) GetReceiptByID(_ context.Context, id uuid.UUID) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.state.receipts[id]
	if !ok {
		return Receipt{}, ErrReceiptNotFound
	}
	return r, nil
}

func (m *memRepository) SearchClients(_ context.Context, userID, term string, limit int) ([]Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	term = strings.ToLower(term)
	seen := map[string]struct{}{}
	var out []Client
	for _, inv := range m.state.invoices {
		if inv.UserID != userID {
			continue
		}
		if !strings.Contains(strings.ToLower(inv.ClientName), term) && !strings.Contains(strings.ToLower(inv.ClientEmail), term) {
			continue
		}
		email := strings.ToLower(inv.ClientEmail)
		if _, ok := seen[email]; ok {
			continue
		}
		seen[email] = struct{}{}
		out = append(out, Client{Name: inv.ClientName, Email: inv.ClientEmail, Address: inv.ClientAddress})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepository) SummaryRows(_ context.Context, userID string) ([]SummaryRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type key struct {
		c Currency
		s Status
	}
	rows := map[key]*SummaryRow{}
	for _, inv := range m.state.invoices {
		if inv.UserID != userID {
			continue
		}
		k := key{inv.Currency, inv.Status}
		row, ok := rows[k]
		if !ok {
			row = &SummaryRow{Currency: inv.Currency, Status: inv.Status}
			rows[k] = row
		}
		row.Count++
		row.Total = row.Total.Add(inv.Total)
		row.Paid = row.Paid.Add(inv.PaidAmount)
	}
	var out []SummaryRow
	for _, row := range rows {
		out = append(out, *row)
	}
	return out, nil
}

func (m *memRepository) ListInvoiceRefs(_ context.Context) ([]InvoiceRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var refs []InvoiceRef
	for _, inv := range m.state.invoices {
		refs = append(refs, InvoiceRef{ID: inv.ID, UserID: inv.UserID})
	}
	return refs, nil
}

func (m *memRepository) MarkOverdue(_ context.Context, today time.Time) ([]InvoiceRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var refs []InvoiceRef
	for id, inv := range m.state.invoices {
		if IsOverdue(inv.Status, inv.DueAt(), today) {
			inv.Status = StatusOverdue
			m.state.invoices[id] = inv
			refs = append(refs, InvoiceRef{ID: id, UserID: inv.UserID})
		}
	}
	return refs, nil
}

type memTx struct {
	repo   *memRepository
	state  memState
	writes int
}

func (t *memTx) LockInvoice(_ context.Context, userID string, id uuid.UUID) (Invoice, error) {
	inv, ok := t.state.invoices[id]
	if !ok || inv.UserID != userID {
		return Invoice{}, ErrInvoiceNotFound
	}
	return inv, nil
}

func (t *memTx) ListReceiptsForInvoice(_ context.Context, invoiceID uuid.UUID) ([]Receipt, error) {
	return receiptsOf(t.state, invoiceID), nil
}

func (t *memTx) NextInvoiceNumber(context.Context) (int64, error) {
	t.repo.invoiceSeq++
	return t.repo.invoiceSeq, nil
}

func (t *memTx) NextReceiptSequence(context.Context) (int64, error) {
	t.repo.receiptSeq++
	return t.repo.receiptSeq, nil
}

func (t *memTx) CreateInvoice(_ context.Context, inv Invoice) (Invoice, error) {
	for _, existing := range t.state.invoices {
		if existing.Number == inv.Number {
			return Invoice{}, ErrDuplicateNumber
		}
	}
	inv.CreatedAt = time.Now()
	inv.UpdatedAt = inv.CreatedAt
	t.state.invoices[inv.ID] = inv
	t.writes++
	return inv, nil
}

func (t *memTx) UpdateInvoice(_ context.Context, inv Invoice) (Invoice, error) {
	if _, ok := t.state.invoices[inv.ID]; !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	inv.UpdatedAt = time.Now()
	t.state.invoices[inv.ID] = inv
	t.writes++
	return inv, nil
}

func (t *memTx) UpdateInvoicePayment(_ context.Context, id uuid.UUID, paid decimal.Decimal, status Status) (Invoice, error) {
	inv, ok := t.state.invoices[id]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	inv.PaidAmount = paid
	inv.Status = status
	t.state.invoices[id] = inv
	t.writes++
	return inv, nil
}

func (t *memTx) DeleteInvoice(_ context.Context, id uuid.UUID) error {
	if len(receiptsOf(t.state, id)) > 0 {
		return ErrInvoiceHasReceipts
	}
	delete(t.state.invoices, id)
	t.writes++
	return nil
}

func (t *memTx) CreateReceipt(_ context.Context, r Receipt) (Receipt, error) {
	r.CreatedAt = time.Now()
	t.state.receipts[r.ID] = r
	t.writes++
	return r, nil
}

func (t *memTx) GetReceipt(_ context.Context, userID string, id uuid.UUID) (Receipt, error) {
	r, ok := t.state.receipts[id]
	if !ok || r.UserID != userID {
		return Receipt{}, ErrReceiptNotFound
	}
	return r, nil
}

func (t *memTx) DeleteReceipt(_ context.Context, id uuid.UUID) error {
	if _, ok := t.state.receipts[id]; !ok {
		return ErrReceiptNotFound
	}
	delete(t.state.receipts, id)
	t.writes++
	return nil
}

func (t *memTx) ClaimIdempotencyKey(_ context.Context, key string) error {
	if _, ok := t.state.keys[key]; ok {
		return ErrDuplicateRequest
	}
	t.state.keys[key] = struct{}{}
	return nil
}
