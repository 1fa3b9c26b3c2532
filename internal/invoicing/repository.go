package invoicing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/kgsl/invoicing/internal/platform/db"
	"github.com/kgsl/invoicing/internal/shared"
)

// Repository defines invoicing data access outside of a unit of work.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetInvoice(ctx context.Context, userID string, id uuid.UUID) (Invoice, error)
	ListInvoices(ctx context.Context, userID string, filter ListInvoicesFilter) ([]Invoice, int, error)
	ListReceiptsForInvoice(ctx context.Context, userID string, invoiceID uuid.UUID) ([]Receipt, error)
	ListReceipts(ctx context.Context, userID string) ([]ReceiptListItem, error)
	GetReceipt(ctx context.Context, userID string, id uuid.UUID) (Receipt, error)
	SearchClients(ctx context.Context, userID, term string, limit int) ([]Client, error)
	SummaryRows(ctx context.Context, userID string) ([]SummaryRow, error)
	ListInvoiceRefs(ctx context.Context) ([]InvoiceRef, error)
	MarkOverdue(ctx context.Context, today time.Time) ([]InvoiceRef, error)

	// Unscoped lookups backing signed public document links.
	GetInvoiceByID(ctx context.Context, id uuid.UUID) (Invoice, error)
	GetReceiptByID(ctx context.Context, id uuid.UUID) (Receipt, error)
}

// TxRepository defines operations within a transaction.
type TxRepository interface {
	LockInvoice(ctx context.Context, userID string, id uuid.UUID) (Invoice, error)
	ListReceiptsForInvoice(ctx context.Context, invoiceID uuid.UUID) ([]Receipt, error)
	NextInvoiceNumber(ctx context.Context) (int64, error)
	NextReceiptSequence(ctx context.Context) (int64, error)
	CreateInvoice(ctx context.Context, inv Invoice) (Invoice, error)
	UpdateInvoice(ctx context.Context, inv Invoice) (Invoice, error)
	UpdateInvoicePayment(ctx context.Context, id uuid.UUID, paid decimal.Decimal, status Status) (Invoice, error)
	DeleteInvoice(ctx context.Context, id uuid.UUID) error
	CreateReceipt(ctx context.Context, receipt Receipt) (Receipt, error)
	GetReceipt(ctx context.Context, userID string, id uuid.UUID) (Receipt, error)
	DeleteReceipt(ctx context.Context, id uuid.UUID) error
	ClaimIdempotencyKey(ctx context.Context, key string) error
}

var _ Repository = (*pgRepository)(nil)
var _ TxRepository = (*pgTxRepository)(nil)

// idempotencyModule namespaces receipt keys in idempotency_keys.
const idempotencyModule = "receipts"

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

// WithTx runs fn in a repeatable-read transaction, retried on serialization failures.
func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{tx: tx})
	})
}

// NUMERIC columns are read as text so decimal keeps exact precision.
const invoiceColumns = `i.id, i.number, i.user_id, i.invoice_name, i.status, i.currency,
	i.total::text, i.paid_amount::text, i.allow_overpayment,
	i.from_name, i.from_email, i.from_address,
	i.client_name, i.client_email, i.client_address,
	i.description, i.quantity, i.rate::text, i.invoice_date, i.due_days,
	i.note, i.created_at, i.updated_at`

const receiptColumns = `r.id, r.receipt_number, r.invoice_id, r.user_id, r.amount::text, r.currency,
	r.payment_date, r.payment_method, r.reference, r.note, r.created_at`

func scanInvoice(row pgx.Row) (Invoice, error) {
	var (
		inv               Invoice
		total, paid, rate string
		date              pgtype.Date
	)
	err := row.Scan(
		&inv.ID, &inv.Number, &inv.UserID, &inv.InvoiceName, &inv.Status, &inv.Currency,
		&total, &paid, &inv.AllowOverpayment,
		&inv.FromName, &inv.FromEmail, &inv.FromAddress,
		&inv.ClientName, &inv.ClientEmail, &inv.ClientAddress,
		&inv.Description, &inv.Quantity, &rate, &date, &inv.DueDays,
		&inv.Note, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return Invoice{}, err
	}
	if inv.Total, err = decimal.NewFromString(total); err != nil {
		return Invoice{}, fmt.Errorf("invoice %s total: %w", inv.ID, err)
	}
	if inv.PaidAmount, err = decimal.NewFromString(paid); err != nil {
		return Invoice{}, fmt.Errorf("invoice %s paid amount: %w", inv.ID, err)
	}
	if inv.Rate, err = decimal.NewFromString(rate); err != nil {
		return Invoice{}, fmt.Errorf("invoice %s rate: %w", inv.ID, err)
	}
	inv.Date = date.Time
	return inv, nil
}

func scanReceipt(row pgx.Row, extra ...any) (Receipt, error) {
	var (
		rec             Receipt
		amount          string
		reference, note pgtype.Text
	)
	dest := []any{
		&rec.ID, &rec.ReceiptNumber, &rec.InvoiceID, &rec.UserID, &amount, &rec.Currency,
		&rec.PaymentDate, &rec.PaymentMethod, &reference, &note, &rec.CreatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Receipt{}, err
	}
	var err error
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return Receipt{}, fmt.Errorf("receipt %s amount: %w", rec.ID, err)
	}
	rec.Reference = reference.String
	rec.Note = note.String
	return rec, nil
}

func nullText(s string) pgtype.Text {
	s = strings.TrimSpace(s)
	return pgtype.Text{String: s, Valid: s != ""}
}

// wrapRead tags infrastructure failures of reads outside a transaction.
func wrapRead(err error) error {
	if err != nil && db.IsTransient(err) {
		return &db.PersistenceError{Err: err, Attempts: 1}
	}
	return err
}

func getInvoice(ctx context.Context, q querier, query string, args ...any) (Invoice, error) {
	inv, err := scanInvoice(q.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, ErrInvoiceNotFound
	}
	return inv, err
}

func getReceipt(ctx context.Context, q querier, query string, args ...any) (Receipt, error) {
	rec, err := scanReceipt(q.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Receipt{}, ErrReceiptNotFound
	}
	return rec, err
}

func listReceipts(ctx context.Context, q querier, query string, args ...any) ([]Receipt, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	receipts := []Receipt{}
	for rows.Next() {
		rec, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, rec)
	}
	return receipts, rows.Err()
}

func (r *pgRepository) GetInvoice(ctx context.Context, userID string, id uuid.UUID) (Invoice, error) {
	inv, err := getInvoice(ctx, r.pool,
		`SELECT `+invoiceColumns+` FROM invoices i WHERE i.id = $1 AND i.user_id = $2`, id, userID)
	return inv, wrapRead(err)
}

func (r *pgRepository) GetInvoiceByID(ctx context.Context, id uuid.UUID) (Invoice, error) {
	inv, err := getInvoice(ctx, r.pool, `SELECT `+invoiceColumns+` FROM invoices i WHERE i.id = $1`, id)
	return inv, wrapRead(err)
}

func (r *pgRepository) ListInvoices(ctx context.Context, userID string, filter ListInvoicesFilter) ([]Invoice, int, error) {
	page, perPage := shared.Normalize(filter.Page, filter.PerPage)
	where := `WHERE i.user_id = $1`
	args := []any{userID}
	if filter.Status != "" {
		where += ` AND i.status = $2`
		args = append(args, filter.Status)
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM invoices i `+where, args...).Scan(&total); err != nil {
		return nil, 0, wrapRead(err)
	}

	query := fmt.Sprintf(`SELECT %s FROM invoices i %s ORDER BY i.created_at DESC, i.number DESC LIMIT %d OFFSET %d`,
		invoiceColumns, where, perPage, shared.Offset(page, perPage))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, wrapRead(err)
	}
	defer rows.Close()

	invoices := []Invoice{}
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, total, wrapRead(rows.Err())
}

func (r *pgRepository) ListReceiptsForInvoice(ctx context.Context, userID string, invoiceID uuid.UUID) ([]Receipt, error) {
	receipts, err := listReceipts(ctx, r.pool, `SELECT `+receiptColumns+` FROM receipts r
		WHERE r.invoice_id = $1 AND r.user_id = $2
		ORDER BY r.payment_date DESC, r.created_at DESC`, invoiceID, userID)
	return receipts, wrapRead(err)
}

func (r *pgRepository) ListReceipts(ctx context.Context, userID string) ([]ReceiptListItem, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+receiptColumns+`, i.number, i.client_name
		FROM receipts r
		JOIN invoices i ON i.id = r.invoice_id
		WHERE r.user_id = $1
		ORDER BY r.created_at DESC`, userID)
	if err != nil {
		return nil, wrapRead(err)
	}
	defer rows.Close()

	items := []ReceiptListItem{}
	for rows.Next() {
		var item ReceiptListItem
		rec, err := scanReceipt(rows, &item.InvoiceNumber, &item.ClientName)
		if err != nil {
			return nil, err
		}
		item.Receipt = rec
		items = append(items, item)
	}
	return items, wrapRead(rows.Err())
}

func (r *pgRepository) GetReceipt(ctx context.Context, userID string, id uuid.UUID) (Receipt, error) {
	rec, err := getReceipt(ctx, r.pool,
		`SELECT `+receiptColumns+` FROM receipts r WHERE r.id = $1 AND r.user_id = $2`, id, userID)
	return rec, wrapRead(err)
}

func (r *pgRepository) GetReceiptByID(ctx context.Context, id uuid.UUID) (Receipt, error) {
	rec, err := getReceipt(ctx, r.pool, `SELECT `+receiptColumns+` FROM receipts r WHERE r.id = $1`, id)
	return rec, wrapRead(err)
}

func (r *pgRepository) SearchClients(ctx context.Context, userID, term string, limit int) ([]Client, error) {
	pattern := "%" + escapeLike(term) + "%"
	rows, err := r.pool.Query(ctx, `
		SELECT client_name, client_email, client_address FROM (
			SELECT DISTINCT ON (lower(client_email)) client_name, client_email, client_address, created_at
			FROM invoices
			WHERE user_id = $1 AND (client_name ILIKE $2 OR client_email ILIKE $2)
			ORDER BY lower(client_email), created_at DESC
		) c
		ORDER BY client_name
		LIMIT $3`, userID, pattern, limit)
	if err != nil {
		return nil, wrapRead(err)
	}
	defer rows.Close()

	clients := []Client{}
	for rows.Next() {
		var c Client
		if err := rows.Scan(&c.Name, &c.Email, &c.Address); err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, wrapRead(rows.Err())
}

func escapeLike(term string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(term)
}

func (r *pgRepository) SummaryRows(ctx context.Context, userID string) ([]SummaryRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT currency, status, COUNT(*), COALESCE(SUM(total), 0)::text, COALESCE(SUM(paid_amount), 0)::text
		FROM invoices
		WHERE user_id = $1
		GROUP BY currency, status
		ORDER BY currency, status`, userID)
	if err != nil {
		return nil, wrapRead(err)
	}
	defer rows.Close()

	var out []SummaryRow
	for rows.Next() {
		var (
			row         SummaryRow
			total, paid string
		)
		if err := rows.Scan(&row.Currency, &row.Status, &row.Count, &total, &paid); err != nil {
			return nil, err
		}
		if row.Total, err = decimal.NewFromString(total); err != nil {
			return nil, err
		}
		if row.Paid, err = decimal.NewFromString(paid); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, wrapRead(rows.Err())
}

func (r *pgRepository) ListInvoiceRefs(ctx context.Context) ([]InvoiceRef, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, user_id FROM invoices ORDER BY created_at`)
	if err != nil {
		return nil, wrapRead(err)
	}
	defer rows.Close()
	return collectRefs(rows)
}

// MarkOverdue moves open invoices whose due date precedes today to OVERDUE.
func (r *pgRepository) MarkOverdue(ctx context.Context, today time.Time) ([]InvoiceRef, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE invoices
		SET status = 'OVERDUE', updated_at = NOW()
		WHERE status IN ('PENDING', 'PARTIALLY_PAID')
		  AND invoice_date + due_days < $1::date
		RETURNING id, user_id`, today.Format(time.DateOnly))
	if err != nil {
		return nil, wrapRead(err)
	}
	defer rows.Close()
	return collectRefs(rows)
}

func collectRefs(rows pgx.Rows) ([]InvoiceRef, error) {
	var refs []InvoiceRef
	for rows.Next() {
		var ref InvoiceRef
		if err := rows.Scan(&ref.ID, &ref.UserID); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, wrapRead(rows.Err())
}

type pgTxRepository struct {
	tx pgx.Tx
}

func (t *pgTxRepository) LockInvoice(ctx context.Context, userID string, id uuid.UUID) (Invoice, error) {
	return getInvoice(ctx, t.tx,
		`SELECT `+invoiceColumns+` FROM invoices i WHERE i.id = $1 AND i.user_id = $2 FOR UPDATE`, id, userID)
}

func (t *pgTxRepository) ListReceiptsForInvoice(ctx context.Context, invoiceID uuid.UUID) ([]Receipt, error) {
	return listReceipts(ctx, t.tx, `SELECT `+receiptColumns+` FROM receipts r
		WHERE r.invoice_id = $1
		ORDER BY r.payment_date DESC, r.created_at DESC`, invoiceID)
}

func (t *pgTxRepository) NextInvoiceNumber(ctx context.Context) (int64, error) {
	var n int64
	err := t.tx.QueryRow(ctx, `SELECT nextval('invoice_number_seq')`).Scan(&n)
	return n, err
}

func (t *pgTxRepository) NextReceiptSequence(ctx context.Context) (int64, error) {
	var n int64
	err := t.tx.QueryRow(ctx, `SELECT nextval('receipt_number_seq')`).Scan(&n)
	return n, err
}

func (t *pgTxRepository) CreateInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	created, err := scanInvoice(t.tx.QueryRow(ctx, `
		INSERT INTO invoices AS i (
			id, number, user_id, invoice_name, status, currency, total, paid_amount, allow_overpayment,
			from_name, from_email, from_address, client_name, client_email, client_address,
			description, quantity, rate, invoice_date, due_days, note, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18::numeric, $19::date, $20, $21, NOW(), NOW())
		RETURNING `+invoiceColumns,
		inv.ID, inv.Number, inv.UserID, inv.InvoiceName, inv.Status, inv.Currency,
		inv.Total.String(), inv.PaidAmount.String(), inv.AllowOverpayment,
		inv.FromName, inv.FromEmail, inv.FromAddress, inv.ClientName, inv.ClientEmail, inv.ClientAddress,
		inv.Description, inv.Quantity, inv.Rate.String(), inv.Date.Format(time.DateOnly), inv.DueDays, inv.Note,
	))
	if err != nil && db.IsUniqueViolation(err) {
		return Invoice{}, ErrDuplicateNumber
	}
	return created, err
}

func (t *pgTxRepository) UpdateInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	updated, err := scanInvoice(t.tx.QueryRow(ctx, `
		UPDATE invoices AS i SET
			number = $2, invoice_name = $3, status = $4, currency = $5, total = $6::numeric,
			paid_amount = $7::numeric, allow_overpayment = $8,
			from_name = $9, from_email = $10, from_address = $11,
			client_name = $12, client_email = $13, client_address = $14,
			description = $15, quantity = $16, rate = $17::numeric, invoice_date = $18::date,
			due_days = $19, note = $20, updated_at = NOW()
		WHERE i.id = $1
		RETURNING `+invoiceColumns,
		inv.ID, inv.Number, inv.InvoiceName, inv.Status, inv.Currency, inv.Total.String(),
		inv.PaidAmount.String(), inv.AllowOverpayment,
		inv.FromName, inv.FromEmail, inv.FromAddress,
		inv.ClientName, inv.ClientEmail, inv.ClientAddress,
		inv.Description, inv.Quantity, inv.Rate.String(), inv.Date.Format(time.DateOnly),
		inv.DueDays, inv.Note,
	))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return Invoice{}, ErrInvoiceNotFound
	case err != nil && db.IsUniqueViolation(err):
		return Invoice{}, ErrDuplicateNumber
	}
	return updated, err
}

func (t *pgTxRepository) UpdateInvoicePayment(ctx context.Context, id uuid.UUID, paid decimal.Decimal, status Status) (Invoice, error) {
	return getInvoice(ctx, t.tx, `
		UPDATE invoices AS i SET paid_amount = $2::numeric, status = $3, updated_at = NOW()
		WHERE i.id = $1
		RETURNING `+invoiceColumns, id, paid.String(), status)
}

func (t *pgTxRepository) DeleteInvoice(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM invoices WHERE id = $1`, id)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return ErrInvoiceHasReceipts
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (t *pgTxRepository) CreateReceipt(ctx context.Context, rec Receipt) (Receipt, error) {
	return scanReceipt(t.tx.QueryRow(ctx, `
		INSERT INTO receipts AS r (
			id, receipt_number, invoice_id, user_id, amount, currency,
			payment_date, payment_method, reference, note, created_at
		) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, NOW())
		RETURNING `+receiptColumns,
		rec.ID, rec.ReceiptNumber, rec.InvoiceID, rec.UserID, rec.Amount.String(), rec.Currency,
		rec.PaymentDate, rec.PaymentMethod, nullText(rec.Reference), nullText(rec.Note),
	))
}

func (t *pgTxRepository) GetReceipt(ctx context.Context, userID string, id uuid.UUID) (Receipt, error) {
	return getReceipt(ctx, t.tx,
		`SELECT `+receiptColumns+` FROM receipts r WHERE r.id = $1 AND r.user_id = $2`, id, userID)
}

func (t *pgTxRepository) DeleteReceipt(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM receipts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrReceiptNotFound
	}
	return nil
}

func (t *pgTxRepository) ClaimIdempotencyKey(ctx context.Context, key string) error {
	err := shared.NewIdempotencyStore(t.tx).CheckAndInsert(ctx, key, idempotencyModule)
	if errors.Is(err, shared.ErrIdempotencyConflict) {
		return ErrDuplicateRequest
	}
	return err
}
