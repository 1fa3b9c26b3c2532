package invoicing

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/kgsl/invoicing/internal/platform/httpx"
)

var (
	ErrInvoiceNotFound    = fmt.Errorf("invoice %w", httpx.ErrNotFound)
	ErrReceiptNotFound    = fmt.Errorf("receipt %w", httpx.ErrNotFound)
	ErrInvoiceHasReceipts = fmt.Errorf("invoice has recorded receipts: %w", httpx.ErrConflict)
	ErrInvoiceCancelled   = fmt.Errorf("invoice is cancelled: %w", httpx.ErrConflict)
	ErrInvalidStatus      = fmt.Errorf("invalid status for operation: %w", httpx.ErrConflict)
	ErrCurrencyLocked     = fmt.Errorf("currency cannot change once receipts exist: %w", httpx.ErrConflict)
	ErrDuplicateRequest   = fmt.Errorf("request already processed: %w", httpx.ErrDuplicate)
	ErrDuplicateNumber    = fmt.Errorf("invoice number already in use: %w", httpx.ErrDuplicate)
	ErrMissingUser        = fmt.Errorf("user identity required: %w", httpx.ErrUnauthorized)
)

// ValidationError lists offending input fields. No write happens when it is returned.
type ValidationError struct {
	Fields map[string]string
}

func newValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return httpx.ErrValidation
}

// FieldErrors exposes the per-field messages to the HTTP layer.
func (e *ValidationError) FieldErrors() map[string]string {
	return e.Fields
}

// OverpaymentError rejects a receipt that would push the ledger above the
// invoice total. The transaction is rolled back.
type OverpaymentError struct {
	Attempted decimal.Decimal
	Allowed   decimal.Decimal
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("payment would bring total paid to %s, exceeding invoice total %s",
		e.Attempted.StringFixed(2), e.Allowed.StringFixed(2))
}

func (e *OverpaymentError) Unwrap() error {
	return httpx.ErrConflict
}

// IsOverpayment reports whether err is an OverpaymentError.
func IsOverpayment(err error) bool {
	var target *OverpaymentError
	return errors.As(err, &target)
}
