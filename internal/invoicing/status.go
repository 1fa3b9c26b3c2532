package invoicing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status enumerates invoice states.
type Status string

const (
	StatusDraft         Status = "DRAFT"
	StatusPending       Status = "PENDING"
	StatusPartiallyPaid Status = "PARTIALLY_PAID"
	StatusPaid          Status = "PAID"
	StatusOverdue       Status = "OVERDUE"
	StatusCancelled     Status = "CANCELLED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusPartiallyPaid, StatusPaid, StatusOverdue, StatusCancelled:
		return true
	}
	return false
}

// Derived reports whether s is computed from amounts rather than set externally.
func (s Status) Derived() bool {
	return s == StatusPending || s == StatusPartiallyPaid || s == StatusPaid
}

// DeriveStatus maps the invoice total and the ledger sum to a payment state.
func DeriveStatus(total, paid decimal.Decimal) Status {
	switch {
	case paid.GreaterThanOrEqual(total):
		return StatusPaid
	case paid.IsPositive():
		return StatusPartiallyPaid
	default:
		return StatusPending
	}
}

// ApplyPayment returns the status after a payment-affecting change. Only a
// cancelled invoice keeps its status; overdue and draft invoices move to the
// derived state.
func ApplyPayment(current Status, total, paid decimal.Decimal) Status {
	if current == StatusCancelled {
		return StatusCancelled
	}
	return DeriveStatus(total, paid)
}

// Repair reconciles a stored status with the ledger without discarding
// externally set states that the ledger does not contradict.
func Repair(current Status, total, paid decimal.Decimal) Status {
	derived := DeriveStatus(total, paid)
	switch current {
	case StatusCancelled:
		return StatusCancelled
	case StatusOverdue:
		if derived == StatusPaid {
			return StatusPaid
		}
		return StatusOverdue
	case StatusDraft:
		if !paid.IsPositive() {
			return StatusDraft
		}
	}
	return derived
}

// IsOverdue reports whether an open invoice is past its due date on now's calendar day.
func IsOverdue(current Status, dueAt, now time.Time) bool {
	if current != StatusPending && current != StatusPartiallyPaid {
		return false
	}
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	return dueAt.Before(today)
}
