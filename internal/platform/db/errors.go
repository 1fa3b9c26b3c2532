package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kgsl/invoicing/internal/platform/httpx"
)

// PostgreSQL error codes inspected by the persistence layer.
const (
	CodeUniqueViolation      = "23505"
	CodeForeignKeyViolation  = "23503"
	CodeSerializationFailure = "40001"
	CodeDeadlockDetected     = "40P01"
)

// PersistenceError reports a transaction that could not be completed. Nothing
// was committed, so the caller may retry the whole operation.
type PersistenceError struct {
	Err      error
	Attempts int
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap exposes both the underlying driver error and the unavailable sentinel.
func (e *PersistenceError) Unwrap() []error {
	return []error{e.Err, httpx.ErrUnavailable}
}

// Retryable is always true: a persistence failure leaves no partial state.
func (e *PersistenceError) Retryable() bool {
	return true
}

// IsRetryable reports whether err is a serialization failure or deadlock.
func IsRetryable(err error) bool {
	code := pgCode(err)
	return code == CodeSerializationFailure || code == CodeDeadlockDetected
}

// IsUniqueViolation reports whether err was raised by a unique constraint.
func IsUniqueViolation(err error) bool {
	return pgCode(err) == CodeUniqueViolation
}

// IsForeignKeyViolation reports whether err was raised by a foreign key constraint.
func IsForeignKeyViolation(err error) bool {
	return pgCode(err) == CodeForeignKeyViolation
}

// IsTransient reports whether err is an infrastructure failure rather than a
// domain outcome.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var txErr *txError
	if errors.As(err, &txErr) {
		return true
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	code := pgCode(err)
	if len(code) < 2 {
		return false
	}
	switch code[:2] {
	case "08", "40", "53", "57", "58":
		return true
	}
	return false
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
