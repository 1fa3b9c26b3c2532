package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// MaxTxAttempts bounds how many times WithTx runs fn when PostgreSQL aborts
// the transaction with a serialization failure or deadlock.
const MaxTxAttempts = 3

// TxBeginner is satisfied by *pgxpool.Pool and *pgx.Conn.
type TxBeginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// WithTx executes a function within a transaction using the RepeatableRead isolation level.
// The function is restarted from scratch when the transaction fails with a retryable error.
// Infrastructure failures come back as *PersistenceError; errors produced by fn itself
// are returned untouched.
func WithTx(ctx context.Context, db TxBeginner, fn func(pgx.Tx) error) error {
	var err error
	for attempt := 1; attempt <= MaxTxAttempts; attempt++ {
		err = runTx(ctx, db, fn)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			if IsTransient(err) {
				return &PersistenceError{Err: err, Attempts: attempt}
			}
			return err
		}
		if attempt == MaxTxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return &PersistenceError{Err: errors.Join(err, ctx.Err()), Attempts: attempt}
		case <-time.After(retryDelay(attempt)):
		}
	}
	return &PersistenceError{Err: err, Attempts: MaxTxAttempts}
}

func runTx(ctx context.Context, db TxBeginner, fn func(pgx.Tx) error) error {
	tx, err := db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return &txError{op: "begin", err: err}
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return &txError{op: "commit", err: err}
	}

	return nil
}

// txError marks begin/commit failures, which never carry a domain meaning.
type txError struct {
	op  string
	err error
}

func (e *txError) Error() string {
	return fmt.Sprintf("platform/db: %s tx: %v", e.op, e.err)
}

func (e *txError) Unwrap() error {
	return e.err
}

func retryDelay(attempt int) time.Duration {
	return time.Duration(attempt*attempt) * 10 * time.Millisecond
}
