// Package transaction runs units of work inside SQL transactions.
//
// The outbox writer uses it to stage outbox rows together with the local
// cache, and the historian uses it when one bucket has to be split across
// several statements. Serialization failures and deadlocks reported by
// PostgreSQL are retried, every other error rolls back and is returned.
//
// Example:
//
//	txm := transaction.NewSQLManager(db)
//	err := txm.Execute(ctx, func(tx *sql.Tx) error {
//	    if _, err := tx.ExecContext(ctx, "INSERT ..."); err != nil {
//	        return err // Triggers rollback
//	    }
//	    return nil // Triggers commit
//	})
package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrTransactionFailed is returned when a transaction cannot be committed.
var ErrTransactionFailed = errors.New("transaction failed")

// PostgreSQL SQLSTATE codes that are safe to retry.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Executor runs fn inside a transaction.
type Executor interface {
	Execute(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// SQLManager implements Executor for database/sql.
type SQLManager struct {
	db          *sql.DB
	txOpts      *sql.TxOptions
	maxAttempts int
	logger      *slog.Logger
}

// Option configures an SQLManager.
type Option func(*SQLManager)

// WithIsolation sets the isolation level of every transaction.
func WithIsolation(level sql.IsolationLevel) Option {
	return func(m *SQLManager) {
		m.txOpts = &sql.TxOptions{Isolation: level}
	}
}

// WithMaxAttempts bounds how often a retryable failure is retried.
func WithMaxAttempts(n int) Option {
	return func(m *SQLManager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *SQLManager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewSQLManager creates a manager on db. The manager does not own the pool
// and never closes it.
func NewSQLManager(db *sql.DB, opts ...Option) *SQLManager {
	m := &SQLManager{
		db:          db,
		maxAttempts: 3,
		logger:      slog.Default().With("component", "transaction"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Execute runs fn in a transaction.
//
// If fn returns nil the transaction is committed. If fn returns an error or
// panics, the transaction is rolled back (a panic is re-raised). A retryable
// PostgreSQL failure reruns fn in a fresh transaction, so fn must not keep
// state across calls.
func (m *SQLManager) Execute(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		err = m.execute(ctx, fn)
		if err == nil || !IsRetryable(err) || ctx.Err() != nil {
			return err
		}
		m.logger.Warn("retrying transaction", "attempt", attempt, "error", err)
	}
	return err
}

func (m *SQLManager) execute(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, m.txOpts)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransactionFailed, err)
	}
	return nil
}

// IsRetryable reports whether err is a serialization failure or deadlock.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
}

var _ Executor = (*SQLManager)(nil)
