package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestExecute(t *testing.T) {
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO t").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		err := NewSQLManager(db).Execute(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, "INSERT INTO t VALUES (1)")
			return err
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("rolls back on error", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectRollback()

		boom := errors.New("boom")
		err := NewSQLManager(db).Execute(ctx, func(tx *sql.Tx) error { return boom })
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("rolls back on panic", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectRollback()

		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Error(err)
			}
		}()
		NewSQLManager(db).Execute(ctx, func(tx *sql.Tx) error { panic("boom") })
	})

	t.Run("retries serialization failures", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectRollback()
		mock.ExpectBegin()
		mock.ExpectCommit()

		calls := 0
		err := NewSQLManager(db).Execute(ctx, func(tx *sql.Tx) error {
			calls++
			if calls == 1 {
				return &pgconn.PgError{Code: codeSerializationFailure}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 2 {
			t.Errorf("expected 2 calls, got %d", calls)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		db, mock := newMock(t)
		for i := 0; i < 2; i++ {
			mock.ExpectBegin()
			mock.ExpectRollback()
		}

		err := NewSQLManager(db, WithMaxAttempts(2)).Execute(ctx, func(tx *sql.Tx) error {
			return &pgconn.PgError{Code: codeDeadlockDetected}
		})
		if !IsRetryable(err) {
			t.Fatalf("expected retryable error, got %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("commit failure", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

		err := NewSQLManager(db).Execute(ctx, func(tx *sql.Tx) error { return nil })
		if !errors.Is(err, ErrTransactionFailed) {
			t.Errorf("expected ErrTransactionFailed, got %v", err)
		}
	})
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(errors.New("plain")) {
		t.Error("plain error must not be retryable")
	}
	if !IsRetryable(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40001"})) {
		t.Error("wrapped serialization failure must be retryable")
	}
	if IsRetryable(&pgconn.PgError{Code: "23505"}) {
		t.Error("unique violation must not be retryable")
	}
}
