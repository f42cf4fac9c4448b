package historian

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/rbaliyan/scadaflow/envelope"
)

func anyArgs(n int) []driver.Value {
	args := make([]driver.Value, n)
	for i := range args {
		args[i] = sqlmock.AnyArg()
	}
	return args
}

func TestPostgresRepositoryInsertAll(t *testing.T) {
	ctx := context.Background()

	t.Run("one statement per bucket", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatal(err)
		}
		defer db.Close()
		mock.MatchExpectationsInOrder(false)

		tel1 := testEnvelope("FLOW_RATE", envelope.CategoryTelemetry)
		tel2 := testEnvelope("PRESSURE", envelope.CategoryTelemetry)
		evt := testEnvelope("UNIT_START", envelope.CategoryEvent)
		alarm := testEnvelope("HIGH_TEMP", envelope.CategoryAlarm)
		alarm.Severity = ""

		mock.ExpectExec(`INSERT INTO telemetry \(event_id, .*node_id\)\s+VALUES \(\$1, .*\), \(\$11, .*\$20\)\s+ON CONFLICT \(event_id\) DO NOTHING`).
			WithArgs(anyArgs(20)...).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO events`).
			WithArgs(anyArgs(10)...).
			WillReturnResult(sqlmock.NewResult(0, 1))

		alarmArgs := anyArgs(10)
		alarmArgs = append(alarmArgs, "MEDIUM")
		mock.ExpectExec(`INSERT INTO alarms \(.*node_id, severity\)`).
			WithArgs(alarmArgs...).
			WillReturnResult(sqlmock.NewResult(0, 1))

		repo := NewPostgresRepository(db)
		n, err := repo.InsertAll(ctx, []envelope.Envelope{tel1, evt, tel2, alarm})
		if err != nil {
			t.Fatalf("InsertAll failed: %v", err)
		}
		// one telemetry row was a duplicate
		if n != 3 {
			t.Errorf("expected 3 new rows, got %d", n)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("large bucket is chunked in one transaction", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatal(err)
		}
		defer db.Close()

		envs := make([]envelope.Envelope, 5)
		for i := range envs {
			envs[i] = testEnvelope("TEMPERATURE", envelope.CategoryTelemetry)
		}

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO telemetry`).WithArgs(anyArgs(20)...).WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec(`INSERT INTO telemetry`).WithArgs(anyArgs(20)...).WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec(`INSERT INTO telemetry`).WithArgs(anyArgs(10)...).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		repo := NewPostgresRepository(db).WithChunkSize(2)
		n, err := repo.InsertAll(ctx, envs)
		if err != nil {
			t.Fatalf("InsertAll failed: %v", err)
		}
		if n != 5 {
			t.Errorf("expected 5, got %d", n)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("bucket failure fails the batch", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatal(err)
		}
		defer db.Close()
		mock.MatchExpectationsInOrder(false)

		dbErr := errors.New("connection reset")
		mock.ExpectExec(`INSERT INTO telemetry`).WithArgs(anyArgs(10)...).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO events`).WithArgs(anyArgs(10)...).WillReturnError(dbErr)

		repo := NewPostgresRepository(db)
		_, err = repo.InsertAll(ctx, []envelope.Envelope{
			testEnvelope("FLOW_RATE", envelope.CategoryTelemetry),
			testEnvelope("MODE_CHANGE", envelope.CategoryEvent),
		})
		if !errors.Is(err, dbErr) {
			t.Errorf("expected wrapped db error, got %v", err)
		}
	})

	t.Run("unknown category rejects the batch", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatal(err)
		}
		defer db.Close()

		odd := testEnvelope("FLOW_RATE", envelope.CategoryTelemetry)
		odd.Category = "diagnostic"

		repo := NewPostgresRepository(db)
		n, err := repo.InsertAll(ctx, []envelope.Envelope{
			testEnvelope("FLOW_RATE", envelope.CategoryTelemetry),
			odd,
		})
		if err == nil {
			t.Fatal("expected error for unknown category")
		}
		if n != 0 {
			t.Errorf("expected 0 rows, got %d", n)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("empty batch does nothing", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatal(err)
		}
		defer db.Close()

		n, err := NewPostgresRepository(db).InsertAll(ctx, nil)
		if err != nil || n != 0 {
			t.Errorf("InsertAll(nil) = %d, %v", n, err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})
}
