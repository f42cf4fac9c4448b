package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rbaliyan/scadaflow/envelope"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStoreClaim(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	older := testEnvelope("FLOW_RATE", envelope.CategoryTelemetry)
	newer := testEnvelope("FLOW_RATE", envelope.CategoryTelemetry)
	payload := func(e envelope.Envelope) []byte {
		b, _ := json.Marshal(e)
		return b
	}
	headers, _ := json.Marshal(Headers{Topic: "scada.l2.telemetry.flow", PartitionKey: "PLANT_01.AREA_01.UNIT_01.FLOW_RATE", NodeID: 7})

	cols := []string{"id", "aggregate_type", "aggregate_id", "event_type", "payload", "headers", "retry_count", "available_at", "created_at"}
	mock.ExpectQuery(`UPDATE outbox_events\s+SET status = \$1, locked_by = \$2, locked_at = \$3`).
		WithArgs("IN_PROGRESS", "d1", now, "PENDING", 50).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(newer.EventID, "telemetry", "k", "FLOW_RATE", payload(newer), headers, 0, now, now.Add(-time.Second)).
			AddRow(older.EventID, "telemetry", "k", "FLOW_RATE", payload(older), headers, 2, now, now.Add(-time.Minute)))

	rows, err := store.Claim(ctx, "d1", 50, now)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].ID != older.EventID || rows[1].ID != newer.EventID {
		t.Error("rows not ordered by creation time")
	}
	r := rows[0]
	if r.Status != StatusInProgress || r.LockedBy != "d1" || r.RetryCount != 2 {
		t.Errorf("unexpected row: %+v", r)
	}
	if r.Payload.EventID != older.EventID || r.Headers.Topic != "scada.l2.telemetry.flow" {
		t.Errorf("payload or headers not decoded: %+v", r)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresStoreOwnership(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("MarkSent lost lock", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("UPDATE outbox_events").
			WithArgs("SENT", now, "id-1", "IN_PROGRESS", "d1").
			WillReturnResult(sqlmock.NewResult(0, 0))

		if err := store.MarkSent(ctx, "id-1", "d1", now); !errors.Is(err, ErrLockLost) {
			t.Errorf("expected ErrLockLost, got %v", err)
		}
	})

	t.Run("MarkRetry", func(t *testing.T) {
		store, mock := newMockStore(t)
		next := now.Add(5 * time.Second)
		mock.ExpectExec("UPDATE outbox_events").
			WithArgs("PENDING", 1, next, "boom", "id-1", "IN_PROGRESS", "d1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		if err := store.MarkRetry(ctx, "id-1", "d1", 1, next, "boom"); err != nil {
			t.Errorf("MarkRetry failed: %v", err)
		}
	})

	t.Run("MarkFailed", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("UPDATE outbox_events").
			WithArgs("FAILED", 10, "boom", "id-1", "IN_PROGRESS", "d1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		if err := store.MarkFailed(ctx, "id-1", "d1", 10, "boom"); err != nil {
			t.Errorf("MarkFailed failed: %v", err)
		}
	})

	t.Run("Release", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(regexp.QuoteMeta("AND id IN ($4, $5)")).
			WithArgs("PENDING", "IN_PROGRESS", "d1", "a", "b").
			WillReturnResult(sqlmock.NewResult(0, 2))

		n, err := store.Release(ctx, "d1", "a", "b")
		if err != nil || n != 2 {
			t.Errorf("Release = %d, %v", n, err)
		}
		if n, _ := store.Release(ctx, "d1"); n != 0 {
			t.Error("empty release must be a no-op")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})
}

func TestPostgresStoreMaintenance(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("RecoverStale", func(t *testing.T) {
		store, mock := newMockStore(t)
		cutoff := now.Add(-2 * time.Minute)
		mock.ExpectExec(`UPDATE outbox_events\s+SET status = \$1, locked_by = NULL, locked_at = NULL\s+WHERE status = \$2 AND locked_at < \$3`).
			WithArgs("PENDING", "IN_PROGRESS", cutoff).
			WillReturnResult(sqlmock.NewResult(0, 3))

		if n, err := store.RecoverStale(ctx, cutoff); err != nil || n != 3 {
			t.Errorf("RecoverStale = %d, %v", n, err)
		}
	})

	t.Run("DeleteSent", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`DELETE FROM outbox_events\s+WHERE status = \$1 AND sent_at < \$2`).
			WithArgs("SENT", now).
			WillReturnResult(sqlmock.NewResult(0, 4))

		if n, err := store.DeleteSent(ctx, now); err != nil || n != 4 {
			t.Errorf("DeleteSent = %d, %v", n, err)
		}
	})

	t.Run("Requeue selected", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`WHERE status = \$3\s+AND id IN \(\$4\)`).
			WithArgs("PENDING", now, "FAILED", "id-9").
			WillReturnResult(sqlmock.NewResult(0, 1))

		if n, err := store.Requeue(ctx, now, "id-9"); err != nil || n != 1 {
			t.Errorf("Requeue = %d, %v", n, err)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		store, mock := newMockStore(t)
		oldest := now.Add(-time.Hour)
		mock.ExpectQuery("SELECT status, COUNT").
			WillReturnRows(sqlmock.NewRows([]string{"status", "count", "min"}).
				AddRow("PENDING", 3, oldest).
				AddRow("SENT", 10, now.Add(-24*time.Hour)).
				AddRow("FAILED", 1, now))

		stats, err := store.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if stats.Pending != 3 || stats.Sent != 10 || stats.Failed != 1 || stats.InProgress != 0 {
			t.Errorf("unexpected stats: %+v", stats)
		}
		if !stats.OldestPending.Equal(oldest) {
			t.Errorf("unexpected oldest pending: %v", stats.OldestPending)
		}
	})

	t.Run("Insert chunks large batches", func(t *testing.T) {
		store, mock := newMockStore(t)
		clk := newFakeClock()
		w := NewWriter(nil, store).WithClock(clk.now)

		rows := make([]*Row, 0, insertChunk+500)
		for i := 0; i < insertChunk+500; i++ {
			row, err := w.NewRow(testEnvelope("FLOW_RATE", envelope.CategoryTelemetry))
			if err != nil {
				t.Fatalf("NewRow: %v", err)
			}
			rows = append(rows, row)
		}

		mock.ExpectExec("INSERT INTO outbox_events").WillReturnResult(sqlmock.NewResult(0, insertChunk))
		mock.ExpectExec("INSERT INTO outbox_events").WillReturnResult(sqlmock.NewResult(0, 500))

		n, err := store.Insert(ctx, store.db, rows...)
		if err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		if n != insertChunk+500 {
			t.Errorf("expected %d rows, got %d", insertChunk+500, n)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})
}
