package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rbaliyan/scadaflow/envelope"
)

// insertChunk bounds the rows per INSERT statement so the parameter count
// stays below the PostgreSQL limit.
const insertChunk = 1000

const insertColumns = 10

// PostgresStore implements Store for PostgreSQL.
//
// Claims use a single UPDATE over a SELECT ... FOR UPDATE SKIP LOCKED, so
// concurrent dispatchers never block on each other and never claim the same
// row.
//
// Example:
//
//	db, _ := sql.Open("pgx", connString)
//	store := outbox.NewPostgresStore(db)
//
//	// Optional: use custom table name
//	store = store.WithTableName("node_outbox")
type PostgresStore struct {
	db        *sql.DB
	tableName string
}

// NewPostgresStore creates a new PostgreSQL outbox store.
// The default table name is "outbox_events".
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:        db,
		tableName: "outbox_events",
	}
}

// WithTableName sets a custom table name.
func (s *PostgresStore) WithTableName(name string) *PostgresStore {
	s.tableName = name
	return s
}

// Insert adds rows within q. Rows whose id already exists are skipped.
//
// Example:
//
//	err := txm.Execute(ctx, func(tx *sql.Tx) error {
//	    n, err := store.Insert(ctx, tx, rows...)
//	    ...
//	})
func (s *PostgresStore) Insert(ctx context.Context, q DBTX, rows ...*Row) (int64, error) {
	var inserted int64
	for start := 0; start < len(rows); start += insertChunk {
		end := min(start+insertChunk, len(rows))
		n, err := s.insertChunk(ctx, q, rows[start:end])
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

func (s *PostgresStore) insertChunk(ctx context.Context, q DBTX, rows []*Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	values := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*insertColumns)
	for i, row := range rows {
		payload, err := json.Marshal(row.Payload)
		if err != nil {
			return 0, fmt.Errorf("marshal payload: %w", err)
		}
		headers, err := json.Marshal(row.Headers)
		if err != nil {
			return 0, fmt.Errorf("marshal headers: %w", err)
		}

		values = append(values, "("+placeholders(i*insertColumns+1, insertColumns)+")")
		args = append(args,
			row.ID,
			string(row.AggregateType),
			row.AggregateID,
			row.EventType,
			string(payload),
			string(headers),
			StatusPending,
			row.RetryCount,
			row.AvailableAt,
			row.CreatedAt,
		)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, aggregate_type, aggregate_id, event_type, payload, headers,
			status, retry_count, available_at, created_at)
		VALUES %s
		ON CONFLICT (id) DO NOTHING
	`, s.tableName, strings.Join(values, ", "))

	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Claim selects and locks due PENDING rows for owner in one statement.
// Rows are returned oldest first.
func (s *PostgresStore) Claim(ctx context.Context, owner string, limit int, now time.Time) ([]*Row, error) {
	query := fmt.Sprintf(`
		UPDATE %[1]s
		SET status = $1, locked_by = $2, locked_at = $3
		WHERE id IN (
			SELECT id FROM %[1]s
			WHERE status = $4 AND available_at <= $3
			ORDER BY created_at
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, aggregate_type, aggregate_id, event_type, payload, headers,
			retry_count, available_at, created_at
	`, s.tableName)

	rows, err := s.db.QueryContext(ctx, query, StatusInProgress, owner, now, StatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []*Row
	for rows.Next() {
		var (
			row              Row
			aggregateType    string
			payload, headers []byte
		)
		err := rows.Scan(
			&row.ID,
			&aggregateType,
			&row.AggregateID,
			&row.EventType,
			&payload,
			&headers,
			&row.RetryCount,
			&row.AvailableAt,
			&row.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &row.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload of %s: %w", row.ID, err)
		}
		if err := json.Unmarshal(headers, &row.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers of %s: %w", row.ID, err)
		}

		lockedAt := now
		row.AggregateType = envelope.Category(aggregateType)
		row.Status = StatusInProgress
		row.LockedBy = owner
		row.LockedAt = &lockedAt
		claimed = append(claimed, &row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortRows(claimed)
	return claimed, nil
}

// MarkSent records a broker acknowledgement.
func (s *PostgresStore) MarkSent(ctx context.Context, id, owner string, now time.Time) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, sent_at = $2, locked_by = NULL, locked_at = NULL, last_error = NULL
		WHERE id = $3 AND status = $4 AND locked_by = $5
	`, s.tableName)

	return s.execOwned(ctx, query, StatusSent, now, id, StatusInProgress, owner)
}

// MarkRetry schedules the row for another attempt.
func (s *PostgresStore) MarkRetry(ctx context.Context, id, owner string, retryCount int, availableAt time.Time, lastErr string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, retry_count = $2, available_at = $3, last_error = $4,
			locked_by = NULL, locked_at = NULL
		WHERE id = $5 AND status = $6 AND locked_by = $7
	`, s.tableName)

	return s.execOwned(ctx, query, StatusPending, retryCount, availableAt, lastErr, id, StatusInProgress, owner)
}

// MarkFailed parks the row as FAILED.
func (s *PostgresStore) MarkFailed(ctx context.Context, id, owner string, retryCount int, lastErr string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, retry_count = $2, last_error = $3, locked_by = NULL, locked_at = NULL
		WHERE id = $4 AND status = $5 AND locked_by = $6
	`, s.tableName)

	return s.execOwned(ctx, query, StatusFailed, retryCount, lastErr, id, StatusInProgress, owner)
}

func (s *PostgresStore) execOwned(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// Release returns claimed rows to PENDING without counting a retry.
func (s *PostgresStore) Release(ctx context.Context, owner string, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, locked_by = NULL, locked_at = NULL
		WHERE status = $2 AND locked_by = $3 AND id IN (%s)
	`, s.tableName, placeholders(4, len(ids)))

	args := []any{StatusPending, StatusInProgress, owner}
	for _, id := range ids {
		args = append(args, id)
	}
	return s.exec(ctx, query, args...)
}

// RecoverStale returns expired claims to PENDING.
func (s *PostgresStore) RecoverStale(ctx context.Context, lockedBefore time.Time) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, locked_by = NULL, locked_at = NULL
		WHERE status = $2 AND locked_at < $3
	`, s.tableName)

	return s.exec(ctx, query, StatusPending, StatusInProgress, lockedBefore)
}

// DeleteSent removes SENT rows acknowledged before sentBefore.
func (s *PostgresStore) DeleteSent(ctx context.Context, sentBefore time.Time) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE status = $1 AND sent_at < $2
	`, s.tableName)

	return s.exec(ctx, query, StatusSent, sentBefore)
}

// Requeue moves FAILED rows back to PENDING.
func (s *PostgresStore) Requeue(ctx context.Context, now time.Time, ids ...string) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, retry_count = 0, available_at = $2, last_error = NULL
		WHERE status = $3
	`, s.tableName)

	args := []any{StatusPending, now, StatusFailed}
	if len(ids) > 0 {
		query += fmt.Sprintf(" AND id IN (%s)", placeholders(4, len(ids)))
		for _, id := range ids {
			args = append(args, id)
		}
	}
	return s.exec(ctx, query, args...)
}

// Stats counts rows per status.
func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	query := fmt.Sprintf(`
		SELECT status, COUNT(*), MIN(created_at)
		FROM %s
		GROUP BY status
	`, s.tableName)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var (
			status string
			count  int64
			oldest time.Time
		)
		if err := rows.Scan(&status, &count, &oldest); err != nil {
			return Stats{}, err
		}
		switch Status(status) {
		case StatusPending:
			stats.Pending = count
			stats.OldestPending = oldest
		case StatusInProgress:
			stats.InProgress = count
		case StatusSent:
			stats.Sent = count
		case StatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

func (s *PostgresStore) exec(ctx context.Context, query string, args ...any) (int64, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// placeholders renders "$start, ..., $start+n-1".
func placeholders(start, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", start+i)
	}
	return b.String()
}

func sortRows(rows []*Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
}

// Compile-time checks
var _ Store = (*PostgresStore)(nil)
