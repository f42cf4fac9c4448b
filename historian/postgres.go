package historian

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/rbaliyan/scadaflow/envelope"
	"github.com/rbaliyan/scadaflow/transaction"
)

// DefaultChunkSize is the number of rows per INSERT statement. PostgreSQL
// caps a statement at 65535 parameters.
const DefaultChunkSize = 1000

var baseColumns = []string{
	"event_id", "timestamp", "plant", "area", "unit", "tag", "value",
	"unit_of_measure", "quality", "node_id",
}

// PostgresRepository implements Repository on PostgreSQL.
//
// Required Schema (see migrations/historian):
//
//	CREATE TABLE telemetry (
//	    event_id        UUID PRIMARY KEY,
//	    timestamp       TIMESTAMPTZ NOT NULL,
//	    plant           TEXT NOT NULL,
//	    area            TEXT NOT NULL,
//	    unit            TEXT NOT NULL,
//	    tag             TEXT NOT NULL,
//	    value           DOUBLE PRECISION NOT NULL,
//	    unit_of_measure TEXT NOT NULL,
//	    quality         TEXT NOT NULL,
//	    node_id         INT NOT NULL,
//	    received_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//
// The events table has the same columns; alarms adds
// severity TEXT NOT NULL DEFAULT 'MEDIUM'.
type PostgresRepository struct {
	db        *sql.DB
	txm       transaction.Executor
	chunkSize int
	logger    *slog.Logger
}

// NewPostgresRepository creates a repository on db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{
		db:        db,
		txm:       transaction.NewSQLManager(db),
		chunkSize: DefaultChunkSize,
		logger:    slog.Default().With("component", "historian.postgres"),
	}
}

// WithChunkSize sets the number of rows per statement.
func (r *PostgresRepository) WithChunkSize(n int) *PostgresRepository {
	if n > 0 {
		r.chunkSize = n
	}
	return r
}

// WithTransactionManager sets the executor used for multi-statement buckets.
func (r *PostgresRepository) WithTransactionManager(txm transaction.Executor) *PostgresRepository {
	if txm != nil {
		r.txm = txm
	}
	return r
}

// WithLogger sets the logger
func (r *PostgresRepository) WithLogger(l *slog.Logger) *PostgresRepository {
	if l != nil {
		r.logger = l
	}
	return r
}

// InsertAll buckets envs by category and inserts the buckets concurrently.
// A bucket larger than the chunk size is written in one transaction.
func (r *PostgresRepository) InsertAll(ctx context.Context, envs []envelope.Envelope) (int64, error) {
	if len(envs) == 0 {
		return 0, nil
	}

	buckets := Bucket(envs)
	for cat := range buckets {
		if _, err := TableFor(cat); err != nil {
			return 0, err
		}
	}
	cats := envelope.Categories()
	inserted := make([]int64, len(cats))

	g, gctx := errgroup.WithContext(ctx)
	for i, cat := range cats {
		rows := buckets[cat]
		if len(rows) == 0 {
			continue
		}
		g.Go(func() error {
			n, err := r.insertBucket(gctx, cat, rows)
			if err != nil {
				return fmt.Errorf("historian: insert %s: %w", cat, err)
			}
			inserted[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var counts Counts
	for i, cat := range cats {
		if err := counts.add(cat, inserted[i]); err != nil {
			return 0, err
		}
	}

	if total := counts.Total(); total > 0 {
		r.logger.Info("batch persisted",
			"telemetry", counts.Telemetry,
			"events", counts.Events,
			"alarms", counts.Alarms,
			"total", total)
	}
	return counts.Total(), nil
}

func (r *PostgresRepository) insertBucket(ctx context.Context, cat envelope.Category, rows []envelope.Envelope) (int64, error) {
	table, err := TableFor(cat)
	if err != nil {
		return 0, err
	}

	if len(rows) <= r.chunkSize {
		return r.insertChunk(ctx, r.db, table, cat, rows)
	}

	var total int64
	err = r.txm.Execute(ctx, func(tx *sql.Tx) error {
		total = 0
		for start := 0; start < len(rows); start += r.chunkSize {
			end := min(start+r.chunkSize, len(rows))
			n, err := r.insertChunk(ctx, tx, table, cat, rows[start:end])
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	return total, err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *PostgresRepository) insertChunk(ctx context.Context, q execer, table string, cat envelope.Category, rows []envelope.Envelope) (int64, error) {
	cols := baseColumns
	if cat == envelope.CategoryAlarm {
		cols = append(cols[:len(cols):len(cols)], "severity")
	}
	width := len(cols)

	values := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*width)
	for i, e := range rows {
		ph := make([]string, width)
		for j := range ph {
			ph[j] = fmt.Sprintf("$%d", i*width+j+1)
		}
		values = append(values, "("+strings.Join(ph, ", ")+")")
		args = append(args,
			e.EventID, e.Timestamp, e.Asset.Plant, e.Asset.Area, e.Asset.Unit,
			e.Tag, e.Value, e.Unit, string(e.Quality), e.NodeID)
		if cat == envelope.CategoryAlarm {
			args = append(args, string(e.AlarmSeverity()))
		}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES %s
		ON CONFLICT (event_id) DO NOTHING
	`, table, strings.Join(cols, ", "), strings.Join(values, ", "))

	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if skipped := int64(len(rows)) - n; skipped > 0 {
		r.logger.Debug("skipped duplicate rows", "table", table, "skipped", skipped)
	}
	return n, nil
}

var _ Repository = (*PostgresRepository)(nil)
