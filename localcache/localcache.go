// Package localcache keeps recent telemetry on the field node for local
// reads. Rows are written in the same transaction as the outbox row of the
// reading, so the cache never holds a reading the outbox does not.
package localcache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rbaliyan/scadaflow/envelope"
	"github.com/rbaliyan/scadaflow/outbox"
)

const columns = 10

// PostgresStore implements the local telemetry cache on PostgreSQL.
//
// Required Schema:
//
//	CREATE TABLE local_telemetry (
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
//	    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
type PostgresStore struct {
	db        *sql.DB
	tableName string
}

// NewPostgresStore creates a cache on db using table "local_telemetry".
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, tableName: "local_telemetry"}
}

// WithTableName sets a custom table name.
func (s *PostgresStore) WithTableName(name string) *PostgresStore {
	s.tableName = name
	return s
}

// Insert writes envs through q, skipping event ids already cached.
func (s *PostgresStore) Insert(ctx context.Context, q outbox.DBTX, envs ...envelope.Envelope) (int64, error) {
	if len(envs) == 0 {
		return 0, nil
	}

	values := make([]string, 0, len(envs))
	args := make([]any, 0, len(envs)*columns)
	for i, e := range envs {
		ph := make([]string, columns)
		for j := range ph {
			ph[j] = fmt.Sprintf("$%d", i*columns+j+1)
		}
		values = append(values, "("+strings.Join(ph, ", ")+")")
		args = append(args,
			e.EventID, e.Timestamp, e.Asset.Plant, e.Asset.Area, e.Asset.Unit,
			e.Tag, e.Value, e.Unit, string(e.Quality), e.NodeID)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (event_id, timestamp, plant, area, unit, tag, value,
			unit_of_measure, quality, node_id)
		VALUES %s
		ON CONFLICT (event_id) DO NOTHING
	`, s.tableName, strings.Join(values, ", "))

	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Prune deletes readings taken before before.
func (s *PostgresStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE timestamp < $1`, s.tableName)
	result, err := s.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Recent returns the latest readings of a tag, newest first.
func (s *PostgresStore) Recent(ctx context.Context, tag string, limit int) ([]envelope.Envelope, error) {
	query := fmt.Sprintf(`
		SELECT event_id, timestamp, plant, area, unit, tag, value, unit_of_measure, quality, node_id
		FROM %s
		WHERE tag = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`, s.tableName)

	rows, err := s.db.QueryContext(ctx, query, tag, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []envelope.Envelope
	for rows.Next() {
		e := envelope.Envelope{Category: envelope.CategoryTelemetry}
		var quality string
		if err := rows.Scan(&e.EventID, &e.Timestamp, &e.Asset.Plant, &e.Asset.Area, &e.Asset.Unit,
			&e.Tag, &e.Value, &e.Unit, &quality, &e.NodeID); err != nil {
			return nil, err
		}
		e.Quality = envelope.Quality(quality)
		out = append(out, e)
	}
	return out, rows.Err()
}

var (
	_ outbox.Cache       = (*PostgresStore)(nil)
	_ outbox.CachePruner = (*PostgresStore)(nil)
)
