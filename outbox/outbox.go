// Package outbox implements the transactional outbox between a field node's
// local store and the broker.
//
// Envelopes are never published directly. They are staged as outbox rows in
// the same local transaction as any other node state, and a background
// dispatcher moves them to the broker:
//  1. The Writer validates and routes envelopes and inserts outbox rows
//  2. The Dispatcher claims due rows, publishes them and marks them SENT
//  3. Failed publishes are retried with a deterministic backoff until the
//     retry ceiling, after which the row is parked as FAILED
//  4. A recovery sweep returns rows whose claim outlived the lock timeout
//  5. The Pruner deletes SENT rows past the retention period
//
// A broker outage therefore only grows the PENDING backlog; no envelope is
// lost. Delivery to the broker is at-least-once, so consumers must be
// idempotent on the event id.
//
// # Row lifecycle
//
//	PENDING --claim--> IN_PROGRESS --ack--> SENT --prune--> (deleted)
//	                        |
//	                        +--fail, retries left--> PENDING (availableAt = now + backoff)
//	                        +--fail, ceiling hit---> FAILED (terminal until requeued)
//	                        +--lock timeout--------> PENDING (recovery sweep)
//
// # SQL Schema
//
// For PostgreSQL (see migrations/producer):
//
//	CREATE TABLE outbox_events (
//	    id             UUID PRIMARY KEY,
//	    aggregate_type TEXT NOT NULL,
//	    aggregate_id   TEXT NOT NULL,
//	    event_type     TEXT NOT NULL,
//	    payload        JSONB NOT NULL,
//	    headers        JSONB NOT NULL,
//	    status         TEXT NOT NULL DEFAULT 'PENDING',
//	    retry_count    INT NOT NULL DEFAULT 0,
//	    available_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    locked_by      TEXT,
//	    locked_at      TIMESTAMPTZ,
//	    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    sent_at        TIMESTAMPTZ,
//	    last_error     TEXT
//	);
//
// # Complete Example
//
//	store := outbox.NewPostgresStore(db)
//	writer := outbox.NewWriter(transaction.NewSQLManager(db), store)
//	dispatcher := outbox.NewDispatcher(store, publisher).
//	    WithBatchSize(50).
//	    WithPollInterval(500 * time.Millisecond)
//
//	go dispatcher.Start(ctx)
//
//	if _, err := writer.WriteEvent(ctx, env); err != nil {
//	    return err
//	}
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rbaliyan/scadaflow/envelope"
)

// Status represents the state of an outbox row.
type Status string

const (
	// StatusPending indicates the row is waiting to be claimed.
	StatusPending Status = "PENDING"

	// StatusInProgress indicates a dispatcher holds the row.
	StatusInProgress Status = "IN_PROGRESS"

	// StatusSent indicates the broker acknowledged the row.
	StatusSent Status = "SENT"

	// StatusFailed indicates the retry ceiling was reached.
	StatusFailed Status = "FAILED"
)

// Statuses returns all statuses in lifecycle order.
func Statuses() []Status {
	return []Status{StatusPending, StatusInProgress, StatusSent, StatusFailed}
}

const (
	// SchemaVersion is stamped on every row's headers.
	SchemaVersion = "1.0.0"

	// ContentType of the published payload.
	ContentType = "application/json"
)

// ErrLockLost is returned when a row is no longer held by the caller, for
// example because the recovery sweep handed it to another dispatcher.
var ErrLockLost = errors.New("outbox: row lock lost")

// Headers travel with a row and become broker message headers.
type Headers struct {
	Topic           string `json:"topic"`
	PartitionKey    string `json:"partitionKey"`
	CorrelationID   string `json:"correlationId"`
	CausationID     string `json:"causationId"`
	TraceID         string `json:"traceId"`
	SchemaVersion   string `json:"schemaVersion"`
	NodeID          int    `json:"nodeId"`
	ContentType     string `json:"contentType"`
	SourceTimestamp string `json:"sourceTimestamp"`
}

// Row is one staged envelope.
//
// ID equals the envelope's event id, which makes inserts idempotent.
// AggregateType is the category, AggregateID the partition key and EventType
// the tag.
type Row struct {
	ID            string
	AggregateType envelope.Category
	AggregateID   string
	EventType     string
	Payload       envelope.Envelope
	Headers       Headers
	Status        Status
	RetryCount    int
	AvailableAt   time.Time
	LockedBy      string
	LockedAt      *time.Time
	CreatedAt     time.Time
	SentAt        *time.Time
	LastError     string
}

// Stats holds row counts per status.
type Stats struct {
	Pending    int64
	InProgress int64
	Sent       int64
	Failed     int64

	// OldestPending is the creation time of the oldest PENDING row, zero if
	// there is none.
	OldestPending time.Time
}

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Store persists outbox rows.
//
// Ownership transitions (MarkSent, MarkRetry, MarkFailed, Release) only apply
// to rows that are IN_PROGRESS and locked by owner. MarkSent, MarkRetry and
// MarkFailed return ErrLockLost when no such row exists.
//
// Implementations must be safe for concurrent use by several dispatchers.
type Store interface {
	// Insert stores rows using q, typically an open transaction, and skips
	// ids that already exist. It returns the number of new rows.
	Insert(ctx context.Context, q DBTX, rows ...*Row) (int64, error)

	// Claim atomically selects up to limit PENDING rows due at now, oldest
	// first, skipping rows locked by concurrent claimers, and marks them
	// IN_PROGRESS for owner.
	Claim(ctx context.Context, owner string, limit int, now time.Time) ([]*Row, error)

	// MarkSent records a broker acknowledgement.
	MarkSent(ctx context.Context, id, owner string, now time.Time) error

	// MarkRetry returns the row to PENDING, due at availableAt.
	MarkRetry(ctx context.Context, id, owner string, retryCount int, availableAt time.Time, lastErr string) error

	// MarkFailed parks the row as FAILED.
	MarkFailed(ctx context.Context, id, owner string, retryCount int, lastErr string) error

	// Release returns claimed rows to PENDING without counting a retry.
	Release(ctx context.Context, owner string, ids ...string) (int64, error)

	// RecoverStale returns IN_PROGRESS rows locked before lockedBefore to
	// PENDING.
	RecoverStale(ctx context.Context, lockedBefore time.Time) (int64, error)

	// DeleteSent removes SENT rows acknowledged before sentBefore.
	DeleteSent(ctx context.Context, sentBefore time.Time) (int64, error)

	// Requeue moves FAILED rows back to PENDING with a fresh retry budget.
	// With no ids, every FAILED row is requeued.
	Requeue(ctx context.Context, now time.Time, ids ...string) (int64, error)

	// Stats counts rows per status.
	Stats(ctx context.Context) (Stats, error)
}
