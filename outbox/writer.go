package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/scadaflow/envelope"
	"github.com/rbaliyan/scadaflow/routing"
	"github.com/rbaliyan/scadaflow/transaction"
)

// ErrNoLocalCache is returned by WriteEventWithLocalCache when the writer was
// built without a cache.
var ErrNoLocalCache = errors.New("outbox: local cache not configured")

// Cache is a local read cache written in the same transaction as the outbox.
type Cache interface {
	Insert(ctx context.Context, q DBTX, envs ...envelope.Envelope) (int64, error)
}

// Writer stages envelopes in the outbox. It never contacts the broker.
//
// Example:
//
//	writer := outbox.NewWriter(transaction.NewSQLManager(db), outbox.NewPostgresStore(db)).
//	    WithLocalCache(localcache.NewPostgresStore(db))
//
//	id, err := writer.WriteEventWithLocalCache(ctx, env)
type Writer struct {
	txm     transaction.Executor
	store   Store
	cache   Cache
	logger  *slog.Logger
	now     func() time.Time
	traceID func() string
}

// NewWriter creates a writer that inserts through store inside transactions
// run by txm.
func NewWriter(txm transaction.Executor, store Store) *Writer {
	return &Writer{
		txm:     txm,
		store:   store,
		logger:  slog.Default().With("component", "outbox.writer"),
		now:     time.Now,
		traceID: uuid.NewString,
	}
}

// WithLocalCache enables WriteEventWithLocalCache.
func (w *Writer) WithLocalCache(c Cache) *Writer {
	w.cache = c
	return w
}

// WithLogger sets a custom logger.
func (w *Writer) WithLogger(l *slog.Logger) *Writer {
	if l != nil {
		w.logger = l
	}
	return w
}

// WithClock overrides the time source.
func (w *Writer) WithClock(now func() time.Time) *Writer {
	if now != nil {
		w.now = now
	}
	return w
}

// NewRow validates env and builds its outbox row, due immediately. The
// staged timestamp is converted to UTC and truncated to milliseconds so the
// payload matches the wire layout.
func (w *Writer) NewRow(env envelope.Envelope) (*Row, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	env.Timestamp = env.Timestamp.UTC().Truncate(time.Millisecond)
	route, err := routing.For(env)
	if err != nil {
		return nil, err
	}

	now := w.now().UTC()
	return &Row{
		ID:            env.EventID,
		AggregateType: env.Category,
		AggregateID:   route.Key,
		EventType:     env.Tag,
		Payload:       env,
		Headers: Headers{
			Topic:           route.Topic,
			PartitionKey:    route.Key,
			CorrelationID:   env.EventID,
			CausationID:     env.EventID,
			TraceID:         w.traceID(),
			SchemaVersion:   SchemaVersion,
			NodeID:          env.NodeID,
			ContentType:     ContentType,
			SourceTimestamp: envelope.FormatTime(env.Timestamp),
		},
		Status:      StatusPending,
		AvailableAt: now,
		CreatedAt:   now,
	}, nil
}

// WriteEvent stages one envelope and returns its id. Writing an id that is
// already staged is a no-op.
func (w *Writer) WriteEvent(ctx context.Context, env envelope.Envelope) (string, error) {
	row, err := w.NewRow(env)
	if err != nil {
		return "", err
	}

	err = w.txm.Execute(ctx, func(tx *sql.Tx) error {
		_, err := w.store.Insert(ctx, tx, row)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("write outbox row %s: %w", row.ID, err)
	}
	return row.ID, nil
}

// WriteBatch stages envelopes in a single transaction and returns the number
// of new rows. Ids repeated in the batch or already staged are skipped. If any
// envelope is invalid nothing is written.
func (w *Writer) WriteBatch(ctx context.Context, envs []envelope.Envelope) (int64, error) {
	rows := make([]*Row, 0, len(envs))
	seen := make(map[string]struct{}, len(envs))
	for _, env := range envs {
		row, err := w.NewRow(env)
		if err != nil {
			return 0, fmt.Errorf("envelope %s: %w", env.EventID, err)
		}
		if _, dup := seen[row.ID]; dup {
			continue
		}
		seen[row.ID] = struct{}{}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	var inserted int64
	err := w.txm.Execute(ctx, func(tx *sql.Tx) error {
		n, err := w.store.Insert(ctx, tx, rows...)
		inserted = n
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("write outbox batch: %w", err)
	}

	if skipped := int64(len(envs)) - inserted; skipped > 0 {
		w.logger.Debug("skipped duplicate outbox rows", "count", skipped)
	}
	return inserted, nil
}

// WriteEventWithLocalCache stages env and, for telemetry, writes the local
// cache row in the same transaction. Either both land or neither does.
func (w *Writer) WriteEventWithLocalCache(ctx context.Context, env envelope.Envelope) (string, error) {
	if w.cache == nil {
		return "", ErrNoLocalCache
	}
	row, err := w.NewRow(env)
	if err != nil {
		return "", err
	}

	err = w.txm.Execute(ctx, func(tx *sql.Tx) error {
		if _, err := w.store.Insert(ctx, tx, row); err != nil {
			return err
		}
		if env.Category != envelope.CategoryTelemetry {
			return nil
		}
		_, err := w.cache.Insert(ctx, tx, row.Payload)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("write outbox row %s with cache: %w", row.ID, err)
	}
	return row.ID, nil
}
