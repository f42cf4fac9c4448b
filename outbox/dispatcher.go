package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Message header keys.
const (
	HeaderEventID         = "event-id"
	HeaderNodeID          = "node-id"
	HeaderCategory        = "event-category"
	HeaderContentType     = "content-type"
	HeaderCorrelationID   = "correlation-id"
	HeaderCausationID     = "causation-id"
	HeaderTraceID         = "trace-id"
	HeaderSchemaVersion   = "schema-version"
	HeaderSourceTimestamp = "source-timestamp"
)

// Publisher sends one message and blocks until the broker acknowledges it.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

// Metrics receives dispatcher outcomes.
type Metrics interface {
	Published(topic string)
	Retried(topic string)
	Failed(topic string)
	Recovered(n int64)
}

type noopMetrics struct{}

func (noopMetrics) Published(string) {}
func (noopMetrics) Retried(string)   {}
func (noopMetrics) Failed(string)    {}
func (noopMetrics) Recovered(int64)  {}

// Snapshot is a point-in-time view of the outbox.
type Snapshot struct {
	Pending          int64         `json:"pending"`
	InProgress       int64         `json:"inProgress"`
	Sent             int64         `json:"sent"`
	Failed           int64         `json:"failed"`
	OldestPendingAge time.Duration `json:"-"`
	InstanceID       string        `json:"instanceId"`
}

// MarshalJSON reports the oldest pending age in milliseconds.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type alias Snapshot
	return json.Marshal(struct {
		alias
		OldestPendingAge int64 `json:"oldestPendingAgeMs"`
	}{alias: alias(s), OldestPendingAge: s.OldestPendingAge.Milliseconds()})
}

// Result summarises one dispatch cycle.
type Result struct {
	Claimed  int
	Sent     int
	Retried  int
	Failed   int
	Released int
}

// Dispatcher claims due outbox rows and publishes them.
//
// The Dispatcher is the background worker of the outbox:
//  1. Claims up to a batch of due PENDING rows with skip-locked semantics
//  2. Publishes each row synchronously, in claim order
//  3. Marks the row SENT, or schedules a retry, or parks it as FAILED
//  4. Periodically returns rows whose claim outlived the lock timeout
//
// Several dispatchers may share one store; each claims under its own
// instance id.
//
// Example:
//
//	dispatcher := outbox.NewDispatcher(store, publisher).
//	    WithBatchSize(50).
//	    WithPollInterval(500 * time.Millisecond).
//	    WithMaxRetries(10)
//
//	ctx, cancel := context.WithCancel(context.Background())
//	go func() {
//	    if err := dispatcher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
//	        log.Error("dispatcher stopped", "error", err)
//	    }
//	}()
//
//	// Shutdown gracefully
//	cancel()
type Dispatcher struct {
	store            Store
	publisher        Publisher
	instanceID       string
	batchSize        int
	pollInterval     time.Duration
	maxRetries       int
	lockTimeout      time.Duration
	recoveryInterval time.Duration
	publishTimeout   time.Duration
	limiter          *rate.Limiter
	metrics          Metrics
	tracer           trace.Tracer
	logger           *slog.Logger
	now              func() time.Time
}

// Defaults.
const (
	DefaultBatchSize        = 50
	DefaultPollInterval     = 500 * time.Millisecond
	DefaultMaxRetries       = 10
	DefaultLockTimeout      = 120 * time.Second
	DefaultRecoveryInterval = 30 * time.Second
	DefaultPublishTimeout   = 30 * time.Second
)

// NewDispatcher creates a dispatcher with a generated instance id of the form
// "dispatcher-xxxxxxxx".
func NewDispatcher(store Store, publisher Publisher) *Dispatcher {
	id := "dispatcher-" + uuid.NewString()[:8]
	return &Dispatcher{
		store:            store,
		publisher:        publisher,
		instanceID:       id,
		batchSize:        DefaultBatchSize,
		pollInterval:     DefaultPollInterval,
		maxRetries:       DefaultMaxRetries,
		lockTimeout:      DefaultLockTimeout,
		recoveryInterval: DefaultRecoveryInterval,
		publishTimeout:   DefaultPublishTimeout,
		metrics:          noopMetrics{},
		tracer:           otel.Tracer("github.com/rbaliyan/scadaflow/outbox"),
		logger:           slog.Default().With("component", "outbox.dispatcher"),
		now:              time.Now,
	}
}

// WithInstanceID overrides the generated instance id.
func (d *Dispatcher) WithInstanceID(id string) *Dispatcher {
	if id != "" {
		d.instanceID = id
	}
	return d
}

// WithBatchSize sets the maximum rows claimed per cycle.
func (d *Dispatcher) WithBatchSize(n int) *Dispatcher {
	if n > 0 {
		d.batchSize = n
	}
	return d
}

// WithPollInterval sets the delay between dispatch cycles.
func (d *Dispatcher) WithPollInterval(p time.Duration) *Dispatcher {
	if p > 0 {
		d.pollInterval = p
	}
	return d
}

// WithMaxRetries sets the attempt ceiling after which a row is FAILED.
func (d *Dispatcher) WithMaxRetries(n int) *Dispatcher {
	if n > 0 {
		d.maxRetries = n
	}
	return d
}

// WithLockTimeout sets how long a claim is trusted.
func (d *Dispatcher) WithLockTimeout(t time.Duration) *Dispatcher {
	if t > 0 {
		d.lockTimeout = t
	}
	return d
}

// WithRecoveryInterval sets the period of the stale lock sweep.
func (d *Dispatcher) WithRecoveryInterval(t time.Duration) *Dispatcher {
	if t > 0 {
		d.recoveryInterval = t
	}
	return d
}

// WithPublishTimeout bounds a single publish. The publisher receives a
// context with this deadline; a publish that outlives it is settled as a
// retry.
func (d *Dispatcher) WithPublishTimeout(t time.Duration) *Dispatcher {
	if t > 0 {
		d.publishTimeout = t
	}
	return d
}

// WithRateLimit caps publishes per second. A non-positive limit disables
// limiting.
func (d *Dispatcher) WithRateLimit(perSecond float64, burst int) *Dispatcher {
	if perSecond <= 0 {
		d.limiter = nil
		return d
	}
	d.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	return d
}

// WithMetrics sets the metrics sink.
func (d *Dispatcher) WithMetrics(m Metrics) *Dispatcher {
	if m != nil {
		d.metrics = m
	}
	return d
}

// WithTracer sets the tracer used for publish spans.
func (d *Dispatcher) WithTracer(t trace.Tracer) *Dispatcher {
	if t != nil {
		d.tracer = t
	}
	return d
}

// WithLogger sets a custom logger.
func (d *Dispatcher) WithLogger(l *slog.Logger) *Dispatcher {
	if l != nil {
		d.logger = l
	}
	return d
}

// WithClock overrides the time source.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	if now != nil {
		d.now = now
	}
	return d
}

// InstanceID returns the owner id used for claims.
func (d *Dispatcher) InstanceID() string {
	return d.instanceID
}

// Start runs the dispatch loop and the recovery loop until ctx is cancelled.
// The first cycle runs immediately. A cycle in flight at cancellation
// finishes its current publish and releases the rest of its claim.
//
// Returns ctx.Err() once both loops have stopped.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger = d.logger.With("instance_id", d.instanceID)
	d.logger.Info("dispatcher started",
		"batch_size", d.batchSize,
		"poll_interval", d.pollInterval,
		"max_retries", d.maxRetries,
		"lock_timeout", d.lockTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.loop(gctx, d.pollInterval, func(ctx context.Context) {
			d.DispatchOnce(ctx)
		})
	})
	g.Go(func() error {
		return d.loop(gctx, d.recoveryInterval, func(ctx context.Context) {
			d.RecoverOnce(ctx)
		})
	})

	err := g.Wait()
	d.logger.Info("dispatcher stopped")
	return err
}

func (d *Dispatcher) loop(ctx context.Context, every time.Duration, fn func(context.Context)) error {
	fn(ctx)

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// DispatchOnce runs a single claim and publish cycle.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (Result, error) {
	var res Result
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	rows, err := d.store.Claim(ctx, d.instanceID, d.batchSize, d.now())
	if err != nil {
		d.logger.Error("failed to claim outbox rows", "error", err)
		return res, err
	}
	res.Claimed = len(rows)
	if len(rows) == 0 {
		return res, nil
	}

	// Rows already claimed are always settled, even after cancellation.
	work := context.WithoutCancel(ctx)
	for i, row := range rows {
		if ctx.Err() == nil && d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("rate limiter wait failed", "error", err)
			}
		}
		if ctx.Err() != nil {
			res.Released = d.release(work, rows[i:])
			break
		}
		d.deliver(work, row, &res)
	}

	d.logger.Debug("dispatch cycle complete",
		"claimed", res.Claimed,
		"sent", res.Sent,
		"retried", res.Retried,
		"failed", res.Failed,
		"released", res.Released)
	return res, nil
}

func (d *Dispatcher) deliver(ctx context.Context, row *Row, res *Result) {
	topic := row.Headers.Topic
	ctx, span := d.tracer.Start(ctx, "outbox.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", topic),
			attribute.String("outbox.id", row.ID),
			attribute.Int("outbox.retry_count", row.RetryCount),
		))
	defer span.End()

	err := d.publish(ctx, row)
	if err == nil {
		if err := d.store.MarkSent(ctx, row.ID, d.instanceID, d.now()); err != nil {
			d.logSettleError("sent", row, err)
			return
		}
		res.Sent++
		d.metrics.Published(topic)
		d.logger.Debug("published outbox row", "id", row.ID, "topic", topic, "key", row.Headers.PartitionKey)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	attempts := row.RetryCount + 1
	if attempts >= d.maxRetries {
		if err := d.store.MarkFailed(ctx, row.ID, d.instanceID, attempts, err.Error()); err != nil {
			d.logSettleError("failed", row, err)
			return
		}
		res.Failed++
		d.metrics.Failed(topic)
		d.logger.Error("outbox row failed permanently",
			"id", row.ID,
			"topic", topic,
			"retry_count", attempts,
			"error", err)
		return
	}

	next := d.now().Add(Backoff(attempts))
	if err := d.store.MarkRetry(ctx, row.ID, d.instanceID, attempts, next, err.Error()); err != nil {
		d.logSettleError("retry", row, err)
		return
	}
	res.Retried++
	d.metrics.Retried(topic)
	d.logger.Warn("failed to publish outbox row",
		"id", row.ID,
		"topic", topic,
		"retry_count", attempts,
		"next_attempt", next,
		"error", err)
}

func (d *Dispatcher) publish(ctx context.Context, row *Row) error {
	value, err := json.Marshal(row.Payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	defer cancel()
	return d.publisher.Publish(ctx, row.Headers.Topic, row.Headers.PartitionKey, value, WireHeaders(row))
}

func (d *Dispatcher) logSettleError(outcome string, row *Row, err error) {
	if errors.Is(err, ErrLockLost) {
		d.logger.Warn("outbox row lock lost before settle", "id", row.ID, "outcome", outcome)
		return
	}
	d.logger.Error("failed to settle outbox row", "id", row.ID, "outcome", outcome, "error", err)
}

func (d *Dispatcher) release(ctx context.Context, rows []*Row) int {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	n, err := d.store.Release(ctx, d.instanceID, ids...)
	if err != nil {
		d.logger.Error("failed to release claimed rows", "count", len(ids), "error", err)
		return 0
	}
	d.logger.Info("released claimed rows on shutdown", "count", n)
	return int(n)
}

// RecoverOnce returns rows whose claim is older than the lock timeout.
func (d *Dispatcher) RecoverOnce(ctx context.Context) (int64, error) {
	n, err := d.store.RecoverStale(ctx, d.now().Add(-d.lockTimeout))
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("failed to recover stale rows", "error", err)
		}
		return 0, err
	}
	if n > 0 {
		d.metrics.Recovered(n)
		d.logger.Warn("recovered stale outbox rows", "count", n)
	}
	return n, nil
}

// Metrics returns a snapshot of the outbox.
func (d *Dispatcher) Metrics(ctx context.Context) (Snapshot, error) {
	stats, err := d.store.Stats(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		Pending:    stats.Pending,
		InProgress: stats.InProgress,
		Sent:       stats.Sent,
		Failed:     stats.Failed,
		InstanceID: d.instanceID,
	}
	if !stats.OldestPending.IsZero() {
		snap.OldestPendingAge = max(d.now().Sub(stats.OldestPending), 0)
	}
	return snap, nil
}

// WireHeaders returns the broker headers for a row.
func WireHeaders(row *Row) map[string]string {
	return map[string]string{
		HeaderEventID:         row.ID,
		HeaderNodeID:          strconv.Itoa(row.Headers.NodeID),
		HeaderCategory:        string(row.AggregateType),
		HeaderContentType:     row.Headers.ContentType,
		HeaderCorrelationID:   row.Headers.CorrelationID,
		HeaderCausationID:     row.Headers.CausationID,
		HeaderTraceID:         row.Headers.TraceID,
		HeaderSchemaVersion:   row.Headers.SchemaVersion,
		HeaderSourceTimestamp: row.Headers.SourceTimestamp,
	}
}
