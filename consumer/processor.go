// Package consumer moves envelopes from the broker into the historian.
//
// A Handler collects messages of one partition claim into batches. Every
// batch is decoded, validated and persisted with a single
// historian.Repository.InsertAll call, and the offset of the last message is
// committed only after that call succeeded:
//
//	claim --> batch (size or wait) --> decode --> validate --> InsertAll --> mark + commit
//	                                     |            |
//	                                     +------------+--> skipped (and dead-lettered)
//
// Malformed and invalid messages never reach the historian and never block
// the batch. A persistence failure commits nothing: the session ends, the
// group rejoins and the batch is redelivered from the last committed offset.
// Redelivery is absorbed by the historian's event id uniqueness.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/rbaliyan/scadaflow/envelope"
	"github.com/rbaliyan/scadaflow/historian"
)

// Outcome classifies a consumed message.
type Outcome string

const (
	OutcomeValid     Outcome = "valid"
	OutcomeMalformed Outcome = "malformed"
	OutcomeInvalid   Outcome = "invalid"
)

// Metrics receives consumer outcomes.
type Metrics interface {
	MessageConsumed(topic string, outcome Outcome)
	BatchPersisted(valid int, inserted int64, d time.Duration)
	BatchFailed(valid int, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) MessageConsumed(string, Outcome)          {}
func (noopMetrics) BatchPersisted(int, int64, time.Duration) {}
func (noopMetrics) BatchFailed(int, time.Duration)           {}

// DeadLetter receives messages that were skipped. Implementations must not
// block the batch for long and must not fail it.
type DeadLetter interface {
	Send(ctx context.Context, msg *sarama.ConsumerMessage, cause error)
}

// Result summarizes one processed batch.
type Result struct {
	Messages  int   `json:"messages"`
	Valid     int   `json:"valid"`
	Malformed int   `json:"malformed"`
	Invalid   int   `json:"invalid"`
	Inserted  int64 `json:"inserted"`
}

// Duplicates returns the number of valid envelopes that were already stored.
func (r Result) Duplicates() int64 {
	return int64(r.Valid) - r.Inserted
}

// Processor decodes, validates and persists batches of messages. It holds no
// per-batch state and is safe for concurrent use by several claims.
type Processor struct {
	repo       historian.Repository
	deadLetter DeadLetter
	metrics    Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewProcessor creates a processor that persists into repo.
func NewProcessor(repo historian.Repository) *Processor {
	return &Processor{
		repo:    repo,
		metrics: noopMetrics{},
		logger:  slog.Default().With("component", "consumer.processor"),
		now:     time.Now,
	}
}

// WithDeadLetter forwards skipped messages to dl.
func (p *Processor) WithDeadLetter(dl DeadLetter) *Processor {
	p.deadLetter = dl
	return p
}

// WithMetrics sets the metrics sink.
func (p *Processor) WithMetrics(m Metrics) *Processor {
	if m != nil {
		p.metrics = m
	}
	return p
}

// WithLogger sets the logger
func (p *Processor) WithLogger(l *slog.Logger) *Processor {
	if l != nil {
		p.logger = l
	}
	return p
}

// Process handles msgs in order. Skipped messages count as consumed. The
// returned error is only ever a persistence error, in which case no message
// of the batch may be committed.
func (p *Processor) Process(ctx context.Context, msgs []*sarama.ConsumerMessage) (Result, error) {
	res := Result{Messages: len(msgs)}
	valid := make([]envelope.Envelope, 0, len(msgs))

	for _, msg := range msgs {
		env, err := envelope.Decode(msg.Value)
		switch {
		case err == nil:
			valid = append(valid, env)
			res.Valid++
			p.metrics.MessageConsumed(msg.Topic, OutcomeValid)
			continue
		case errors.Is(err, envelope.ErrMalformed):
			res.Malformed++
			p.metrics.MessageConsumed(msg.Topic, OutcomeMalformed)
			p.logger.Error("failed to decode message, skipping", "error", err,
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
		default:
			res.Invalid++
			p.metrics.MessageConsumed(msg.Topic, OutcomeInvalid)
			attrs := []any{"error", err, "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset}
			var ve *envelope.ValidationError
			if errors.As(err, &ve) {
				attrs = append(attrs, "issues", ve.Issues)
			}
			p.logger.Warn("message validation failed, skipping", attrs...)
		}

		if p.deadLetter != nil {
			p.deadLetter.Send(ctx, msg, err)
		}
	}

	if len(valid) == 0 {
		return res, nil
	}

	start := p.now()
	inserted, err := p.repo.InsertAll(ctx, valid)
	elapsed := p.now().Sub(start)
	if err != nil {
		p.metrics.BatchFailed(len(valid), elapsed)
		return res, err
	}

	res.Inserted = inserted
	p.metrics.BatchPersisted(len(valid), inserted, elapsed)
	return res, nil
}
