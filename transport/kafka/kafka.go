// Package kafka provides the Kafka plumbing of the pipeline on top of
// IBM/sarama: client configuration, the synchronous publisher used by the
// outbox dispatcher, topic provisioning, consumer lag and the consumer group
// loop used by the historian.
//
// Features:
//   - Idempotent producer with acks=all and one in-flight request per broker
//   - At-least-once consumption via explicit offset marking and commit
//   - Automatic rejoin with jittered exponential backoff
//   - SASL/SCRAM and TLS
//
// IMPORTANT: Auto-commit must be disabled on consumer configs. NewConsumerConfig
// does this and CheckAutoCommit guards hand-built configs.
package kafka

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Errors
var (
	ErrNoBrokers         = errors.New("kafka: at least one broker is required")
	ErrAutoCommitEnabled = errors.New("kafka: auto-commit must be disabled for at-least-once delivery - set Consumer.Offsets.AutoCommit.Enable = false")
)

// CheckAutoCommit returns ErrAutoCommitEnabled if cfg commits offsets on its
// own.
func CheckAutoCommit(cfg *sarama.Config) error {
	if cfg.Consumer.Offsets.AutoCommit.Enable {
		return ErrAutoCommitEnabled
	}
	return nil
}

type options struct {
	logger     *slog.Logger
	propagator propagation.TextMapPropagator
	minBackoff time.Duration
	maxBackoff time.Duration
}

func newOptions(component string, opts []Option) options {
	o := options{
		logger:     slog.Default().With("component", component),
		propagator: otel.GetTextMapPropagator(),
		minBackoff: 100 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures the publisher and the consume loop.
type Option func(*options)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPropagator sets the propagator used to inject trace context into
// message headers.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(o *options) {
		if p != nil {
			o.propagator = p
		}
	}
}

// WithBackoff sets the bounds of the rejoin backoff.
func WithBackoff(minimum, maximum time.Duration) Option {
	return func(o *options) {
		if minimum > 0 {
			o.minBackoff = minimum
		}
		if maximum >= o.minBackoff {
			o.maxBackoff = maximum
		}
	}
}

// ConsumeLoop joins group for topics and keeps consuming until ctx is
// cancelled or the group is closed. Every session end (rebalance, a claim
// handler returning) rejoins from the last committed offsets; errors back off
// with jitter.
func ConsumeLoop(ctx context.Context, group sarama.ConsumerGroup, topics []string, handler sarama.ConsumerGroupHandler, opts ...Option) error {
	o := newOptions("kafka.consumer", opts)

	go func() {
		for err := range group.Errors() {
			o.logger.Error("consumer group error", "error", err)
		}
	}()

	backoff := o.minBackoff
	for {
		err := group.Consume(ctx, topics, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return err
		}
		if err == nil {
			backoff = o.minBackoff
			continue
		}

		wait := Jitter(backoff, 0.3)
		o.logger.Error("consumer error, retrying with backoff", "error", err, "backoff", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff = min(backoff*2, o.maxBackoff)
	}
}

// Jitter adds random jitter to a duration.
// Factor is the maximum jitter as a fraction (e.g., 0.3 = ±30%).
func Jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || factor > 1 {
		return d
	}
	jitter := (rand.Float64()*2 - 1) * factor
	return time.Duration(float64(d) * (1 + jitter))
}
