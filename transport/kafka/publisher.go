package kafka

import (
	"context"
	"fmt"
	"sort"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/propagation"
)

// Publisher sends messages through a synchronous producer. Publish returns
// only after the broker acknowledged the write, so a nil error means the
// message is durable on all in-sync replicas.
type Publisher struct {
	producer sarama.SyncProducer
	opts     options
}

// NewPublisher wraps producer. The publisher owns producer and closes it in
// Close.
func NewPublisher(producer sarama.SyncProducer, opts ...Option) *Publisher {
	return &Publisher{
		producer: producer,
		opts:     newOptions("kafka.publisher", opts),
	}
}

// Publish sends value to topic under key. The trace context of ctx, if any,
// is added to headers.
//
// Publish returns ctx.Err() once ctx is done even if the producer is still
// waiting on the broker. The abandoned send may still be acknowledged later,
// so callers must treat such an error as "maybe delivered".
func (p *Publisher) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	carrier := propagation.MapCarrier{}
	for k, v := range headers {
		carrier[k] = v
	}
	p.opts.propagator.Inject(ctx, carrier)

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(key),
		Value:   sarama.ByteEncoder(value),
		Headers: recordHeaders(carrier),
	}

	done := make(chan sendResult, 1)
	go func() {
		var r sendResult
		r.partition, r.offset, r.err = p.producer.SendMessage(msg)
		done <- r
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("kafka: publish to %s: %w", topic, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("kafka: publish to %s: %w", topic, r.err)
		}
		p.opts.logger.Debug("published message", "topic", topic, "key", key, "partition", r.partition, "offset", r.offset)
		return nil
	}
}

type sendResult struct {
	partition int32
	offset    int64
	err       error
}

// Close closes the producer.
func (p *Publisher) Close() error {
	return p.producer.Close()
}

func recordHeaders(h map[string]string) []sarama.RecordHeader {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]sarama.RecordHeader, 0, len(keys))
	for _, k := range keys {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: []byte(h[k])})
	}
	return out
}

// Headers returns the headers of a consumed message as a map.
func Headers(msg *sarama.ConsumerMessage) map[string]string {
	out := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		if h != nil {
			out[string(h.Key)] = string(h.Value)
		}
	}
	return out
}
