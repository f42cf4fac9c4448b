package consumer

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/IBM/sarama"
)

// Dead letter headers.
const (
	HeaderOriginalTopic     = "X-Original-Topic"
	HeaderOriginalPartition = "X-Original-Partition"
	HeaderOriginalOffset    = "X-Original-Offset"
	HeaderError             = "X-Error"
	HeaderFailedAt          = "X-Failed-At"
)

// DeadLetterProducer forwards skipped messages to a dead letter topic with
// their original key and value. Sends are best effort.
type DeadLetterProducer struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
	now      func() time.Time
}

// NewDeadLetterProducer sends to topic through producer.
func NewDeadLetterProducer(producer sarama.SyncProducer, topic string) *DeadLetterProducer {
	return &DeadLetterProducer{
		producer: producer,
		topic:    topic,
		logger:   slog.Default().With("component", "consumer.deadletter"),
		now:      time.Now,
	}
}

// WithLogger sets the logger
func (d *DeadLetterProducer) WithLogger(l *slog.Logger) *DeadLetterProducer {
	if l != nil {
		d.logger = l
	}
	return d
}

// Send publishes msg to the dead letter topic. Errors are logged.
func (d *DeadLetterProducer) Send(ctx context.Context, msg *sarama.ConsumerMessage, cause error) {
	if ctx.Err() != nil {
		return
	}

	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}

	out := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.ByteEncoder(msg.Key),
		Value: sarama.ByteEncoder(msg.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderOriginalTopic), Value: []byte(msg.Topic)},
			{Key: []byte(HeaderOriginalPartition), Value: []byte(strconv.FormatInt(int64(msg.Partition), 10))},
			{Key: []byte(HeaderOriginalOffset), Value: []byte(strconv.FormatInt(msg.Offset, 10))},
			{Key: []byte(HeaderError), Value: []byte(reason)},
			{Key: []byte(HeaderFailedAt), Value: []byte(d.now().UTC().Format(time.RFC3339))},
		},
	}

	if _, _, err := d.producer.SendMessage(out); err != nil {
		d.logger.Warn("failed to dead-letter message", "error", err,
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
	}
}

// Close closes the producer.
func (d *DeadLetterProducer) Close() error {
	return d.producer.Close()
}

var _ DeadLetter = (*DeadLetterProducer)(nil)
