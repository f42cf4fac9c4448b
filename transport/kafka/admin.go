package kafka

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/rbaliyan/scadaflow/routing"
)

// TopicSpec describes a topic to provision.
type TopicSpec struct {
	Name        string
	Partitions  int32
	Replication int16
	Retention   time.Duration
}

// DefaultTopics returns the pipeline topics with their partition count and
// retention.
func DefaultTopics(replication int16) []TopicSpec {
	if replication <= 0 {
		replication = 1
	}
	topics := routing.Topics()
	specs := make([]TopicSpec, 0, len(topics))
	for _, name := range topics {
		specs = append(specs, TopicSpec{
			Name:        name,
			Partitions:  routing.MinPartitions,
			Replication: replication,
			Retention:   routing.Retention(name),
		})
	}
	return specs
}

// EnsureTopics creates missing topics. Existing topics are left untouched.
// It returns the names of the topics it created.
func EnsureTopics(admin sarama.ClusterAdmin, specs []TopicSpec, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default().With("component", "kafka.admin")
	}

	var created []string
	for _, spec := range specs {
		detail := &sarama.TopicDetail{
			NumPartitions:     spec.Partitions,
			ReplicationFactor: spec.Replication,
		}
		if spec.Retention > 0 {
			retentionMs := fmt.Sprintf("%d", spec.Retention.Milliseconds())
			detail.ConfigEntries = map[string]*string{
				"retention.ms": &retentionMs,
			}
		}

		err := admin.CreateTopic(spec.Name, detail, false)
		if err != nil {
			var topicErr *sarama.TopicError
			if errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists {
				logger.Debug("topic exists", "topic", spec.Name)
				continue
			}
			return created, fmt.Errorf("kafka: create topic %s: %w", spec.Name, err)
		}

		logger.Info("created topic", "topic", spec.Name, "partitions", spec.Partitions, "retention", spec.Retention)
		created = append(created, spec.Name)
	}
	return created, nil
}

// TopicLag is the consumer lag of a group on one topic.
type TopicLag struct {
	Topic         string `json:"topic"`
	ConsumerGroup string `json:"consumerGroup"`
	HighWatermark int64  `json:"highWatermark"`
	Committed     int64  `json:"committed"`
	Lag           int64  `json:"lag"`
}

// ConsumerLag sums, per topic, the distance between the newest offset and the
// group's committed offset over all partitions. Partitions without a committed
// offset count in full.
func ConsumerLag(client sarama.Client, admin sarama.ClusterAdmin, group string, topics []string) ([]TopicLag, error) {
	partitions := make(map[string][]int32, len(topics))
	for _, topic := range topics {
		ps, err := client.Partitions(topic)
		if err != nil {
			return nil, fmt.Errorf("kafka: partitions of %s: %w", topic, err)
		}
		partitions[topic] = ps
	}

	offsets, err := admin.ListConsumerGroupOffsets(group, partitions)
	if err != nil {
		return nil, fmt.Errorf("kafka: offsets of group %s: %w", group, err)
	}

	lags := make([]TopicLag, 0, len(topics))
	for _, topic := range topics {
		lag := TopicLag{Topic: topic, ConsumerGroup: group}
		for _, partition := range partitions[topic] {
			newest, err := client.GetOffset(topic, partition, sarama.OffsetNewest)
			if err != nil {
				return nil, fmt.Errorf("kafka: offset of %s/%d: %w", topic, partition, err)
			}
			lag.HighWatermark += newest

			committed := int64(0)
			if block := offsets.GetBlock(topic, partition); block != nil && block.Offset >= 0 {
				committed = block.Offset
			}
			lag.Committed += committed
			lag.Lag += newest - committed
		}
		lags = append(lags, lag)
	}
	return lags, nil
}
