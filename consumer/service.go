package consumer

import (
	"context"
	"log/slog"

	"github.com/IBM/sarama"

	"github.com/rbaliyan/scadaflow/routing"
	"github.com/rbaliyan/scadaflow/transport/kafka"
)

// Service runs a Handler in a consumer group until its context ends.
//
// Example:
//
//	cfg, _ := kafka.NewConsumerConfig(clientCfg, kafka.ConsumerSettings{})
//	group, _ := sarama.NewConsumerGroup(brokers, "master-aggregator", cfg)
//	proc := consumer.NewProcessor(historian.NewPostgresRepository(db))
//	svc := consumer.NewService(group, consumer.NewHandler(proc))
//	err := svc.Run(ctx)
type Service struct {
	group   sarama.ConsumerGroup
	handler sarama.ConsumerGroupHandler
	topics  []string
	opts    []kafka.Option
	logger  *slog.Logger
}

// NewService consumes every pipeline topic with handler.
func NewService(group sarama.ConsumerGroup, handler sarama.ConsumerGroupHandler) *Service {
	return &Service{
		group:   group,
		handler: handler,
		topics:  routing.Topics(),
		logger:  slog.Default().With("component", "consumer.service"),
	}
}

// WithTopics overrides the subscribed topics.
func (s *Service) WithTopics(topics ...string) *Service {
	if len(topics) > 0 {
		s.topics = topics
	}
	return s
}

// WithLoopOptions passes options to the consume loop.
func (s *Service) WithLoopOptions(opts ...kafka.Option) *Service {
	s.opts = append(s.opts, opts...)
	return s
}

// WithLogger sets the logger
func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.logger = l
		s.opts = append(s.opts, kafka.WithLogger(l))
	}
	return s
}

// Run consumes until ctx is cancelled or the group is closed.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("consumer running", "topics", s.topics)
	err := kafka.ConsumeLoop(ctx, s.group, s.topics, s.handler, s.opts...)
	s.logger.Info("consumer stopped", "reason", err)
	return err
}

// Close leaves the group. An in-flight batch completes first.
func (s *Service) Close() error {
	return s.group.Close()
}
