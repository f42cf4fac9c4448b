package main

import (
	"errors"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/spf13/cobra"

	"github.com/rbaliyan/scadaflow/consumer"
	"github.com/rbaliyan/scadaflow/historian"
	"github.com/rbaliyan/scadaflow/metrics"
	"github.com/rbaliyan/scadaflow/migrations"
	"github.com/rbaliyan/scadaflow/transaction"
)

var historianMigrate bool

var historianCmd = &cobra.Command{
	Use:   "historian",
	Short: "Run the historian consumer",
	Long: `Consumes every pipeline topic in the configured consumer group and persists
batches into the historian database. Offsets are committed only after a batch
is stored.`,
	RunE: runHistorian,
}

func init() {
	historianCmd.Flags().BoolVar(&historianMigrate, "migrate", false, "apply the historian schema before starting")
	rootCmd.AddCommand(historianCmd)
}

func runHistorian(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	logger := slog.Default().With("consumer_group", cfg.Kafka.ConsumerGroup)
	logger.Info("historian starting")

	db, err := openDB(ctx, cfg.Historian.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if historianMigrate {
		if err := migrations.Up(ctx, db, migrations.Historian, logger); err != nil {
			return err
		}
	}

	var repo historian.Repository = historian.NewPostgresRepository(db).
		WithChunkSize(cfg.Historian.ChunkSize).
		WithTransactionManager(transaction.NewSQLManager(db))

	if cfg.Historian.RedisURL != "" {
		rdb, err := newRedis(ctx, cfg.Historian.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		repo = historian.NewLatestCache(repo, rdb).WithTTL(cfg.Historian.LatestTTL)
		logger.Info("latest value cache enabled")
	}

	reg := newRegistry()
	consumerMetrics := metrics.NewConsumer()
	if err := consumerMetrics.Register(reg); err != nil {
		return err
	}

	proc := consumer.NewProcessor(repo).WithMetrics(consumerMetrics)

	if topic := cfg.Consumer.DeadLetterTopic; topic != "" {
		producer, err := newSyncProducer()
		if err != nil {
			return err
		}
		dlq := consumer.NewDeadLetterProducer(producer, topic)
		defer dlq.Close()
		proc = proc.WithDeadLetter(dlq)
		logger.Info("dead letter topic enabled", "topic", topic)
	}

	handler := consumer.NewHandler(proc).
		WithBatchSize(cfg.Consumer.BatchSize).
		WithBatchWait(cfg.Consumer.BatchWait).
		WithRetryBackoff(cfg.Consumer.RetryBackoff)

	group, err := newConsumerGroup()
	if err != nil {
		return err
	}
	svc := consumer.NewService(group, handler).WithLogger(logger.With("component", "consumer.service"))
	defer func() {
		if err := svc.Close(); err != nil && !errors.Is(err, sarama.ErrClosedConsumerGroup) {
			logger.Warn("failed to close consumer group", "error", err)
		}
	}()

	serveMetrics(ctx, reg)

	err = svc.Run(ctx)
	if err != nil && ctx.Err() == nil && !errors.Is(err, sarama.ErrClosedConsumerGroup) {
		logger.Error("historian consumer failed", "error", err)
		return err
	}
	logger.Info("historian shutdown complete")
	return nil
}
