package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/rbaliyan/scadaflow/generator"
	"github.com/rbaliyan/scadaflow/localcache"
	"github.com/rbaliyan/scadaflow/metrics"
	"github.com/rbaliyan/scadaflow/migrations"
	"github.com/rbaliyan/scadaflow/node"
	"github.com/rbaliyan/scadaflow/outbox"
	"github.com/rbaliyan/scadaflow/transaction"
	"github.com/rbaliyan/scadaflow/transport/kafka"
)

var nodeMigrate bool

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a field node",
	Long: `Runs the generation loop, the outbox dispatcher and the outbox pruner of a
single field node until SIGINT or SIGTERM.`,
	RunE: runNode,
}

func init() {
	nodeCmd.Flags().BoolVar(&nodeMigrate, "migrate", false, "apply the producer schema before starting")
	rootCmd.AddCommand(nodeCmd)
}

func runNode(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	logger := slog.Default().With("node_id", cfg.Node.ID, "plant", cfg.Node.Plant, "area", cfg.Node.Area, "unit", cfg.Node.Unit)
	logger.Info("field node starting")

	db, err := openDB(ctx, cfg.Producer.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if nodeMigrate {
		if err := migrations.Up(ctx, db, migrations.Producer, logger); err != nil {
			return err
		}
	}

	producer, err := newSyncProducer()
	if err != nil {
		return err
	}
	publisher := kafka.NewPublisher(producer, kafka.WithLogger(logger))
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("failed to close producer", "error", err)
		}
	}()

	store := outbox.NewPostgresStore(db)
	cache := localcache.NewPostgresStore(db)

	reg := newRegistry()
	dispatcherMetrics := metrics.NewDispatcher()
	if err := dispatcherMetrics.Register(reg); err != nil {
		return err
	}
	otelMetrics, err := metrics.NewOTelDispatcher(nil)
	if err != nil {
		return err
	}

	dispatcher := outbox.NewDispatcher(store, publisher).
		WithBatchSize(cfg.Outbox.BatchSize).
		WithPollInterval(cfg.Outbox.PollInterval).
		WithMaxRetries(cfg.Outbox.MaxRetries).
		WithLockTimeout(cfg.Outbox.LockTimeout).
		WithRecoveryInterval(cfg.Outbox.RecoveryInterval).
		WithPublishTimeout(cfg.Outbox.PublishTimeout).
		WithRateLimit(cfg.Outbox.RateLimit, cfg.Outbox.RateBurst).
		WithMetrics(metrics.Fanout{dispatcherMetrics, otelMetrics})
	reg.MustRegister(metrics.NewOutboxCollector(dispatcher))

	pruner := outbox.NewPruner(store).
		WithLocalCache(cache).
		WithRetention(cfg.Storage.Retention()).
		WithInterval(cfg.Storage.PruneInterval)

	writer := outbox.NewWriter(transaction.NewSQLManager(db), store).WithLocalCache(cache)

	id := generator.Identity{NodeID: cfg.Node.ID, Plant: cfg.Node.Plant, Area: cfg.Node.Area, Unit: cfg.Node.Unit}
	n := node.New(generator.New(id), writer, dispatcher, pruner).
		WithLocalCache(cfg.Outbox.LocalCache).
		WithInterval(cfg.Node.Interval).
		WithStatusEvery(cfg.Node.MetricsLogInterval).
		WithPendingWarn(cfg.Node.PendingWarn).
		WithLogger(logger.With("component", "node"))

	serveMetrics(ctx, reg)

	if err := n.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("field node failed", "error", err)
		return err
	}
	logger.Info("field node shutdown complete")
	return nil
}
