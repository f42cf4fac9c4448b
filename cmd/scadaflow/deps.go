package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/rbaliyan/scadaflow/metrics"
	"github.com/rbaliyan/scadaflow/transport/kafka"
)

const pingTimeout = 10 * time.Second

// openDB opens a pgx pool and pings it so a bad URL fails at startup.
func openDB(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func newSyncProducer() (sarama.SyncProducer, error) {
	sc, err := kafka.NewProducerConfig(cfg.Kafka.ClientConfig, kafka.ProducerSettings{
		Timeout: cfg.Outbox.PublishTimeout,
	})
	if err != nil {
		return nil, err
	}
	p, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return p, nil
}

func newConsumerGroup() (sarama.ConsumerGroup, error) {
	sc, err := kafka.NewConsumerConfig(cfg.Kafka.ClientConfig, kafka.ConsumerSettings{
		SessionTimeout:    cfg.Kafka.SessionTimeout,
		HeartbeatInterval: cfg.Kafka.HeartbeatInterval,
	})
	if err != nil {
		return nil, err
	}
	group, err := sarama.NewConsumerGroup(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, sc)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return group, nil
}

// newAdmin returns a client and a cluster admin sharing it. Closing the
// admin closes the client.
func newAdmin() (sarama.Client, sarama.ClusterAdmin, error) {
	sc, err := kafka.NewProducerConfig(cfg.Kafka.ClientConfig, kafka.ProducerSettings{})
	if err != nil {
		return nil, nil, err
	}
	client, err := sarama.NewClient(cfg.Kafka.Brokers, sc)
	if err != nil {
		return nil, nil, fmt.Errorf("create kafka client: %w", err)
	}
	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("create cluster admin: %w", err)
	}
	return client, admin, nil
}

// newRedis parses url and pings the server.
func newRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// newRegistry returns a registry with the process and Go runtime collectors.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return reg
}

// serveMetrics serves reg until ctx ends. It is a no-op without an address.
func serveMetrics(ctx context.Context, reg *prometheus.Registry) {
	if cfg.Metrics.ListenAddr == "" {
		return
	}
	go func() {
		if err := metrics.Serve(ctx, cfg.Metrics.ListenAddr, reg, nil); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
}
