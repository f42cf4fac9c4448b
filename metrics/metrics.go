// Package metrics exposes pipeline metrics to Prometheus.
//
// Dispatcher and Consumer implement the metrics hooks of the outbox and
// consumer packages. OutboxCollector reads the outbox snapshot on every
// scrape so row counts are never stale.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rbaliyan/scadaflow/consumer"
	"github.com/rbaliyan/scadaflow/outbox"
)

// Namespace prefixes every metric.
const Namespace = "scadaflow"

// Dispatcher counts dispatcher outcomes per topic.
type Dispatcher struct {
	published *prometheus.CounterVec
	retried   *prometheus.CounterVec
	failed    *prometheus.CounterVec
	recovered prometheus.Counter
}

// NewDispatcher creates dispatcher metrics.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "dispatcher",
			Name:      "published_total",
			Help:      "Outbox rows acknowledged by the broker",
		}, []string{"topic"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "dispatcher",
			Name:      "retried_total",
			Help:      "Failed publishes scheduled for retry",
		}, []string{"topic"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "dispatcher",
			Name:      "failed_total",
			Help:      "Outbox rows parked as FAILED after the retry ceiling",
		}, []string{"topic"}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "dispatcher",
			Name:      "recovered_total",
			Help:      "Stale claims returned to PENDING by the recovery sweep",
		}),
	}
}

func (m *Dispatcher) Published(topic string) { m.published.WithLabelValues(topic).Inc() }
func (m *Dispatcher) Retried(topic string)   { m.retried.WithLabelValues(topic).Inc() }
func (m *Dispatcher) Failed(topic string)    { m.failed.WithLabelValues(topic).Inc() }
func (m *Dispatcher) Recovered(n int64)      { m.recovered.Add(float64(n)) }

func (m *Dispatcher) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.published, m.retried, m.failed, m.recovered}
}

// Register registers the metrics with r, or the default registerer if r is nil.
func (m *Dispatcher) Register(r prometheus.Registerer) error {
	return register(r, m.collectors()...)
}

// Consumer counts consumer outcomes.
type Consumer struct {
	messages   *prometheus.CounterVec
	inserted   prometheus.Counter
	duplicates prometheus.Counter
	failures   prometheus.Counter
	duration   *prometheus.HistogramVec
}

// NewConsumer creates consumer metrics.
func NewConsumer() *Consumer {
	return &Consumer{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "consumer",
			Name:      "messages_total",
			Help:      "Consumed messages by outcome",
		}, []string{"topic", "outcome"}),
		inserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "historian",
			Name:      "inserted_total",
			Help:      "New historian rows",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "historian",
			Name:      "duplicates_total",
			Help:      "Redelivered envelopes already present in the historian",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "consumer",
			Name:      "batch_failures_total",
			Help:      "Batches whose persistence failed and will be redelivered",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "consumer",
			Name:      "persist_duration_seconds",
			Help:      "Duration of historian batch inserts",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"result"}),
	}
}

func (m *Consumer) MessageConsumed(topic string, outcome consumer.Outcome) {
	m.messages.WithLabelValues(topic, string(outcome)).Inc()
}

func (m *Consumer) BatchPersisted(valid int, inserted int64, d time.Duration) {
	m.inserted.Add(float64(inserted))
	if dup := int64(valid) - inserted; dup > 0 {
		m.duplicates.Add(float64(dup))
	}
	m.duration.WithLabelValues("ok").Observe(d.Seconds())
}

func (m *Consumer) BatchFailed(valid int, d time.Duration) {
	m.failures.Inc()
	m.duration.WithLabelValues("error").Observe(d.Seconds())
}

// Register registers the metrics with r, or the default registerer if r is nil.
func (m *Consumer) Register(r prometheus.Registerer) error {
	return register(r, m.messages, m.inserted, m.duplicates, m.failures, m.duration)
}

// Snapshotter reports the outbox snapshot.
type Snapshotter interface {
	Metrics(ctx context.Context) (outbox.Snapshot, error)
}

// OutboxCollector exports outbox row counts by status and the age of the
// oldest pending row.
type OutboxCollector struct {
	source  Snapshotter
	timeout time.Duration
	logger  *slog.Logger

	rows      *prometheus.Desc
	oldestAge *prometheus.Desc
	up        *prometheus.Desc
}

// NewOutboxCollector reads snapshots from source.
func NewOutboxCollector(source Snapshotter) *OutboxCollector {
	return &OutboxCollector{
		source:  source,
		timeout: 5 * time.Second,
		logger:  slog.Default().With("component", "metrics.outbox"),
		rows: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "outbox", "rows"),
			"Outbox rows by status", []string{"status"}, nil),
		oldestAge: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "outbox", "oldest_pending_age_seconds"),
			"Age of the oldest PENDING row", nil, nil),
		up: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "outbox", "up"),
			"Whether the last snapshot query succeeded", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *OutboxCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.rows
	ch <- c.oldestAge
	ch <- c.up
}

// Collect implements prometheus.Collector.
func (c *OutboxCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	snap, err := c.source.Metrics(ctx)
	if err != nil {
		c.logger.Warn("failed to read outbox snapshot", "error", err)
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}

	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	counts := map[outbox.Status]int64{
		outbox.StatusPending:    snap.Pending,
		outbox.StatusInProgress: snap.InProgress,
		outbox.StatusSent:       snap.Sent,
		outbox.StatusFailed:     snap.Failed,
	}
	for _, status := range outbox.Statuses() {
		ch <- prometheus.MustNewConstMetric(c.rows, prometheus.GaugeValue, float64(counts[status]), string(status))
	}
	ch <- prometheus.MustNewConstMetric(c.oldestAge, prometheus.GaugeValue, snap.OldestPendingAge.Seconds())
}

func register(r prometheus.Registerer, cs ...prometheus.Collector) error {
	if r == nil {
		r = prometheus.DefaultRegisterer
	}
	var errs []error
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Serve exposes the metrics of g on addr under /metrics until ctx ends.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default().With("component", "metrics.server")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

var (
	_ outbox.Metrics       = (*Dispatcher)(nil)
	_ consumer.Metrics     = (*Consumer)(nil)
	_ prometheus.Collector = (*OutboxCollector)(nil)
)
