package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rbaliyan/scadaflow/outbox"
)

// OTelDispatcher reports dispatcher outcomes through an OpenTelemetry meter,
// for hosts that export metrics over OTLP instead of scraping.
type OTelDispatcher struct {
	published metric.Int64Counter
	retried   metric.Int64Counter
	failed    metric.Int64Counter
	recovered metric.Int64Counter
}

// NewOTelDispatcher creates the instruments on meter, or on the global
// meter provider if meter is nil.
func NewOTelDispatcher(meter metric.Meter) (*OTelDispatcher, error) {
	if meter == nil {
		meter = otel.Meter("github.com/rbaliyan/scadaflow/outbox")
	}

	var (
		m   OTelDispatcher
		err error
	)
	if m.published, err = meter.Int64Counter("scadaflow.dispatcher.published",
		metric.WithDescription("Outbox rows acknowledged by the broker")); err != nil {
		return nil, err
	}
	if m.retried, err = meter.Int64Counter("scadaflow.dispatcher.retried",
		metric.WithDescription("Failed publishes scheduled for retry")); err != nil {
		return nil, err
	}
	if m.failed, err = meter.Int64Counter("scadaflow.dispatcher.failed",
		metric.WithDescription("Outbox rows parked as FAILED")); err != nil {
		return nil, err
	}
	if m.recovered, err = meter.Int64Counter("scadaflow.dispatcher.recovered",
		metric.WithDescription("Stale claims returned to PENDING")); err != nil {
		return nil, err
	}
	return &m, nil
}

func topicAttr(topic string) metric.AddOption {
	return metric.WithAttributes(attribute.String("topic", topic))
}

func (m *OTelDispatcher) Published(topic string) {
	m.published.Add(context.Background(), 1, topicAttr(topic))
}

func (m *OTelDispatcher) Retried(topic string) {
	m.retried.Add(context.Background(), 1, topicAttr(topic))
}

func (m *OTelDispatcher) Failed(topic string) {
	m.failed.Add(context.Background(), 1, topicAttr(topic))
}

func (m *OTelDispatcher) Recovered(n int64) {
	m.recovered.Add(context.Background(), n)
}

// Fanout sends dispatcher outcomes to several sinks.
type Fanout []outbox.Metrics

func (f Fanout) Published(topic string) {
	for _, m := range f {
		m.Published(topic)
	}
}

func (f Fanout) Retried(topic string) {
	for _, m := range f {
		m.Retried(topic)
	}
}

func (f Fanout) Failed(topic string) {
	for _, m := range f {
		m.Failed(topic)
	}
}

func (f Fanout) Recovered(n int64) {
	for _, m := range f {
		m.Recovered(n)
	}
}

var (
	_ outbox.Metrics = (*OTelDispatcher)(nil)
	_ outbox.Metrics = Fanout(nil)
)
