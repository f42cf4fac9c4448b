// Package routing maps envelopes to broker topics and partition keys.
//
// Telemetry is split across three sub-topics by measurement family, events and
// alarms each have one topic. The partition key is the dot-joined asset path
// plus tag, so every reading of one tag lands on one partition and keeps its
// order.
package routing

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/rbaliyan/scadaflow/envelope"
)

// Topic names.
const (
	TopicTelemetryFlow        = "scada.l2.telemetry.flow"
	TopicTelemetryPressure    = "scada.l2.telemetry.pressure"
	TopicTelemetryTemperature = "scada.l2.telemetry.temperature"
	TopicEvents               = "scada.l2.events"
	TopicAlarms               = "scada.l2.alarms"
)

// MinPartitions is the partition count topics are provisioned with.
const MinPartitions int32 = 200

const day = 24 * time.Hour

// ErrUnknownCategory is returned for a category outside the closed set.
var ErrUnknownCategory = errors.New("routing: unknown category")

// Route is where a single envelope is published.
type Route struct {
	Topic string
	Key   string
}

// Topics returns every topic the pipeline uses.
func Topics() []string {
	return []string{
		TopicTelemetryFlow,
		TopicTelemetryPressure,
		TopicTelemetryTemperature,
		TopicEvents,
		TopicAlarms,
	}
}

// Retention returns the retention period for a topic. Unknown topics get the
// telemetry retention.
func Retention(topic string) time.Duration {
	switch topic {
	case TopicAlarms:
		return 90 * day
	case TopicEvents:
		return 30 * day
	default:
		return 7 * day
	}
}

// TelemetryTopic returns the sub-topic for a telemetry family.
func TelemetryTopic(kind envelope.TelemetryKind) string {
	switch kind {
	case envelope.KindPressure:
		return TopicTelemetryPressure
	case envelope.KindTemperature:
		return TopicTelemetryTemperature
	default:
		return TopicTelemetryFlow
	}
}

// ResolveTopic returns the topic for a category and tag.
func ResolveTopic(category envelope.Category, tag string) (string, error) {
	switch category {
	case envelope.CategoryAlarm:
		return TopicAlarms, nil
	case envelope.CategoryEvent:
		return TopicEvents, nil
	case envelope.CategoryTelemetry:
		return TelemetryTopic(envelope.KindOf(tag)), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
}

// PartitionKey joins the asset path and tag with dots.
func PartitionKey(plant, area, unit, tag string) string {
	return strings.Join([]string{plant, area, unit, tag}, ".")
}

// KeyOf returns the partition key of an envelope.
func KeyOf(env envelope.Envelope) string {
	return PartitionKey(env.Asset.Plant, env.Asset.Area, env.Asset.Unit, env.Tag)
}

// For resolves the topic and key of an envelope.
func For(env envelope.Envelope) (Route, error) {
	topic, err := ResolveTopic(env.Category, env.Tag)
	if err != nil {
		return Route{}, err
	}
	return Route{Topic: topic, Key: KeyOf(env)}, nil
}

// Partition returns the partition a key is assigned to by the producer's
// default hash partitioner (FNV-1a, signed modulo).
func Partition(key string, numPartitions int32) int32 {
	if numPartitions <= 0 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	p := int32(h.Sum32()) % numPartitions
	if p < 0 {
		p = -p
	}
	return p
}
