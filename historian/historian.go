// Package historian persists validated envelopes into the central historian.
//
// Each category has its own append-only table keyed by event id. Inserts skip
// rows whose event id already exists and never update them, so replaying a
// batch after a consumer rebalance or crash leaves the tables unchanged:
//
//	telemetry  <- category "telemetry"
//	events     <- category "event"
//	alarms     <- category "alarm" (severity defaults to MEDIUM)
//
// InsertAll reports only genuinely new rows. Duplicates are not errors.
package historian

import (
	"context"
	"fmt"

	"github.com/rbaliyan/scadaflow/envelope"
)

// Table names.
const (
	TableTelemetry = "telemetry"
	TableEvents    = "events"
	TableAlarms    = "alarms"
)

// Repository stores validated envelopes.
type Repository interface {
	// InsertAll persists envs and returns the number of rows that did not
	// exist before. Envelopes must already be valid.
	InsertAll(ctx context.Context, envs []envelope.Envelope) (int64, error)
}

// Counts breaks an insert down by table.
type Counts struct {
	Telemetry int64 `json:"telemetry"`
	Events    int64 `json:"events"`
	Alarms    int64 `json:"alarms"`
}

// Total returns the sum over all tables.
func (c Counts) Total() int64 {
	return c.Telemetry + c.Events + c.Alarms
}

func (c *Counts) add(cat envelope.Category, n int64) error {
	switch cat {
	case envelope.CategoryTelemetry:
		c.Telemetry += n
	case envelope.CategoryEvent:
		c.Events += n
	case envelope.CategoryAlarm:
		c.Alarms += n
	default:
		return fmt.Errorf("historian: no table for category %q", cat)
	}
	return nil
}

// TableFor returns the table that stores envelopes of category c.
func TableFor(c envelope.Category) (string, error) {
	switch c {
	case envelope.CategoryTelemetry:
		return TableTelemetry, nil
	case envelope.CategoryEvent:
		return TableEvents, nil
	case envelope.CategoryAlarm:
		return TableAlarms, nil
	default:
		return "", fmt.Errorf("historian: no table for category %q", c)
	}
}

// Bucket splits envs by category, keeping their relative order.
func Bucket(envs []envelope.Envelope) map[envelope.Category][]envelope.Envelope {
	out := make(map[envelope.Category][]envelope.Envelope, 3)
	for _, e := range envs {
		out[e.Category] = append(out[e.Category], e)
	}
	return out
}
