// Package envelope defines the canonical wire record exchanged between field
// nodes and the historian, together with its validation rules.
//
// Every reading, event and alarm travels as an Envelope. Producers validate
// before staging a row in the outbox and the historian consumer validates again
// before persistence, so an invalid envelope never advances the pipeline.
//
// Example:
//
//	env := envelope.Envelope{
//	    EventID:   uuid.NewString(),
//	    Timestamp: time.Now().UTC(),
//	    Asset:     envelope.Asset{Plant: "PLANT_01", Area: "AREA_01", Unit: "UNIT_01"},
//	    Tag:       "FLOW_RATE",
//	    Value:     42.5,
//	    Unit:      "m3/h",
//	    Quality:   envelope.QualityGood,
//	    Category:  envelope.CategoryTelemetry,
//	    NodeID:    1,
//	}
//	if err := env.Validate(); err != nil {
//	    return err
//	}
package envelope

import (
	"encoding/json"
	"strings"
	"time"
)

// Quality is the signal quality reported by the instrument.
type Quality string

const (
	QualityGood       Quality = "GOOD"
	QualityBad        Quality = "BAD"
	QualityUncertain  Quality = "UNCERTAIN"
	QualityOutOfRange Quality = "OOR"
)

// Valid reports whether q is one of the known quality codes.
func (q Quality) Valid() bool {
	switch q {
	case QualityGood, QualityBad, QualityUncertain, QualityOutOfRange:
		return true
	}
	return false
}

// Category classifies an envelope. It selects the topic family and the
// historian table.
type Category string

const (
	CategoryTelemetry Category = "telemetry"
	CategoryEvent     Category = "event"
	CategoryAlarm     Category = "alarm"
)

// Categories returns all categories in a stable order.
func Categories() []Category {
	return []Category{CategoryTelemetry, CategoryEvent, CategoryAlarm}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryTelemetry, CategoryEvent, CategoryAlarm:
		return true
	}
	return false
}

// Severity ranks alarms.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// DefaultSeverity is applied to alarms that arrive without a severity.
const DefaultSeverity = SeverityMedium

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// TelemetryKind is the measurement family of a telemetry envelope.
type TelemetryKind int

const (
	KindFlow TelemetryKind = iota
	KindPressure
	KindTemperature
)

func (k TelemetryKind) String() string {
	switch k {
	case KindPressure:
		return "pressure"
	case KindTemperature:
		return "temperature"
	default:
		return "flow"
	}
}

// KindOf derives the telemetry family from a tag name. Tags that match no
// family are treated as flow.
func KindOf(tag string) TelemetryKind {
	t := strings.ToUpper(tag)
	switch {
	case strings.Contains(t, "FLOW"):
		return KindFlow
	case strings.Contains(t, "PRESSURE"):
		return KindPressure
	case strings.Contains(t, "TEMP"):
		return KindTemperature
	default:
		return KindFlow
	}
}

// Asset locates the source equipment in the plant hierarchy.
type Asset struct {
	Plant string `json:"plant"`
	Area  string `json:"area"`
	Unit  string `json:"unit"`
}

// Envelope is the wire record for a single reading, event or alarm.
type Envelope struct {
	EventID   string    `json:"eventId"`
	Timestamp time.Time `json:"timestamp"`
	Asset     Asset     `json:"asset"`
	Tag       string    `json:"tag"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Quality   Quality   `json:"quality"`
	Category  Category  `json:"category"`
	NodeID    int       `json:"nodeId"`

	// Severity is only carried by alarms.
	Severity Severity `json:"severity,omitempty"`
}

// AlarmSeverity returns the envelope severity or DefaultSeverity when unset.
func (e Envelope) AlarmSeverity() Severity {
	if e.Severity == "" {
		return DefaultSeverity
	}
	return e.Severity
}

// MarshalJSON encodes the envelope with its timestamp in TimeLayout.
func (e Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	return json.Marshal(struct {
		plain
		Timestamp string `json:"timestamp"`
	}{plain: plain(e), Timestamp: FormatTime(e.Timestamp)})
}

// TimeLayout is the timestamp layout emitted by producers
// (millisecond precision, UTC designator).
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders t in TimeLayout after converting it to UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}
