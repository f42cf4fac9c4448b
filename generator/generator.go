// Package generator synthesizes the readings, events and alarms of a field
// node. It is a stand-in for the instrument interface of a real node and
// produces valid envelopes only.
//
// Telemetry follows a mean-reverting random walk per tag with Gaussian
// noise, so consecutive readings drift around the setpoint and sometimes
// leave the physical range. Events and alarms fire with a fixed probability
// per cycle.
package generator

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rbaliyan/scadaflow/envelope"
)

// Identity locates a node in the plant hierarchy.
type Identity struct {
	NodeID int
	Plant  string
	Area   string
	Unit   string
}

// UnitName returns the unit identifier conventionally used for a node.
func UnitName(nodeID int) string {
	return fmt.Sprintf("UNIT_%02d", nodeID)
}

// Asset returns the envelope asset of the identity.
func (id Identity) Asset() envelope.Asset {
	return envelope.Asset{Plant: id.Plant, Area: id.Area, Unit: id.Unit}
}

// TagSpec describes a measured process variable.
type TagSpec struct {
	Tag      string
	Unit     string
	Setpoint float64
	Min      float64
	Max      float64
	Noise    float64
}

// EventSpec describes an operational event.
type EventSpec struct {
	Tag         string
	Unit        string
	Probability float64
}

// AlarmSpec describes an alarm condition.
type AlarmSpec struct {
	Tag         string
	Unit        string
	Severity    envelope.Severity
	Probability float64
	Threshold   float64
}

// DefaultTags are the measured variables of every unit.
var DefaultTags = []TagSpec{
	{Tag: "FLOW_RATE", Unit: "m3/h", Setpoint: 50, Min: 0, Max: 120, Noise: 5},
	{Tag: "PRESSURE", Unit: "bar", Setpoint: 12, Min: 0, Max: 30, Noise: 1.5},
	{Tag: "TEMPERATURE", Unit: "°C", Setpoint: 180, Min: -20, Max: 400, Noise: 8},
}

// DefaultEvents are the operational events of every unit.
var DefaultEvents = []EventSpec{
	{Tag: "UNIT_START", Unit: "state", Probability: 0.005},
	{Tag: "UNIT_STOP", Unit: "state", Probability: 0.005},
	{Tag: "MODE_CHANGE", Unit: "mode", Probability: 0.02},
	{Tag: "SETPOINT_CHANGE", Unit: "setpoint", Probability: 0.05},
	{Tag: "MAINTENANCE", Unit: "state", Probability: 0.002},
}

// DefaultAlarms are the alarm conditions of every unit.
var DefaultAlarms = []AlarmSpec{
	{Tag: "HIGH_FLOW", Unit: "m3/h", Severity: envelope.SeverityMedium, Probability: 0.008, Threshold: 95},
	{Tag: "LOW_PRESSURE", Unit: "bar", Severity: envelope.SeverityHigh, Probability: 0.005, Threshold: 2},
	{Tag: "HIGH_TEMP", Unit: "°C", Severity: envelope.SeverityHigh, Probability: 0.004, Threshold: 320},
	{Tag: "CRITICAL_TEMP", Unit: "°C", Severity: envelope.SeverityCritical, Probability: 0.001, Threshold: 380},
	{Tag: "VIBRATION_HIGH", Unit: "mm/s", Severity: envelope.SeverityMedium, Probability: 0.006, Threshold: 7.1},
	{Tag: "INSTRUMENT_FAULT", Unit: "fault", Severity: envelope.SeverityLow, Probability: 0.003, Threshold: 1},
}

// Modes are the operating modes a MODE_CHANGE value indexes.
var Modes = []string{"AUTO", "MANUAL", "CASCADE", "REMOTE", "LOCAL"}

type options struct {
	rng    *rand.Rand
	now    func() time.Time
	tags   []TagSpec
	events []EventSpec
	alarms []AlarmSpec
}

// Option configures a Generator.
type Option func(*options)

// WithSeed makes the generator deterministic.
func WithSeed(seed uint64) Option {
	return func(o *options) {
		o.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// WithClock sets the time source of envelope timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithTags replaces the measured variables.
func WithTags(tags ...TagSpec) Option {
	return func(o *options) { o.tags = tags }
}

// WithEvents replaces the operational events.
func WithEvents(events ...EventSpec) Option {
	return func(o *options) { o.events = events }
}

// WithAlarms replaces the alarm conditions.
func WithAlarms(alarms ...AlarmSpec) Option {
	return func(o *options) { o.alarms = alarms }
}

// Generator produces envelopes for one node. It is safe for concurrent use.
type Generator struct {
	id   Identity
	opts options

	mu      sync.Mutex
	current map[string]float64
}

// New creates a generator for id.
func New(id Identity, opts ...Option) *Generator {
	o := options{
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		now:    time.Now,
		tags:   DefaultTags,
		events: DefaultEvents,
		alarms: DefaultAlarms,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Generator{id: id, opts: o, current: make(map[string]float64)}
}

// Cycle returns one cycle of telemetry, events and alarms, in that order.
func (g *Generator) Cycle() []envelope.Envelope {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.timestamp()
	out := g.telemetry(ts)
	out = append(out, g.eventsAt(ts)...)
	return append(out, g.alarmsAt(ts)...)
}

// Telemetry returns one reading per measured variable.
func (g *Generator) Telemetry() []envelope.Envelope {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.telemetry(g.timestamp())
}

// Events returns the operational events that fired this cycle, if any.
func (g *Generator) Events() []envelope.Envelope {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.eventsAt(g.timestamp())
}

// Alarms returns the alarms that fired this cycle, if any.
func (g *Generator) Alarms() []envelope.Envelope {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.alarmsAt(g.timestamp())
}

func (g *Generator) timestamp() time.Time {
	return g.opts.now().UTC().Truncate(time.Millisecond)
}

func (g *Generator) envelope(ts time.Time, tag, unit string, value float64, q envelope.Quality, c envelope.Category) envelope.Envelope {
	return envelope.Envelope{
		EventID:   uuid.NewString(),
		Timestamp: ts,
		Asset:     g.id.Asset(),
		Tag:       tag,
		Value:     value,
		Unit:      unit,
		Quality:   q,
		Category:  c,
		NodeID:    g.id.NodeID,
	}
}

func (g *Generator) telemetry(ts time.Time) []envelope.Envelope {
	out := make([]envelope.Envelope, 0, len(g.opts.tags))
	for _, spec := range g.opts.tags {
		key := fmt.Sprintf("%d-%s", g.id.NodeID, spec.Tag)
		cur, ok := g.current[key]
		if !ok {
			cur = spec.Setpoint
		}

		drift := (spec.Setpoint - cur) * 0.1
		noise := g.opts.rng.NormFloat64() * spec.Noise
		v := round2(cur + drift + noise)
		v = math.Max(spec.Min-spec.Noise, math.Min(spec.Max+spec.Noise, v))
		g.current[key] = v

		out = append(out, g.envelope(ts, spec.Tag, spec.Unit, v, Quality(v, spec), envelope.CategoryTelemetry))
	}
	return out
}

func (g *Generator) eventsAt(ts time.Time) []envelope.Envelope {
	var out []envelope.Envelope
	for _, spec := range g.opts.events {
		if g.opts.rng.Float64() >= spec.Probability {
			continue
		}
		var v float64
		switch spec.Tag {
		case "UNIT_START":
			v = 1
		case "UNIT_STOP":
			v = 0
		case "MODE_CHANGE":
			v = float64(g.opts.rng.IntN(len(Modes)))
		case "SETPOINT_CHANGE":
			v = round2(20 + g.opts.rng.Float64()*80)
		case "MAINTENANCE":
			if g.opts.rng.Float64() > 0.5 {
				v = 1
			}
		}
		out = append(out, g.envelope(ts, spec.Tag, spec.Unit, v, envelope.QualityGood, envelope.CategoryEvent))
	}
	return out
}

func (g *Generator) alarmsAt(ts time.Time) []envelope.Envelope {
	var out []envelope.Envelope
	for _, spec := range g.opts.alarms {
		if g.opts.rng.Float64() >= spec.Probability {
			continue
		}
		e := g.envelope(ts, spec.Tag, spec.Unit, round2(spec.Threshold+g.opts.rng.Float64()*10),
			envelope.QualityGood, envelope.CategoryAlarm)
		e.Severity = spec.Severity
		out = append(out, e)
	}
	return out
}

// Quality grades a reading against the physical range of its tag: outside
// the range is OOR, within 5% of either limit is UNCERTAIN.
func Quality(v float64, spec TagSpec) envelope.Quality {
	if v < spec.Min || v > spec.Max {
		return envelope.QualityOutOfRange
	}
	margin := (spec.Max - spec.Min) * 0.05
	if v < spec.Min+margin || v > spec.Max-margin {
		return envelope.QualityUncertain
	}
	return envelope.QualityGood
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
