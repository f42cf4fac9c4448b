package historian

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rbaliyan/scadaflow/envelope"
	"github.com/rbaliyan/scadaflow/routing"
)

// ErrNoReading is returned by Latest when no value was cached for a key.
var ErrNoReading = errors.New("historian: no cached reading")

/*
Redis Schema:

- Hash: scada:latest:{plant.area.unit.tag} - latest telemetry reading
  fields: event_id, timestamp (unix ms), value, unit, quality, node_id
*/

// Reading is the latest cached value of one tag.
type Reading struct {
	EventID   string           `json:"eventId"`
	Timestamp time.Time        `json:"timestamp"`
	Value     float64          `json:"value"`
	Unit      string           `json:"unit"`
	Quality   envelope.Quality `json:"quality"`
	NodeID    int              `json:"nodeId"`
}

// LatestCache decorates a Repository and keeps the latest telemetry value
// per partition key in Redis. The cache is written after the wrapped insert
// succeeded. Cache failures are logged and never fail the insert.
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	repo := historian.NewLatestCache(historian.NewPostgresRepository(db), rdb).
//	    WithTTL(24 * time.Hour)
type LatestCache struct {
	next   Repository
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewLatestCache wraps next.
func NewLatestCache(next Repository, client redis.Cmdable) *LatestCache {
	return &LatestCache{
		next:   next,
		client: client,
		prefix: "scada:latest:",
		logger: slog.Default().With("component", "historian.latest"),
	}
}

// WithKeyPrefix sets the key prefix (default "scada:latest:").
func (c *LatestCache) WithKeyPrefix(prefix string) *LatestCache {
	c.prefix = prefix
	return c
}

// WithTTL expires cached readings that are not refreshed. Zero keeps them.
func (c *LatestCache) WithTTL(ttl time.Duration) *LatestCache {
	c.ttl = ttl
	return c
}

// WithLogger sets the logger
func (c *LatestCache) WithLogger(l *slog.Logger) *LatestCache {
	if l != nil {
		c.logger = l
	}
	return c
}

// InsertAll inserts through the wrapped repository, then caches the newest
// telemetry reading of every key in envs.
func (c *LatestCache) InsertAll(ctx context.Context, envs []envelope.Envelope) (int64, error) {
	n, err := c.next.InsertAll(ctx, envs)
	if err != nil {
		return n, err
	}

	latest := make(map[string]envelope.Envelope)
	for _, e := range envs {
		if e.Category != envelope.CategoryTelemetry {
			continue
		}
		key := routing.KeyOf(e)
		if cur, ok := latest[key]; !ok || !e.Timestamp.Before(cur.Timestamp) {
			latest[key] = e
		}
	}
	if len(latest) == 0 {
		return n, nil
	}

	pipe := c.client.Pipeline()
	for key, e := range latest {
		k := c.prefix + key
		pipe.HSet(ctx, k,
			"event_id", e.EventID,
			"timestamp", e.Timestamp.UnixMilli(),
			"value", strconv.FormatFloat(e.Value, 'g', -1, 64),
			"unit", e.Unit,
			"quality", string(e.Quality),
			"node_id", e.NodeID,
		)
		if c.ttl > 0 {
			pipe.Expire(ctx, k, c.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("failed to cache latest readings", "keys", len(latest), "error", err)
	}
	return n, nil
}

// Latest returns the cached reading for a partition key.
func (c *LatestCache) Latest(ctx context.Context, key string) (Reading, error) {
	fields, err := c.client.HGetAll(ctx, c.prefix+key).Result()
	if err != nil {
		return Reading{}, fmt.Errorf("historian: read latest %s: %w", key, err)
	}
	if len(fields) == 0 {
		return Reading{}, ErrNoReading
	}

	r := Reading{
		EventID: fields["event_id"],
		Unit:    fields["unit"],
		Quality: envelope.Quality(fields["quality"]),
	}
	if ms, err := strconv.ParseInt(fields["timestamp"], 10, 64); err == nil {
		r.Timestamp = time.UnixMilli(ms).UTC()
	}
	if v, err := strconv.ParseFloat(fields["value"], 64); err == nil {
		r.Value = v
	}
	if id, err := strconv.Atoi(fields["node_id"]); err == nil {
		r.NodeID = id
	}
	return r, nil
}

var _ Repository = (*LatestCache)(nil)
