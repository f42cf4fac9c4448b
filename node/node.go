// Package node runs a field node: it generates envelopes on a fixed cycle,
// stages them in the local outbox and keeps the dispatcher and pruner running
// next to the generation loop.
//
// The node never talks to the broker directly. When the broker is away the
// outbox grows and the periodic status log warns about it; the dispatcher
// drains the backlog once the broker returns.
//
// Shutdown order:
//
//	ctx cancelled
//	    -> generation loop stops (no new rows are staged)
//	    -> dispatcher and pruner are cancelled and finish their current step
//	    -> Run returns
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rbaliyan/scadaflow/envelope"
	"github.com/rbaliyan/scadaflow/outbox"
)

// Defaults.
const (
	DefaultInterval    = time.Second
	DefaultStatusEvery = 60
	DefaultPendingWarn = 100
)

// Source produces the envelopes of one generation cycle.
type Source interface {
	Cycle() []envelope.Envelope
}

// Stager writes envelopes into the outbox.
type Stager interface {
	WriteBatch(ctx context.Context, envs []envelope.Envelope) (int64, error)
	WriteEventWithLocalCache(ctx context.Context, env envelope.Envelope) (string, error)
}

// Dispatcher delivers staged rows and reports the outbox snapshot.
type Dispatcher interface {
	Start(ctx context.Context) error
	Metrics(ctx context.Context) (outbox.Snapshot, error)
}

// Runner is a background loop such as the outbox pruner.
type Runner interface {
	Start(ctx context.Context) error
}

// CycleResult summarises one generation cycle.
type CycleResult struct {
	Telemetry int
	Events    int
	Alarms    int
	Staged    int64
}

// Node is a running field node.
type Node struct {
	source      Source
	stager      Stager
	dispatcher  Dispatcher
	pruner      Runner
	localCache  bool
	interval    time.Duration
	statusEvery int
	pendingWarn int64
	logger      *slog.Logger

	cycles int
}

// New creates a node. pruner may be nil.
func New(source Source, stager Stager, dispatcher Dispatcher, pruner Runner) *Node {
	return &Node{
		source:      source,
		stager:      stager,
		dispatcher:  dispatcher,
		pruner:      pruner,
		interval:    DefaultInterval,
		statusEvery: DefaultStatusEvery,
		pendingWarn: DefaultPendingWarn,
		logger:      slog.Default().With("component", "node"),
	}
}

// WithLocalCache stages telemetry together with the local read cache.
func (n *Node) WithLocalCache(enabled bool) *Node {
	n.localCache = enabled
	return n
}

// WithInterval sets the generation cycle.
func (n *Node) WithInterval(d time.Duration) *Node {
	if d > 0 {
		n.interval = d
	}
	return n
}

// WithStatusEvery logs the outbox snapshot every k cycles.
func (n *Node) WithStatusEvery(k int) *Node {
	if k > 0 {
		n.statusEvery = k
	}
	return n
}

// WithPendingWarn sets the pending count above which the status log warns.
func (n *Node) WithPendingWarn(limit int64) *Node {
	if limit > 0 {
		n.pendingWarn = limit
	}
	return n
}

// WithLogger sets a custom logger.
func (n *Node) WithLogger(l *slog.Logger) *Node {
	if l != nil {
		n.logger = l
	}
	return n
}

// Run generates until ctx is cancelled, then stops the dispatcher and the
// pruner. It returns nil on a clean shutdown and the first error of a
// background loop that failed on its own.
func (n *Node) Run(ctx context.Context) error {
	bg, stop := context.WithCancel(context.WithoutCancel(ctx))
	defer stop()

	g, gctx := errgroup.WithContext(bg)
	g.Go(func() error { return n.dispatcher.Start(gctx) })
	if n.pruner != nil {
		g.Go(func() error { return n.pruner.Start(gctx) })
	}

	n.logger.Info("generation loop started", "interval", n.interval, "local_cache", n.localCache)
	n.generate(ctx, gctx)
	n.logger.Info("generation loop stopped", "cycles", n.cycles)

	stop()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (n *Node) generate(ctx, background context.Context) {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		n.tick(ctx)

		select {
		case <-ctx.Done():
			return
		case <-background.Done():
			return
		case <-ticker.C:
		}
	}
}

func (n *Node) tick(ctx context.Context) {
	res, err := n.CycleOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			n.logger.Error("generation cycle failed, retrying next cycle", "cycle", n.cycles, "error", err)
		}
		return
	}
	if n.cycles%n.statusEvery == 0 {
		n.logStatus(ctx, res)
	}
}

// CycleOnce generates and stages one cycle.
func (n *Node) CycleOnce(ctx context.Context) (CycleResult, error) {
	n.cycles++

	var (
		res    CycleResult
		staged []envelope.Envelope
		errs   []error
	)
	for _, env := range n.source.Cycle() {
		switch env.Category {
		case envelope.CategoryTelemetry:
			res.Telemetry++
		case envelope.CategoryEvent:
			res.Events++
		case envelope.CategoryAlarm:
			res.Alarms++
		}

		if n.localCache && env.Category == envelope.CategoryTelemetry {
			if _, err := n.stager.WriteEventWithLocalCache(ctx, env); err != nil {
				errs = append(errs, err)
				continue
			}
			res.Staged++
			continue
		}
		staged = append(staged, env)
	}

	if len(staged) > 0 {
		inserted, err := n.stager.WriteBatch(ctx, staged)
		if err != nil {
			errs = append(errs, err)
		}
		res.Staged += inserted
	}

	if err := errors.Join(errs...); err != nil {
		return res, fmt.Errorf("cycle %d: %w", n.cycles, err)
	}
	return res, nil
}

func (n *Node) logStatus(ctx context.Context, res CycleResult) {
	snap, err := n.dispatcher.Metrics(ctx)
	if err != nil {
		n.logger.Warn("failed to read outbox snapshot", "error", err)
		return
	}

	n.logger.Info("publishing status",
		"cycle", n.cycles,
		"telemetry", res.Telemetry,
		"events", res.Events,
		"alarms", res.Alarms,
		"pending", snap.Pending,
		"in_progress", snap.InProgress,
		"sent", snap.Sent,
		"failed", snap.Failed,
		"oldest_pending_age", snap.OldestPendingAge)

	if snap.Pending > n.pendingWarn {
		n.logger.Warn("pending outbox rows accumulating, broker may be unreachable", "pending", snap.Pending)
	}
	if snap.Failed > 0 {
		n.logger.Error("failed outbox rows need operator requeue", "failed", snap.Failed)
	}
}
