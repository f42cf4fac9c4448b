package node

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rbaliyan/scadaflow/envelope"
	"github.com/rbaliyan/scadaflow/generator"
	"github.com/rbaliyan/scadaflow/outbox"
)

// inlineTx runs fn without a database; the memory store ignores the handle.
type inlineTx struct{}

func (inlineTx) Execute(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return fn(nil)
}

type countingCache struct {
	mu   sync.Mutex
	envs []envelope.Envelope
}

func (c *countingCache) Insert(ctx context.Context, q outbox.DBTX, envs ...envelope.Envelope) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, envs...)
	return int64(len(envs)), nil
}

func (c *countingCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

type recordingPublisher struct {
	sent atomic.Int64
}

func (p *recordingPublisher) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	p.sent.Add(1)
	return nil
}

func newGenerator() *generator.Generator {
	id := generator.Identity{NodeID: 7, Plant: "PLANT01", Area: "AREA01", Unit: generator.UnitName(7)}
	return generator.New(id, generator.WithSeed(42))
}

func TestCycleOnceStagesEverything(t *testing.T) {
	store := outbox.NewMemoryStore()
	writer := outbox.NewWriter(inlineTx{}, store)
	n := New(newGenerator(), writer, outbox.NewDispatcher(store, &recordingPublisher{}), nil)

	res, err := n.CycleOnce(context.Background())
	if err != nil {
		t.Fatalf("CycleOnce: %v", err)
	}
	if res.Telemetry != len(generator.DefaultTags) {
		t.Errorf("expected %d telemetry envelopes, got %d", len(generator.DefaultTags), res.Telemetry)
	}
	total := res.Telemetry + res.Events + res.Alarms
	if res.Staged != int64(total) {
		t.Errorf("expected %d staged rows, got %d", total, res.Staged)
	}
	if store.Len() != total {
		t.Errorf("expected %d rows in the outbox, got %d", total, store.Len())
	}
}

func TestCycleOnceWithLocalCache(t *testing.T) {
	store := outbox.NewMemoryStore()
	cache := &countingCache{}
	writer := outbox.NewWriter(inlineTx{}, store).WithLocalCache(cache)
	n := New(newGenerator(), writer, outbox.NewDispatcher(store, &recordingPublisher{}), nil).
		WithLocalCache(true)

	res, err := n.CycleOnce(context.Background())
	if err != nil {
		t.Fatalf("CycleOnce: %v", err)
	}
	if cache.len() != res.Telemetry {
		t.Errorf("expected %d cached telemetry rows, got %d", res.Telemetry, cache.len())
	}
	if store.Len() != res.Telemetry+res.Events+res.Alarms {
		t.Errorf("outbox holds %d rows, cycle produced %d", store.Len(), res.Telemetry+res.Events+res.Alarms)
	}
}

func TestRunDeliversAndStops(t *testing.T) {
	store := outbox.NewMemoryStore()
	pub := &recordingPublisher{}
	disp := outbox.NewDispatcher(store, pub).WithPollInterval(5 * time.Millisecond)
	n := New(newGenerator(), outbox.NewWriter(inlineTx{}, store), disp, nil).
		WithInterval(5 * time.Millisecond).
		WithStatusEvery(2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for pub.sent.Load() < int64(2*len(generator.DefaultTags)) {
		select {
		case <-deadline:
			t.Fatalf("only %d rows published", pub.sent.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// orderStager records writes and whether any arrived after the dispatcher
// was told to stop.
type orderStager struct {
	writes      atomic.Int64
	dispatchers atomic.Bool
	late        atomic.Int64
}

func (s *orderStager) WriteBatch(ctx context.Context, envs []envelope.Envelope) (int64, error) {
	s.writes.Add(1)
	if s.dispatchers.Load() {
		s.late.Add(1)
	}
	return int64(len(envs)), nil
}

func (s *orderStager) WriteEventWithLocalCache(ctx context.Context, env envelope.Envelope) (string, error) {
	return env.EventID, nil
}

type blockingDispatcher struct {
	onStop func()
	err    error
}

func (d *blockingDispatcher) Start(ctx context.Context) error {
	if d.err != nil {
		return d.err
	}
	<-ctx.Done()
	d.onStop()
	return ctx.Err()
}

func (d *blockingDispatcher) Metrics(ctx context.Context) (outbox.Snapshot, error) {
	return outbox.Snapshot{Pending: 500, Failed: 1}, nil
}

func TestGenerationStopsBeforeDispatch(t *testing.T) {
	stager := &orderStager{}
	stopped := make(chan struct{})
	disp := &blockingDispatcher{onStop: func() {
		stager.dispatchers.Store(true)
		close(stopped)
	}}
	n := New(newGenerator(), stager, disp, &blockingDispatcher{onStop: func() {}}).
		WithInterval(time.Millisecond).
		WithStatusEvery(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	for stager.writes.Load() < 3 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
	<-stopped
	if stager.late.Load() != 0 {
		t.Errorf("%d writes happened after the dispatcher stopped", stager.late.Load())
	}
}

type flakyStager struct {
	calls atomic.Int64
}

func (s *flakyStager) WriteBatch(ctx context.Context, envs []envelope.Envelope) (int64, error) {
	if s.calls.Add(1) == 1 {
		return 0, errors.New("database is locked")
	}
	return int64(len(envs)), nil
}

func (s *flakyStager) WriteEventWithLocalCache(ctx context.Context, env envelope.Envelope) (string, error) {
	return env.EventID, nil
}

func TestCycleErrorsAreNotFatal(t *testing.T) {
	stager := &flakyStager{}
	n := New(newGenerator(), stager, &blockingDispatcher{onStop: func() {}}, nil).
		WithInterval(time.Millisecond)

	if _, err := n.CycleOnce(context.Background()); err == nil {
		t.Fatal("expected the first cycle to fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	for stager.calls.Load() < 3 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestBackgroundFailureEndsRun(t *testing.T) {
	boom := errors.New("kafka client closed")
	n := New(newGenerator(), &orderStager{}, &blockingDispatcher{err: boom}, nil).
		WithInterval(time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- n.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("expected %v, got %v", boom, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the dispatcher failed")
	}
}
