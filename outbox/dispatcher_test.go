package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/scadaflow/envelope"
	"github.com/rbaliyan/scadaflow/routing"
)

type countingMetrics struct {
	published, retried, failed int
	recovered                  int64
}

func (m *countingMetrics) Published(string) { m.published++ }
func (m *countingMetrics) Retried(string)   { m.retried++ }
func (m *countingMetrics) Failed(string)    { m.failed++ }
func (m *countingMetrics) Recovered(n int64) {
	m.recovered += n
}

// stalledPublisher never completes on its own; it returns when its context
// is done.
type stalledPublisher struct{}

func (stalledPublisher) Publish(ctx context.Context, _, _ string, _ []byte, _ map[string]string) error {
	<-ctx.Done()
	return ctx.Err()
}

func newTestDispatcher(store Store, pub Publisher, clk *fakeClock) *Dispatcher {
	return NewDispatcher(store, pub).
		WithInstanceID("dispatcher-test").
		WithClock(clk.now)
}

func TestDispatchOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes and marks sent", func(t *testing.T) {
		store := NewMemoryStore()
		clk := newFakeClock()
		pub := &fakePublisher{}
		metrics := &countingMetrics{}
		env := testEnvelope("INLET_PRESSURE", envelope.CategoryTelemetry)
		rows := stage(t, store, clk, env)

		res, err := newTestDispatcher(store, pub, clk).WithMetrics(metrics).DispatchOnce(ctx)
		if err != nil {
			t.Fatalf("DispatchOnce failed: %v", err)
		}
		if res.Claimed != 1 || res.Sent != 1 {
			t.Fatalf("unexpected result: %+v", res)
		}
		if metrics.published != 1 {
			t.Errorf("expected 1 published metric, got %d", metrics.published)
		}

		msgs := pub.messages()
		if len(msgs) != 1 {
			t.Fatalf("expected 1 message, got %d", len(msgs))
		}
		msg := msgs[0]
		if msg.topic != routing.TopicTelemetryPressure {
			t.Errorf("expected pressure topic, got %s", msg.topic)
		}
		if msg.key != "PLANT_01.AREA_01.UNIT_01.INLET_PRESSURE" {
			t.Errorf("unexpected key %s", msg.key)
		}

		var body envelope.Envelope
		if err := json.Unmarshal(msg.value, &body); err != nil {
			t.Fatalf("payload is not an envelope: %v", err)
		}
		if !cmp.Equal(body, env) {
			t.Errorf("diff : %v", cmp.Diff(body, env))
		}

		wantHeaders := map[string]string{
			HeaderEventID:         env.EventID,
			HeaderNodeID:          "7",
			HeaderCategory:        "telemetry",
			HeaderContentType:     "application/json",
			HeaderCorrelationID:   env.EventID,
			HeaderCausationID:     env.EventID,
			HeaderTraceID:         rows[0].Headers.TraceID,
			HeaderSchemaVersion:   "1.0.0",
			HeaderSourceTimestamp: "2024-03-01T11:59:59.000Z",
		}
		if !cmp.Equal(msg.headers, wantHeaders) {
			t.Errorf("diff : %v", cmp.Diff(msg.headers, wantHeaders))
		}

		row, _ := store.Get(env.EventID)
		if row.Status != StatusSent || row.SentAt == nil || row.LockedBy != "" {
			t.Errorf("unexpected row state: %+v", row)
		}
	})

	t.Run("preserves order per key", func(t *testing.T) {
		store := NewMemoryStore()
		clk := newFakeClock()
		pub := &fakePublisher{}
		a := testEnvelope("FLOW_RATE", envelope.CategoryTelemetry)
		b := testEnvelope("FLOW_RATE", envelope.CategoryTelemetry)
		c := testEnvelope("FLOW_RATE", envelope.CategoryTelemetry)
		stage(t, store, clk, a, b, c)

		if _, err := newTestDispatcher(store, pub, clk).DispatchOnce(ctx); err != nil {
			t.Fatalf("DispatchOnce failed: %v", err)
		}

		var got []string
		for _, m := range pub.messages() {
			got = append(got, m.headers[HeaderEventID])
		}
		want := []string{a.EventID, b.EventID, c.EventID}
		if !cmp.Equal(got, want) {
			t.Errorf("diff : %v", cmp.Diff(got, want))
		}
	})

	t.Run("failure schedules retry with backoff", func(t *testing.T) {
		store := NewMemoryStore()
		clk := newFakeClock()
		pub := &fakePublisher{fail: func(int) error { return errors.New("broker down") }}
		rows := stage(t, store, clk, testEnvelope("FLOW_RATE", envelope.CategoryTelemetry))
		d := newTestDispatcher(store, pub, clk)

		res, _ := d.DispatchOnce(ctx)
		if res.Retried != 1 {
			t.Fatalf("expected 1 retry, got %+v", res)
		}
		row, _ := store.Get(rows[0].ID)
		if row.Status != StatusPending || row.RetryCount != 1 || row.LastError != "broker down" {
			t.Errorf("unexpected row state: %+v", row)
		}
		if !row.AvailableAt.Equal(clk.now().Add(5 * time.Second)) {
			t.Errorf("expected availableAt now+5s, got %v", row.AvailableAt)
		}

		clk.advance(4 * time.Second)
		if res, _ := d.DispatchOnce(ctx); res.Claimed != 0 {
			t.Error("row retried before backoff elapsed")
		}

		clk.advance(time.Second)
		d.DispatchOnce(ctx)
		row, _ = store.Get(rows[0].ID)
		if row.RetryCount != 2 || !row.AvailableAt.Equal(clk.now().Add(30*time.Second)) {
			t.Errorf("unexpected second retry: count=%d at=%v", row.RetryCount, row.AvailableAt)
		}
	})

	t.Run("stalled publish is cut off and retried", func(t *testing.T) {
		store := NewMemoryStore()
		clk := newFakeClock()
		rows := stage(t, store, clk, testEnvelope("FLOW_RATE", envelope.CategoryTelemetry))
		d := newTestDispatcher(store, stalledPublisher{}, clk).WithPublishTimeout(20 * time.Millisecond)

		done := make(chan Result, 1)
		go func() {
			res, _ := d.DispatchOnce(ctx)
			done <- res
		}()

		select {
		case res := <-done:
			if res.Retried != 1 {
				t.Fatalf("expected 1 retry, got %+v", res)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("DispatchOnce did not honour the publish timeout")
		}

		row, _ := store.Get(rows[0].ID)
		if row.Status != StatusPending || row.RetryCount != 1 {
			t.Errorf("unexpected row state: %+v", row)
		}
	})

	t.Run("retry ceiling parks row as failed", func(t *testing.T) {
		store := NewMemoryStore()
		clk := newFakeClock()
		pub := &fakePublisher{fail: func(int) error { return errors.New("broker down") }}
		metrics := &countingMetrics{}
		rows := stage(t, store, clk, testEnvelope("FLOW_RATE", envelope.CategoryTelemetry))
		d := newTestDispatcher(store, pub, clk).WithMaxRetries(3).WithMetrics(metrics)

		for i := 0; i < 10; i++ {
			d.DispatchOnce(ctx)
			clk.advance(MaxBackoff)
		}

		if pub.callCount() != 3 {
			t.Errorf("expected 3 publish attempts, got %d", pub.callCount())
		}
		row, _ := store.Get(rows[0].ID)
		if row.Status != StatusFailed || row.RetryCount != 3 {
			t.Errorf("unexpected row state: %+v", row)
		}
		if metrics.retried != 2 || metrics.failed != 1 {
			t.Errorf("unexpected metrics: %+v", metrics)
		}
	})

	t.Run("cancellation releases the rest of the claim", func(t *testing.T) {
		store := NewMemoryStore()
		clk := newFakeClock()
		cctx, cancel := context.WithCancel(ctx)
		defer cancel()

		pub := &fakePublisher{hook: func(call int) {
			if call == 1 {
				cancel()
			}
		}}
		rows := stage(t, store, clk,
			testEnvelope("FLOW_RATE", envelope.CategoryTelemetry),
			testEnvelope("FLOW_RATE", envelope.CategoryTelemetry),
			testEnvelope("FLOW_RATE", envelope.CategoryTelemetry))

		res, err := newTestDispatcher(store, pub, clk).DispatchOnce(cctx)
		if err != nil {
			t.Fatalf("DispatchOnce failed: %v", err)
		}
		if res.Sent != 1 || res.Released != 2 {
			t.Fatalf("unexpected result: %+v", res)
		}

		first, _ := store.Get(rows[0].ID)
		if first.Status != StatusSent {
			t.Errorf("in-flight publish was not settled: %s", first.Status)
		}
		for _, r := range rows[1:] {
			row, _ := store.Get(r.ID)
			if row.Status != StatusPending || row.RetryCount != 0 || row.LockedBy != "" {
				t.Errorf("row %s not released: %+v", r.ID, row)
			}
		}
	})

	t.Run("invalid rows never reach the store", func(t *testing.T) {
		store := NewMemoryStore()
		env := testEnvelope("flow", envelope.CategoryTelemetry)
		if _, err := NewWriter(nil, store).NewRow(env); !envelope.IsInvalid(err) {
			t.Errorf("expected validation error, got %v", err)
		}
	})
}

func TestRecoverOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clk := newFakeClock()
	metrics := &countingMetrics{}
	rows := stage(t, store, clk, testEnvelope("FLOW_RATE", envelope.CategoryTelemetry))
	d := newTestDispatcher(store, &fakePublisher{}, clk).WithMetrics(metrics)

	// Simulate a dispatcher that crashed after claiming.
	if claimed, _ := store.Claim(ctx, "dispatcher-crashed", 10, clk.now()); len(claimed) != 1 {
		t.Fatal("expected claim")
	}

	clk.advance(DefaultLockTimeout - time.Second)
	if n, _ := d.RecoverOnce(ctx); n != 0 {
		t.Errorf("recovered a live claim")
	}

	clk.advance(2 * time.Second)
	n, err := d.RecoverOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RecoverOnce = %d, %v", n, err)
	}
	if metrics.recovered != 1 {
		t.Errorf("expected recovered metric 1, got %d", metrics.recovered)
	}

	row, _ := store.Get(rows[0].ID)
	if row.Status != StatusPending || row.LockedBy != "" || row.LockedAt != nil {
		t.Errorf("unexpected row state: %+v", row)
	}

	res, _ := d.DispatchOnce(ctx)
	if res.Sent != 1 {
		t.Errorf("recovered row was not dispatched: %+v", res)
	}
}

func TestMetricsSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clk := newFakeClock()
	stage(t, store, clk,
		testEnvelope("FLOW_RATE", envelope.CategoryTelemetry),
		testEnvelope("UNIT_START", envelope.CategoryEvent))
	start := clk.now().Add(-2 * time.Millisecond)
	clk.advance(10 * time.Second)

	snap, err := newTestDispatcher(store, &fakePublisher{}, clk).Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics failed: %v", err)
	}
	want := Snapshot{
		Pending:          2,
		OldestPendingAge: clk.now().Sub(start),
		InstanceID:       "dispatcher-test",
	}
	if !cmp.Equal(snap, want) {
		t.Errorf("diff : %v", cmp.Diff(snap, want))
	}

	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	json.Unmarshal(data, &decoded)
	if decoded["oldestPendingAgeMs"] != float64(10002) {
		t.Errorf("unexpected oldestPendingAgeMs: %v", decoded["oldestPendingAgeMs"])
	}
}

func TestDispatcherStart(t *testing.T) {
	store := NewMemoryStore()
	clk := newFakeClock()
	done := make(chan struct{})
	pub := &fakePublisher{hook: func(call int) {
		if call == 1 {
			close(done)
		}
	}}
	stage(t, store, clk, testEnvelope("FLOW_RATE", envelope.CategoryTelemetry))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- newTestDispatcher(store, pub, clk).
			WithPollInterval(10 * time.Millisecond).
			WithRecoveryInterval(10 * time.Millisecond).
			Start(ctx)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not publish")
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
