package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dskow/relay-core/internal/breaker"
	"github.com/dskow/relay-core/internal/brokerconn"
	"github.com/dskow/relay-core/internal/deadletter"
	"github.com/dskow/relay-core/internal/metrics"
	"github.com/dskow/relay-core/internal/retry"
)

func init() {
	metrics.Init()
}

// fakePublisher fails the first failures calls, then succeeds.
type fakePublisher struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *fakePublisher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fastPolicy() retry.Policy {
	return retry.Policy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Base: 2.0, MaxAttempts: 3}
}

func newTestPipeline(t *testing.T, pub Publisher) (*Pipeline, *deadletter.Store, *metrics.Collector, *breaker.Breaker) {
	t.Helper()
	store, err := deadletter.Open(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	brk := breaker.New("test", breaker.Config{FailureThreshold: 5, SuccessThreshold: 2, ResetTimeout: time.Minute}, slog.Default())
	collector := metrics.NewCollector(func() string { return brk.State().String() })
	p := New(pub, brk, store, collector, fastPolicy(), Config{PublishTimeout: time.Second}, slog.Default())
	return p, store, collector, brk
}

func TestDeliver_SuccessFirstAttempt(t *testing.T) {
	pub := &fakePublisher{}
	p, store, collector, _ := newTestPipeline(t, pub)

	got := p.Deliver(context.Background(), Message{Channel: "player.1", Payload: []byte("e")})
	if got != OutcomeDelivered {
		t.Fatalf("expected Delivered, got %v", got)
	}
	if pub.callCount() != 1 {
		t.Fatalf("expected 1 publish call, got %d", pub.callCount())
	}

	snap := collector.Snapshot()
	if snap.Channels["player.1"].Processed != 1 {
		t.Fatalf("expected processed=1, got %+v", snap.Channels["player.1"])
	}
	if n, _ := store.CountPending(); n != 0 {
		t.Fatalf("expected no dead letters, got %d", n)
	}
}

func TestDeliver_SuccessAfterRetry(t *testing.T) {
	pub := &fakePublisher{failures: 2, err: errors.New("flaky broker")}
	p, store, collector, _ := newTestPipeline(t, pub)

	got := p.Deliver(context.Background(), Message{Channel: "player.1", Payload: []byte("e")})
	if got != OutcomeDelivered {
		t.Fatalf("expected Delivered, got %v", got)
	}
	if pub.callCount() != 3 {
		t.Fatalf("expected 3 publish calls, got %d", pub.callCount())
	}

	snap := collector.Snapshot()
	if cc := snap.Channels["player.1"]; cc.Processed != 1 || cc.DeadLettered != 0 {
		t.Fatalf("unexpected counters: %+v", cc)
	}
	if n, _ := store.CountPending(); n != 0 {
		t.Fatalf("expected no dead letters, got %d", n)
	}
}

func TestDeliver_ExhaustedRetriesDeadLetters(t *testing.T) {
	pub := &fakePublisher{failures: 100, err: errors.New("broker rejects everything")}
	p, store, collector, _ := newTestPipeline(t, pub)

	got := p.Deliver(context.Background(), Message{Channel: "player.2", Payload: []byte("lost")})
	if got != OutcomeDeadLettered {
		t.Fatalf("expected DeadLettered, got %v", got)
	}
	if pub.callCount() != 3 {
		t.Fatalf("expected exactly max_attempts=3 publish calls, got %d", pub.callCount())
	}

	entries, err := store.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one dead letter entry, got %d", len(entries))
	}
	e := entries[0]
	if e.RetryCount != 3 {
		t.Fatalf("expected retry_count=3, got %d", e.RetryCount)
	}
	if e.Kind != KindPublishError {
		t.Fatalf("expected kind %q, got %q", KindPublishError, e.Kind)
	}
	if string(e.Payload) != "lost" {
		t.Fatalf("payload not preserved: %q", e.Payload)
	}

	snap := collector.Snapshot()
	if cc := snap.Channels["player.2"]; cc.DeadLettered != 1 || cc.Failed != 1 || cc.Processed != 0 {
		t.Fatalf("unexpected counters: %+v", cc)
	}
}

func TestDeliver_OpenBreakerRejectsWithoutPublishing(t *testing.T) {
	pub := &fakePublisher{}
	p, store, collector, brk := newTestPipeline(t, pub)

	for i := 0; i < 5; i++ {
		brk.RecordFailure()
	}
	if brk.State() != breaker.StateOpen {
		t.Fatalf("expected open breaker, got %v", brk.State())
	}

	got := p.Deliver(context.Background(), Message{Channel: "player.3", Payload: []byte("x")})
	if got != OutcomeRejected {
		t.Fatalf("expected Rejected, got %v", got)
	}
	if pub.callCount() != 0 {
		t.Fatalf("publisher must not be invoked when breaker is open, got %d calls", pub.callCount())
	}

	entries, _ := store.List(0)
	if len(entries) != 1 {
		t.Fatalf("expected one dead letter entry, got %d", len(entries))
	}
	if entries[0].RetryCount != 0 {
		t.Fatalf("expected retry_count=0, got %d", entries[0].RetryCount)
	}
	if entries[0].Kind != KindBreakerOpen {
		t.Fatalf("expected kind %q, got %q", KindBreakerOpen, entries[0].Kind)
	}
	if entries[0].Error != "circuit breaker open" {
		t.Fatalf("unexpected error text %q", entries[0].Error)
	}

	snap := collector.Snapshot()
	if snap.BreakerState != "open" {
		t.Fatalf("expected breaker_state open, got %q", snap.BreakerState)
	}
	if cc := snap.Channels["player.3"]; cc.DeadLettered != 1 {
		t.Fatalf("expected dead_lettered=1, got %+v", cc)
	}
}

func TestDeliver_BreakerOpensAfterConsecutiveFailedMessages(t *testing.T) {
	pub := &fakePublisher{failures: 1 << 30, err: errors.New("down")}
	p, _, _, brk := newTestPipeline(t, pub)

	// Each failed delivery counts as one breaker failure.
	for i := 0; i < 5; i++ {
		if got := p.Deliver(context.Background(), Message{Channel: "c", Payload: []byte("x")}); got != OutcomeDeadLettered {
			t.Fatalf("delivery %d: expected DeadLettered, got %v", i+1, got)
		}
	}
	if brk.State() != breaker.StateOpen {
		t.Fatalf("expected breaker open after 5 failed deliveries, got %v", brk.State())
	}

	// The 6th message is rejected without touching the publisher.
	before := pub.callCount()
	if got := p.Deliver(context.Background(), Message{Channel: "c", Payload: []byte("x")}); got != OutcomeRejected {
		t.Fatalf("expected Rejected, got %v", got)
	}
	if pub.callCount() != before {
		t.Fatal("rejected delivery must not invoke the publisher")
	}
}

func TestDeliver_BrokerDownClassification(t *testing.T) {
	pub := &fakePublisher{failures: 1 << 30, err: brokerconn.ErrNotConnected}
	p, store, _, _ := newTestPipeline(t, pub)

	if got := p.Deliver(context.Background(), Message{Channel: "c", Payload: []byte("x")}); got != OutcomeDeadLettered {
		t.Fatalf("expected DeadLettered, got %v", got)
	}

	entries, _ := store.List(0)
	if len(entries) != 1 || entries[0].Kind != KindBrokerDown {
		t.Fatalf("expected broker_down classification, got %+v", entries)
	}
}

func TestUpdatePolicy_AppliesToNextDelivery(t *testing.T) {
	pub := &fakePublisher{failures: 1 << 30, err: errors.New("down")}
	p, store, _, _ := newTestPipeline(t, pub)

	p.UpdatePolicy(retry.Policy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Base: 2.0, MaxAttempts: 1})

	if got := p.Deliver(context.Background(), Message{Channel: "c", Payload: []byte("x")}); got != OutcomeDeadLettered {
		t.Fatalf("expected DeadLettered, got %v", got)
	}
	if pub.callCount() != 1 {
		t.Fatalf("expected a single attempt under the swapped policy, got %d", pub.callCount())
	}
	entries, _ := store.List(0)
	if len(entries) != 1 || entries[0].RetryCount != 1 {
		t.Fatalf("expected retry_count=1 on the dead letter, got %+v", entries)
	}
}

func TestUpdatePolicy_ConcurrentWithDeliveries(t *testing.T) {
	pub := &fakePublisher{failures: 1 << 30, err: errors.New("down")}
	p, _, _, brk := newTestPipeline(t, pub)
	// Keep the breaker out of the way so every delivery reads the policy.
	brk.UpdateConfig(breaker.Config{FailureThreshold: 1 << 30, SuccessThreshold: 2, ResetTimeout: time.Minute})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			p.UpdatePolicy(fastPolicy())
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if got := p.Deliver(context.Background(), Message{Channel: "c", Payload: []byte("x")}); got != OutcomeDeadLettered {
					t.Errorf("expected DeadLettered, got %v", got)
					return
				}
			}
		}()
	}
	wg.Wait()
	<-done
}

func TestOutcome_String(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    string
	}{
		{OutcomeDelivered, "delivered"},
		{OutcomeDeadLettered, "dead_lettered"},
		{OutcomeRejected, "rejected"},
		{Outcome(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.outcome.String(); got != tt.want {
			t.Errorf("Outcome(%d).String() = %q, want %q", tt.outcome, got, tt.want)
		}
	}
}
