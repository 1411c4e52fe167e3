package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_TripsAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		cb.RecordFailure(ctx)
		if !cb.Allow() {
			t.Fatalf("breaker tripped early after %d failures", i+1)
		}
	}
	cb.RecordFailure(ctx)
	if cb.Allow() {
		t.Fatal("expected breaker to be open after reaching threshold")
	}
}

func TestCircuitBreaker_ClosesAfterCooldown(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 10*time.Millisecond)
	ctx := context.Background()

	cb.RecordFailure(ctx)
	if cb.Allow() {
		t.Fatal("expected breaker open immediately after trip")
	}
	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("expected breaker to allow a probe after cooldown elapsed")
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker("test", 2, time.Minute)
	ctx := context.Background()

	cb.RecordFailure(ctx)
	cb.RecordSuccess(ctx)
	cb.RecordFailure(ctx)
	if !cb.Allow() {
		t.Fatal("expected breaker still closed: success should have reset the streak")
	}
}

type fakeKV struct{ data map[string][]byte }

func newFakeKV() *fakeKV { return &fakeKV{data: map[string][]byte{}} }

func (f *fakeKV) Get(_ context.Context, key string) ([]byte, error) { return f.data[key], nil }
func (f *fakeKV) Set(_ context.Context, key string, value []byte) error {
	f.data[key] = value
	return nil
}

func TestCircuitBreaker_PersistAndLoad(t *testing.T) {
	kv := newFakeKV()
	ctx := context.Background()

	cb := NewCircuitBreaker("anthropic", 1, time.Minute)
	cb.SetKVStore(kv)
	cb.RecordFailure(ctx)
	if !cb.Tripped() {
		t.Fatal("expected breaker tripped")
	}

	restored := NewCircuitBreaker("anthropic", 1, time.Minute)
	if err := restored.LoadState(ctx, kv); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if !restored.Tripped() {
		t.Fatal("expected restored breaker to remain tripped")
	}
}

type stubBrain struct {
	calls int
	err   error
	res   PlanResult
}

func (s *stubBrain) Respond(ctx context.Context, req Request) (PlanResult, error) {
	s.calls++
	if s.err != nil {
		return PlanResult{}, s.err
	}
	return s.res, nil
}

func TestGuardedBrain_OpensAfterFailures(t *testing.T) {
	brain := &stubBrain{err: errors.New("503 server error")}
	guarded := NewGuardedBrain("primary", brain, 2, time.Minute)
	ctx := context.Background()

	if _, err := guarded.Respond(ctx, Request{}); err == nil {
		t.Fatal("expected error from first failing call")
	}
	if _, err := guarded.Respond(ctx, Request{}); err == nil {
		t.Fatal("expected error from second failing call")
	}
	if _, err := guarded.Respond(ctx, Request{}); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected ErrBreakerOpen after threshold, got %v", err)
	}
	if brain.calls != 2 {
		t.Fatalf("expected underlying brain called twice (not on the open-breaker call), got %d", brain.calls)
	}
}

func TestGuardedBrain_ContextOverflowDoesNotCountTowardTrip(t *testing.T) {
	brain := &stubBrain{err: errors.New("prompt exceeds context window")}
	guarded := NewGuardedBrain("primary", brain, 1, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := guarded.Respond(ctx, Request{}); err == nil {
			t.Fatal("expected error")
		}
	}
	if !guarded.Breaker.Allow() {
		t.Fatal("context overflow errors should not trip the breaker")
	}
}

func TestGuardedBrain_Success(t *testing.T) {
	brain := &stubBrain{res: PlanResult{Kind: PlanText, Text: "hi"}}
	guarded := NewGuardedBrain("primary", brain, 3, time.Minute)

	result, err := guarded.Respond(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if result.Kind != PlanText || result.Text != "hi" {
		t.Fatalf("unexpected result %+v", result)
	}
}
