package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// KVStore is the minimal persistence interface the circuit breaker uses to
// survive a gateway restart without losing trip state.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// CircuitBreaker guards a single Brain (the configured LLM provider) against
// a run of consecutive failures. After Threshold consecutive failures it
// trips open and rejects calls for Cooldown before allowing another attempt.
type CircuitBreaker struct {
	mu       sync.Mutex
	failures int
	lastFail time.Time
	tripped  bool

	threshold int
	cooldown  time.Duration

	kvStore KVStore
	name    string
}

// NewCircuitBreaker creates a breaker that trips after threshold consecutive
// failures and stays open for cooldown. threshold<=0 defaults to 5,
// cooldown<=0 defaults to 5 minutes.
func NewCircuitBreaker(name string, threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &CircuitBreaker{name: name, threshold: threshold, cooldown: cooldown}
}

// SetKVStore attaches optional persistence for trip state.
func (cb *CircuitBreaker) SetKVStore(kv KVStore) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.kvStore = kv
}

// Allow reports whether a call should be attempted right now. It returns
// false while the breaker is open and the cooldown has not yet elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return !cb.isTrippedLocked()
}

func (cb *CircuitBreaker) isTrippedLocked() bool {
	if !cb.tripped {
		return false
	}
	if time.Since(cb.lastFail) >= cb.cooldown {
		// Cooldown elapsed: allow a half-open probe by clearing the trip.
		cb.tripped = false
		cb.failures = 0
		return false
	}
	return true
}

// RecordFailure registers a call failure. After threshold consecutive
// failures the breaker trips open.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context) {
	cb.mu.Lock()
	cb.failures++
	cb.lastFail = time.Now()
	if cb.failures >= cb.threshold {
		cb.tripped = true
	}
	cb.mu.Unlock()
	cb.persistState(ctx)
}

// RecordSuccess clears the failure count, closing the breaker.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context) {
	cb.mu.Lock()
	cb.failures = 0
	cb.tripped = false
	cb.mu.Unlock()
	cb.persistState(ctx)
}

// Tripped reports whether the breaker is currently open.
func (cb *CircuitBreaker) Tripped() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.tripped && time.Since(cb.lastFail) < cb.cooldown
}

type breakerState struct {
	Failures int       `json:"failures"`
	LastFail time.Time `json:"last_failure"`
	Tripped  bool      `json:"tripped"`
}

func (cb *CircuitBreaker) persistState(ctx context.Context) {
	cb.mu.Lock()
	kv := cb.kvStore
	state := breakerState{Failures: cb.failures, LastFail: cb.lastFail, Tripped: cb.tripped}
	name := cb.name
	cb.mu.Unlock()
	if kv == nil {
		return
	}
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	_ = kv.Set(ctx, "cb:"+name, data)
}

// LoadState restores breaker state previously persisted via a KVStore.
func (cb *CircuitBreaker) LoadState(ctx context.Context, kv KVStore) error {
	data, err := kv.Get(ctx, "cb:"+cb.name)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var state breakerState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("unmarshal breaker state: %w", err)
	}
	cb.mu.Lock()
	cb.failures = state.Failures
	cb.lastFail = state.LastFail
	cb.tripped = state.Tripped
	cb.kvStore = kv
	cb.mu.Unlock()
	return nil
}

// ErrBreakerOpen is returned by GuardedBrain when the circuit breaker is open.
var ErrBreakerOpen = errors.New("llm: circuit breaker open")

// GuardedBrain wraps a single Brain with a CircuitBreaker, classifying
// errors via ClassifyError so that a context-overflow response (which
// retrying the same provider cannot fix) doesn't itself count toward the
// trip threshold.
type GuardedBrain struct {
	Brain   Brain
	Breaker *CircuitBreaker
}

// NewGuardedBrain wires a Brain behind a named circuit breaker.
func NewGuardedBrain(name string, brain Brain, threshold int, cooldown time.Duration) *GuardedBrain {
	return &GuardedBrain{Brain: brain, Breaker: NewCircuitBreaker(name, threshold, cooldown)}
}

// Respond calls the wrapped Brain's Respond, recording success/failure on
// the breaker and short-circuiting with ErrBreakerOpen while tripped.
func (g *GuardedBrain) Respond(ctx context.Context, req Request) (PlanResult, error) {
	if !g.Breaker.Allow() {
		return PlanResult{}, ErrBreakerOpen
	}
	result, err := g.Brain.Respond(ctx, req)
	if err != nil {
		class := ClassifyError(err)
		if class != ErrorClassContextOverflow {
			g.Breaker.RecordFailure(ctx)
		}
		return PlanResult{}, err
	}
	g.Breaker.RecordSuccess(ctx)
	return result, nil
}
